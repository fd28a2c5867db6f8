// Package ledger is the durable symbol/edge store: every mutation lands in a
// single WAL-backed SQLite transaction keyed by a monotonic per-repo version,
// and every read is point-in-time against a caller-pinned version. One
// logical writer, any number of readers; readers never see a half-applied
// pass.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"sdl/sqlite"
)

const (
	busyRetries = 3
	busyBackoff = 100 * time.Millisecond
)

// Store owns the ledger database.
type Store struct {
	db      *sqlite.Database
	writeMu sync.Mutex
	logger  *log.Logger
}

// Open opens (creating if needed) the ledger database at path and applies
// pending schema migrations.
func Open(path string) (*Store, error) {
	// DSN-параметры дублируют PRAGMA-настройку: busy_timeout и foreign_keys
	// per-connection, а пул держит несколько читателей.
	dsn := path + "?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on"
	db, err := sqlite.Open(dsn, sqlite.Options{
		MaxOpenConns: 8, // пул читателей; писатель сериализован мьютексом
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	s := &Store{
		db:     db,
		logger: log.New(os.Stderr, "ledger: ", log.LstdFlags),
	}
	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// WriteTx is the single-writer mutation surface. All mutations of one index
// pass go through one WriteTx; partial application is impossible.
type WriteTx struct {
	ctx context.Context
	tx  *sqlite.Tx
}

// WithWriteTx serializes the caller behind the single logical writer, opens
// one transaction, and classifies failures: busy errors retry with backoff up
// to the retry budget, constraint violations abort as ErrIntegrity.
func (s *Store) WithWriteTx(ctx context.Context, fn func(tx *WriteTx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	backoff := busyBackoff
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		err = s.tryWriteTx(ctx, fn)
		if !errors.Is(err, ErrStoreBusy) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func (s *Store) tryWriteTx(ctx context.Context, fn func(tx *WriteTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	wtx := &WriteTx{ctx: ctx, tx: tx}
	if err := fn(wtx); err != nil {
		tx.Rollback()
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		tx.Rollback()
		return classify(err)
	}
	return nil
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case sqlite.IsBusy(err):
		return fmt.Errorf("%w: %v", ErrStoreBusy, err)
	case sqlite.IsConstraint(err):
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	default:
		return err
	}
}

// --- repos ---

// RegisterRepo creates or updates a repository registration.
func (s *Store) RegisterRepo(ctx context.Context, r Repo) error {
	langs, _ := json.Marshal(r.Languages)
	ignore, _ := json.Marshal(r.IgnoreGlobs)
	if r.MaxFileBytes <= 0 {
		r.MaxFileBytes = 1 << 20
	}
	return s.WithWriteTx(ctx, func(tx *WriteTx) error {
		_, err := tx.tx.Exec(ctx, `
			INSERT INTO repos (repo_id, root_path, languages, ignore_globs, max_file_bytes, registered_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(repo_id) DO UPDATE SET
				root_path = excluded.root_path,
				languages = excluded.languages,
				ignore_globs = excluded.ignore_globs,
				max_file_bytes = excluded.max_file_bytes`,
			r.RepoID, r.RootPath, string(langs), string(ignore), r.MaxFileBytes, time.Now().Unix())
		return err
	})
}

// GetRepo returns a repo registration or ErrUnknownRepo.
func (s *Store) GetRepo(ctx context.Context, repoID string) (*Repo, error) {
	row := s.db.QueryRow(ctx, `
		SELECT repo_id, root_path, languages, ignore_globs, max_file_bytes, registered_at
		FROM repos WHERE repo_id = ?`, repoID)
	var r Repo
	var langs, ignore string
	var registered int64
	if err := row.Scan(&r.RepoID, &r.RootPath, &langs, &ignore, &r.MaxFileBytes, &registered); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRepo, repoID)
		}
		return nil, err
	}
	json.Unmarshal([]byte(langs), &r.Languages)
	json.Unmarshal([]byte(ignore), &r.IgnoreGlobs)
	r.RegisteredAt = time.Unix(registered, 0)
	return &r, nil
}

// ListRepos returns every registration ordered by id.
func (s *Store) ListRepos(ctx context.Context) ([]*Repo, error) {
	rows, err := s.db.Query(ctx, `SELECT repo_id FROM repos ORDER BY repo_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Repo
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		r, err := s.GetRepo(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- versions ---

// Head returns the current head version for the repo, 0 when never indexed.
func (s *Store) Head(ctx context.Context, repoID string) (int64, error) {
	row := s.db.QueryRow(ctx, `SELECT IFNULL(MAX(version), 0) FROM versions WHERE repo_id = ?`, repoID)
	var head int64
	if err := row.Scan(&head); err != nil {
		return 0, err
	}
	return head, nil
}

// GetVersion loads one version including its per-file fingerprints.
func (s *Store) GetVersion(ctx context.Context, repoID string, version int64) (*Version, error) {
	row := s.db.QueryRow(ctx, `
		SELECT version, parent_version, kind, created_at, fingerprints
		FROM versions WHERE repo_id = ? AND version = ?`, repoID, version)
	return scanVersion(row, repoID)
}

func scanVersion(row *sql.Row, repoID string) (*Version, error) {
	var v Version
	var created int64
	var fps string
	if err := row.Scan(&v.Version, &v.Parent, &v.Kind, &created, &fps); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnknownVersion
		}
		return nil, err
	}
	v.RepoID = repoID
	v.CreatedAt = time.Unix(created, 0)
	v.Fingerprints = make(map[string]FileFingerprint)
	if err := json.Unmarshal([]byte(fps), &v.Fingerprints); err != nil {
		return nil, fmt.Errorf("%w: bad fingerprints for v%d: %v", ErrIntegrity, v.Version, err)
	}
	return &v, nil
}

// CreateVersion allocates the next version on top of parent. Observing a
// stale parent (not the current head) fails with ErrStaleParent: the caller
// re-reads the head and retries its pass.
func (tx *WriteTx) CreateVersion(repoID string, parent int64, kind string, fingerprints map[string]FileFingerprint) (int64, error) {
	row := tx.tx.QueryRow(tx.ctx, `SELECT IFNULL(MAX(version), 0) FROM versions WHERE repo_id = ?`, repoID)
	var head int64
	if err := row.Scan(&head); err != nil {
		return 0, err
	}
	if parent != head {
		return 0, fmt.Errorf("%w: parent %d, head %d", ErrStaleParent, parent, head)
	}
	fps, err := json.Marshal(fingerprints)
	if err != nil {
		return 0, err
	}
	next := head + 1
	if _, err := tx.tx.Exec(tx.ctx, `
		INSERT INTO versions (repo_id, version, parent_version, kind, created_at, fingerprints)
		VALUES (?, ?, ?, ?, ?, ?)`,
		repoID, next, parent, kind, time.Now().Unix(), string(fps)); err != nil {
		return 0, err
	}
	return next, nil
}

// --- files ---

// UpsertFile records the current content hash of an indexed file.
func (tx *WriteTx) UpsertFile(repoID, path, contentHash, language string, version int64) error {
	_, err := tx.tx.Exec(tx.ctx, `
		INSERT INTO files (repo_id, path, content_hash, language, last_indexed_version)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(repo_id, path) DO UPDATE SET
			content_hash = excluded.content_hash,
			language = excluded.language,
			last_indexed_version = excluded.last_indexed_version`,
		repoID, path, contentHash, language, version)
	return err
}

// DeleteFile drops a removed file's current-state row.
func (tx *WriteTx) DeleteFile(repoID, path string) error {
	_, err := tx.tx.Exec(tx.ctx, `DELETE FROM files WHERE repo_id = ? AND path = ?`, repoID, path)
	return err
}

// --- symbol lifecycle ---

// UpsertSymbol applies the born / re-observed / modified lifecycle. A
// matching fingerprint re-observes the live generation without mutation
// (only the stored position is refreshed when the symbol moved); a differing
// fingerprint retires the live generation at v and starts a new one.
func (tx *WriteTx) UpsertSymbol(v int64, sym *Symbol) error {
	row := tx.tx.QueryRow(tx.ctx, `
		SELECT ast_fingerprint, start_line, start_col, end_line, end_col, first_seen
		FROM symbols WHERE repo_id = ? AND symbol_id = ? AND last_seen IS NULL`,
		sym.RepoID, sym.SymbolID)
	var fp string
	var sl, sc, el, ec int
	var first int64
	err := row.Scan(&fp, &sl, &sc, &el, &ec, &first)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return tx.insertSymbol(v, sym)
	case err != nil:
		return err
	}

	if fp == sym.Fingerprint {
		if sl != sym.Range.StartLine || sc != sym.Range.StartCol || el != sym.Range.EndLine || ec != sym.Range.EndCol {
			_, err := tx.tx.Exec(tx.ctx, `
				UPDATE symbols SET start_line=?, start_col=?, end_line=?, end_col=?
				WHERE repo_id=? AND symbol_id=? AND last_seen IS NULL`,
				sym.Range.StartLine, sym.Range.StartCol, sym.Range.EndLine, sym.Range.EndCol,
				sym.RepoID, sym.SymbolID)
			return err
		}
		return nil
	}

	if _, err := tx.tx.Exec(tx.ctx, `
		UPDATE symbols SET last_seen = ? WHERE repo_id = ? AND symbol_id = ? AND last_seen IS NULL`,
		v, sym.RepoID, sym.SymbolID); err != nil {
		return err
	}
	return tx.insertSymbol(v, sym)
}

func (tx *WriteTx) insertSymbol(v int64, sym *Symbol) error {
	sig, err := json.Marshal(sym.Signature)
	if err != nil {
		return err
	}
	_, err = tx.tx.Exec(tx.ctx, `
		INSERT INTO symbols (repo_id, symbol_id, file, name, kind, ordinal, exported, visibility,
			signature, summary, start_line, start_col, end_line, end_col, ast_fingerprint, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		sym.RepoID, sym.SymbolID, sym.File, sym.Name, string(sym.Kind), sym.Ordinal,
		boolInt(sym.Exported), sym.Visibility, string(sig), nullable(sym.Summary),
		sym.Range.StartLine, sym.Range.StartCol, sym.Range.EndLine, sym.Range.EndCol,
		sym.Fingerprint, v)
	return err
}

// RetireSymbol marks the live generation absent as of version v and retires
// every live edge touching the symbol so no resolved edge dangles.
func (tx *WriteTx) RetireSymbol(v int64, repoID, symbolID string) error {
	if _, err := tx.tx.Exec(tx.ctx, `
		UPDATE symbols SET last_seen = ? WHERE repo_id = ? AND symbol_id = ? AND last_seen IS NULL`,
		v, repoID, symbolID); err != nil {
		return err
	}
	_, err := tx.tx.Exec(tx.ctx, `
		UPDATE edges SET last_seen = ?
		WHERE repo_id = ? AND last_seen IS NULL AND (from_symbol_id = ? OR to_symbol_id = ?)`,
		v, repoID, symbolID, symbolID)
	return err
}

// LiveSymbolIDsByFile lists live symbol ids in one file, inside the write tx.
func (tx *WriteTx) LiveSymbolIDsByFile(repoID, file string) ([]string, error) {
	rows, err := tx.tx.Query(tx.ctx, `
		SELECT symbol_id FROM symbols
		WHERE repo_id = ? AND file = ? AND last_seen IS NULL`, repoID, file)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- edge lifecycle ---

// UpsertEdge applies the edge lifecycle. The identity key ignores resolution
// fields, so upgrading unresolved→exact replaces the generation in place.
func (tx *WriteTx) UpsertEdge(v int64, e *Edge) error {
	key := e.Key()
	row := tx.tx.QueryRow(tx.ctx, `
		SELECT IFNULL(to_symbol_id, ''), resolution, confidence, weight, candidate_count
		FROM edges WHERE repo_id = ? AND edge_key = ? AND last_seen IS NULL`,
		e.RepoID, key)
	var toID, res string
	var conf, weight float64
	var cand int
	err := row.Scan(&toID, &res, &conf, &weight, &cand)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return tx.insertEdge(v, key, e)
	case err != nil:
		return err
	}

	if toID == e.ToID && res == e.Resolution && conf == e.Confidence && weight == e.Weight && cand == e.CandidateCount {
		return nil
	}
	if _, err := tx.tx.Exec(tx.ctx, `
		UPDATE edges SET last_seen = ? WHERE repo_id = ? AND edge_key = ? AND last_seen IS NULL`,
		v, e.RepoID, key); err != nil {
		return err
	}
	return tx.insertEdge(v, key, e)
}

func (tx *WriteTx) insertEdge(v int64, key string, e *Edge) error {
	_, err := tx.tx.Exec(tx.ctx, `
		INSERT INTO edges (repo_id, edge_key, from_symbol_id, to_symbol_id, callee, type,
			weight, confidence, resolution, candidate_count, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		e.RepoID, key, e.FromID, nullable(e.ToID), e.Callee, e.Type,
		e.Weight, e.Confidence, e.Resolution, e.CandidateCount, v)
	return err
}

// RetireEdge retires one live edge generation by key.
func (tx *WriteTx) RetireEdge(v int64, repoID, edgeKey string) error {
	_, err := tx.tx.Exec(tx.ctx, `
		UPDATE edges SET last_seen = ? WHERE repo_id = ? AND edge_key = ? AND last_seen IS NULL`,
		v, repoID, edgeKey)
	return err
}

// LiveEdgeKeysFrom lists live edge keys originating from the given symbols.
func (tx *WriteTx) LiveEdgeKeysFrom(repoID string, fromIDs []string) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, id := range fromIDs {
		rows, err := tx.tx.Query(tx.ctx, `
			SELECT edge_key FROM edges
			WHERE repo_id = ? AND from_symbol_id = ? AND last_seen IS NULL`, repoID, id)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				rows.Close()
				return nil, err
			}
			out[key] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// --- helpers ---

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
