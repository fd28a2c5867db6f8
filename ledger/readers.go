package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sdl/lang"
)

// liveAt is the point-in-time visibility predicate shared by all readers: a
// generation is visible at V when it was born at or before V and not yet
// retired at V.
const liveAt = `first_seen <= ? AND (last_seen IS NULL OR last_seen > ?)`

const symbolColumns = `repo_id, symbol_id, file, name, kind, ordinal, exported, visibility,
	signature, IFNULL(summary, ''), start_line, start_col, end_line, end_col,
	ast_fingerprint, first_seen, last_seen`

const edgeColumns = `repo_id, from_symbol_id, IFNULL(to_symbol_id, ''), callee, type,
	weight, confidence, resolution, candidate_count, first_seen, last_seen`

// GetSymbol returns the generation of symbolID visible at version.
func (s *Store) GetSymbol(ctx context.Context, repoID string, version int64, symbolID string) (*Symbol, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+symbolColumns+` FROM symbols
		WHERE repo_id = ? AND symbol_id = ? AND `+liveAt,
		repoID, symbolID, version, version)
	sym, err := scanSymbolRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbolID)
	}
	return sym, err
}

// GetSymbolsByFile returns the symbols of one file at version, in positional
// order.
func (s *Store) GetSymbolsByFile(ctx context.Context, repoID string, version int64, file string) ([]*Symbol, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+symbolColumns+` FROM symbols
		WHERE repo_id = ? AND file = ? AND `+liveAt+`
		ORDER BY start_line, start_col, symbol_id`,
		repoID, file, version, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSymbols(rows)
}

// SearchSymbols is a case-insensitive substring search over live symbols at
// version: exact name matches score 1.0, substring matches 0.5. Ordering is
// deterministic (score desc, then name, then id).
func (s *Store) SearchSymbols(ctx context.Context, repoID string, version int64, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(query) + "%"
	rows, err := s.db.Query(ctx, `
		SELECT symbol_id, name, kind, file,
			CASE WHEN lower(name) = lower(?) THEN 1.0 ELSE 0.5 END AS score
		FROM symbols
		WHERE repo_id = ? AND `+liveAt+` AND name LIKE ? ESCAPE '\'
		ORDER BY score DESC, name, symbol_id
		LIMIT ?`,
		query, repoID, version, version, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		var kind string
		if err := rows.Scan(&r.SymbolID, &r.Name, &kind, &r.File, &r.Score); err != nil {
			return nil, err
		}
		r.Kind = lang.Kind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}

func escapeLike(q string) string {
	q = strings.ReplaceAll(q, `\`, `\\`)
	q = strings.ReplaceAll(q, `%`, `\%`)
	return strings.ReplaceAll(q, `_`, `\_`)
}

// GetEdgesFrom returns live-at-version edges originating at symbolID.
func (s *Store) GetEdgesFrom(ctx context.Context, repoID string, version int64, symbolID string) ([]*Edge, error) {
	return s.queryEdges(ctx, `
		SELECT `+edgeColumns+` FROM edges
		WHERE repo_id = ? AND from_symbol_id = ? AND `+liveAt+`
		ORDER BY type, callee, edge_key`,
		repoID, symbolID, version, version)
}

// GetEdgesTo returns live-at-version edges pointing at symbolID.
func (s *Store) GetEdgesTo(ctx context.Context, repoID string, version int64, symbolID string) ([]*Edge, error) {
	return s.queryEdges(ctx, `
		SELECT `+edgeColumns+` FROM edges
		WHERE repo_id = ? AND to_symbol_id = ? AND `+liveAt+`
		ORDER BY type, from_symbol_id, edge_key`,
		repoID, symbolID, version, version)
}

// GetEdgesByRepo returns every live-at-version edge in the repo.
func (s *Store) GetEdgesByRepo(ctx context.Context, repoID string, version int64) ([]*Edge, error) {
	return s.queryEdges(ctx, `
		SELECT `+edgeColumns+` FROM edges
		WHERE repo_id = ? AND `+liveAt+`
		ORDER BY from_symbol_id, type, callee`,
		repoID, version, version)
}

func (s *Store) queryEdges(ctx context.Context, q string, args ...any) ([]*Edge, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LiveFiles returns the current file table for the repo.
func (s *Store) LiveFiles(ctx context.Context, repoID string) ([]FileRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT repo_id, path, content_hash, language, last_indexed_version
		FROM files WHERE repo_id = ? ORDER BY path`, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FileRecord
	for rows.Next() {
		var f FileRecord
		if err := rows.Scan(&f.RepoID, &f.Path, &f.ContentHash, &f.Language, &f.LastIndexed); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Stats is the live row census backing repo.status.
type Stats struct {
	FileCount   int64 `json:"fileCount"`
	SymbolCount int64 `json:"symbolCount"`
	EdgeCount   int64 `json:"edgeCount"`
}

// CountLive counts live rows for the repo.
func (s *Store) CountLive(ctx context.Context, repoID string) (Stats, error) {
	var st Stats
	row := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM files WHERE repo_id = ?`, repoID)
	if err := row.Scan(&st.FileCount); err != nil {
		return st, err
	}
	row = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM symbols WHERE repo_id = ? AND last_seen IS NULL`, repoID)
	if err := row.Scan(&st.SymbolCount); err != nil {
		return st, err
	}
	row = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM edges WHERE repo_id = ? AND last_seen IS NULL`, repoID)
	if err := row.Scan(&st.EdgeCount); err != nil {
		return st, err
	}
	return st, nil
}

// --- delta queries (consumed by the delta engine) ---

// SymbolsAddedBetween lists symbols born in (from, to], sorted by id.
func (s *Store) SymbolsAddedBetween(ctx context.Context, repoID string, from, to int64) ([]*Symbol, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+symbolColumns+` FROM symbols
		WHERE repo_id = ? AND first_seen > ? AND first_seen <= ?
		ORDER BY symbol_id`,
		repoID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSymbols(rows)
}

// SymbolsRemovedBetween lists symbols retired in (from, to] with no
// generation live at to, sorted by id.
func (s *Store) SymbolsRemovedBetween(ctx context.Context, repoID string, from, to int64) ([]*Symbol, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+symbolColumns+` FROM symbols AS sy
		WHERE repo_id = ? AND last_seen IS NOT NULL AND last_seen > ? AND last_seen <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM symbols AS live
			WHERE live.repo_id = sy.repo_id AND live.symbol_id = sy.symbol_id
			  AND live.first_seen <= ? AND (live.last_seen IS NULL OR live.last_seen > ?))
		ORDER BY symbol_id`,
		repoID, from, to, to, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSymbols(rows)
}

// SymbolsModifiedBetween lists symbols live at both endpoints whose
// fingerprint differs; the generation visible at to is returned.
func (s *Store) SymbolsModifiedBetween(ctx context.Context, repoID string, from, to int64) ([]*Symbol, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+symbolColumns+` FROM symbols AS cur
		WHERE repo_id = ? AND `+liveAt+`
		  AND EXISTS (
			SELECT 1 FROM symbols AS prev
			WHERE prev.repo_id = cur.repo_id AND prev.symbol_id = cur.symbol_id
			  AND prev.first_seen <= ? AND (prev.last_seen IS NULL OR prev.last_seen > ?)
			  AND prev.ast_fingerprint <> cur.ast_fingerprint)
		ORDER BY symbol_id`,
		repoID, to, to, from, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSymbols(rows)
}

// --- integrity ---

// IntegrityCheck verifies the database and the ledger invariants: one live
// generation per symbol/edge identity, and no resolved edge pointing at a
// symbol the store has never seen.
func (s *Store) IntegrityCheck(ctx context.Context) error {
	var verdict string
	if err := s.db.QueryRow(ctx, `PRAGMA integrity_check`).Scan(&verdict); err != nil {
		return err
	}
	if verdict != "ok" {
		return fmt.Errorf("%w: sqlite integrity_check: %s", ErrIntegrity, verdict)
	}

	var n int64
	row := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM (
			SELECT repo_id, symbol_id FROM symbols WHERE last_seen IS NULL
			GROUP BY repo_id, symbol_id HAVING COUNT(*) > 1)`)
	if err := row.Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %d symbols with multiple live generations", ErrIntegrity, n)
	}

	row = s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM edges AS e
		WHERE e.to_symbol_id IS NOT NULL
		  AND NOT EXISTS (
			SELECT 1 FROM symbols AS sy
			WHERE sy.repo_id = e.repo_id AND sy.symbol_id = e.to_symbol_id)`)
	if err := row.Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %d dangling resolved edges", ErrIntegrity, n)
	}
	return nil
}

// --- dump/load (sync artifact) ---

// DumpSymbols returns every symbol generation for the repo, ordered.
func (s *Store) DumpSymbols(ctx context.Context, repoID string) ([]*Symbol, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+symbolColumns+` FROM symbols WHERE repo_id = ?
		ORDER BY symbol_id, first_seen`, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSymbols(rows)
}

// DumpEdges returns every edge generation for the repo, ordered.
func (s *Store) DumpEdges(ctx context.Context, repoID string) ([]*Edge, error) {
	return s.queryEdges(ctx, `
		SELECT `+edgeColumns+` FROM edges WHERE repo_id = ?
		ORDER BY edge_key, first_seen`, repoID)
}

// DumpVersions returns every version for the repo in order.
func (s *Store) DumpVersions(ctx context.Context, repoID string) ([]*Version, error) {
	rows, err := s.db.Query(ctx, `
		SELECT version, parent_version, kind, created_at, fingerprints
		FROM versions WHERE repo_id = ? ORDER BY version`, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Version
	for rows.Next() {
		var v Version
		var created int64
		var fps string
		if err := rows.Scan(&v.Version, &v.Parent, &v.Kind, &created, &fps); err != nil {
			return nil, err
		}
		v.RepoID = repoID
		v.CreatedAt = time.Unix(created, 0)
		v.Fingerprints = make(map[string]FileFingerprint)
		json.Unmarshal([]byte(fps), &v.Fingerprints)
		out = append(out, &v)
	}
	return out, rows.Err()
}

// InsertRawSymbol writes a dumped symbol generation verbatim (import path).
func (tx *WriteTx) InsertRawSymbol(sym *Symbol) error {
	sig, err := json.Marshal(sym.Signature)
	if err != nil {
		return err
	}
	var lastSeen any
	if sym.LastSeen != nil {
		lastSeen = *sym.LastSeen
	}
	_, err = tx.tx.Exec(tx.ctx, `
		INSERT INTO symbols (repo_id, symbol_id, file, name, kind, ordinal, exported, visibility,
			signature, summary, start_line, start_col, end_line, end_col, ast_fingerprint, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sym.RepoID, sym.SymbolID, sym.File, sym.Name, string(sym.Kind), sym.Ordinal,
		boolInt(sym.Exported), sym.Visibility, string(sig), nullable(sym.Summary),
		sym.Range.StartLine, sym.Range.StartCol, sym.Range.EndLine, sym.Range.EndCol,
		sym.Fingerprint, sym.FirstSeen, lastSeen)
	return err
}

// InsertRawEdge writes a dumped edge generation verbatim (import path).
func (tx *WriteTx) InsertRawEdge(e *Edge) error {
	var lastSeen any
	if e.LastSeen != nil {
		lastSeen = *e.LastSeen
	}
	_, err := tx.tx.Exec(tx.ctx, `
		INSERT INTO edges (repo_id, edge_key, from_symbol_id, to_symbol_id, callee, type,
			weight, confidence, resolution, candidate_count, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RepoID, e.Key(), e.FromID, nullable(e.ToID), e.Callee, e.Type,
		e.Weight, e.Confidence, e.Resolution, e.CandidateCount, e.FirstSeen, lastSeen)
	return err
}

// InsertRawVersion writes a dumped version verbatim (import path).
func (tx *WriteTx) InsertRawVersion(v *Version) error {
	fps, err := json.Marshal(v.Fingerprints)
	if err != nil {
		return err
	}
	_, err = tx.tx.Exec(tx.ctx, `
		INSERT INTO versions (repo_id, version, parent_version, kind, created_at, fingerprints)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.RepoID, v.Version, v.Parent, v.Kind, v.CreatedAt.Unix(), string(fps))
	return err
}

// ClearRepo removes every row belonging to the repo except its registration.
func (tx *WriteTx) ClearRepo(repoID string) error {
	for _, table := range []string{"edges", "symbols", "files", "versions"} {
		if _, err := tx.tx.Exec(tx.ctx, `DELETE FROM `+table+` WHERE repo_id = ?`, repoID); err != nil {
			return err
		}
	}
	return nil
}

// --- scanning ---

type rowScanner interface{ Scan(dest ...any) error }

func scanSymbolRow(r rowScanner) (*Symbol, error) {
	var sym Symbol
	var kind, sig string
	var exported int
	var lastSeen sql.NullInt64
	err := r.Scan(&sym.RepoID, &sym.SymbolID, &sym.File, &sym.Name, &kind, &sym.Ordinal,
		&exported, &sym.Visibility, &sig, &sym.Summary,
		&sym.Range.StartLine, &sym.Range.StartCol, &sym.Range.EndLine, &sym.Range.EndCol,
		&sym.Fingerprint, &sym.FirstSeen, &lastSeen)
	if err != nil {
		return nil, err
	}
	sym.Kind = lang.Kind(kind)
	sym.Exported = exported != 0
	if err := json.Unmarshal([]byte(sig), &sym.Signature); err != nil {
		return nil, fmt.Errorf("%w: bad signature for %s: %v", ErrIntegrity, sym.SymbolID, err)
	}
	if lastSeen.Valid {
		v := lastSeen.Int64
		sym.LastSeen = &v
	}
	return &sym, nil
}

func scanSymbols(rows *sql.Rows) ([]*Symbol, error) {
	var out []*Symbol
	for rows.Next() {
		sym, err := scanSymbolRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

func scanEdge(r rowScanner) (*Edge, error) {
	var e Edge
	var lastSeen sql.NullInt64
	err := r.Scan(&e.RepoID, &e.FromID, &e.ToID, &e.Callee, &e.Type,
		&e.Weight, &e.Confidence, &e.Resolution, &e.CandidateCount, &e.FirstSeen, &lastSeen)
	if err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		v := lastSeen.Int64
		e.LastSeen = &v
	}
	return &e, nil
}
