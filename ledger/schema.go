package ledger

import (
	"context"
	"fmt"

	"sdl/sqlite"
)

// Схема хранится как упорядоченный список миграций; applied-версии
// фиксируются в schema_migrations. База, созданная более новой схемой,
// отвергается с ErrSchemaMismatch — даунгрейд кода поверх новой базы
// запрещён.
var migrations = []string{
	// 1: базовые таблицы леджера.
	`
	CREATE TABLE IF NOT EXISTS repos (
		repo_id        TEXT PRIMARY KEY,
		root_path      TEXT NOT NULL,
		languages      TEXT NOT NULL DEFAULT '[]',
		ignore_globs   TEXT NOT NULL DEFAULT '[]',
		max_file_bytes INTEGER NOT NULL DEFAULT 1048576,
		registered_at  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS versions (
		repo_id        TEXT NOT NULL REFERENCES repos(repo_id) ON DELETE CASCADE,
		version        INTEGER NOT NULL,
		parent_version INTEGER NOT NULL DEFAULT 0,
		kind           TEXT NOT NULL CHECK (kind IN ('initial','incremental','full')),
		created_at     INTEGER NOT NULL,
		fingerprints   TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (repo_id, version)
	);

	CREATE TABLE IF NOT EXISTS files (
		repo_id              TEXT NOT NULL REFERENCES repos(repo_id) ON DELETE CASCADE,
		path                 TEXT NOT NULL,
		content_hash         TEXT NOT NULL,
		language             TEXT NOT NULL,
		last_indexed_version INTEGER NOT NULL,
		PRIMARY KEY (repo_id, path)
	);

	CREATE TABLE IF NOT EXISTS symbols (
		repo_id         TEXT NOT NULL REFERENCES repos(repo_id) ON DELETE CASCADE,
		symbol_id       TEXT NOT NULL,
		file            TEXT NOT NULL,
		name            TEXT NOT NULL,
		kind            TEXT NOT NULL,
		ordinal         INTEGER NOT NULL DEFAULT 0,
		exported        INTEGER NOT NULL DEFAULT 0,
		visibility      TEXT NOT NULL DEFAULT 'public',
		signature       TEXT NOT NULL DEFAULT '{}',
		summary         TEXT,
		start_line      INTEGER NOT NULL,
		start_col       INTEGER NOT NULL,
		end_line        INTEGER NOT NULL,
		end_col         INTEGER NOT NULL,
		ast_fingerprint TEXT NOT NULL,
		first_seen      INTEGER NOT NULL,
		last_seen       INTEGER,
		PRIMARY KEY (repo_id, symbol_id, first_seen)
	);

	-- Инвариант: ровно одна живая генерация на (repo, symbol).
	CREATE UNIQUE INDEX IF NOT EXISTS idx_symbols_live
		ON symbols(repo_id, symbol_id) WHERE last_seen IS NULL;
	CREATE INDEX IF NOT EXISTS idx_symbols_file ON symbols(repo_id, file);
	CREATE INDEX IF NOT EXISTS idx_symbols_name ON symbols(repo_id, name COLLATE NOCASE);

	CREATE TABLE IF NOT EXISTS edges (
		repo_id         TEXT NOT NULL REFERENCES repos(repo_id) ON DELETE CASCADE,
		edge_key        TEXT NOT NULL,
		from_symbol_id  TEXT NOT NULL,
		to_symbol_id    TEXT,
		callee          TEXT NOT NULL DEFAULT '',
		type            TEXT NOT NULL CHECK (type IN ('call','import','reExport')),
		weight          REAL NOT NULL DEFAULT 1.0,
		confidence      REAL NOT NULL DEFAULT 1.0,
		resolution      TEXT NOT NULL CHECK (resolution IN ('exact','heuristic','unresolved')),
		candidate_count INTEGER NOT NULL DEFAULT 0,
		first_seen      INTEGER NOT NULL,
		last_seen       INTEGER,
		PRIMARY KEY (repo_id, edge_key, first_seen)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_edges_live
		ON edges(repo_id, edge_key) WHERE last_seen IS NULL;
	CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(repo_id, from_symbol_id);
	CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(repo_id, to_symbol_id);
	`,
}

const migrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
);`

func migrate(ctx context.Context, db *sqlite.Database) error {
	if _, err := db.Exec(ctx, migrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	row := db.QueryRow(ctx, `SELECT IFNULL(MAX(version), 0) FROM schema_migrations`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > len(migrations) {
		return fmt.Errorf("%w: database schema %d, binary supports %d", ErrSchemaMismatch, current, len(migrations))
	}

	for i := current; i < len(migrations); i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations(version, applied_at) VALUES (?, strftime('%s','now'))`, i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
