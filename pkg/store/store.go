// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store implements the engine's persistence layer: schema,
// migrations, prepared statements, transactions, full-text search, and
// lifecycle maintenance over an embedded SQLite database.
//
// The store is the single writer / many-readers serialization point for
// all durable state (§3, §5 of SPEC_FULL.md). Higher layers interact
// with it only through typed row structs and row keys — never through
// long-lived pointers into its internals.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationMeta lists the numbered migrations in order, for the
// human-readable schema_version ledger required by §6.
var migrationMeta = []struct {
	Version     uint
	Description string
}{
	{1, "core sessions, conversations, messages, FTS"},
	{2, "entities, attributes, relationships, learned patterns"},
	{3, "collaboration, resume checkpoints, handoffs"},
	{4, "ops tables and read views"},
}

// Store wraps a single-writer SQLite connection with the schema and
// operations the rest of the engine depends on.
type Store struct {
	db *sql.DB

	mu    sync.Mutex // serializes Transaction calls (single writer)
	stmts sync.Map   // SQL text -> *sql.Stmt, the prepared-statement cache
}

// ErrStoreOpen is returned when the database file cannot be opened or is
// already locked by another writer.
var ErrStoreOpen = errors.New("store: open failed")

// ErrStoreCorrupt is returned when the database file fails its integrity
// check at open time.
var ErrStoreCorrupt = errors.New("store: database file is corrupt")

// Open opens (creating if necessary) the SQLite database at path,
// configures it per §4.A (WAL journal, normal synchronous, enforced
// foreign keys, 4 KiB pages, ~10 MiB cache, ~128 MiB mmap) and applies
// pending migrations. Open is idempotent and safe to call again on an
// already-migrated file.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreOpen, err)
	}

	// SQLite allows exactly one writer; a single connection serializes
	// access and avoids "database is locked" errors under WAL.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA page_size=4096",
		"PRAGMA cache_size=-10000",   // ~10 MiB
		"PRAGMA mmap_size=134217728", // 128 MiB
		"PRAGMA busy_timeout=10000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: pragma %q: %v", ErrStoreOpen, p, err)
		}
	}

	var integrity string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}
	if integrity != "ok" {
		db.Close()
		return nil, fmt.Errorf("%w: integrity_check: %s", ErrStoreCorrupt, integrity)
	}

	s := &Store{db: db}

	if err := s.applyMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// DB exposes the underlying *sql.DB for components that need ad hoc
// read queries the Store does not otherwise expose (e.g. cleanup's
// vector-orphan scan joined against message_embeddings).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// applyMigrations runs pending numbered migrations in order and records
// each in schema_version. Re-entrant: running it twice is a no-op.
func (s *Store) applyMigrations(ctx context.Context) error {
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("store: migration setup: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("store: read schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("store: schema at version %d is dirty, refusing to continue", version)
	}

	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_version (
    version     INTEGER PRIMARY KEY,
    description TEXT NOT NULL,
    applied_at  TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("store: schema_version ledger: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, meta := range migrationMeta {
		if uint(meta.Version) > version {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO schema_version (version, description, applied_at) VALUES (?, ?, ?)`,
			meta.Version, meta.Description, now); err != nil {
			return fmt.Errorf("store: schema_version ledger: %w", err)
		}
	}

	slog.Info("applied migrations", "schema_version", version)
	return nil
}

// prepare returns a cached prepared statement for query, compiling it on
// first use.
func (s *Store) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	if v, ok := s.stmts.Load(query); ok {
		return v.(*sql.Stmt), nil
	}
	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	actual, loaded := s.stmts.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Transaction executes fn inside an exclusive writer transaction with
// deferred foreign-key checks, rolling back on any error fn returns or
// panics with.
func (s *Store) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "PRAGMA defer_foreign_keys=ON"); err != nil {
		tx.Rollback()
		return fmt.Errorf("store: defer foreign keys: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(tx)
	return err
}

// Vacuum compacts the database file. Callable only when no transaction
// is open; the caller is responsible for ensuring that invariant (the
// Store's single-writer lock makes a concurrent Transaction impossible,
// but Vacuum itself does not hold the writer lock so it must not be
// called from inside a Transaction callback).
func (s *Store) Vacuum(ctx context.Context) (reclaimedBytes int64, err error) {
	var before int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&before); err != nil {
		return 0, fmt.Errorf("store: vacuum: %w", err)
	}
	var pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("store: vacuum: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return 0, fmt.Errorf("store: vacuum: %w", err)
	}

	var after int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&after); err != nil {
		return 0, fmt.Errorf("store: vacuum: %w", err)
	}

	if before > after {
		reclaimedBytes = (before - after) * pageSize
	}
	return reclaimedBytes, nil
}

// nowString returns the current instant as the sub-second RFC3339 string
// used for every timestamp column (Open Question #1: sub-second
// timestamps everywhere, canonical order (created_at DESC, id DESC)).
func nowString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
