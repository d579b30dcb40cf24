// Package store is the daemon's single embedded relational store: a SQLite
// database accessed through database/sql with a small fixed connection
// pool. Schema creation is idempotent so repeated opens and additive
// migrations are always safe.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// maxOpenConns bounds the pool to a small fixed capacity; SQLite serialises
// writers regardless, so a large pool only adds contention.
const maxOpenConns = 4

// Store wraps the package/scene/dependency/job-adjacent tables behind a
// single *sql.DB. All package/scene/dependency writes performed during one
// indexer scan are expected to run inside a transaction obtained via
// BeginIndexTx.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies the schema idempotently.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=off", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginIndexTx starts the single transaction the indexer uses for all of
// one scan's package/dependency/scene writes, so concurrent readers never
// observe a partially-updated package.
func (s *Store) BeginIndexTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

func unixNow() int64 {
	return time.Now().Unix()
}
