// Package sqlite opens the embedded SQLite backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/jacentio/waybill/internal/persistence/sqlstore"
	"github.com/jacentio/waybill/store"
)

const (
	defaultDriver = "sqlite"
	defaultPath   = "waybill.db"
)

var sqlOpen = sql.Open

// OverrideSQLOpen swaps the sql.Open implementation (testing hook) and returns a restore func.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	prev := sqlOpen
	sqlOpen = fn
	return func() { sqlOpen = prev }
}

// Dialect returns the SQLite flavour of the shared SQL backend.
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Name:     "sqlite",
		MapError: mapError,
	}
}

// Open creates or opens the database at path (":memory:" for a private in-memory
// database) and applies the schema.
//
// The database is configured with:
//   - a single connection, so writers are serialized
//   - WAL mode for file databases
//   - a 5-second busy timeout for lock contention
func Open(ctx context.Context, path, instance string) (*sqlstore.Store, error) {
	if path == "" {
		path = defaultPath
	}
	if !inMemory(path) {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}

	db, err := sqlOpen(defaultDriver, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection also keeps a :memory: database alive for the lifetime of db.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := applyPragmas(ctx, db, !inMemory(path)); err != nil {
		_ = db.Close()
		return nil, err
	}

	s, err := sqlstore.New(ctx, db, Dialect(), instance)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func inMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

func applyPragmas(ctx context.Context, db *sql.DB, wal bool) error {
	pragmas := []string{"PRAGMA busy_timeout = 5000"}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// mapError turns constraint and lock failures into store errors.
func mapError(err error) error {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	code := sqliteErr.Code()
	switch {
	case code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return fmt.Errorf("%w: %v", store.ErrAlreadyExists, err)
	case code&0xff == sqlite3.SQLITE_BUSY || code&0xff == sqlite3.SQLITE_LOCKED:
		return fmt.Errorf("%w: %v", store.ErrConcurrentModification, err)
	}
	return err
}
