// Package postgres opens the PostgreSQL backend through the pgx database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/jacentio/waybill/internal/persistence/sqlstore"
	"github.com/jacentio/waybill/store"
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/waybill?sslmode=disable"
)

// SQLSTATE codes mapped onto store errors.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// OverrideSQLOpen swaps the sql.Open implementation (testing hook) and returns a restore func.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	prev := sqlOpen
	sqlOpen = fn
	openMu.Unlock()
	return func() {
		openMu.Lock()
		sqlOpen = prev
		openMu.Unlock()
	}
}

// Dialect returns the PostgreSQL flavour of the shared SQL backend. Writers run at
// SERIALIZABLE so two transactions reading the same counter cannot both commit.
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Name:           "postgres",
		NumberedParams: true,
		UpdateOptions:  &sql.TxOptions{Isolation: sql.LevelSerializable},
		ViewOptions:    &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true},
		MapError:       mapError,
	}
}

// Open connects to dsn (falls back to defaultDSN) and applies the schema.
func Open(ctx context.Context, dsn, instance string) (*sqlstore.Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s, err := sqlstore.New(ctx, db, Dialect(), instance)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected:
		return fmt.Errorf("%w: %v", store.ErrConcurrentModification, err)
	case codeUniqueViolation:
		return fmt.Errorf("%w: %v", store.ErrAlreadyExists, err)
	}
	return err
}
