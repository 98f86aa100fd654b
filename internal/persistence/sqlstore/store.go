// Package sqlstore implements store.Backend on top of database/sql. The SQLite and
// PostgreSQL packages supply a driver and a Dialect and share everything else.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jacentio/waybill/store"
)

var _ store.Backend = (*Store)(nil)

// Store keeps every record of one instance in the waybill_* tables.
type Store struct {
	db       *sql.DB
	dialect  Dialect
	instance string
}

// New migrates db and returns a backend scoped to instance.
func New(ctx context.Context, db *sql.DB, d Dialect, instance string) (*Store, error) {
	if instance == "" {
		instance = store.DefaultConfig().Instance
	}
	if err := Migrate(ctx, db, d); err != nil {
		return nil, err
	}
	return &Store{db: db, dialect: d, instance: instance}, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Instance returns the instance this backend reads and writes.
func (s *Store) Instance() string { return s.instance }

// Update runs fn inside a database transaction and commits when fn returns nil.
func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	return s.run(ctx, s.dialect.UpdateOptions, false, fn)
}

// View runs fn inside a transaction that rejects writes.
func (s *Store) View(ctx context.Context, fn func(store.Tx) error) error {
	return s.run(ctx, s.dialect.ViewOptions, true, fn)
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) run(ctx context.Context, opts *sql.TxOptions, readOnly bool, fn func(store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", s.dialect.Name, s.dialect.mapError(err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&sqlTx{ctx: ctx, tx: tx, store: s, readOnly: readOnly}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", s.dialect.Name, s.dialect.mapError(err))
	}
	committed = true
	return nil
}

type sqlTx struct {
	ctx      context.Context
	tx       *sql.Tx
	store    *Store
	readOnly bool
}

func (t *sqlTx) exec(query string, args ...any) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	_, err := t.tx.ExecContext(t.ctx, t.store.dialect.Rebind(query), args...)
	return t.store.dialect.mapError(err)
}

func (t *sqlTx) queryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, t.store.dialect.Rebind(query), args...)
}

func (t *sqlTx) Counter(name store.CounterName) (uint64, error) {
	var value uint64
	err := t.queryRow(`SELECT value FROM waybill_counters WHERE instance = ? AND name = ?`,
		t.store.instance, string(name)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("select counter %s: %w", name, t.store.dialect.mapError(err))
	}
	return value, nil
}

func (t *sqlTx) SetCounter(name store.CounterName, value uint64) error {
	err := t.exec(`INSERT INTO waybill_counters (instance, name, value) VALUES (?, ?, ?)
		ON CONFLICT (instance, name) DO UPDATE SET value = excluded.value`,
		t.store.instance, string(name), int64(value))
	if err != nil {
		return fmt.Errorf("upsert counter %s: %w", name, err)
	}
	return nil
}

func (t *sqlTx) Product(id uint64) (store.Product, bool, error) {
	p := store.Product{ID: id}
	var status string
	err := t.queryRow(`SELECT name, manufacturer, current_location, status, updated_at
		FROM waybill_products WHERE instance = ? AND product_id = ?`,
		t.store.instance, int64(id)).Scan(&p.Name, &p.Manufacturer, &p.CurrentLocation, &status, &p.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Product{}, false, nil
	}
	if err != nil {
		return store.Product{}, false, fmt.Errorf("select product %d: %w", id, t.store.dialect.mapError(err))
	}
	p.Status = store.Status(status)
	return p, true, nil
}

func (t *sqlTx) PutProduct(p store.Product) error {
	if p.ID == 0 {
		return store.ErrInvalidID
	}
	err := t.exec(`INSERT INTO waybill_products
		(instance, product_id, name, manufacturer, current_location, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance, product_id) DO UPDATE SET
			name = excluded.name,
			manufacturer = excluded.manufacturer,
			current_location = excluded.current_location,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		t.store.instance, int64(p.ID), p.Name, p.Manufacturer, p.CurrentLocation, string(p.Status), int64(p.Timestamp))
	if err != nil {
		return fmt.Errorf("upsert product %d: %w", p.ID, err)
	}
	return nil
}

func (t *sqlTx) Step(id uint64) (store.SupplyStep, bool, error) {
	s := store.SupplyStep{ID: id}
	err := t.queryRow(`SELECT product_id, location, handler, notes, recorded_at
		FROM waybill_supply_steps WHERE instance = ? AND step_id = ?`,
		t.store.instance, int64(id)).Scan(&s.ProductID, &s.Location, &s.Handler, &s.Notes, &s.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return store.SupplyStep{}, false, nil
	}
	if err != nil {
		return store.SupplyStep{}, false, fmt.Errorf("select step %d: %w", id, t.store.dialect.mapError(err))
	}
	return s, true, nil
}

// PutStep inserts without an upsert clause so the primary key rejects rewrites.
func (t *sqlTx) PutStep(s store.SupplyStep) error {
	if s.ID == 0 {
		return store.ErrInvalidID
	}
	err := t.exec(`INSERT INTO waybill_supply_steps
		(instance, step_id, product_id, location, handler, notes, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.store.instance, int64(s.ID), int64(s.ProductID), s.Location, s.Handler, s.Notes, int64(s.Timestamp))
	if err != nil {
		return fmt.Errorf("insert step %d: %w", s.ID, err)
	}
	return nil
}

func (t *sqlTx) LiveUntil() (uint64, error) {
	var liveUntil uint64
	err := t.queryRow(`SELECT live_until FROM waybill_retention WHERE instance = ?`,
		t.store.instance).Scan(&liveUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("select retention: %w", t.store.dialect.mapError(err))
	}
	return liveUntil, nil
}

func (t *sqlTx) ExtendRetention(now uint64, r store.Retention) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	current, err := t.LiveUntil()
	if err != nil {
		return err
	}
	next, changed := r.Extend(now, current)
	if !changed {
		return nil
	}
	err = t.exec(`INSERT INTO waybill_retention (instance, live_until) VALUES (?, ?)
		ON CONFLICT (instance) DO UPDATE SET live_until = excluded.live_until`,
		t.store.instance, int64(next))
	if err != nil {
		return fmt.Errorf("upsert retention: %w", err)
	}
	return nil
}
