package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaVersion is the latest schema version supported by the migrator.
const SchemaVersion = 1

// migrations are applied in order; index i upgrades the schema to version i+1.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS waybill_counters (
			instance TEXT NOT NULL,
			name TEXT NOT NULL,
			value BIGINT NOT NULL,
			PRIMARY KEY (instance, name)
		)`,
		`CREATE TABLE IF NOT EXISTS waybill_products (
			instance TEXT NOT NULL,
			product_id BIGINT NOT NULL,
			name TEXT NOT NULL,
			manufacturer TEXT NOT NULL,
			current_location TEXT NOT NULL,
			status TEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (instance, product_id)
		)`,
		`CREATE TABLE IF NOT EXISTS waybill_supply_steps (
			instance TEXT NOT NULL,
			step_id BIGINT NOT NULL,
			product_id BIGINT NOT NULL,
			location TEXT NOT NULL,
			handler TEXT NOT NULL,
			notes TEXT NOT NULL,
			recorded_at BIGINT NOT NULL,
			PRIMARY KEY (instance, step_id)
		)`,
		`CREATE TABLE IF NOT EXISTS waybill_retention (
			instance TEXT PRIMARY KEY,
			live_until BIGINT NOT NULL
		)`,
	},
}

// Migrate ensures the schema exists and is upgraded to SchemaVersion.
func Migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	if db == nil {
		return fmt.Errorf("migrate: db is nil")
	}

	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS waybill_schema_migrations (version INTEGER PRIMARY KEY)`)
	if err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}

	var current int
	err = db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM waybill_schema_migrations`).Scan(&current)
	if err != nil {
		return fmt.Errorf("migrate: read current version: %w", err)
	}
	if current >= SchemaVersion {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate: begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for v := current; v < len(migrations); v++ {
		for _, stmt := range migrations[v] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migrate: apply version %d: %w", v+1, err)
			}
		}
		if _, err := tx.ExecContext(ctx, d.Rebind(`INSERT INTO waybill_schema_migrations (version) VALUES (?)`), v+1); err != nil {
			return fmt.Errorf("migrate: record version %d: %w", v+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: commit: %w", err)
	}
	return nil
}
