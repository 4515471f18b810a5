package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema creates the movements table. Every statement is idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS movements (
		id           BIGINT PRIMARY KEY,
		box          TEXT NOT NULL CHECK (box IN ('personal', 'marketing')),
		timestamp    BIGINT NOT NULL,
		description  TEXT NOT NULL,
		icon         TEXT NOT NULL DEFAULT '',
		amount       NUMERIC(14,2) NOT NULL,
		receipt_url  TEXT NULL,
		receipt_name TEXT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS movements_timestamp_idx ON movements (timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS movements_box_idx ON movements (box)`,
}

// Migrate applies Schema in a single transaction.
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Migrate: begin: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range Schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("Migrate: statement %d: %w", i, classify(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Migrate: commit: %w", err)
	}
	return nil
}
