package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations is the ordered, additive-only schema history. The position in
// the slice is the schema version recorded in PRAGMA user_version, so
// entries must never be reordered or edited once released; new changes go
// at the end.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS scheduled_items (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		content_ref  TEXT NOT NULL,
		kind         TEXT,
		scheduled_at INTEGER NOT NULL,
		posted       INTEGER NOT NULL DEFAULT 0,
		created_at   INTEGER NOT NULL
	)`,
	`ALTER TABLE scheduled_items ADD COLUMN preview_ref TEXT`,
	`ALTER TABLE scheduled_items ADD COLUMN caption TEXT`,
	`CREATE INDEX IF NOT EXISTS idx_items_pending
		ON scheduled_items (posted, scheduled_at)`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than this binary (max %d)", version, len(migrations))
	}

	for v := version; v < len(migrations); v++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		// PRAGMA does not support placeholders.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: bump version: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
	}
	return nil
}
