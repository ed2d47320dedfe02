package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order; the index+1 is the schema version.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS messages (
		seq              INTEGER PRIMARY KEY AUTOINCREMENT,
		id               TEXT    NOT NULL UNIQUE,
		interface_id     TEXT    NOT NULL DEFAULT '',
		source           TEXT    NOT NULL,
		destination      TEXT    NOT NULL DEFAULT '',
		channel          INTEGER NOT NULL DEFAULT 0,
		ordering_key     TEXT    NOT NULL,
		body             TEXT    NOT NULL,
		is_dm            INTEGER NOT NULL DEFAULT 0,
		status           TEXT    NOT NULL,
		attempt_count    INTEGER NOT NULL DEFAULT 0,
		defer_count      INTEGER NOT NULL DEFAULT 0,
		last_attempt_at  INTEGER NOT NULL DEFAULT 0,
		next_retry_at    INTEGER NOT NULL DEFAULT 0,
		last_error       TEXT    NOT NULL DEFAULT '',
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL,
		CHECK (destination = '' OR destination <> source)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_due ON messages(status, next_retry_at);
	CREATE INDEX IF NOT EXISTS idx_messages_order ON messages(ordering_key, seq);
	CREATE INDEX IF NOT EXISTS idx_messages_attempt ON messages(status, last_attempt_at);

	CREATE TABLE IF NOT EXISTS nodes (
		node_id       TEXT PRIMARY KEY,
		long_name     TEXT    NOT NULL DEFAULT '',
		short_name    TEXT    NOT NULL DEFAULT '',
		interface_id  TEXT    NOT NULL DEFAULT '',
		latitude      REAL,
		longitude     REAL,
		altitude      INTEGER,
		battery_level INTEGER,
		voltage       REAL,
		rssi          INTEGER,
		snr           REAL,
		hops_away     INTEGER,
		pki_verified  INTEGER,
		last_heard_at INTEGER NOT NULL DEFAULT 0,
		updated_at    INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS telemetry (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		node_id       TEXT    NOT NULL,
		at            INTEGER NOT NULL,
		latitude      REAL,
		longitude     REAL,
		altitude      INTEGER,
		battery_level INTEGER,
		voltage       REAL,
		rssi          INTEGER,
		snr           REAL
	);
	CREATE INDEX IF NOT EXISTS idx_telemetry_node_at ON telemetry(node_id, at);
	`,
	`
	ALTER TABLE messages ADD COLUMN revision INTEGER NOT NULL DEFAULT 0;
	UPDATE messages SET ordering_key = interface_id || '#' || channel WHERE destination = '';
	`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES (?)`, version); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
	}

	return nil
}
