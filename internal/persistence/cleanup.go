package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PruneTelemetry deletes telemetry history older than before.
// Messages and nodes are never deleted.
func PruneTelemetry(ctx context.Context, db *sql.DB, before time.Time) (int64, error) {
	if db == nil {
		return 0, fmt.Errorf("database is not initialized")
	}

	res, err := db.ExecContext(ctx, `DELETE FROM telemetry WHERE at < ?`, toUnixMillis(before))
	if err != nil {
		return 0, fmt.Errorf("prune telemetry: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune telemetry rows: %w", err)
	}

	return deleted, nil
}
