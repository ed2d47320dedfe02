package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/skobkin/meshbot/internal/domain"
)

// TelemetryRepo implements domain.TelemetryRepository using SQLite.
type TelemetryRepo struct {
	db *sql.DB
}

func NewTelemetryRepo(db *sql.DB) *TelemetryRepo {
	return &TelemetryRepo{db: db}
}

func (r *TelemetryRepo) Insert(ctx context.Context, s domain.TelemetrySample) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO telemetry(node_id, at, latitude, longitude, altitude, battery_level, voltage, rssi, snr)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.NodeID, toUnixMillis(s.At), nullableFloat(s.Latitude), nullableFloat(s.Longitude), nullableInt64(s.Altitude),
		nullableInt64(s.BatteryLevel), nullableFloat(s.Voltage), nullableInt64(s.RSSI), nullableFloat(s.SNR))
	if err != nil {
		return fmt.Errorf("insert telemetry: %w", err)
	}
	return nil
}

// ListByNode returns the newest samples first.
func (r *TelemetryRepo) ListByNode(ctx context.Context, nodeID string, limit int) ([]domain.TelemetrySample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT node_id, at, latitude, longitude, altitude, battery_level, voltage, rssi, snr
		FROM telemetry
		WHERE node_id = ?
		ORDER BY at DESC, id DESC
		LIMIT ?
	`, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list telemetry: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []domain.TelemetrySample
	for rows.Next() {
		var (
			s       domain.TelemetrySample
			atMs    int64
			lat     sql.NullFloat64
			lon     sql.NullFloat64
			alt     sql.NullInt64
			battery sql.NullInt64
			voltage sql.NullFloat64
			rssi    sql.NullInt64
			snr     sql.NullFloat64
		)
		if err := rows.Scan(&s.NodeID, &atMs, &lat, &lon, &alt, &battery, &voltage, &rssi, &snr); err != nil {
			return nil, fmt.Errorf("scan telemetry: %w", err)
		}
		s.At = fromUnixMillis(atMs)
		s.Latitude = floatPtr(lat)
		s.Longitude = floatPtr(lon)
		s.Altitude = intPtr[int32](alt)
		s.BatteryLevel = intPtr[uint32](battery)
		s.Voltage = floatPtr(voltage)
		s.RSSI = intPtr[int](rssi)
		s.SNR = floatPtr(snr)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate telemetry: %w", err)
	}

	return out, nil
}
