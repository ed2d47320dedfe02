package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/skobkin/meshbot/internal/domain"
)

const nodeColumns = `node_id, long_name, short_name, interface_id, latitude, longitude, altitude,
	battery_level, voltage, rssi, snr, hops_away, pki_verified, last_heard_at, updated_at`

type NodeRepo struct {
	db *sql.DB
}

func NewNodeRepo(db *sql.DB) *NodeRepo {
	return &NodeRepo{db: db}
}

// Upsert stores the full node snapshot. Callers merge sparse updates first.
func (r *NodeRepo) Upsert(ctx context.Context, n domain.Node) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO nodes(`+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			long_name = excluded.long_name,
			short_name = excluded.short_name,
			interface_id = excluded.interface_id,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			altitude = excluded.altitude,
			battery_level = excluded.battery_level,
			voltage = excluded.voltage,
			rssi = excluded.rssi,
			snr = excluded.snr,
			hops_away = excluded.hops_away,
			pki_verified = excluded.pki_verified,
			last_heard_at = MAX(nodes.last_heard_at, excluded.last_heard_at),
			updated_at = excluded.updated_at
	`, n.NodeID, n.LongName, n.ShortName, n.InterfaceID,
		nullableFloat(n.Latitude), nullableFloat(n.Longitude), nullableInt64(n.Altitude),
		nullableInt64(n.BatteryLevel), nullableFloat(n.Voltage), nullableInt64(n.RSSI), nullableFloat(n.SNR),
		nullableInt64(n.HopsAway), nullableBool(n.PKIVerified),
		toUnixMillis(n.LastHeardAt), toUnixMillis(n.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

func (r *NodeRepo) Get(ctx context.Context, nodeID string) (domain.Node, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE node_id = ?`, nodeID)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Node{}, fmt.Errorf("node %q: %w", nodeID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Node{}, err
	}
	return n, nil
}

func (r *NodeRepo) ListSortedByLastHeard(ctx context.Context) ([]domain.Node, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes
		ORDER BY last_heard_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []domain.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return out, nil
}

func scanNode(scanner rowScanner) (domain.Node, error) {
	var (
		n         domain.Node
		lat       sql.NullFloat64
		lon       sql.NullFloat64
		alt       sql.NullInt64
		battery   sql.NullInt64
		voltage   sql.NullFloat64
		rssi      sql.NullInt64
		snr       sql.NullFloat64
		hops      sql.NullInt64
		pki       sql.NullInt64
		heardMs   int64
		updatedMs int64
	)
	if err := scanner.Scan(&n.NodeID, &n.LongName, &n.ShortName, &n.InterfaceID, &lat, &lon, &alt,
		&battery, &voltage, &rssi, &snr, &hops, &pki, &heardMs, &updatedMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Node{}, err
		}
		return domain.Node{}, fmt.Errorf("scan node: %w", err)
	}
	n.Latitude = floatPtr(lat)
	n.Longitude = floatPtr(lon)
	n.Altitude = intPtr[int32](alt)
	n.BatteryLevel = intPtr[uint32](battery)
	n.Voltage = floatPtr(voltage)
	n.RSSI = intPtr[int](rssi)
	n.SNR = floatPtr(snr)
	n.HopsAway = intPtr[uint32](hops)
	n.PKIVerified = boolPtr(pki)
	n.LastHeardAt = fromUnixMillis(heardMs)
	n.UpdatedAt = fromUnixMillis(updatedMs)

	return n, nil
}
