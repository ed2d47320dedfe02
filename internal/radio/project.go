package radio

import (
	"math"
	"strings"
	"time"

	"github.com/skobkin/meshbot/internal/domain"
)

// NodeUpdate projects any inbound packet onto a sparse node observation.
// Every packet with a sender refreshes last-heard, not only telemetry.
// Last-heard is the local receive time; the radio's clock may be off.
func NodeUpdate(interfaceID string, pkt Packet, now time.Time) (domain.NodeUpdate, bool) {
	nodeID := domain.FormatNodeNum(pkt.From)
	if nodeID == "" || pkt.From == domain.BroadcastNodeNum {
		return domain.NodeUpdate{}, false
	}

	node := domain.Node{
		NodeID:      nodeID,
		InterfaceID: interfaceID,
		LastHeardAt: now,
		UpdatedAt:   now,
	}
	applySignal(&node, pkt)
	if hops, ok := pkt.Hops(); ok {
		node.HopsAway = &hops
	}
	if info := pkt.NodeInfo; info != nil {
		node.LongName = strings.TrimSpace(info.LongName)
		node.ShortName = strings.TrimSpace(info.ShortName)
		node.PKIVerified = info.PKIVerified
		if info.HopsAway != nil {
			hops := *info.HopsAway
			node.HopsAway = &hops
		}
	}
	applyPosition(&node, pkt.Position)
	applyTelemetry(&node, pkt.Telemetry)

	return domain.NodeUpdate{Node: node, FromPacket: true}, true
}

// TelemetrySample extracts a history row from position/telemetry packets.
func TelemetrySample(pkt Packet, now time.Time) (domain.TelemetrySample, bool) {
	if pkt.Kind != KindTelemetry && pkt.Kind != KindPosition {
		return domain.TelemetrySample{}, false
	}
	update, ok := NodeUpdate("", pkt, now)
	if !ok {
		return domain.TelemetrySample{}, false
	}
	node := update.Node
	sample := domain.TelemetrySample{
		NodeID:       node.NodeID,
		At:           packetTimestamp(pkt.RxTime, now),
		Latitude:     node.Latitude,
		Longitude:    node.Longitude,
		Altitude:     node.Altitude,
		BatteryLevel: node.BatteryLevel,
		Voltage:      node.Voltage,
		RSSI:         node.RSSI,
		SNR:          node.SNR,
	}

	return sample, sample.HasData()
}

func applySignal(node *domain.Node, pkt Packet) {
	if pkt.RxRSSI != nil && *pkt.RxRSSI != 0 {
		v := int(*pkt.RxRSSI)
		node.RSSI = &v
	}
	if pkt.RxSNR != nil {
		v := float64(*pkt.RxSNR)
		node.SNR = &v
	}
}

func applyPosition(node *domain.Node, position *Position) {
	if position == nil {
		return
	}
	if position.LatitudeI != nil && position.LongitudeI != nil {
		lat := float64(*position.LatitudeI) * positionScale
		lon := float64(*position.LongitudeI) * positionScale
		if isValidCoordinate(lat, lon) {
			node.Latitude = &lat
			node.Longitude = &lon
		}
	}
	if position.Altitude != nil {
		alt := *position.Altitude
		node.Altitude = &alt
	}
}

func applyTelemetry(node *domain.Node, telemetry *Telemetry) {
	if telemetry == nil {
		return
	}
	if telemetry.BatteryLevel != nil {
		v := *telemetry.BatteryLevel
		node.BatteryLevel = &v
	}
	if telemetry.Voltage != nil {
		v := float64(*telemetry.Voltage)
		node.Voltage = &v
	}
}

func isValidCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}

	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// PositionFromDegrees converts a coordinate pair into the wire representation.
func PositionFromDegrees(lat, lon float64) *Position {
	latI := int32(math.Round(lat / positionScale))
	lonI := int32(math.Round(lon / positionScale))

	return &Position{LatitudeI: &latI, LongitudeI: &lonI}
}
