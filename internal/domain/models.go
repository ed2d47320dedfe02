package domain

import (
	"strings"
	"time"
)

// Node is the latest known state of a mesh participant.
type Node struct {
	NodeID       string
	LongName     string
	ShortName    string
	InterfaceID  string
	Latitude     *float64
	Longitude    *float64
	Altitude     *int32
	BatteryLevel *uint32
	Voltage      *float64
	RSSI         *int
	SNR          *float64
	HopsAway     *uint32
	PKIVerified  *bool
	LastHeardAt  time.Time
	UpdatedAt    time.Time
}

// NodeUpdate is a sparse node observation decoded from one inbound packet.
type NodeUpdate struct {
	Node       Node
	FromPacket bool
}

// NodeReachability is published whenever a node's online classification flips.
type NodeReachability struct {
	NodeID      string
	Online      bool
	LastHeardAt time.Time
	At          time.Time
}

// TelemetrySample is one historical position/telemetry observation.
type TelemetrySample struct {
	NodeID       string
	At           time.Time
	Latitude     *float64
	Longitude    *float64
	Altitude     *int32
	BatteryLevel *uint32
	Voltage      *float64
	RSSI         *int
	SNR          *float64
}

// HasData reports whether the sample carries anything besides identity and time.
func (s TelemetrySample) HasData() bool {
	return s.Latitude != nil || s.Longitude != nil || s.Altitude != nil ||
		s.BatteryLevel != nil || s.Voltage != nil || s.RSSI != nil || s.SNR != nil
}

// IncomingText is a fully reassembled text received from the mesh.
type IncomingText struct {
	InterfaceID string
	PacketID    uint32
	From        string
	To          string
	Channel     int
	Text        string
	At          time.Time
}

// IsDirect reports whether the text was addressed to a single node.
func (m IncomingText) IsDirect() bool {
	return m.To != ""
}

func NodeDisplayName(node Node) string {
	if value := strings.TrimSpace(node.LongName); value != "" {
		return value
	}
	if value := strings.TrimSpace(node.ShortName); value != "" {
		return value
	}

	return strings.TrimSpace(node.NodeID)
}

// MergeNode applies a sparse update on top of the stored snapshot without wiping known fields.
func MergeNode(existing, update Node) Node {
	node := update
	if node.LongName == "" {
		node.LongName = existing.LongName
	}
	if node.ShortName == "" {
		node.ShortName = existing.ShortName
	}
	if node.InterfaceID == "" {
		node.InterfaceID = existing.InterfaceID
	}
	if node.Latitude == nil {
		node.Latitude = existing.Latitude
	}
	if node.Longitude == nil {
		node.Longitude = existing.Longitude
	}
	if node.Altitude == nil {
		node.Altitude = existing.Altitude
	}
	if node.BatteryLevel == nil {
		node.BatteryLevel = existing.BatteryLevel
	}
	if node.Voltage == nil {
		node.Voltage = existing.Voltage
	}
	if node.RSSI == nil {
		node.RSSI = existing.RSSI
	}
	if node.SNR == nil {
		node.SNR = existing.SNR
	}
	if node.HopsAway == nil {
		node.HopsAway = existing.HopsAway
	}
	if node.PKIVerified == nil {
		node.PKIVerified = existing.PKIVerified
	}
	if node.LastHeardAt.IsZero() || existing.LastHeardAt.After(node.LastHeardAt) {
		node.LastHeardAt = existing.LastHeardAt
	}
	if existing.UpdatedAt.After(node.UpdatedAt) {
		node.UpdatedAt = existing.UpdatedAt
	}

	return node
}

// IsOnline classifies a node by how long ago it was last heard.
func IsOnline(lastHeard, now time.Time, threshold time.Duration) bool {
	if lastHeard.IsZero() {
		return false
	}

	return now.Sub(lastHeard) <= threshold
}
