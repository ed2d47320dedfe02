package radio

import (
	"time"

	"github.com/skobkin/meshbot/internal/domain"
)

// PacketKind identifies the application payload carried by a Packet.
type PacketKind uint8

const (
	KindUnknown PacketKind = iota
	KindText
	KindTelemetry
	KindPosition
	KindAck
	KindNodeInfo
	KindMyInfo
	KindHeartbeat
)

func (k PacketKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindTelemetry:
		return "telemetry"
	case KindPosition:
		return "position"
	case KindAck:
		return "ack"
	case KindNodeInfo:
		return "nodeinfo"
	case KindMyInfo:
		return "myinfo"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

const positionScale = 1e-7

// ChunkHeader marks a packet as one fragment of a larger text.
type ChunkHeader struct {
	MessageID uint32 `cbor:"1,keyasint"`
	Total     uint16 `cbor:"2,keyasint"`
	Index     uint16 `cbor:"3,keyasint"`
}

// Ack reports the routing outcome for the packet with id For.
type Ack struct {
	For    uint32    `cbor:"1,keyasint"`
	Reason AckReason `cbor:"2,keyasint,omitempty"`
}

type Telemetry struct {
	BatteryLevel *uint32  `cbor:"1,keyasint,omitempty"`
	Voltage      *float32 `cbor:"2,keyasint,omitempty"`
}

type Position struct {
	LatitudeI  *int32 `cbor:"1,keyasint,omitempty"`
	LongitudeI *int32 `cbor:"2,keyasint,omitempty"`
	Altitude   *int32 `cbor:"3,keyasint,omitempty"`
}

type NodeInfo struct {
	LongName    string  `cbor:"1,keyasint,omitempty"`
	ShortName   string  `cbor:"2,keyasint,omitempty"`
	PKIVerified *bool   `cbor:"3,keyasint,omitempty"`
	HopsAway    *uint32 `cbor:"4,keyasint,omitempty"`
}

// Packet is one radio-level frame payload. From/To are raw node numbers;
// To == domain.BroadcastNodeNum addresses every node on Channel.
type Packet struct {
	ID        uint32       `cbor:"1,keyasint"`
	Kind      PacketKind   `cbor:"2,keyasint"`
	From      uint32       `cbor:"3,keyasint,omitempty"`
	To        uint32       `cbor:"4,keyasint,omitempty"`
	Channel   uint32       `cbor:"5,keyasint,omitempty"`
	WantAck   bool         `cbor:"6,keyasint,omitempty"`
	HopLimit  uint32       `cbor:"7,keyasint,omitempty"`
	HopStart  uint32       `cbor:"8,keyasint,omitempty"`
	RxTime    uint32       `cbor:"9,keyasint,omitempty"`
	RxSNR     *float32     `cbor:"10,keyasint,omitempty"`
	RxRSSI    *int32       `cbor:"11,keyasint,omitempty"`
	Chunk     *ChunkHeader `cbor:"12,keyasint,omitempty"`
	Payload   []byte       `cbor:"13,keyasint,omitempty"`
	Ack       *Ack         `cbor:"14,keyasint,omitempty"`
	Telemetry *Telemetry   `cbor:"15,keyasint,omitempty"`
	Position  *Position    `cbor:"16,keyasint,omitempty"`
	NodeInfo  *NodeInfo    `cbor:"17,keyasint,omitempty"`
}

func (p Packet) IsBroadcast() bool {
	return p.To == domain.BroadcastNodeNum || p.To == 0
}

// Hops returns how many hops the packet travelled, when the radio reported it.
func (p Packet) Hops() (uint32, bool) {
	if p.HopStart == 0 && p.HopLimit == 0 {
		return 0, false
	}
	if p.HopStart < p.HopLimit {
		return 0, false
	}

	return p.HopStart - p.HopLimit, true
}

// InboundPacket is published on connectors.TopicPacketIn for every decoded frame.
type InboundPacket struct {
	InterfaceID string
	Packet      Packet
	At          time.Time
}

func packetTimestamp(epochSec uint32, fallback time.Time) time.Time {
	if epochSec == 0 {
		return fallback
	}

	return time.Unix(int64(epochSec), 0).UTC()
}
