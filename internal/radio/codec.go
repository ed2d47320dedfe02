package radio

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	cbor "github.com/fxamacker/cbor/v2"
)

// Codec translates between transport frames and radio packets.
type Codec struct {
	enc      cbor.EncMode
	dec      cbor.DecMode
	packetID atomic.Uint32
}

func NewCodec() (*Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("build cbor encoder: %w", err)
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("build cbor decoder: %w", err)
	}

	var seedRaw [4]byte
	if _, err := rand.Read(seedRaw[:]); err != nil {
		return nil, fmt.Errorf("seed codec packet id: %w", err)
	}
	c := &Codec{enc: em, dec: dm}
	c.packetID.Store(binary.BigEndian.Uint32(seedRaw[:]))

	return c, nil
}

// NextPacketID returns a fresh non-zero packet id.
func (c *Codec) NextPacketID() uint32 {
	for {
		id := c.packetID.Add(1)
		if id != 0 {
			return id
		}
	}
}

// Encode serializes pkt, assigning an id when it has none.
func (c *Codec) Encode(pkt *Packet) ([]byte, error) {
	if pkt.ID == 0 {
		pkt.ID = c.NextPacketID()
	}
	payload, err := c.enc.Marshal(pkt)
	if err != nil {
		return nil, fmt.Errorf("encode %s packet: %w", pkt.Kind, err)
	}

	return payload, nil
}

func (c *Codec) Decode(payload []byte) (Packet, error) {
	var pkt Packet
	if err := c.dec.Unmarshal(payload, &pkt); err != nil {
		return Packet{}, fmt.Errorf("decode radio packet: %w", err)
	}
	if pkt.Kind == KindUnknown {
		return Packet{}, fmt.Errorf("decode radio packet: missing kind")
	}

	return pkt, nil
}

func (c *Codec) EncodeHeartbeat() ([]byte, error) {
	return c.Encode(&Packet{Kind: KindHeartbeat})
}
