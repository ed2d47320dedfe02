package chunk

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrInvalidChunkSize = errors.New("chunk size must be positive")
	ErrInvalidEnvelope  = errors.New("invalid chunk envelope")
)

// Envelope is one fragment of a payload. Total == 1 means the payload was
// sent unframed.
type Envelope struct {
	MessageID uint32
	Total     int
	Index     int
	Payload   []byte
}

// Framed reports whether the envelope needs chunk metadata on the wire.
func (e Envelope) Framed() bool {
	return e.Total > 1
}

// Encode splits payload into envelopes of at most maxChunkSize bytes.
// Valid UTF-8 input is cut on rune boundaries so every fragment stays printable.
func Encode(messageID uint32, payload []byte, maxChunkSize int) ([]Envelope, error) {
	if maxChunkSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkSize, maxChunkSize)
	}
	if len(payload) <= maxChunkSize {
		return []Envelope{{
			MessageID: messageID,
			Total:     1,
			Payload:   append([]byte{}, payload...),
		}}, nil
	}

	runeAware := utf8.Valid(payload)
	var parts [][]byte
	for start := 0; start < len(payload); {
		end := start + maxChunkSize
		if end >= len(payload) {
			end = len(payload)
		} else if runeAware {
			end = runeBoundary(payload, start, end)
		}
		parts = append(parts, append([]byte{}, payload[start:end]...))
		start = end
	}

	out := make([]Envelope, len(parts))
	for i, part := range parts {
		out[i] = Envelope{
			MessageID: messageID,
			Total:     len(parts),
			Index:     i,
			Payload:   part,
		}
	}

	return out, nil
}

// Count returns how many envelopes Encode would produce.
func Count(payload []byte, maxChunkSize int) (int, error) {
	envelopes, err := Encode(0, payload, maxChunkSize)
	if err != nil {
		return 0, err
	}

	return len(envelopes), nil
}

// runeBoundary moves end back to the nearest rune start after start.
// A rune wider than the whole window is split on the byte boundary.
func runeBoundary(payload []byte, start, end int) int {
	for cut := end; cut > start; cut-- {
		if utf8.RuneStart(payload[cut]) {
			return cut
		}
	}

	return end
}
