package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Stream framing: 0x94 0xC3, big-endian uint16 length, payload.
var frameHeader = [2]byte{0x94, 0xC3}

// MaxFramePayload is the largest payload a stream frame may carry.
const MaxFramePayload = 512

// ErrInvalidFrame marks a frame header that was followed by an impossible length.
// The stream stays usable: the next read resynchronizes on the following header.
var ErrInvalidFrame = errors.New("invalid frame")

type readFullFunc func(buf []byte) error

func encodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidFrame)
	}
	if len(payload) > MaxFramePayload {
		return nil, fmt.Errorf("payload too large: %d > %d", len(payload), MaxFramePayload)
	}

	frame := make([]byte, 4+len(payload))
	frame[0] = frameHeader[0]
	frame[1] = frameHeader[1]
	// #nosec G115 -- length is bounded by MaxFramePayload above.
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[4:], payload)

	return frame, nil
}

func readFrame(readFull readFullFunc) ([]byte, error) {
	if err := resyncToHeader(readFull); err != nil {
		return nil, err
	}

	var lenBuf [2]byte
	if err := readFull(lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	ln := int(binary.BigEndian.Uint16(lenBuf[:]))
	if ln <= 0 || ln > MaxFramePayload {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidFrame, ln)
	}

	payload := make([]byte, ln)
	if err := readFull(payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// resyncToHeader discards bytes until the two-byte header has been consumed.
// Radios interleave plain-text debug output with frames on serial links.
func resyncToHeader(readFull readFullFunc) error {
	buf := make([]byte, 1)
	matched := 0
	for matched < len(frameHeader) {
		if err := readFull(buf); err != nil {
			return fmt.Errorf("read frame header byte %d: %w", matched+1, err)
		}
		switch {
		case buf[0] == frameHeader[matched]:
			matched++
		case buf[0] == frameHeader[0]:
			matched = 1
		default:
			matched = 0
		}
	}

	return nil
}

func ioReadFullFunc(r io.Reader) readFullFunc {
	return func(buf []byte) error {
		_, err := io.ReadFull(r, buf)

		return err
	}
}
