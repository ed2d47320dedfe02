package chunk

import (
	"bytes"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestEncodeReassembleRoundTrip(t *testing.T) {
	for _, size := range []int{1, 7, 200} {
		for _, length := range []int{0, size - 1, size, size + 1, 10 * size} {
			payload := make([]byte, length)
			rng := rand.New(rand.NewSource(int64(size*1000 + length)))
			_, _ = rng.Read(payload)

			envelopes, err := Encode(42, payload, size)
			if err != nil {
				t.Fatalf("size=%d len=%d: encode: %v", size, length, err)
			}
			for _, env := range envelopes {
				if len(env.Payload) > size {
					t.Fatalf("size=%d len=%d: envelope %d has %d bytes", size, length, env.Index, len(env.Payload))
				}
			}

			r := NewReassembler(nil, defaultTestDeadline, 0)
			var got []byte
			emitted := 0
			for _, env := range envelopes {
				out, done, err := r.Add("!00000001", env)
				if err != nil {
					t.Fatalf("size=%d len=%d: add: %v", size, length, err)
				}
				if done {
					emitted++
					got = out
				}
			}
			if emitted != 1 {
				t.Fatalf("size=%d len=%d: expected single emission, got %d", size, length, emitted)
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("size=%d len=%d: payload mismatch", size, length)
			}
		}
	}
}

func TestEncodeSingleChunkIsUnframed(t *testing.T) {
	envelopes, err := Encode(1, []byte("short"), 200)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(envelopes) != 1 || envelopes[0].Framed() {
		t.Fatalf("expected one unframed envelope, got %+v", envelopes)
	}
}

func TestEncode600BytesAt200(t *testing.T) {
	payload := []byte(strings.Repeat("abcdefghij", 60))

	envelopes, err := Encode(7, payload, 200)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(envelopes) != 3 {
		t.Fatalf("expected 3 envelopes, got %d", len(envelopes))
	}
	for i, env := range envelopes {
		if env.Index != i || env.Total != 3 || env.MessageID != 7 || len(env.Payload) != 200 {
			t.Fatalf("unexpected envelope %d: index=%d total=%d len=%d", i, env.Index, env.Total, len(env.Payload))
		}
	}
}

func TestEncodeKeepsRunesIntact(t *testing.T) {
	payload := []byte(strings.Repeat("привет ", 40))

	envelopes, err := Encode(3, payload, 50)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var joined []byte
	for _, env := range envelopes {
		if !utf8.Valid(env.Payload) {
			t.Fatalf("envelope %d is not valid utf-8", env.Index)
		}
		if len(env.Payload) > 50 {
			t.Fatalf("envelope %d exceeds size: %d", env.Index, len(env.Payload))
		}
		joined = append(joined, env.Payload...)
	}
	if !bytes.Equal(joined, payload) {
		t.Fatalf("joined payload mismatch")
	}
}

func TestEncodeRejectsNonPositiveSize(t *testing.T) {
	if _, err := Encode(1, []byte("x"), 0); !errors.Is(err, ErrInvalidChunkSize) {
		t.Fatalf("expected ErrInvalidChunkSize, got %v", err)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	payload := []byte(strings.Repeat("z", 450))
	first, _ := Encode(5, payload, 100)
	second, _ := Encode(5, payload, 100)
	if len(first) != len(second) {
		t.Fatalf("expected equal envelope counts")
	}
	for i := range first {
		if !bytes.Equal(first[i].Payload, second[i].Payload) {
			t.Fatalf("envelope %d differs", i)
		}
	}
}

func TestCount(t *testing.T) {
	got, err := Count(make([]byte, 401), 200)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}
