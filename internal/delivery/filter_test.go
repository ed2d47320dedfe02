package delivery

import (
	"errors"
	"testing"

	"github.com/skobkin/meshbot/internal/domain"
)

func TestCheckSelfAddressed(t *testing.T) {
	locals := []string{"!0000000a", "!0000000b"}
	tests := []struct {
		name        string
		source      string
		destination string
		reject      bool
	}{
		{"broadcast", "!0000000a", "", false},
		{"peer", "!0000000a", "!000000ff", false},
		{"to self", "!000000ff", "!000000ff", true},
		{"to first local radio", "!000000ff", "!0000000a", true},
		{"to second local radio", "!0000000a", "!0000000b", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckSelfAddressed(tc.source, tc.destination, locals)
			if got := errors.Is(err, domain.ErrSelfAddressed); got != tc.reject {
				t.Fatalf("reject = %v, want %v (err=%v)", got, tc.reject, err)
			}
		})
	}
}
