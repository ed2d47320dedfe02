package domain

import "testing"

func TestNormalizeNodeID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "trim", in: " !1234abcd ", want: "!1234abcd"},
		{name: "lowercase", in: "!1234ABCD", want: "!1234abcd"},
		{name: "empty", in: " ", want: ""},
		{name: "unknown lower", in: "unknown", want: ""},
		{name: "unknown upper", in: "UNKNOWN", want: ""},
		{name: "broadcast placeholder", in: "!ffffffff", want: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeNodeID(tc.in); got != tc.want {
				t.Fatalf("unexpected normalized value: got %q want %q", got, tc.want)
			}
		})
	}
}

func TestCanonicalNodeID(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "bang hex", in: "!0000BEEF", want: "!0000beef"},
		{name: "0x hex", in: "0xbeef", want: "!0000beef"},
		{name: "bare hex", in: "cafe", want: "!0000cafe"},
		{name: "decimal", in: "48879", want: "!0000beef"},
		{name: "broadcast", in: "!ffffffff", want: ""},
		{name: "broadcast decimal", in: "4294967295", want: ""},
		{name: "empty", in: "", want: ""},
		{name: "garbage", in: "!zz", wantErr: true},
		{name: "zero", in: "0", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CanonicalNodeID(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %q", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("unexpected canonical id: got %q want %q", got, tc.want)
			}
		})
	}
}

func TestFormatNodeNum(t *testing.T) {
	if got := FormatNodeNum(0xbeef); got != "!0000beef" {
		t.Fatalf("unexpected format: %q", got)
	}
	if got := FormatNodeNum(0); got != "" {
		t.Fatalf("zero must format as empty, got %q", got)
	}
}
