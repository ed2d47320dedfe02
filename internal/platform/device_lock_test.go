package platform

import "testing"

func TestNormalizeLockComponent(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		fallback string
		want     string
	}{
		{name: "serial device key", raw: "serial:/dev/ttyUSB0", fallback: "device", want: "serial__dev_ttyUSB0"},
		{name: "tcp device key", raw: "tcp:10.0.0.5:4403", fallback: "device", want: "tcp_10.0.0.5_4403"},
		{name: "trims separator edges", raw: ".._radio-._", fallback: "device", want: "radio"},
		{name: "empty uses fallback", raw: "   ", fallback: "fallback", want: "fallback"},
		{name: "all unsupported uses fallback", raw: "[]{}", fallback: "fallback", want: "fallback"},
	}

	for _, tc := range tests {
		got := normalizeLockComponent(tc.raw, tc.fallback)
		if got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}
