package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() AppConfig {
	cfg := Default()
	cfg.Interfaces = []InterfaceConfig{
		{ID: "radio1", Kind: TransportSerial, SerialPort: "/dev/ttyUSB0"},
		{ID: "radio2", Kind: TransportTCP, Host: "10.0.0.2"},
	}
	cfg.FillMissingDefaults()

	return cfg
}

func TestAppConfigFillMissingDefaults(t *testing.T) {
	cfg := AppConfig{Interfaces: []InterfaceConfig{
		{ID: " radio1 ", Kind: "Serial", SerialPort: "/dev/ttyACM0"},
		{ID: "radio2", Kind: "ip", Host: "meshtastic.local"},
	}}
	cfg.FillMissingDefaults()

	if cfg.Logging.Level != "info" {
		t.Fatalf("expected default log level info, got %q", cfg.Logging.Level)
	}
	if cfg.Interfaces[0].ID != "radio1" || cfg.Interfaces[0].Kind != TransportSerial {
		t.Fatalf("expected id/kind normalization, got %+v", cfg.Interfaces[0])
	}
	if cfg.Interfaces[0].SerialBaud != DefaultSerialBaud {
		t.Fatalf("expected default serial baud %d, got %d", DefaultSerialBaud, cfg.Interfaces[0].SerialBaud)
	}
	if cfg.Interfaces[1].Kind != TransportTCP || cfg.Interfaces[1].Port != DefaultTCPPort {
		t.Fatalf("expected legacy ip kind to map to tcp with default port, got %+v", cfg.Interfaces[1])
	}
	if cfg.Interfaces[1].MaxPacketSize != DefaultMaxPacketSize {
		t.Fatalf("expected default max packet size, got %d", cfg.Interfaces[1].MaxPacketSize)
	}
	if cfg.Delivery.MaxAttempts != Default().Delivery.MaxAttempts {
		t.Fatalf("expected default max attempts, got %d", cfg.Delivery.MaxAttempts)
	}
	if cfg.Registry.StalenessThreshold != 10*time.Minute {
		t.Fatalf("expected default staleness threshold, got %s", cfg.Registry.StalenessThreshold)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AppConfig)
		wantErr bool
	}{
		{name: "valid", mutate: func(*AppConfig) {}},
		{name: "no interfaces", mutate: func(c *AppConfig) { c.Interfaces = nil }, wantErr: true},
		{name: "too many interfaces", mutate: func(c *AppConfig) {
			c.Interfaces = nil
			for i := 0; i < MaxInterfaces+1; i++ {
				c.Interfaces = append(c.Interfaces, InterfaceConfig{
					ID: string(rune('a' + i)), Kind: TransportTCP, Host: string(rune('a' + i)), Port: 1, MaxPacketSize: 1,
				})
			}
		}, wantErr: true},
		{name: "duplicate id", mutate: func(c *AppConfig) { c.Interfaces[1].ID = "radio1" }, wantErr: true},
		{name: "same device twice", mutate: func(c *AppConfig) {
			c.Interfaces[1] = c.Interfaces[0]
			c.Interfaces[1].ID = "other"
		}, wantErr: true},
		{name: "unknown kind", mutate: func(c *AppConfig) { c.Interfaces[0].Kind = "lora" }, wantErr: true},
		{name: "missing host", mutate: func(c *AppConfig) { c.Interfaces[1].Host = " " }, wantErr: true},
		{name: "bad log level", mutate: func(c *AppConfig) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "cap below base", mutate: func(c *AppConfig) { c.Delivery.BackoffCap = time.Millisecond }, wantErr: true},
		{name: "bridge unknown interface", mutate: func(c *AppConfig) {
			c.Bridge.Enabled = true
			c.Bridge.Interfaces = []string{"nope"}
		}, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestDeliveryBackoff(t *testing.T) {
	for _, tc := range []struct {
		base, cap time.Duration
	}{
		{base: 2 * time.Second, cap: time.Minute},
		{base: 500 * time.Millisecond, cap: 3 * time.Second},
		{base: time.Second, cap: time.Second},
	} {
		cfg := DeliveryConfig{BackoffBase: tc.base, BackoffCap: tc.cap}
		prev := time.Duration(0)
		for attempt := 1; attempt <= 12; attempt++ {
			want := tc.base << (attempt - 1)
			if want > tc.cap {
				want = tc.cap
			}
			got := cfg.Backoff(attempt)
			if got != want {
				t.Fatalf("base=%s cap=%s attempt=%d: got %s want %s", tc.base, tc.cap, attempt, got, want)
			}
			if got < prev {
				t.Fatalf("backoff must be non-decreasing")
			}
			prev = got
		}
	}
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshbot.yaml")
	raw := `
logging:
  level: debug
interfaces:
  - id: base
    kind: serial
    serial_port: /dev/ttyUSB0
    node_id: "!0000beef"
  - id: roof
    kind: tcp
    host: 192.168.1.20
    max_packet_size: 180
delivery:
  max_attempts: 3
  backoff_base: 1s
  backoff_cap: 30s
registry:
  staleness_threshold: 15m
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	t.Setenv("MESHBOT_DELIVERY_SCAN_INTERVAL", "20s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate loaded config: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected debug level, got %q", cfg.Logging.Level)
	}
	if len(cfg.Interfaces) != 2 {
		t.Fatalf("expected two interfaces, got %d", len(cfg.Interfaces))
	}
	if cfg.Interfaces[0].NodeID != "!0000beef" || cfg.Interfaces[0].SerialBaud != DefaultSerialBaud {
		t.Fatalf("unexpected first interface: %+v", cfg.Interfaces[0])
	}
	if cfg.Interfaces[1].MaxPacketSize != 180 || cfg.Interfaces[1].Port != DefaultTCPPort {
		t.Fatalf("unexpected second interface: %+v", cfg.Interfaces[1])
	}
	if cfg.Delivery.MaxAttempts != 3 || cfg.Delivery.BackoffBase != time.Second || cfg.Delivery.BackoffCap != 30*time.Second {
		t.Fatalf("unexpected delivery config: %+v", cfg.Delivery)
	}
	if cfg.Delivery.ScanInterval != 20*time.Second {
		t.Fatalf("expected env override for scan interval, got %s", cfg.Delivery.ScanInterval)
	}
	if cfg.Registry.StalenessThreshold != 15*time.Minute {
		t.Fatalf("unexpected staleness threshold: %s", cfg.Registry.StalenessThreshold)
	}
	if cfg.Chunking.ReassemblyDeadline != 5*time.Minute {
		t.Fatalf("expected default reassembly deadline, got %s", cfg.Chunking.ReassemblyDeadline)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Delivery.MaxAttempts != Default().Delivery.MaxAttempts {
		t.Fatalf("expected defaults, got %+v", cfg.Delivery)
	}
}

func TestHolderSwap(t *testing.T) {
	h := NewHolder(validConfig())

	var seen []int
	h.OnChange(func(cfg AppConfig) { seen = append(seen, cfg.Delivery.MaxAttempts) })

	next := validConfig()
	next.Delivery.MaxAttempts = 4
	if err := h.Swap(next); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if got := h.Current().Delivery.MaxAttempts; got != 4 {
		t.Fatalf("expected swapped snapshot, got %d", got)
	}
	if len(seen) != 1 || seen[0] != 4 {
		t.Fatalf("expected one change notification, got %v", seen)
	}

	next.Interfaces[0].MaxPacketSize = 1
	if got := h.Current().Interfaces[0].MaxPacketSize; got == 1 {
		t.Fatalf("snapshot must not alias caller slices")
	}

	bad := validConfig()
	bad.Logging.Level = "loud"
	if err := h.Swap(bad); err == nil {
		t.Fatalf("expected invalid config to be rejected")
	}
	changed := validConfig()
	changed.Interfaces = changed.Interfaces[:1]
	if err := h.Swap(changed); err == nil {
		t.Fatalf("expected interface set change to be rejected")
	}
	if got := h.Current().Delivery.MaxAttempts; got != 4 {
		t.Fatalf("rejected swap must keep previous snapshot, got %d", got)
	}
}

func TestHolderWatchReloadsUntilCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshbot.yaml")
	write := func(attempts int) {
		t.Helper()
		raw := fmt.Sprintf("interfaces:\n  - id: roof\n    kind: tcp\n    host: 192.168.1.20\ndelivery:\n  max_attempts: %d\n", attempts)
		if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
			t.Fatalf("write config fixture: %v", err)
		}
	}
	write(3)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	h := NewHolder(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done, err := h.Watch(ctx, path, nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	write(7)
	deadline := time.Now().Add(2 * time.Second)
	for h.Current().Delivery.MaxAttempts != 7 {
		if time.Now().After(deadline) {
			t.Fatalf("expected reload to max_attempts 7, got %d", h.Current().Delivery.MaxAttempts)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("watcher did not stop after cancel")
	}
	write(9)
	time.Sleep(100 * time.Millisecond)
	if got := h.Current().Delivery.MaxAttempts; got != 7 {
		t.Fatalf("stopped watcher must not reload, got %d", got)
	}
}
