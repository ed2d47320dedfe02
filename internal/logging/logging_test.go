package logging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/skobkin/meshbot/internal/config"
)

func TestManagerConfigureWritesToRotatingFile(t *testing.T) {
	var stdout bytes.Buffer
	m := newManager(&stdout)
	t.Cleanup(func() { _ = m.Close() })

	path := filepath.Join(t.TempDir(), "logs", "meshbot.log")
	if err := m.Configure(config.LoggingConfig{Level: "debug", LogToFile: true, MaxSizeMB: 1}, path); err != nil {
		t.Fatalf("configure: %v", err)
	}
	m.Logger("delivery").Debug("scan finished", "due", 3)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(raw), "component=delivery") || !strings.Contains(string(raw), "due=3") {
		t.Fatalf("unexpected file contents: %q", raw)
	}
	if !strings.Contains(stdout.String(), "scan finished") {
		t.Fatalf("expected stdout copy, got %q", stdout.String())
	}
}

func TestManagerSetLevelAffectsExistingLoggers(t *testing.T) {
	var stdout bytes.Buffer
	m := newManager(&stdout)
	if err := m.Configure(config.LoggingConfig{Level: "info"}, ""); err != nil {
		t.Fatalf("configure: %v", err)
	}
	logger := m.Logger("iface")
	logger.Debug("hidden")
	if stdout.Len() != 0 {
		t.Fatalf("debug must be filtered at info level, got %q", stdout.String())
	}

	if err := m.SetLevel("debug"); err != nil {
		t.Fatalf("set level: %v", err)
	}
	logger.Debug("visible")
	if !strings.Contains(stdout.String(), "visible") {
		t.Fatalf("expected debug output after level change, got %q", stdout.String())
	}
	if err := m.SetLevel("chatty"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestFanoutWriterToleratesPartialFailure(t *testing.T) {
	var ok bytes.Buffer
	w := newFanoutWriter(failingWriter{}, &ok, nil)
	n, err := w.Write([]byte("line"))
	if err != nil || n != 4 {
		t.Fatalf("expected success when one writer works, got n=%d err=%v", n, err)
	}

	w = newFanoutWriter(failingWriter{})
	if _, err := w.Write([]byte("line")); err == nil {
		t.Fatalf("expected error when every writer fails")
	}
}
