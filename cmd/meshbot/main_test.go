package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestParseOptions(t *testing.T) {
	opts, err := parseOptions([]string{"-state-dir", "/var/lib/meshbot", "-config", "/etc/meshbot.yaml"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.stateDir != "/var/lib/meshbot" || opts.configFile != "/etc/meshbot.yaml" {
		t.Fatalf("unexpected options: %+v", opts)
	}

	if _, err := parseOptions([]string{"extra"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected positional arguments to be rejected")
	}
}

func TestRunPrintsVersion(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"-version"}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasPrefix(out.String(), "meshbot ") {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestRunFailsWithoutInterfaces(t *testing.T) {
	err := run(context.Background(), []string{"-state-dir", t.TempDir()}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "at least one interface") {
		t.Fatalf("expected config validation error, got %v", err)
	}
}
