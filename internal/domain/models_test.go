package domain

import (
	"testing"
	"time"
)

func TestMergeNodeKeepsKnownFields(t *testing.T) {
	lat := 52.1
	battery := uint32(80)
	then := time.Unix(1_700_000_000, 0)
	existing := Node{
		NodeID:       "!0000beef",
		LongName:     "Alpha",
		Latitude:     &lat,
		BatteryLevel: &battery,
		LastHeardAt:  then,
	}

	snr := 5.5
	merged := MergeNode(existing, Node{NodeID: "!0000beef", SNR: &snr})
	if merged.LongName != "Alpha" {
		t.Fatalf("expected long name to survive sparse update, got %q", merged.LongName)
	}
	if merged.Latitude == nil || *merged.Latitude != lat {
		t.Fatalf("expected latitude to survive sparse update")
	}
	if merged.SNR == nil || *merged.SNR != snr {
		t.Fatalf("expected snr from update")
	}
	if !merged.LastHeardAt.Equal(then) {
		t.Fatalf("expected last heard to be kept when update has none, got %v", merged.LastHeardAt)
	}

	older := MergeNode(existing, Node{NodeID: "!0000beef", LastHeardAt: then.Add(-time.Hour)})
	if !older.LastHeardAt.Equal(then) {
		t.Fatalf("last heard must never move backwards, got %v", older.LastHeardAt)
	}
}

func TestIsOnline(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	threshold := 10 * time.Minute

	if IsOnline(time.Time{}, now, threshold) {
		t.Fatalf("never heard node must be offline")
	}
	if !IsOnline(now.Add(-threshold), now, threshold) {
		t.Fatalf("node heard exactly at threshold must be online")
	}
	if IsOnline(now.Add(-threshold-time.Second), now, threshold) {
		t.Fatalf("node past threshold must be offline")
	}
}

func TestNodeDisplayName(t *testing.T) {
	if got := NodeDisplayName(Node{NodeID: "!0000beef", ShortName: "BF"}); got != "BF" {
		t.Fatalf("unexpected display name %q", got)
	}
	if got := NodeDisplayName(Node{NodeID: "!0000beef"}); got != "!0000beef" {
		t.Fatalf("unexpected fallback display name %q", got)
	}
}
