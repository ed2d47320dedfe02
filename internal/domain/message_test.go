package domain

import (
	"testing"
	"time"
)

func TestMessageStatusTerminal(t *testing.T) {
	terminal := map[MessageStatus]bool{
		MessageStatusQueued:      false,
		MessageStatusSending:     false,
		MessageStatusUndelivered: false,
		MessageStatusDelivered:   true,
		MessageStatusFailed:      true,
		MessageStatusCancelled:   true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Fatalf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
	if MessageStatus("bogus").Valid() {
		t.Fatalf("unexpected valid status")
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to MessageStatus
		want     bool
	}{
		{MessageStatusQueued, MessageStatusSending, true},
		{MessageStatusSending, MessageStatusDelivered, true},
		{MessageStatusSending, MessageStatusUndelivered, true},
		{MessageStatusUndelivered, MessageStatusQueued, true},
		{MessageStatusUndelivered, MessageStatusFailed, true},
		{MessageStatusQueued, MessageStatusCancelled, true},
		{MessageStatusSending, MessageStatusCancelled, false},
		{MessageStatusDelivered, MessageStatusQueued, false},
		{MessageStatusFailed, MessageStatusQueued, false},
		{MessageStatusQueued, MessageStatusDelivered, false},
	}
	for _, tc := range tests {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
	for _, status := range AllMessageStatuses {
		if !status.Terminal() {
			continue
		}
		for _, next := range AllMessageStatuses {
			if CanTransition(status, next) {
				t.Fatalf("terminal status %s must not transition to %s", status, next)
			}
		}
	}
}

func TestOrderingKey(t *testing.T) {
	if got := (Message{Destination: "!0000beef", Channel: 2}).OrderingKey(); got != "!0000beef" {
		t.Fatalf("direct ordering key = %q", got)
	}
	a := Message{InterfaceID: "radio0", Channel: 2}.OrderingKey()
	b := Message{InterfaceID: "radio1", Channel: 2}.OrderingKey()
	if a != "radio0#2" {
		t.Fatalf("broadcast ordering key = %q", a)
	}
	if a == b {
		t.Fatalf("broadcasts on different interfaces must not share a queue, both %q", a)
	}
}

func TestMessageApply(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	attempts := 2
	reason := "timeout"
	m := Message{Status: MessageStatusSending, Revision: 3, AttemptCount: 1, LastError: "old"}

	m.Apply(MessageStatusUndelivered, StatusUpdate{AttemptCount: &attempts, NextRetryAt: &at, LastError: &reason})
	if m.Status != MessageStatusUndelivered || m.Revision != 4 || m.AttemptCount != 2 {
		t.Fatalf("unexpected message after apply: %+v", m)
	}
	if !m.NextRetryAt.Equal(at) || m.LastError != "timeout" {
		t.Fatalf("expected optional fields to be copied: %+v", m)
	}
}
