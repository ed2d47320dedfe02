package notifications

import (
	"errors"
	"testing"
)

func TestDesktopSenderSkipsEmptyTitleAndSwallowsErrors(t *testing.T) {
	var calls []string
	sender := NewDesktopSender(nil)
	sender.notify = func(title, message string, _ any) error {
		calls = append(calls, title+"|"+message)
		return errors.New("no notification daemon")
	}

	sender.Send(Payload{Title: "  ", Content: "ignored"})
	sender.Send(Payload{Title: " Delivery failed ", Content: " to !0000000a "})

	if len(calls) != 1 || calls[0] != "Delivery failed|to !0000000a" {
		t.Fatalf("unexpected notify calls: %v", calls)
	}
}

type countingSender struct{ n int }

func (s *countingSender) Send(Payload) { s.n++ }

func TestRoutedSenderFollowsToggle(t *testing.T) {
	enabled := false
	primary, fallback := &countingSender{}, &countingSender{}
	sender := NewRoutedSender(func() bool { return enabled }, primary, fallback)

	sender.Send(Payload{Title: "a"})
	enabled = true
	sender.Send(Payload{Title: "b"})
	sender.Send(Payload{Title: "c"})

	if primary.n != 2 || fallback.n != 1 {
		t.Fatalf("unexpected routing: primary=%d fallback=%d", primary.n, fallback.n)
	}
}
