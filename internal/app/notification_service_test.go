package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/skobkin/meshbot/internal/bus"
	"github.com/skobkin/meshbot/internal/config"
	"github.com/skobkin/meshbot/internal/connectors"
	"github.com/skobkin/meshbot/internal/domain"
	"github.com/skobkin/meshbot/internal/notifications"
)

type staticMessages map[string]domain.Message

func (m staticMessages) GetStatus(_ context.Context, id string) (domain.Message, error) {
	msg, ok := m[id]
	if !ok {
		return domain.Message{}, errors.New("not found")
	}

	return msg, nil
}

func enabledNotificationConfig() config.AppConfig {
	cfg := config.Default()
	cfg.Notifications.Enabled = true

	return cfg
}

func TestNotificationServiceFailedDelivery(t *testing.T) {
	messageBus := newTestMessageBus(t)
	cfg := enabledNotificationConfig()
	sender := newCollectingNotificationSender()
	service := NewNotificationService(
		messageBus,
		staticMessages{"m-1": {ID: "m-1", Destination: "!12345678", InterfaceID: "radio0"}},
		func() config.AppConfig { return cfg },
		sender,
		nil,
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service.Start(ctx)

	messageBus.Publish(connectors.TopicDeliveryEvent, domain.DeliveryEvent{MessageID: "m-1", Status: domain.MessageStatusUndelivered, AttemptCount: 1})
	messageBus.Publish(connectors.TopicDeliveryEvent, domain.DeliveryEvent{MessageID: "m-1", Status: domain.MessageStatusFailed, AttemptCount: 9, Error: "ack timeout"})

	gotNotifications := sender.waitForCount(t, 1)
	if got := gotNotifications[0].Title; got != notificationTitleFailed {
		t.Fatalf("unexpected title %q", got)
	}
	want := "to !12345678 after 9 attempt(s): ack timeout"
	if got := gotNotifications[0].Content; got != want {
		t.Fatalf("expected content %q, got %q", want, got)
	}
	sender.assertCount(t, 1)
}

func TestNotificationServiceFailedBroadcastWithoutLookup(t *testing.T) {
	messageBus := newTestMessageBus(t)
	cfg := enabledNotificationConfig()
	sender := newCollectingNotificationSender()
	service := NewNotificationService(messageBus, nil, func() config.AppConfig { return cfg }, sender, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service.Start(ctx)

	messageBus.Publish(connectors.TopicDeliveryEvent, domain.DeliveryEvent{MessageID: "m-2", Status: domain.MessageStatusFailed, AttemptCount: 1})

	gotNotifications := sender.waitForCount(t, 1)
	want := "message m-2 after 1 attempt(s): no reason recorded"
	if got := gotNotifications[0].Content; got != want {
		t.Fatalf("expected content %q, got %q", want, got)
	}
}

func TestNotificationServiceRespectsPreferences(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.AppConfig)
	}{
		{name: "failed off", mutate: func(cfg *config.AppConfig) { cfg.Notifications.OnFailed = false }},
		{name: "interface down off", mutate: func(cfg *config.AppConfig) { cfg.Notifications.OnInterfaceDown = false }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			messageBus := newTestMessageBus(t)
			cfg := enabledNotificationConfig()
			tc.mutate(&cfg)
			sender := newCollectingNotificationSender()
			service := NewNotificationService(messageBus, nil, func() config.AppConfig { return cfg }, sender, nil)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			service.Start(ctx)

			if !cfg.Notifications.OnFailed {
				messageBus.Publish(connectors.TopicDeliveryEvent, domain.DeliveryEvent{MessageID: "m-3", Status: domain.MessageStatusFailed})
			} else {
				messageBus.Publish(connectors.TopicInterfaceStatus, connectors.InterfaceStatus{InterfaceID: "radio0", State: connectors.ConnectionStateDown})
			}
			sender.assertCount(t, 0)
		})
	}
}

func TestNotificationServiceInterfaceDownAndRecovery(t *testing.T) {
	messageBus := newTestMessageBus(t)
	var cfgMu sync.Mutex
	cfg := enabledNotificationConfig()
	sender := newCollectingNotificationSender()
	service := NewNotificationService(
		messageBus,
		nil,
		func() config.AppConfig {
			cfgMu.Lock()
			defer cfgMu.Unlock()
			return cfg
		},
		sender,
		nil,
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service.Start(ctx)

	publish := func(state connectors.ConnectionState, errText string) {
		messageBus.Publish(connectors.TopicInterfaceStatus, connectors.InterfaceStatus{
			InterfaceID: "radio0",
			State:       state,
			Err:         errText,
			Target:      "10.0.0.5:4403",
		})
	}

	publish(connectors.ConnectionStateConnected, "")
	publish(connectors.ConnectionStateReconnecting, "read: EOF")
	publish(connectors.ConnectionStateDown, "dial: refused")
	publish(connectors.ConnectionStateDown, "dial: refused")

	gotNotifications := sender.waitForCount(t, 1)
	if got := gotNotifications[0].Title; got != "radio0 - down" {
		t.Fatalf("unexpected title %q", got)
	}
	if got := gotNotifications[0].Content; got != "10.0.0.5:4403 (error: dial: refused)" {
		t.Fatalf("unexpected content %q", got)
	}

	publish(connectors.ConnectionStateConnected, "")
	gotNotifications = sender.waitForCount(t, 2)
	if got := gotNotifications[1].Title; got != notificationTitleRecovered {
		t.Fatalf("unexpected recovery title %q", got)
	}
	sender.assertCount(t, 2)

	cfgMu.Lock()
	cfg.Notifications.OnInterfaceDown = false
	cfgMu.Unlock()
	publish(connectors.ConnectionStateDown, "")
	sender.assertCount(t, 2)
}

func newTestMessageBus(t *testing.T) *bus.PubSubBus {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	messageBus := bus.New(logger)
	t.Cleanup(func() {
		messageBus.Close()
	})

	return messageBus
}

type collectingNotificationSender struct {
	mu            sync.Mutex
	notifications []notifications.Payload
	changes       chan struct{}
}

func newCollectingNotificationSender() *collectingNotificationSender {
	return &collectingNotificationSender{
		changes: make(chan struct{}, 1),
	}
}

func (s *collectingNotificationSender) Send(notification notifications.Payload) {
	s.mu.Lock()
	s.notifications = append(s.notifications, notification)
	s.mu.Unlock()

	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *collectingNotificationSender) snapshot() []notifications.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]notifications.Payload, len(s.notifications))
	copy(out, s.notifications)

	return out
}

func (s *collectingNotificationSender) waitForCount(t *testing.T, expected int) []notifications.Payload {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		current := s.snapshot()
		if len(current) >= expected {
			return current
		}
		select {
		case <-s.changes:
		case <-time.After(10 * time.Millisecond):
		}
	}

	t.Fatalf("timed out waiting for %d notifications", expected)

	return nil
}

func (s *collectingNotificationSender) assertCount(t *testing.T, expected int) {
	t.Helper()

	time.Sleep(100 * time.Millisecond)
	current := s.snapshot()
	if len(current) != expected {
		t.Fatalf("expected %d notifications, got %d", expected, len(current))
	}
}
