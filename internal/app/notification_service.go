package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/skobkin/meshbot/internal/bus"
	"github.com/skobkin/meshbot/internal/config"
	"github.com/skobkin/meshbot/internal/connectors"
	"github.com/skobkin/meshbot/internal/domain"
	"github.com/skobkin/meshbot/internal/notifications"
)

const (
	notificationTitleFailed    = "Message delivery failed"
	notificationTitleRecovered = "Interface recovered"
)

// MessageLookup enriches failure notifications with the stored message.
type MessageLookup interface {
	GetStatus(ctx context.Context, id string) (domain.Message, error)
}

// NotificationService listens to bus events and emits operator notifications.
type NotificationService struct {
	bus           bus.MessageBus
	messages      MessageLookup
	currentConfig func() config.AppConfig
	sender        notifications.Sender
	logger        *slog.Logger

	ifaceMu    sync.Mutex
	lastStates map[string]connectors.ConnectionState
}

func NewNotificationService(
	messageBus bus.MessageBus,
	messages MessageLookup,
	currentConfig func() config.AppConfig,
	sender notifications.Sender,
	logger *slog.Logger,
) *NotificationService {
	if logger == nil {
		logger = slog.Default().With("component", "app.notifications")
	}

	return &NotificationService{
		bus:           messageBus,
		messages:      messages,
		currentConfig: currentConfig,
		sender:        sender,
		logger:        logger,
		lastStates:    make(map[string]connectors.ConnectionState),
	}
}

func (s *NotificationService) Start(ctx context.Context) {
	if s == nil || s.bus == nil || s.sender == nil {
		return
	}

	deliverySub := s.bus.Subscribe(connectors.TopicDeliveryEvent)
	statusSub := s.bus.Subscribe(connectors.TopicInterfaceStatus)

	go func() {
		defer s.bus.Unsubscribe(deliverySub, connectors.TopicDeliveryEvent)
		defer s.bus.Unsubscribe(statusSub, connectors.TopicInterfaceStatus)

		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-deliverySub:
				if !ok {
					return
				}
				event, ok := raw.(domain.DeliveryEvent)
				if !ok {
					continue
				}
				s.handleDeliveryEvent(ctx, event)
			case raw, ok := <-statusSub:
				if !ok {
					return
				}
				status, ok := raw.(connectors.InterfaceStatus)
				if !ok {
					continue
				}
				s.handleInterfaceStatus(status)
			}
		}
	}()
}

func (s *NotificationService) handleDeliveryEvent(ctx context.Context, event domain.DeliveryEvent) {
	if event.Status != domain.MessageStatusFailed {
		return
	}
	prefs := s.notificationPrefs()
	if !prefs.OnFailed {
		return
	}

	target := "message " + event.MessageID
	if s.messages != nil {
		if msg, err := s.messages.GetStatus(ctx, event.MessageID); err == nil {
			target = "broadcast on " + msg.InterfaceID
			if msg.Destination != "" {
				target = "to " + msg.Destination
			}
		} else {
			s.logger.Debug("failed message lookup", "id", event.MessageID, "error", err)
		}
	}
	reason := strings.TrimSpace(event.Error)
	if reason == "" {
		reason = "no reason recorded"
	}

	s.send(notifications.Payload{
		Title:   notificationTitleFailed,
		Content: fmt.Sprintf("%s after %d attempt(s): %s", target, event.AttemptCount, reason),
	})
}

// handleInterfaceStatus notifies when an interface is declared down and
// when it comes back from that state. Intermediate reconnects stay silent.
func (s *NotificationService) handleInterfaceStatus(status connectors.InterfaceStatus) {
	if status.InterfaceID == "" || status.State == "" {
		return
	}

	s.ifaceMu.Lock()
	prev, seen := s.lastStates[status.InterfaceID]
	if seen && prev == status.State {
		s.ifaceMu.Unlock()

		return
	}
	s.lastStates[status.InterfaceID] = status.State
	s.ifaceMu.Unlock()

	prefs := s.notificationPrefs()
	if !prefs.OnInterfaceDown {
		return
	}

	switch {
	case status.State == connectors.ConnectionStateDown:
		details := strings.TrimSpace(status.Target)
		if details == "" {
			details = "No connection details"
		}
		if errText := strings.TrimSpace(status.Err); errText != "" {
			details = fmt.Sprintf("%s (error: %s)", details, errText)
		}
		s.send(notifications.Payload{
			Title:   fmt.Sprintf("%s - %s", status.InterfaceID, status.State),
			Content: details,
		})
	case prev == connectors.ConnectionStateDown && status.State == connectors.ConnectionStateConnected:
		s.send(notifications.Payload{
			Title:   notificationTitleRecovered,
			Content: fmt.Sprintf("%s is connected again", status.InterfaceID),
		})
	}
}

func (s *NotificationService) notificationPrefs() config.NotificationConfig {
	cfg := config.Default()
	if s.currentConfig != nil {
		cfg = s.currentConfig()
	}

	return cfg.Notifications
}

func (s *NotificationService) send(notification notifications.Payload) {
	title := strings.TrimSpace(notification.Title)
	content := strings.TrimSpace(notification.Content)
	if title == "" && content == "" {
		return
	}
	s.logger.Debug("sending notification", "title", title)
	s.sender.Send(notifications.Payload{
		Title:   title,
		Content: content,
	})
}
