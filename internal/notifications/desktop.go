package notifications

import (
	"log/slog"
	"strings"

	"github.com/gen2brain/beeep"
)

type notifyFunc func(title, message string, icon any) error

// DesktopSender raises OS desktop notifications. Failures are logged, never returned.
type DesktopSender struct {
	logger *slog.Logger
	notify notifyFunc
}

func NewDesktopSender(logger *slog.Logger) *DesktopSender {
	if logger == nil {
		logger = slog.Default().With("component", "notifications.desktop")
	}

	return &DesktopSender{logger: logger, notify: beeep.Notify}
}

func (s *DesktopSender) Send(payload Payload) {
	title := strings.TrimSpace(payload.Title)
	if title == "" {
		return
	}
	if err := s.notify(title, strings.TrimSpace(payload.Content), ""); err != nil {
		s.logger.Warn("desktop notification failed", "title", title, "error", err)
	}
}

// LogSender writes notifications to the log, for headless hosts.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default().With("component", "notifications.log")
	}

	return &LogSender{logger: logger}
}

func (s *LogSender) Send(payload Payload) {
	s.logger.Info("notification", "title", payload.Title, "content", payload.Content)
}
