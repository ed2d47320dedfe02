package notifications

// Payload is one operator-facing notification.
type Payload struct {
	Title   string
	Content string
}

// Sender delivers notifications. Implementations never block the caller on failure.
type Sender interface {
	Send(payload Payload)
}

// RoutedSender sends to primary while enabled reports true and to fallback otherwise.
// The choice is made per notification so config reloads apply immediately.
type RoutedSender struct {
	enabled  func() bool
	primary  Sender
	fallback Sender
}

func NewRoutedSender(enabled func() bool, primary, fallback Sender) *RoutedSender {
	return &RoutedSender{enabled: enabled, primary: primary, fallback: fallback}
}

func (s *RoutedSender) Send(payload Payload) {
	if s.enabled != nil && s.enabled() && s.primary != nil {
		s.primary.Send(payload)
		return
	}
	if s.fallback != nil {
		s.fallback.Send(payload)
	}
}
