package domain

import (
	"fmt"
	"time"
)

type MessageStatus string

const (
	MessageStatusQueued      MessageStatus = "queued"
	MessageStatusSending     MessageStatus = "sending"
	MessageStatusDelivered   MessageStatus = "delivered"
	MessageStatusUndelivered MessageStatus = "undelivered"
	MessageStatusFailed      MessageStatus = "failed"
	MessageStatusCancelled   MessageStatus = "cancelled"
)

// AllMessageStatuses lists statuses in lifecycle order.
var AllMessageStatuses = []MessageStatus{
	MessageStatusQueued,
	MessageStatusSending,
	MessageStatusDelivered,
	MessageStatusUndelivered,
	MessageStatusFailed,
	MessageStatusCancelled,
}

func (s MessageStatus) Valid() bool {
	for _, known := range AllMessageStatuses {
		if s == known {
			return true
		}
	}

	return false
}

// Terminal reports whether no further transition may leave this status.
func (s MessageStatus) Terminal() bool {
	switch s {
	case MessageStatusDelivered, MessageStatusFailed, MessageStatusCancelled:
		return true
	default:
		return false
	}
}

var allowedTransitions = map[MessageStatus][]MessageStatus{
	MessageStatusQueued:      {MessageStatusSending, MessageStatusCancelled, MessageStatusFailed},
	MessageStatusSending:     {MessageStatusDelivered, MessageStatusUndelivered, MessageStatusFailed, MessageStatusQueued},
	MessageStatusUndelivered: {MessageStatusQueued, MessageStatusFailed, MessageStatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the delivery state machine.
func CanTransition(from, to MessageStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// Message is one outbound text tracked by the delivery engine.
type Message struct {
	ID              string
	Seq             int64
	InterfaceID     string
	Source          string
	Destination     string
	Channel         int
	Text            string
	IsDM            bool
	Status          MessageStatus
	Revision        int64
	AttemptCount    int
	DeferCount      int
	LastAttemptAt   time.Time
	NextRetryAt     time.Time
	LastError       string
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsBroadcast reports whether the message targets every node on its channel.
func (m Message) IsBroadcast() bool {
	return m.Destination == ""
}

// OrderingKey groups messages that must leave in FIFO order: one queue per
// destination, and one per interface and channel for broadcasts.
func (m Message) OrderingKey() string {
	return OrderingKey(m.InterfaceID, m.Destination, m.Channel)
}

func OrderingKey(interfaceID, destination string, channel int) string {
	if destination == "" {
		return fmt.Sprintf("%s#%d", interfaceID, channel)
	}

	return destination
}

// StatusUpdate carries the optional fields written together with a status transition.
type StatusUpdate struct {
	AttemptCount    *int
	DeferCount      *int
	LastAttemptAt   *time.Time
	NextRetryAt     *time.Time
	LastError       *string
	CancelRequested *bool

	// DueBy, when set, only lets the swap apply if the stored retry time is not after it.
	DueBy *time.Time
}

// Apply mirrors a committed transition onto this copy of the message.
func (m *Message) Apply(to MessageStatus, upd StatusUpdate) {
	m.Status = to
	m.Revision++
	if upd.AttemptCount != nil {
		m.AttemptCount = *upd.AttemptCount
	}
	if upd.DeferCount != nil {
		m.DeferCount = *upd.DeferCount
	}
	if upd.LastAttemptAt != nil {
		m.LastAttemptAt = *upd.LastAttemptAt
	}
	if upd.NextRetryAt != nil {
		m.NextRetryAt = *upd.NextRetryAt
	}
	if upd.LastError != nil {
		m.LastError = *upd.LastError
	}
	if upd.CancelRequested != nil {
		m.CancelRequested = *upd.CancelRequested
	}
}

// MessageFilter narrows ListMessages results. Zero values match everything.
type MessageFilter struct {
	Status      MessageStatus
	Destination string
	InterfaceID string
	Limit       int
}

// DeliveryEvent reports one committed status transition.
type DeliveryEvent struct {
	Seq          uint64
	MessageID    string
	Status       MessageStatus
	AttemptCount int
	Error        string
	At           time.Time
}
