package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/skobkin/meshbot/internal/domain"
)

const cancelRetries = 3

// Cancel stops a message that has not been delivered. A queued or parked
// message is cancelled at once and Cancel returns cancelled. A message being
// sent is flagged and Cancel returns sending: the cancellation completes if
// the in-flight attempt does not deliver it.
func (e *Engine) Cancel(ctx context.Context, id string) (domain.MessageStatus, error) {
	for i := 0; i < cancelRetries; i++ {
		msg, err := e.store.Get(ctx, id)
		if err != nil {
			return "", err
		}

		switch msg.Status {
		case domain.MessageStatusQueued, domain.MessageStatusUndelivered:
			applied, err := e.transition(ctx, &msg, domain.MessageStatusCancelled, domain.StatusUpdate{})
			if err != nil {
				return "", err
			}
			if applied {
				return domain.MessageStatusCancelled, nil
			}
		case domain.MessageStatusSending:
			flagged, err := e.store.RequestCancel(ctx, id, domain.MessageStatusSending)
			if err != nil {
				return "", err
			}
			if flagged {
				e.logger.Info("cancel deferred until attempt resolves", "id", id)
				return domain.MessageStatusSending, nil
			}
		default:
			return msg.Status, fmt.Errorf("%w: message %s is %s", domain.ErrNotCancellable, id, msg.Status)
		}
	}

	return "", fmt.Errorf("cancel message %s: status kept changing", id)
}

// GetStatus returns the stored snapshot of one message.
func (e *Engine) GetStatus(ctx context.Context, id string) (domain.Message, error) {
	msg, err := e.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Message{}, err
		}
		return domain.Message{}, fmt.Errorf("get message status: %w", err)
	}

	return msg, nil
}

func (e *Engine) ListMessages(ctx context.Context, filter domain.MessageFilter) ([]domain.Message, error) {
	return e.store.List(ctx, filter)
}

func (e *Engine) StatusCounts(ctx context.Context) (map[domain.MessageStatus]int, error) {
	return e.store.CountByStatus(ctx)
}
