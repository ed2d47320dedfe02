package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/skobkin/meshbot/internal/chunk"
	"github.com/skobkin/meshbot/internal/domain"
	"github.com/skobkin/meshbot/internal/radio"
)

// process makes one delivery attempt for a due message. It reports whether
// the message changed status.
func (e *Engine) process(ctx context.Context, h Handle, msg domain.Message) bool {
	cfg := e.cfg().Delivery

	if !msg.IsBroadcast() && !cfg.BlindRetry && e.nodes != nil && !e.nodes.IsOnline(msg.Destination) {
		e.logger.Debug("destination offline, holding message", "id", msg.ID, "destination", msg.Destination)
		return false
	}

	if msg.Status == domain.MessageStatusUndelivered {
		now := e.now()
		applied, err := e.transition(ctx, &msg, domain.MessageStatusQueued, domain.StatusUpdate{DueBy: &now})
		if err != nil || !applied {
			return false
		}
	}

	startedAt := e.now()
	applied, err := e.transition(ctx, &msg, domain.MessageStatusSending, domain.StatusUpdate{
		LastAttemptAt: &startedAt,
	})
	if err != nil || !applied {
		return false
	}

	e.markInflight(msg.ID, true)
	defer e.markInflight(msg.ID, false)

	sendErr := e.transmit(ctx, h, msg)
	e.resolve(context.WithoutCancel(ctx), msg, sendErr)

	return true
}

// transmit sends every chunk of the message, pacing between them.
func (e *Engine) transmit(ctx context.Context, h Handle, msg domain.Message) error {
	cfg := e.cfg().Delivery

	to := domain.BroadcastNodeNum
	if !msg.IsBroadcast() {
		num, err := domain.ParseNodeNum(msg.Destination)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidDestination, err)
		}
		to = num
	}

	envs, err := chunk.Encode(e.codec.NextPacketID(), []byte(msg.Text), h.MaxPacketSize())
	if err != nil {
		return domain.Permanent(err)
	}
	if limit := e.cfg().Chunking.MaxChunks; limit > 0 && len(envs) > limit {
		return fmt.Errorf("%w: %d chunks > %d", domain.ErrPayloadTooLarge, len(envs), limit)
	}

	for i, env := range envs {
		if i > 0 {
			delay := cfg.ChunkDelay
			if cfg.ChunkPauseEvery > 0 && i%cfg.ChunkPauseEvery == 0 && cfg.ChunkPause > delay {
				delay = cfg.ChunkPause
			}
			if !e.sleep(ctx, delay) {
				return domain.Transient(ctx.Err())
			}
		}

		pkt := radio.Packet{
			Kind:    radio.KindText,
			To:      to,
			Channel: uint32(msg.Channel),
			WantAck: !msg.IsBroadcast(),
			Payload: env.Payload,
		}
		if env.Framed() {
			pkt.Chunk = &radio.ChunkHeader{
				MessageID: env.MessageID,
				Total:     uint16(env.Total),
				Index:     uint16(env.Index),
			}
		}
		packetID, err := h.Send(ctx, pkt)
		if err != nil {
			return fmt.Errorf("chunk %d/%d: %w", env.Index+1, env.Total, err)
		}
		e.logger.Debug("chunk sent", "id", msg.ID, "packet_id", packetID, "index", env.Index, "total", env.Total)
	}

	return nil
}

// resolve records the outcome of an attempt that holds the sending status.
func (e *Engine) resolve(ctx context.Context, msg domain.Message, sendErr error) {
	cfg := e.cfg().Delivery
	now := e.now()

	if sendErr == nil {
		empty := ""
		_, _ = e.transition(ctx, &msg, domain.MessageStatusDelivered, domain.StatusUpdate{
			LastAttemptAt: &now,
			LastError:     &empty,
		})
		return
	}

	errText := sendErr.Error()
	class := domain.Classify(sendErr)
	if class == domain.FailureResource {
		// The interface went away before the radio took the packet: not an attempt.
		applied, err := e.transition(ctx, &msg, domain.MessageStatusQueued, domain.StatusUpdate{
			NextRetryAt: &now,
			LastError:   &errText,
		})
		if err == nil && applied {
			e.logger.Warn("send deferred, interface unavailable", "id", msg.ID, "error", sendErr)
			e.cancelIfRequested(ctx, msg.ID, domain.MessageStatusQueued)
		}
		return
	}

	attempts := msg.AttemptCount + 1
	if class == domain.FailurePermanent {
		_, _ = e.transition(ctx, &msg, domain.MessageStatusFailed, domain.StatusUpdate{
			AttemptCount:  &attempts,
			LastAttemptAt: &now,
			LastError:     &errText,
		})
		return
	}

	defers := msg.DeferCount + 1
	if cfg.MaxAttempts > 0 && attempts >= cfg.MaxAttempts {
		_, _ = e.transition(ctx, &msg, domain.MessageStatusFailed, domain.StatusUpdate{
			AttemptCount:  &attempts,
			DeferCount:    &defers,
			LastAttemptAt: &now,
			LastError:     &errText,
		})
		return
	}
	next := now.Add(cfg.Backoff(attempts))
	applied, err := e.transition(ctx, &msg, domain.MessageStatusUndelivered, domain.StatusUpdate{
		AttemptCount:  &attempts,
		DeferCount:    &defers,
		LastAttemptAt: &now,
		NextRetryAt:   &next,
		LastError:     &errText,
	})
	if err == nil && applied {
		e.cancelIfRequested(ctx, msg.ID, domain.MessageStatusUndelivered)
	}
}

// cancelIfRequested completes a cancellation that was deferred while the message was sending.
func (e *Engine) cancelIfRequested(ctx context.Context, id string, status domain.MessageStatus) {
	current, err := e.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			e.logger.Error("reload message failed", "id", id, "error", err)
		}
		return
	}
	if !current.CancelRequested || current.Status != status {
		return
	}
	_, _ = e.transition(ctx, &current, domain.MessageStatusCancelled, domain.StatusUpdate{})
}
