package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/skobkin/meshbot/internal/connectors"
	"github.com/skobkin/meshbot/internal/domain"
)

func (e *Engine) watchdogLoop(ctx context.Context) {
	defer e.wg.Done()

	interval := e.cfg().Delivery.WatchdogInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := e.Watchdog(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("watchdog sweep failed", "error", err)
		} else if n > 0 {
			e.Kick()
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Watchdog reclaims messages left in sending longer than the in-flight limit,
// e.g. after a crash mid-attempt. The stale attempt counts as a transient failure.
func (e *Engine) Watchdog(ctx context.Context) (int, error) {
	cfg := e.cfg().Delivery
	limit := cfg.MaxInFlight
	if limit <= 0 {
		limit = 2 * time.Minute
	}
	now := e.now()
	stuck, err := e.store.SelectStuck(ctx, domain.MessageStatusSending, now.Add(-limit))
	if err != nil {
		return 0, fmt.Errorf("select stuck messages: %w", err)
	}

	reclaimed := 0
	for _, msg := range stuck {
		if e.isInflight(msg.ID) {
			continue
		}
		errText := fmt.Sprintf("no outcome within %s", limit)
		attempts := msg.AttemptCount + 1
		defers := msg.DeferCount + 1
		upd := domain.StatusUpdate{
			AttemptCount: &attempts,
			DeferCount:   &defers,
			LastError:    &errText,
		}
		to := domain.MessageStatusUndelivered
		if cfg.MaxAttempts > 0 && attempts >= cfg.MaxAttempts {
			to = domain.MessageStatusFailed
		} else {
			next := now.Add(cfg.Backoff(attempts))
			upd.NextRetryAt = &next
		}
		applied, err := e.transition(ctx, &msg, to, upd)
		if err != nil {
			return reclaimed, err
		}
		if applied {
			reclaimed++
			if to == domain.MessageStatusUndelivered {
				e.cancelIfRequested(ctx, msg.ID, to)
			}
		}
	}
	if reclaimed > 0 {
		e.logger.Warn("reclaimed stuck messages", "count", reclaimed)
	}

	return reclaimed, nil
}

// HandleInterfaceStatus reacts to interface liveness: a down interface gives
// its sending messages back to the queue, a live one triggers a rescan.
func (e *Engine) HandleInterfaceStatus(ctx context.Context, status connectors.InterfaceStatus) {
	switch status.State {
	case connectors.ConnectionStateConnected:
		e.Kick()
	case connectors.ConnectionStateDown:
		n, err := e.RequeueInterface(ctx, status.InterfaceID)
		if err != nil {
			e.logger.Error("requeue after interface down failed", "interface", status.InterfaceID, "error", err)
			return
		}
		if n > 0 {
			e.logger.Warn("interface down, messages requeued", "interface", status.InterfaceID, "count", n)
		}
	}
}

// RequeueInterface moves every sending message on the interface back to queued
// without counting an attempt.
func (e *Engine) RequeueInterface(ctx context.Context, interfaceID string) (int, error) {
	sending, err := e.store.SelectByStatus(ctx, domain.MessageStatusSending, interfaceID)
	if err != nil {
		return 0, fmt.Errorf("select sending messages: %w", err)
	}

	now := e.now()
	errText := domain.ErrInterfaceDown.Error()
	requeued := 0
	for _, msg := range sending {
		applied, err := e.transition(ctx, &msg, domain.MessageStatusQueued, domain.StatusUpdate{
			NextRetryAt: &now,
			LastError:   &errText,
		})
		if err != nil {
			return requeued, err
		}
		if applied {
			requeued++
			e.cancelIfRequested(ctx, msg.ID, domain.MessageStatusQueued)
		}
	}

	return requeued, nil
}
