package iface

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/skobkin/meshbot/internal/connectors"
	"github.com/skobkin/meshbot/internal/domain"
	"github.com/skobkin/meshbot/internal/radio"
	"github.com/skobkin/meshbot/internal/transport"
)

// Handle is one consumer's share of an interface. It must be released exactly once;
// extra Release calls are ignored.
type Handle struct {
	m        *Manager
	e        *entry
	released atomic.Bool
}

func (h *Handle) InterfaceID() string {
	return h.e.id
}

// Live reports whether the underlying interface can send right now.
func (h *Handle) Live() bool {
	return !h.released.Load() && h.m.IsLive(h.e.id)
}

func (h *Handle) MaxPacketSize() int {
	return h.m.MaxPacketSize(h.e.id)
}

// LocalNodeID returns the node id of the radio behind the handle, if known.
func (h *Handle) LocalNodeID() string {
	return h.m.LocalNodeID(h.e.id)
}

// Send writes one packet and, when it asks for an acknowledgement, waits for it.
// Returned errors always carry a failure class.
func (h *Handle) Send(ctx context.Context, pkt radio.Packet) (uint32, error) {
	if h.released.Load() {
		return 0, domain.ErrHandleReleased
	}

	return h.m.send(ctx, h.e, pkt)
}

func (h *Handle) Release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	h.m.release(h.e)
}

// Send is equivalent to h.Send.
func (m *Manager) Send(ctx context.Context, h *Handle, pkt radio.Packet) (uint32, error) {
	if h == nil {
		return 0, domain.ErrHandleReleased
	}

	return h.Send(ctx, pkt)
}

type ackResult struct {
	err error
}

type ackWaiter struct {
	to uint32
	ch chan ackResult
}

func (m *Manager) send(ctx context.Context, e *entry, pkt radio.Packet) (id uint32, err error) {
	started := m.now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = domain.Classify(err).String()
		}
		m.metrics.SendAttempt(e.id, outcome, time.Since(started))
	}()

	if limit := m.interfaceConfig(e).MaxPacketSize; limit > 0 && len(pkt.Payload) > limit {
		return 0, fmt.Errorf("%w: %d > %d", domain.ErrPacketTooLarge, len(pkt.Payload), limit)
	}

	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s == nil || !m.IsLive(e.id) {
		return 0, domain.ErrInterfaceDown
	}

	if pkt.From == 0 {
		pkt.From = e.localNum.Load()
	}
	payload, err := m.codec.Encode(&pkt)
	if err != nil {
		return 0, domain.Permanent(err)
	}
	if len(payload) > transport.MaxFramePayload {
		return pkt.ID, fmt.Errorf("%w: frame %d > %d", domain.ErrPacketTooLarge, len(payload), transport.MaxFramePayload)
	}

	var waiter ackWaiter
	if pkt.WantAck {
		waiter = m.registerAck(e, pkt.ID, pkt.To)
		defer m.dropAck(e, pkt.ID)
	}

	im := m.cfg().InterfaceManager
	writeCtx, cancel := context.WithTimeout(ctx, im.PingTimeout)
	e.writeMu.Lock()
	err = s.tr.WriteFrame(writeCtx, payload)
	e.writeMu.Unlock()
	cancel()
	if err != nil {
		return pkt.ID, domain.Transient(fmt.Errorf("write packet %d on %s: %w", pkt.ID, e.id, err))
	}
	m.publishRawFrame(connectors.TopicRawFrameOut, e.id, payload)
	m.logger.Debug("packet sent", "interface", e.id, "id", pkt.ID, "kind", pkt.Kind, "to", domain.FormatNodeNum(pkt.To), "want_ack", pkt.WantAck)

	if !pkt.WantAck {
		return pkt.ID, nil
	}

	timer := time.NewTimer(im.AckTimeout)
	defer timer.Stop()

	select {
	case res := <-waiter.ch:
		return pkt.ID, res.err
	case <-timer.C:
		return pkt.ID, fmt.Errorf("%w: packet %d after %s", domain.ErrAckTimeout, pkt.ID, im.AckTimeout)
	case <-ctx.Done():
		return pkt.ID, domain.Transient(ctx.Err())
	case <-s.done:
		return pkt.ID, domain.ErrInterfaceDown
	}
}

func (m *Manager) registerAck(e *entry, packetID, to uint32) ackWaiter {
	w := ackWaiter{to: to, ch: make(chan ackResult, 1)}
	e.ackMu.Lock()
	e.waiters[packetID] = w
	e.ackMu.Unlock()

	return w
}

func (m *Manager) dropAck(e *entry, packetID uint32) {
	e.ackMu.Lock()
	delete(e.waiters, packetID)
	e.ackMu.Unlock()
}

// resolveAck settles a pending send. A negative ack from any hop fails it; a
// positive ack only counts when it comes from the destination itself.
func (m *Manager) resolveAck(e *entry, pkt radio.Packet) {
	if pkt.Ack == nil {
		return
	}
	e.ackMu.Lock()
	defer e.ackMu.Unlock()

	w, ok := e.waiters[pkt.Ack.For]
	if !ok {
		return
	}
	if err := pkt.Ack.Reason.Err(); err != nil {
		delete(e.waiters, pkt.Ack.For)
		w.ch <- ackResult{err: fmt.Errorf("packet %d: %w", pkt.Ack.For, err)}
		return
	}
	if w.to != 0 && w.to != domain.BroadcastNodeNum && pkt.From != w.to {
		m.logger.Debug("relay ack ignored", "interface", e.id, "for", pkt.Ack.For, "from", domain.FormatNodeNum(pkt.From))
		return
	}
	delete(e.waiters, pkt.Ack.For)
	w.ch <- ackResult{}
}

// failPending releases every waiter on the interface with err.
func (m *Manager) failPending(e *entry, err error) {
	e.ackMu.Lock()
	defer e.ackMu.Unlock()

	for id, w := range e.waiters {
		delete(e.waiters, id)
		w.ch <- ackResult{err: err}
	}
}
