package iface

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/skobkin/meshbot/internal/chunk"
	"github.com/skobkin/meshbot/internal/connectors"
	"github.com/skobkin/meshbot/internal/domain"
	"github.com/skobkin/meshbot/internal/platform"
	"github.com/skobkin/meshbot/internal/radio"
	"github.com/skobkin/meshbot/internal/transport"
)

const initialConnectTimeout = 15 * time.Second

// session is one open lifetime of an interface: from first acquire until the
// last release (plus grace) or shutdown. It survives reconnects.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	tr     transport.Transport
	lock   platform.DeviceLock
}

// openLocked creates the transport and makes the first connect attempt. e.mu is held.
func (m *Manager) openLocked(ctx context.Context, e *entry) error {
	cfg := m.interfaceConfig(e)

	var lock platform.DeviceLock
	if m.cfg().InterfaceManager.DeviceLock {
		l, err := m.lockDevice(cfg.DeviceKey())
		if err != nil {
			return domain.Resource(fmt.Errorf("lock %s: %w", e.id, err))
		}
		lock = l
	}

	tr, err := m.factory(cfg)
	if err != nil {
		if lock != nil {
			_ = lock.Release()
		}
		return domain.Permanent(fmt.Errorf("build transport for %s: %w", e.id, err))
	}

	sessCtx, cancel := context.WithCancel(m.rootCtx)
	s := &session{
		ctx:    sessCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		tr:     tr,
		lock:   lock,
	}
	e.stateMu.Lock()
	e.transport = tr
	e.stateMu.Unlock()
	e.session = s

	m.setState(e, connectors.ConnectionStateConnecting, nil)
	connectCtx, cancelConnect := context.WithTimeout(ctx, initialConnectTimeout)
	err = tr.Connect(connectCtx)
	cancelConnect()
	connected := err == nil
	if connected {
		m.setState(e, connectors.ConnectionStateConnected, nil)
	} else {
		m.logger.Warn("initial connect failed, reconnecting in background", "interface", e.id, "error", err)
		m.setState(e, connectors.ConnectionStateReconnecting, err)
	}

	go m.supervise(s, e, connected)

	return nil
}

// closeSessionLocked stops the supervisor and waits for the transport to close. e.mu is held.
func (m *Manager) closeSessionLocked(e *entry) {
	s := e.session
	e.session = nil
	s.cancel()
	<-s.done

	if s.lock != nil {
		if err := s.lock.Release(); err != nil {
			m.logger.Warn("release device lock failed", "interface", e.id, "error", err)
		}
	}
	m.failPending(e, domain.ErrInterfaceDown)
	m.setState(e, connectors.ConnectionStateDisconnected, nil)
}

func (m *Manager) newBackoff() *backoff.ExponentialBackOff {
	im := m.cfg().InterfaceManager
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = im.ReconnectInitial
	bo.MaxInterval = im.ReconnectMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.Reset()

	return bo
}

// supervise keeps the session's transport connected until the session ends.
func (m *Manager) supervise(s *session, e *entry, connected bool) {
	defer close(s.done)
	defer func() {
		if err := s.tr.Close(); err != nil {
			m.logger.Debug("transport close failed", "interface", e.id, "error", err)
		}
	}()

	bo := m.newBackoff()
	failures := 0
	for {
		if !connected {
			if !sleepWithContext(s.ctx, bo.NextBackOff()) {
				return
			}
			err := s.tr.Connect(s.ctx)
			if s.ctx.Err() != nil {
				return
			}
			if err != nil {
				failures++
				state := connectors.ConnectionStateReconnecting
				down := m.cfg().InterfaceManager.DownAfter
				// Permanent failures need the operator; retries continue at the slowest pace.
				if (down > 0 && failures >= down) || errors.Is(err, domain.ErrPermanent) {
					state = connectors.ConnectionStateDown
				}
				m.setState(e, state, err)
				continue
			}
			bo.Reset()
			failures = 0
			connected = true
			m.setState(e, connectors.ConnectionStateConnected, nil)
		}

		err := m.runConnection(s, e)
		if s.ctx.Err() != nil {
			return
		}
		connected = false
		m.failPending(e, domain.ErrInterfaceDown)
		_ = s.tr.Close()
		m.setState(e, connectors.ConnectionStateReconnecting, err)
	}
}

// runConnection reads frames and pings the radio until the link fails.
func (m *Manager) runConnection(s *session, e *entry) error {
	connCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() {
		readErr <- m.readLoop(connCtx, s, e)
	}()

	interval := m.cfg().InterfaceManager.HealthInterval
	if interval <= 0 {
		interval = 25 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-connCtx.Done():
			<-readErr
			return connCtx.Err()
		case err := <-readErr:
			return fmt.Errorf("read: %w", err)
		case <-ticker.C:
			if err := m.ping(connCtx, s, e); err != nil {
				cancel()
				<-readErr
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (m *Manager) ping(ctx context.Context, s *session, e *entry) error {
	payload, err := m.codec.EncodeHeartbeat()
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, m.cfg().InterfaceManager.PingTimeout)
	defer cancel()

	e.writeMu.Lock()
	err = s.tr.WriteFrame(pingCtx, payload)
	e.writeMu.Unlock()
	if err != nil {
		return err
	}
	m.publishRawFrame(connectors.TopicRawFrameOut, e.id, payload)

	return nil
}

func (m *Manager) readLoop(ctx context.Context, s *session, e *entry) error {
	for {
		payload, err := s.tr.ReadFrame(ctx)
		if err != nil {
			return err
		}
		m.publishRawFrame(connectors.TopicRawFrameIn, e.id, payload)

		pkt, err := m.codec.Decode(payload)
		if err != nil {
			m.logger.Warn("decode radio packet failed", "interface", e.id, "error", err)
			continue
		}
		m.handlePacket(e, pkt)
	}
}

func (m *Manager) handlePacket(e *entry, pkt radio.Packet) {
	now := m.now()
	m.logger.Debug("packet received", "interface", e.id, "kind", pkt.Kind, "from", domain.FormatNodeNum(pkt.From), "id", pkt.ID)

	switch pkt.Kind {
	case radio.KindMyInfo:
		if pkt.From != 0 && pkt.From != domain.BroadcastNodeNum {
			if prev := e.localNum.Swap(pkt.From); prev != pkt.From {
				m.logger.Info("local node identified", "interface", e.id, "node_id", domain.FormatNodeNum(pkt.From))
			}
		}
	case radio.KindAck:
		m.resolveAck(e, pkt)
	case radio.KindText:
		m.handleText(e, pkt, now)
	}

	m.bus.Publish(connectors.TopicPacketIn, radio.InboundPacket{InterfaceID: e.id, Packet: pkt, At: now})
}

func (m *Manager) handleText(e *entry, pkt radio.Packet, now time.Time) {
	if local := e.localNum.Load(); local != 0 && pkt.From == local {
		return
	}
	source := domain.FormatNodeNum(pkt.From)
	if source == "" {
		m.logger.Debug("text without sender dropped", "interface", e.id, "id", pkt.ID)
		return
	}

	env := chunk.Envelope{Total: 1, Payload: pkt.Payload}
	if pkt.Chunk != nil {
		env = chunk.Envelope{
			MessageID: pkt.Chunk.MessageID,
			Total:     int(pkt.Chunk.Total),
			Index:     int(pkt.Chunk.Index),
			Payload:   pkt.Payload,
		}
	}
	payload, done, err := m.reassembler.Add(source, env)
	if err != nil {
		m.metrics.ReassemblyOutcome("invalid", 1)
		m.logger.Warn("chunk rejected", "interface", e.id, "from", source, "error", err)
		return
	}
	if !done {
		return
	}
	if env.Total > 1 {
		m.metrics.ReassemblyOutcome("complete", 1)
	}

	text := domain.IncomingText{
		InterfaceID: e.id,
		PacketID:    pkt.ID,
		From:        source,
		Channel:     int(pkt.Channel),
		Text:        string(payload),
		At:          now,
	}
	if !pkt.IsBroadcast() {
		text.To = domain.FormatNodeNum(pkt.To)
	}
	m.bus.Publish(connectors.TopicTextMessage, text)
}

func (m *Manager) publishRawFrame(topic, interfaceID string, payload []byte) {
	m.bus.Publish(topic, connectors.RawFrame{
		InterfaceID: interfaceID,
		Hex:         strings.ToUpper(hex.EncodeToString(payload)),
		Len:         len(payload),
	})
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d < 0 {
		d = 0
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
