package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/skobkin/meshbot/internal/bus"
	"github.com/skobkin/meshbot/internal/config"
	"github.com/skobkin/meshbot/internal/connectors"
	"github.com/skobkin/meshbot/internal/delivery"
	"github.com/skobkin/meshbot/internal/domain"
)

// Submitter is the part of the delivery engine the bridge produces into.
type Submitter interface {
	Submit(ctx context.Context, req delivery.SubmitRequest) (string, error)
	Subscribe(ctx context.Context, afterSeq uint64) <-chan domain.DeliveryEvent
}

// Names resolves display names for relayed senders.
type Names interface {
	Get(nodeID string) (domain.Node, bool)
}

type Options struct {
	Config func() config.AppConfig
	Bus    bus.MessageBus
	Link   delivery.Link
	Engine Submitter
	Names  Names
	Logger *slog.Logger
}

// Bridge relays channel chatter between interfaces. It is an independent
// consumer: it holds its own handles on the bridged interfaces and submits
// through the same delivery engine as every other producer.
type Bridge struct {
	cfg    func() config.AppConfig
	bus    bus.MessageBus
	link   delivery.Link
	engine Submitter
	names  Names
	logger *slog.Logger

	mu        sync.Mutex
	handles   []delivery.Handle
	forwarded map[string]forward
	wg        sync.WaitGroup
}

type forward struct {
	from        string
	interfaceID string
}

func New(opts Options) *Bridge {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "bridge")
	}

	return &Bridge{
		cfg:       opts.Config,
		bus:       opts.Bus,
		link:      opts.Link,
		engine:    opts.Engine,
		names:     opts.Names,
		logger:    opts.Logger,
		forwarded: make(map[string]forward),
	}
}

// Start acquires the bridged interfaces and begins relaying. It is a no-op when disabled.
func (b *Bridge) Start(ctx context.Context) error {
	cfg := b.cfg().Bridge
	if !cfg.Enabled {
		return nil
	}
	if len(cfg.Interfaces) < 2 {
		return errors.New("bridge needs at least two interfaces")
	}

	for _, id := range cfg.Interfaces {
		h, err := b.link.Acquire(ctx, id)
		if err != nil {
			b.Stop()
			return fmt.Errorf("bridge acquire %s: %w", id, err)
		}
		b.mu.Lock()
		b.handles = append(b.handles, h)
		b.mu.Unlock()
	}

	texts := b.bus.Subscribe(connectors.TopicTextMessage)
	events := b.engine.Subscribe(ctx, 0)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.bus.Unsubscribe(texts, connectors.TopicTextMessage)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-texts:
				if !ok {
					return
				}
				if msg, ok := raw.(domain.IncomingText); ok {
					b.Relay(ctx, msg)
				}
			case ev, ok := <-events:
				if !ok {
					return
				}
				b.track(ev)
			}
		}
	}()
	b.logger.Info("bridge started", "interfaces", cfg.Interfaces, "channel", cfg.Channel)

	return nil
}

// Stop releases the bridge's interface handles. Cancel Start's context first.
func (b *Bridge) Stop() {
	b.wg.Wait()

	b.mu.Lock()
	handles := b.handles
	b.handles = nil
	b.mu.Unlock()
	for _, h := range handles {
		h.Release()
	}
}

// Relay forwards one received text to every other bridged interface.
// It returns the ids of the queued copies.
func (b *Bridge) Relay(ctx context.Context, msg domain.IncomingText) []string {
	cfg := b.cfg().Bridge
	if !cfg.Enabled || !slices.Contains(cfg.Interfaces, msg.InterfaceID) {
		return nil
	}
	if msg.IsDirect() && !cfg.ForwardDirect {
		return nil
	}
	if !msg.IsDirect() && msg.Channel != cfg.Channel {
		return nil
	}
	if slices.Contains(b.link.LocalNodeIDs(), msg.From) {
		return nil
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}
	body := fmt.Sprintf("[%s] %s", b.senderName(msg.From), text)

	var ids []string
	for _, target := range cfg.Interfaces {
		if target == msg.InterfaceID {
			continue
		}
		id, err := b.engine.Submit(ctx, delivery.SubmitRequest{
			Channel:     cfg.Channel,
			Text:        body,
			InterfaceID: target,
		})
		if err != nil {
			b.logger.Warn("bridge relay rejected", "from", msg.From, "target", target, "error", err)
			continue
		}
		b.mu.Lock()
		b.forwarded[id] = forward{from: msg.From, interfaceID: target}
		b.mu.Unlock()
		ids = append(ids, id)
		b.logger.Debug("text relayed", "from", msg.From, "source", msg.InterfaceID, "target", target, "id", id)
	}

	return ids
}

func (b *Bridge) track(ev domain.DeliveryEvent) {
	if !ev.Status.Terminal() {
		return
	}
	b.mu.Lock()
	fwd, ok := b.forwarded[ev.MessageID]
	delete(b.forwarded, ev.MessageID)
	b.mu.Unlock()
	if !ok {
		return
	}
	if ev.Status != domain.MessageStatusDelivered {
		b.logger.Warn("relayed text not delivered", "id", ev.MessageID, "from", fwd.from, "target", fwd.interfaceID, "status", ev.Status, "error", ev.Error)
	}
}

// Pending returns how many relayed texts are still awaiting a final status.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.forwarded)
}

func (b *Bridge) senderName(nodeID string) string {
	if b.names != nil {
		if node, ok := b.names.Get(nodeID); ok {
			if short := strings.TrimSpace(node.ShortName); short != "" {
				return short
			}
			return domain.NodeDisplayName(node)
		}
	}

	return nodeID
}
