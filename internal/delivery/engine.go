package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skobkin/meshbot/internal/bus"
	"github.com/skobkin/meshbot/internal/chunk"
	"github.com/skobkin/meshbot/internal/config"
	"github.com/skobkin/meshbot/internal/connectors"
	"github.com/skobkin/meshbot/internal/domain"
	"github.com/skobkin/meshbot/internal/metrics"
	"github.com/skobkin/meshbot/internal/radio"
)

// Store is the durable message table the engine drives.
type Store interface {
	domain.MessageRepository
	RequestCancel(ctx context.Context, id string, status domain.MessageStatus) (bool, error)
}

type Options struct {
	Config  func() config.AppConfig
	Store   Store
	Link    Link
	Nodes   Reachability
	Codec   *radio.Codec
	Bus     bus.MessageBus
	Metrics *metrics.Collector
	Logger  *slog.Logger
	Now     func() time.Time
	// Sleep waits between chunk transmissions. It reports false if ctx ended first.
	Sleep func(ctx context.Context, d time.Duration) bool
}

// SubmitRequest is one producer message. An empty Destination broadcasts on Channel.
// InterfaceID is optional; the engine picks one when it is empty.
type SubmitRequest struct {
	Source      string
	Destination string
	Channel     int
	Text        string
	IsDM        bool
	InterfaceID string
}

// Engine owns every message status transition. Producers submit and observe;
// only the engine moves a message through its lifecycle, always by
// compare-and-swap against the stored status.
type Engine struct {
	cfg     func() config.AppConfig
	store   Store
	link    Link
	nodes   Reachability
	codec   *radio.Codec
	bus     bus.MessageBus
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) bool

	journal *journal
	kick    chan struct{}

	mu       sync.Mutex
	handles  map[string]Handle
	busy     map[string]bool
	inflight map[string]struct{}

	wg     sync.WaitGroup
	closed atomic.Bool
}

func New(opts Options) (*Engine, error) {
	if opts.Config == nil || opts.Store == nil || opts.Link == nil {
		return nil, errors.New("delivery engine requires config, store and link")
	}
	if opts.Codec == nil {
		codec, err := radio.NewCodec()
		if err != nil {
			return nil, err
		}
		opts.Codec = codec
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "delivery")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}

	return &Engine{
		cfg:      opts.Config,
		store:    opts.Store,
		link:     opts.Link,
		nodes:    opts.Nodes,
		codec:    opts.Codec,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      opts.Now,
		sleep:    opts.Sleep,
		journal:  newJournal(opts.Config().Delivery.EventBuffer),
		kick:     make(chan struct{}, 1),
		handles:  make(map[string]Handle),
		busy:     make(map[string]bool),
		inflight: make(map[string]struct{}),
	}, nil
}

// Submit validates and queues a message, returning its id. Self-addressed,
// malformed and oversized messages are rejected here and never stored.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if e.closed.Load() {
		return "", domain.ErrDeliveryEngineClose
	}
	msg, err := e.admit(req)
	if err != nil {
		e.metrics.Submitted(false)
		e.logger.Warn("message rejected", "source", req.Source, "destination", req.Destination, "error", err)
		return "", err
	}

	stored, err := e.store.Insert(ctx, msg)
	if err != nil {
		e.metrics.Submitted(false)
		return "", fmt.Errorf("queue message: %w", err)
	}
	e.metrics.Submitted(true)
	e.logger.Info("message queued",
		"id", stored.ID,
		"interface", stored.InterfaceID,
		"destination", stored.Destination,
		"channel", stored.Channel,
		"len", len(stored.Text),
	)
	e.emit(stored.ID, domain.MessageStatusQueued, 0, "")
	e.Kick()

	return stored.ID, nil
}

func (e *Engine) admit(req SubmitRequest) (domain.Message, error) {
	destination, err := domain.CanonicalNodeID(req.Destination)
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: %v", domain.ErrInvalidDestination, err)
	}
	if req.IsDM && destination == "" {
		return domain.Message{}, fmt.Errorf("%w: direct message needs a destination", domain.ErrInvalidDestination)
	}
	if req.Channel < 0 {
		return domain.Message{}, fmt.Errorf("%w: channel %d", domain.ErrInvalidDestination, req.Channel)
	}

	interfaceID, err := e.resolveInterface(req.InterfaceID, destination)
	if err != nil {
		return domain.Message{}, err
	}

	source, err := domain.CanonicalNodeID(req.Source)
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: source: %v", domain.ErrInvalidDestination, err)
	}
	if source == "" {
		source = e.link.LocalNodeID(interfaceID)
	}
	if err := CheckSelfAddressed(source, destination, e.link.LocalNodeIDs()); err != nil {
		return domain.Message{}, err
	}

	if req.Text == "" {
		return domain.Message{}, domain.ErrEmptyPayload
	}
	chunks, err := chunk.Count([]byte(req.Text), e.link.MaxPacketSize(interfaceID))
	if err != nil {
		return domain.Message{}, domain.Permanent(err)
	}
	if limit := e.cfg().Chunking.MaxChunks; limit > 0 && chunks > limit {
		return domain.Message{}, fmt.Errorf("%w: %d chunks > %d", domain.ErrPayloadTooLarge, chunks, limit)
	}

	now := e.now()

	return domain.Message{
		ID:          uuid.NewString(),
		InterfaceID: interfaceID,
		Source:      source,
		Destination: destination,
		Channel:     req.Channel,
		Text:        req.Text,
		IsDM:        destination != "",
		Status:      domain.MessageStatusQueued,
		NextRetryAt: now,
		CreatedAt:   now,
	}, nil
}

// resolveInterface picks the explicit interface, then the one the destination
// was last heard on, then the first configured one.
func (e *Engine) resolveInterface(requested, destination string) (string, error) {
	configured := e.link.Interfaces()
	if len(configured) == 0 {
		return "", fmt.Errorf("%w: none configured", domain.ErrUnknownInterface)
	}
	has := func(id string) bool {
		for _, c := range configured {
			if c == id {
				return true
			}
		}
		return false
	}

	if requested = strings.TrimSpace(requested); requested != "" {
		if !has(requested) {
			return "", fmt.Errorf("%w: %q", domain.ErrUnknownInterface, requested)
		}
		return requested, nil
	}
	if destination != "" && e.nodes != nil {
		if heard := e.nodes.InterfaceFor(destination); heard != "" && has(heard) {
			return heard, nil
		}
	}

	return configured[0], nil
}

// Kick requests a scan as soon as possible. Requests coalesce.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Start runs the retry scan, the watchdog and the bus listeners until ctx is done.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(2)
	go e.scanLoop(ctx)
	go e.watchdogLoop(ctx)

	if e.bus == nil {
		return
	}
	statusSub := e.bus.Subscribe(connectors.TopicInterfaceStatus)
	reachSub := e.bus.Subscribe(connectors.TopicNodeReachability)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.bus.Unsubscribe(statusSub, connectors.TopicInterfaceStatus)
		defer e.bus.Unsubscribe(reachSub, connectors.TopicNodeReachability)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-statusSub:
				if !ok {
					return
				}
				if status, ok := raw.(connectors.InterfaceStatus); ok {
					e.HandleInterfaceStatus(ctx, status)
				}
			case raw, ok := <-reachSub:
				if !ok {
					return
				}
				if ev, ok := raw.(domain.NodeReachability); ok && ev.Online {
					e.logger.Debug("destination back online, rescanning", "node_id", ev.NodeID)
					e.Kick()
				}
			}
		}
	}()
}

// Close stops accepting messages, waits for in-flight work and releases interfaces.
// Start's context must be cancelled first.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.wg.Wait()

	e.mu.Lock()
	handles := e.handles
	e.handles = make(map[string]Handle)
	e.mu.Unlock()
	for _, h := range handles {
		h.Release()
	}
}

func (e *Engine) scanLoop(ctx context.Context) {
	defer e.wg.Done()

	interval := e.cfg().Delivery.ScanInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.Kick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.kick:
		}
		if err := e.Scan(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("retry scan failed", "error", err)
		}
	}
}

// Scan attempts every due message once. Interfaces are worked in parallel;
// messages on one interface go out one at a time. Scans may race freely:
// a message is only sent by whoever wins its queued -> sending swap.
func (e *Engine) Scan(ctx context.Context) error {
	cfg := e.cfg().Delivery
	due, err := e.store.SelectDue(ctx, e.now(), cfg.ScanBatch)
	if err != nil {
		return fmt.Errorf("select due messages: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	groups := make(map[string][]domain.Message)
	var order []string
	for _, msg := range due {
		if _, ok := groups[msg.InterfaceID]; !ok {
			order = append(order, msg.InterfaceID)
		}
		groups[msg.InterfaceID] = append(groups[msg.InterfaceID], msg)
	}

	var wg sync.WaitGroup
	for _, interfaceID := range order {
		if !e.claimInterface(interfaceID) {
			continue
		}
		wg.Add(1)
		go func(interfaceID string, msgs []domain.Message) {
			defer wg.Done()
			defer e.releaseInterface(interfaceID)
			e.drain(ctx, interfaceID, msgs)
		}(interfaceID, groups[interfaceID])
	}
	wg.Wait()

	return nil
}

func (e *Engine) drain(ctx context.Context, interfaceID string, msgs []domain.Message) {
	h, err := e.handle(ctx, interfaceID)
	if err != nil {
		e.logger.Warn("interface unavailable, messages stay queued", "interface", interfaceID, "pending", len(msgs), "error", err)
		return
	}
	progressed := false
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}
		if !h.Live() {
			e.logger.Debug("interface not live, messages stay queued", "interface", interfaceID)
			return
		}
		if e.process(ctx, h, msg) {
			progressed = true
		}
	}
	if progressed {
		e.Kick()
	}
}

func (e *Engine) handle(ctx context.Context, interfaceID string) (Handle, error) {
	e.mu.Lock()
	h, ok := e.handles[interfaceID]
	e.mu.Unlock()
	if ok {
		return h, nil
	}

	h, err := e.link.Acquire(ctx, interfaceID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.handles[interfaceID]; ok {
		h.Release()
		return existing, nil
	}
	e.handles[interfaceID] = h

	return h, nil
}

func (e *Engine) claimInterface(interfaceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy[interfaceID] {
		return false
	}
	e.busy[interfaceID] = true

	return true
}

func (e *Engine) releaseInterface(interfaceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.busy, interfaceID)
}

func (e *Engine) markInflight(id string, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on {
		e.inflight[id] = struct{}{}
		return
	}
	delete(e.inflight, id)
}

func (e *Engine) isInflight(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[id]

	return ok
}

// transition applies one compare-and-swap from the status and revision msg
// was read with. When it wins, msg is updated and the result is published.
func (e *Engine) transition(
	ctx context.Context,
	msg *domain.Message,
	to domain.MessageStatus,
	upd domain.StatusUpdate,
) (bool, error) {
	from := msg.Status
	applied, err := e.store.UpdateStatus(ctx, *msg, to, upd)
	if err != nil {
		e.logger.Error("message status update failed", "id", msg.ID, "from", from, "to", to, "error", err)
		return false, err
	}
	if !applied {
		e.logger.Debug("message status changed concurrently", "id", msg.ID, "from", from, "to", to)
		return false, nil
	}
	msg.Apply(to, upd)

	lastErr := ""
	if upd.LastError != nil {
		lastErr = *upd.LastError
	}
	e.emit(msg.ID, to, msg.AttemptCount, lastErr)

	return true, nil
}

func (e *Engine) emit(id string, status domain.MessageStatus, attempts int, lastErr string) {
	ev := e.journal.append(domain.DeliveryEvent{
		MessageID:    id,
		Status:       status,
		AttemptCount: attempts,
		Error:        lastErr,
		At:           e.now(),
	})
	e.metrics.Transition(string(status))

	attrs := []any{"id", id, "status", status, "attempts", attempts}
	switch status {
	case domain.MessageStatusFailed:
		e.logger.Error("message failed", append(attrs, "error", lastErr)...)
	case domain.MessageStatusUndelivered:
		e.logger.Warn("message undelivered", append(attrs, "error", lastErr)...)
	case domain.MessageStatusDelivered, domain.MessageStatusCancelled:
		e.logger.Info("message "+string(status), attrs...)
	default:
		e.logger.Debug("message status changed", attrs...)
	}

	if e.bus != nil {
		e.bus.Publish(connectors.TopicDeliveryEvent, ev)
	}
}

// Subscribe streams delivery events with Seq > afterSeq until ctx is done.
// Pass the last Seq seen to resume after a disconnect.
func (e *Engine) Subscribe(ctx context.Context, afterSeq uint64) <-chan domain.DeliveryEvent {
	return e.journal.subscribe(ctx, afterSeq)
}

// LastEventSeq returns the newest journal sequence number.
func (e *Engine) LastEventSeq() uint64 {
	return e.journal.lastSeq()
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
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
