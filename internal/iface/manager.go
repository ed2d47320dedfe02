package iface

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skobkin/meshbot/internal/bus"
	"github.com/skobkin/meshbot/internal/chunk"
	"github.com/skobkin/meshbot/internal/config"
	"github.com/skobkin/meshbot/internal/connectors"
	"github.com/skobkin/meshbot/internal/domain"
	"github.com/skobkin/meshbot/internal/metrics"
	"github.com/skobkin/meshbot/internal/platform"
	"github.com/skobkin/meshbot/internal/radio"
	"github.com/skobkin/meshbot/internal/transport"
)

var errManagerClosed = domain.Resource(errors.New("interface manager is closed"))

// Options wires the manager's collaborators. Config, Codec and Bus are required.
type Options struct {
	Config     func() config.AppConfig
	Factory    transport.Factory
	Codec      *radio.Codec
	Bus        bus.MessageBus
	Metrics    *metrics.Collector
	Logger     *slog.Logger
	LockDevice func(deviceKey string) (platform.DeviceLock, error)
}

// Manager owns every configured physical interface and hands out shared,
// reference-counted handles to them. No interface is ever opened twice.
type Manager struct {
	cfg         func() config.AppConfig
	factory     transport.Factory
	codec       *radio.Codec
	bus         bus.MessageBus
	metrics     *metrics.Collector
	logger      *slog.Logger
	lockDevice  func(deviceKey string) (platform.DeviceLock, error)
	reassembler *chunk.Reassembler
	now         func() time.Time

	order   []string
	entries map[string]*entry

	rootCtx    context.Context
	rootCancel context.CancelFunc
	closed     atomic.Bool
}

type entry struct {
	id  string
	cfg config.InterfaceConfig

	// mu serializes open/close and guards session and the idle timer.
	// refs is only written under mu.
	mu        sync.Mutex
	refs      atomic.Int32
	session   *session
	idleTimer *time.Timer
	idleGen   uint64

	stateMu   sync.RWMutex
	state     connectors.ConnectionState
	lastErr   string
	transport transport.Transport

	writeMu  sync.Mutex
	localNum atomic.Uint32

	ackMu   sync.Mutex
	waiters map[uint32]ackWaiter
}

func New(opts Options) (*Manager, error) {
	if opts.Config == nil || opts.Codec == nil || opts.Bus == nil {
		return nil, errors.New("interface manager requires config, codec and bus")
	}
	if opts.Factory == nil {
		opts.Factory = transport.New
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "iface")
	}
	if opts.LockDevice == nil {
		opts.LockDevice = platform.AcquireDeviceLock
	}

	cfg := opts.Config()
	rootCtx, rootCancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        opts.Config,
		factory:    opts.Factory,
		codec:      opts.Codec,
		bus:        opts.Bus,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		lockDevice: opts.LockDevice,
		reassembler: chunk.NewReassembler(
			opts.Logger.With("component", "chunk"),
			cfg.Chunking.ReassemblyDeadline,
			cfg.Chunking.MaxChunks,
		),
		now:        time.Now,
		entries:    make(map[string]*entry, len(cfg.Interfaces)),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}
	for _, ifc := range cfg.Interfaces {
		id := strings.TrimSpace(ifc.ID)
		if _, dup := m.entries[id]; dup {
			rootCancel()
			return nil, fmt.Errorf("duplicate interface id %q", id)
		}
		e := &entry{
			id:      id,
			cfg:     ifc,
			state:   connectors.ConnectionStateDisconnected,
			waiters: make(map[uint32]ackWaiter),
		}
		if num, err := domain.ParseNodeNum(ifc.NodeID); err == nil {
			e.localNum.Store(num)
		}
		m.entries[id] = e
		m.order = append(m.order, id)
	}

	return m, nil
}

// Start runs background maintenance until ctx is done or Close is called.
func (m *Manager) Start(ctx context.Context) {
	interval := m.cfg().Chunking.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-m.rootCtx.Done()
		cancel()
	}()
	go m.reassembler.Run(runCtx, interval, func(dropped int) {
		m.metrics.ReassemblyOutcome("expired", dropped)
	})
}

// Close tears down every open interface. It is meant for process shutdown.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	for _, id := range m.order {
		e := m.entries[id]
		e.mu.Lock()
		if e.idleTimer != nil {
			e.idleTimer.Stop()
			e.idleTimer = nil
		}
		if e.session != nil {
			m.closeSessionLocked(e)
		}
		e.mu.Unlock()
	}
	m.rootCancel()
}

// Acquire returns a shared handle to the named interface, opening it on first use.
// The first open is attempted synchronously; if it fails the handle is still
// returned and the interface keeps reconnecting in the background.
func (m *Manager) Acquire(ctx context.Context, interfaceID string) (*Handle, error) {
	if m.closed.Load() {
		return nil, errManagerClosed
	}
	e, ok := m.entries[strings.TrimSpace(interfaceID)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownInterface, interfaceID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	limit := m.interfaceConfig(e).MaxConsumers
	if limit > 0 && int(e.refs.Load()) >= limit {
		return nil, fmt.Errorf("%w: %s has %d consumers", domain.ErrConsumerLimit, e.id, e.refs.Load())
	}
	if e.idleTimer != nil {
		e.idleTimer.Stop()
		e.idleTimer = nil
	}
	if e.session == nil {
		if err := m.openLocked(ctx, e); err != nil {
			return nil, err
		}
	}
	refs := e.refs.Add(1)
	m.metrics.SetConsumers(e.id, int(refs))
	m.publishStatus(e)
	m.logger.Debug("interface acquired", "interface", e.id, "consumers", refs)

	return &Handle{m: m, e: e}, nil
}

// Release is equivalent to h.Release.
func (m *Manager) Release(h *Handle) {
	if h != nil {
		h.Release()
	}
}

func (m *Manager) release(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	refs := e.refs.Load()
	if refs > 0 {
		refs = e.refs.Add(-1)
	}
	m.metrics.SetConsumers(e.id, int(refs))
	m.publishStatus(e)
	m.logger.Debug("interface released", "interface", e.id, "consumers", refs)
	if refs > 0 || e.session == nil {
		return
	}

	grace := m.cfg().InterfaceManager.ReleaseGrace
	if grace <= 0 {
		m.closeSessionLocked(e)
		return
	}
	e.idleGen++
	gen := e.idleGen
	e.idleTimer = time.AfterFunc(grace, func() {
		m.closeIdle(e, gen)
	})
}

func (m *Manager) closeIdle(e *entry, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.refs.Load() > 0 || e.idleGen != gen || e.session == nil {
		return
	}
	e.idleTimer = nil
	m.logger.Info("closing idle interface", "interface", e.id)
	m.closeSessionLocked(e)
}

// Interfaces returns configured interface ids in configuration order.
func (m *Manager) Interfaces() []string {
	return append([]string(nil), m.order...)
}

// IsLive reports whether packets can currently be sent on the interface.
func (m *Manager) IsLive(interfaceID string) bool {
	e, ok := m.entries[interfaceID]
	if !ok {
		return false
	}
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	return e.state.Live()
}

// MaxPacketSize returns the payload limit of one packet on the interface.
func (m *Manager) MaxPacketSize(interfaceID string) int {
	e, ok := m.entries[interfaceID]
	if !ok {
		return 0
	}

	return m.interfaceConfig(e).MaxPacketSize
}

// LocalNodeIDs returns the node ids of every attached radio, configured or learned.
func (m *Manager) LocalNodeIDs() []string {
	seen := make(map[string]struct{}, len(m.order))
	out := make([]string, 0, len(m.order))
	for _, id := range m.order {
		nodeID := domain.FormatNodeNum(m.entries[id].localNum.Load())
		if nodeID == "" {
			continue
		}
		if _, ok := seen[nodeID]; ok {
			continue
		}
		seen[nodeID] = struct{}{}
		out = append(out, nodeID)
	}

	return out
}

// LocalNodeID returns the node id of the radio behind one interface, if known.
func (m *Manager) LocalNodeID(interfaceID string) string {
	e, ok := m.entries[interfaceID]
	if !ok {
		return ""
	}

	return domain.FormatNodeNum(e.localNum.Load())
}

// Status returns the current liveness snapshot of one interface.
func (m *Manager) Status(interfaceID string) (connectors.InterfaceStatus, bool) {
	e, ok := m.entries[interfaceID]
	if !ok {
		return connectors.InterfaceStatus{}, false
	}

	return m.snapshot(e), true
}

func (m *Manager) Statuses() []connectors.InterfaceStatus {
	out := make([]connectors.InterfaceStatus, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.snapshot(m.entries[id]))
	}

	return out
}

func (m *Manager) interfaceConfig(e *entry) config.InterfaceConfig {
	if cfg, ok := m.cfg().Interface(e.id); ok {
		return cfg
	}

	return e.cfg
}

func (m *Manager) setState(e *entry, state connectors.ConnectionState, err error) {
	e.stateMu.Lock()
	changed := e.state != state
	e.state = state
	e.lastErr = ""
	if err != nil {
		e.lastErr = err.Error()
	}
	e.stateMu.Unlock()

	m.metrics.SetInterfaceUp(e.id, state.Live())
	if changed {
		attrs := []any{"interface", e.id, "state", state}
		if err != nil {
			attrs = append(attrs, "error", err)
		}
		if state == connectors.ConnectionStateDown {
			m.logger.Error("interface down", attrs...)
		} else {
			m.logger.Info("interface state changed", attrs...)
		}
	}
	m.publishStatus(e)
}

func (m *Manager) snapshot(e *entry) connectors.InterfaceStatus {
	e.stateMu.RLock()
	status := connectors.InterfaceStatus{
		InterfaceID: e.id,
		State:       e.state,
		Err:         e.lastErr,
		Timestamp:   m.now(),
	}
	tr := e.transport
	e.stateMu.RUnlock()

	if tr != nil {
		status.TransportName = tr.Name()
		status.Target = transport.Target(tr)
	} else {
		status.TransportName = string(e.cfg.Kind)
		status.Target = e.cfg.Target()
	}
	status.Consumers = int(e.refs.Load())

	return status
}

func (m *Manager) publishStatus(e *entry) {
	m.bus.Publish(connectors.TopicInterfaceStatus, m.snapshot(e))
}
