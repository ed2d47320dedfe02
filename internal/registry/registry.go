package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skobkin/meshbot/internal/bus"
	"github.com/skobkin/meshbot/internal/config"
	"github.com/skobkin/meshbot/internal/connectors"
	"github.com/skobkin/meshbot/internal/domain"
	"github.com/skobkin/meshbot/internal/metrics"
	"github.com/skobkin/meshbot/internal/radio"
)

// WriteQueue serializes persistence writes off the packet path.
type WriteQueue interface {
	Enqueue(name string, fn func(context.Context) error)
}

type Options struct {
	Config    func() config.AppConfig
	Bus       bus.MessageBus
	Nodes     domain.NodeRepository
	Telemetry domain.TelemetryRepository
	Writes    WriteQueue
	Metrics   *metrics.Collector
	Logger    *slog.Logger
	Now       func() time.Time
}

// Registry keeps the latest state of every heard node and classifies it as
// online or offline by how recently it was heard. Updates for one node are
// serialized by that node's lock; different nodes update independently.
type Registry struct {
	cfg       func() config.AppConfig
	bus       bus.MessageBus
	nodes     domain.NodeRepository
	telemetry domain.TelemetryRepository
	writes    WriteQueue
	metrics   *metrics.Collector
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.RWMutex
	state map[string]*nodeState
}

type nodeState struct {
	mu     sync.Mutex
	node   domain.Node
	online bool
}

func New(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "registry")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Registry{
		cfg:       opts.Config,
		bus:       opts.Bus,
		nodes:     opts.Nodes,
		telemetry: opts.Telemetry,
		writes:    opts.Writes,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       opts.Now,
		state:     make(map[string]*nodeState),
	}
}

// Load warms the registry from the node table. No reachability events are published.
func (r *Registry) Load(ctx context.Context) error {
	if r.nodes == nil {
		return nil
	}
	items, err := r.nodes.ListSortedByLastHeard(ctx)
	if err != nil {
		return fmt.Errorf("load nodes: %w", err)
	}

	now := r.now()
	threshold := r.threshold()
	r.mu.Lock()
	for _, node := range items {
		r.state[node.NodeID] = &nodeState{
			node:   node,
			online: domain.IsOnline(node.LastHeardAt, now, threshold),
		}
	}
	r.mu.Unlock()
	r.metrics.SetNodesOnline(r.OnlineCount())
	r.logger.Info("node registry loaded", "nodes", len(items))

	return nil
}

// Start consumes inbound packets and runs the offline sweep until ctx is done.
func (r *Registry) Start(ctx context.Context) {
	sub := r.bus.Subscribe(connectors.TopicPacketIn)
	go func() {
		defer r.bus.Unsubscribe(sub, connectors.TopicPacketIn)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-sub:
				if !ok {
					return
				}
				in, ok := raw.(radio.InboundPacket)
				if !ok {
					continue
				}
				r.HandlePacket(in)
			}
		}
	}()

	go func() {
		interval := r.cfg().Registry.SweepInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}

// HandlePacket projects one inbound packet onto the sender's node entry.
func (r *Registry) HandlePacket(in radio.InboundPacket) {
	at := in.At
	if at.IsZero() {
		at = r.now()
	}
	update, ok := radio.NodeUpdate(in.InterfaceID, in.Packet, at)
	if !ok {
		return
	}
	r.Apply(update.Node)

	if sample, ok := radio.TelemetrySample(in.Packet, at); ok && r.telemetry != nil {
		r.enqueue("insert_telemetry", func(ctx context.Context) error {
			return r.telemetry.Insert(ctx, sample)
		})
	}
}

// Apply merges a sparse observation into the node and reclassifies it.
func (r *Registry) Apply(update domain.Node) domain.Node {
	st := r.entry(update.NodeID)
	now := r.now()

	st.mu.Lock()
	merged := domain.MergeNode(st.node, update)
	merged.NodeID = update.NodeID
	if merged.UpdatedAt.IsZero() || now.After(merged.UpdatedAt) {
		merged.UpdatedAt = now
	}
	st.node = merged
	wasOnline := st.online
	st.online = domain.IsOnline(merged.LastHeardAt, now, r.threshold())
	online := st.online
	// Enqueue while holding the node lock so writes for one node stay ordered.
	if r.nodes != nil {
		r.enqueue("upsert_node", func(ctx context.Context) error {
			return r.nodes.Upsert(ctx, merged)
		})
	}
	st.mu.Unlock()

	if online != wasOnline {
		r.publishReachability(merged, online, now)
	}

	return merged
}

// Sweep flips nodes that have gone quiet to offline. It returns how many flipped.
func (r *Registry) Sweep() int {
	now := r.now()
	threshold := r.threshold()

	flipped := 0
	for _, st := range r.entries() {
		st.mu.Lock()
		if !st.online || domain.IsOnline(st.node.LastHeardAt, now, threshold) {
			st.mu.Unlock()
			continue
		}
		st.online = false
		node := st.node
		st.mu.Unlock()

		flipped++
		r.publishReachability(node, false, now)
	}
	r.metrics.SetNodesOnline(r.OnlineCount())

	return flipped
}

// IsOnline classifies the node from its last-heard time at call time.
func (r *Registry) IsOnline(nodeID string) bool {
	node, ok := r.Get(nodeID)
	if !ok {
		return false
	}

	return domain.IsOnline(node.LastHeardAt, r.now(), r.threshold())
}

func (r *Registry) Get(nodeID string) (domain.Node, bool) {
	r.mu.RLock()
	st, ok := r.state[nodeID]
	r.mu.RUnlock()
	if !ok {
		return domain.Node{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	return st.node, true
}

// InterfaceFor returns the interface the node was last heard on.
func (r *Registry) InterfaceFor(nodeID string) string {
	node, ok := r.Get(nodeID)
	if !ok {
		return ""
	}

	return node.InterfaceID
}

// LinkQuality grades how well nodeID was last heard.
func (r *Registry) LinkQuality(nodeID string) domain.LinkQuality {
	node, ok := r.Get(nodeID)
	if !ok {
		return domain.LinkUnknown
	}

	return domain.LinkQualityOf(node)
}

// Nodes returns every known node, most recently heard first.
func (r *Registry) Nodes() []domain.Node {
	states := r.entries()
	out := make([]domain.Node, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, st.node)
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastHeardAt.After(out[j].LastHeardAt)
	})

	return out
}

func (r *Registry) OnlineCount() int {
	now := r.now()
	threshold := r.threshold()
	count := 0
	for _, st := range r.entries() {
		st.mu.Lock()
		if domain.IsOnline(st.node.LastHeardAt, now, threshold) {
			count++
		}
		st.mu.Unlock()
	}

	return count
}

func (r *Registry) entry(nodeID string) *nodeState {
	r.mu.RLock()
	st, ok := r.state[nodeID]
	r.mu.RUnlock()
	if ok {
		return st
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok = r.state[nodeID]; ok {
		return st
	}
	st = &nodeState{node: domain.Node{NodeID: nodeID}}
	r.state[nodeID] = st

	return st
}

func (r *Registry) entries() []*nodeState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*nodeState, 0, len(r.state))
	for _, st := range r.state {
		out = append(out, st)
	}

	return out
}

func (r *Registry) threshold() time.Duration {
	if t := r.cfg().Registry.StalenessThreshold; t > 0 {
		return t
	}

	return 10 * time.Minute
}

func (r *Registry) enqueue(name string, fn func(context.Context) error) {
	if r.writes == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			r.logger.Error("registry write failed", "name", name, "error", err)
		}
		return
	}
	r.writes.Enqueue(name, fn)
}

func (r *Registry) publishReachability(node domain.Node, online bool, at time.Time) {
	r.logger.Info("node reachability changed", "node_id", node.NodeID, "name", domain.NodeDisplayName(node), "online", online, "link", domain.LinkQualityOf(node))
	r.metrics.SetNodesOnline(r.OnlineCount())
	if r.bus == nil {
		return
	}
	r.bus.Publish(connectors.TopicNodeReachability, domain.NodeReachability{
		NodeID:      node.NodeID,
		Online:      online,
		LastHeardAt: node.LastHeardAt,
		At:          at,
	})
}
