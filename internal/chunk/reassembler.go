package chunk

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Key identifies one chunked message in flight.
type Key struct {
	Source    string
	MessageID uint32
}

type partial struct {
	total    int
	parts    map[int][]byte
	deadline time.Time
}

// Reassembler buffers envelopes per (source, message id) and emits each
// payload exactly once.
type Reassembler struct {
	mu        sync.Mutex
	logger    *slog.Logger
	deadline  time.Duration
	maxChunks int
	now       func() time.Time

	partials  map[Key]*partial
	completed map[Key]time.Time
	// expired counts partials dropped by Add since the last Sweep.
	expired int
}

func NewReassembler(logger *slog.Logger, deadline time.Duration, maxChunks int) *Reassembler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Reassembler{
		logger:    logger,
		deadline:  deadline,
		maxChunks: maxChunks,
		now:       time.Now,
		partials:  make(map[Key]*partial),
		completed: make(map[Key]time.Time),
	}
}

// Add stores env and returns the full payload once every index is present.
// Duplicates of an already emitted message are swallowed until its deadline.
func (r *Reassembler) Add(source string, env Envelope) ([]byte, bool, error) {
	if env.Total <= 1 {
		if env.Index != 0 {
			return nil, false, fmt.Errorf("%w: index %d of single envelope", ErrInvalidEnvelope, env.Index)
		}
		return append([]byte{}, env.Payload...), true, nil
	}
	if env.Index < 0 || env.Index >= env.Total {
		return nil, false, fmt.Errorf("%w: index %d of %d", ErrInvalidEnvelope, env.Index, env.Total)
	}
	if r.maxChunks > 0 && env.Total > r.maxChunks {
		return nil, false, fmt.Errorf("%w: total %d exceeds %d", ErrInvalidEnvelope, env.Total, r.maxChunks)
	}

	key := Key{Source: source, MessageID: env.MessageID}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if until, ok := r.completed[key]; ok && now.Before(until) {
		return nil, false, nil
	}

	p, ok := r.partials[key]
	if ok && !now.Before(p.deadline) {
		r.discardLocked(key, p)
		r.expired++
		ok = false
	}
	if !ok {
		p = &partial{
			total:    env.Total,
			parts:    make(map[int][]byte, env.Total),
			deadline: now.Add(r.deadline),
		}
		r.partials[key] = p
	}
	if p.total != env.Total {
		return nil, false, fmt.Errorf("%w: total %d conflicts with %d", ErrInvalidEnvelope, env.Total, p.total)
	}
	if _, dup := p.parts[env.Index]; dup {
		return nil, false, nil
	}
	p.parts[env.Index] = append([]byte{}, env.Payload...)
	if len(p.parts) < p.total {
		return nil, false, nil
	}

	var buf bytes.Buffer
	for i := 0; i < p.total; i++ {
		buf.Write(p.parts[i])
	}
	delete(r.partials, key)
	r.completed[key] = now.Add(r.deadline)

	return buf.Bytes(), true, nil
}

// Sweep discards partial buffers past their deadline and returns how many were
// dropped, including those Add found expired since the previous sweep.
func (r *Reassembler) Sweep() int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := r.expired
	r.expired = 0
	for key, p := range r.partials {
		if now.Before(p.deadline) {
			continue
		}
		r.discardLocked(key, p)
		dropped++
	}
	for key, until := range r.completed {
		if !now.Before(until) {
			delete(r.completed, key)
		}
	}

	return dropped
}

func (r *Reassembler) discardLocked(key Key, p *partial) {
	delete(r.partials, key)
	r.logger.Error("chunk reassembly deadline expired, discarding partial message",
		"source", key.Source,
		"message_id", key.MessageID,
		"received", len(p.parts),
		"total", p.total,
	)
}

// Pending returns the number of incomplete messages.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.partials)
}

// Run sweeps on every interval tick until ctx is done. onDrop receives
// non-zero drop counts.
func (r *Reassembler) Run(ctx context.Context, interval time.Duration, onDrop func(int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := r.Sweep(); dropped > 0 && onDrop != nil {
				onDrop(dropped)
			}
		}
	}
}
