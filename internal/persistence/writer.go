package persistence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultWriterQueueSize = 256
	writerMaxAttempts      = 3
	writerDrainTimeout     = 5 * time.Second
)

type writeCmd struct {
	name string
	fn   func(context.Context) error
}

// WriterQueue runs non-critical writes (node snapshots, telemetry history)
// off the packet path. Message status writes never go through it.
type WriterQueue struct {
	logger *slog.Logger
	queue  chan writeCmd
	done   chan struct{}

	startOnce sync.Once
	mu        sync.RWMutex
	stopped   bool
}

func NewWriterQueue(logger *slog.Logger, capacity int) *WriterQueue {
	if capacity <= 0 {
		capacity = defaultWriterQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WriterQueue{
		logger: logger,
		queue:  make(chan writeCmd, capacity),
		done:   make(chan struct{}),
	}
}

// Enqueue schedules fn. When the buffer is full the command is handed off to
// a goroutine so the caller never blocks.
func (w *WriterQueue) Enqueue(name string, fn func(context.Context) error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		w.logger.Warn("db write dropped: writer stopped", "cmd", name)
		return
	}

	cmd := writeCmd{name: name, fn: fn}
	select {
	case w.queue <- cmd:
	default:
		go func() {
			select {
			case w.queue <- cmd:
			case <-w.done:
			}
		}()
	}
}

// Start consumes the queue until ctx is done, then drains what is left.
func (w *WriterQueue) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		go w.run(ctx)
	})
}

// Wait blocks until the writer has drained and exited.
func (w *WriterQueue) Wait() {
	<-w.done
}

func (w *WriterQueue) run(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case cmd := <-w.queue:
			w.runWithRetry(ctx, cmd)
		}
	}
}

func (w *WriterQueue) drain() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writerDrainTimeout)
	defer cancel()
	for {
		select {
		case cmd := <-w.queue:
			w.runWithRetry(ctx, cmd)
		default:
			return
		}
	}
}

func (w *WriterQueue) runWithRetry(ctx context.Context, cmd writeCmd) {
	for attempt := 1; attempt <= writerMaxAttempts; attempt++ {
		if err := cmd.fn(ctx); err != nil {
			w.logger.Error("db write failed", "cmd", cmd.name, "attempt", attempt, "error", err)
			if attempt == writerMaxAttempts {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
			}
			continue
		}
		return
	}
}
