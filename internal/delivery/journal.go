package delivery

import (
	"context"
	"sync"

	"github.com/skobkin/meshbot/internal/domain"
)

const defaultJournalSize = 1024

// journal is a bounded, sequence-numbered log of committed transitions.
// Readers resume from any sequence still held in the ring.
type journal struct {
	mu      sync.Mutex
	events  []domain.DeliveryEvent
	size    int
	next    uint64
	changed chan struct{}
}

func newJournal(size int) *journal {
	if size <= 0 {
		size = defaultJournalSize
	}

	return &journal{
		events:  make([]domain.DeliveryEvent, 0, size),
		size:    size,
		next:    1,
		changed: make(chan struct{}),
	}
}

func (j *journal) append(ev domain.DeliveryEvent) domain.DeliveryEvent {
	j.mu.Lock()
	defer j.mu.Unlock()

	ev.Seq = j.next
	j.next++
	if len(j.events) == j.size {
		copy(j.events, j.events[1:])
		j.events = j.events[:j.size-1]
	}
	j.events = append(j.events, ev)
	close(j.changed)
	j.changed = make(chan struct{})

	return ev
}

// after returns buffered events with Seq > seq and a channel closed on the next append.
func (j *journal) after(seq uint64) ([]domain.DeliveryEvent, <-chan struct{}) {
	j.mu.Lock()
	defer j.mu.Unlock()

	start := len(j.events)
	for i, ev := range j.events {
		if ev.Seq > seq {
			start = i
			break
		}
	}
	out := append([]domain.DeliveryEvent(nil), j.events[start:]...)

	return out, j.changed
}

func (j *journal) lastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.next - 1
}

// subscribe streams events after seq until ctx is done. When the reader falls
// behind the ring, it continues from the oldest retained event.
func (j *journal) subscribe(ctx context.Context, seq uint64) <-chan domain.DeliveryEvent {
	out := make(chan domain.DeliveryEvent)
	go func() {
		defer close(out)
		cursor := seq
		for {
			batch, changed := j.after(cursor)
			for _, ev := range batch {
				select {
				case <-ctx.Done():
					return
				case out <- ev:
					cursor = ev.Seq
				}
			}
			if len(batch) > 0 {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-changed:
			}
		}
	}()

	return out
}
