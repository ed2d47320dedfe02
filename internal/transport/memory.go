package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var errMemoryClosed = errors.New("transport is closed")

// MemoryTransport is an in-process radio link used by the loopback debug mode
// and by tests. Frames written to it are passed to the write hook; frames
// handed to Deliver are returned from ReadFrame.
type MemoryTransport struct {
	name string

	mu         sync.Mutex
	session    chan struct{}
	dropErr    error
	connectErr error
	onWrite    func(payload []byte) error
	connects   int
	closes     int

	inbox chan []byte
}

func NewMemoryTransport(name string, onWrite func(payload []byte) error) *MemoryTransport {
	return &MemoryTransport{
		name:    name,
		onWrite: onWrite,
		inbox:   make(chan []byte, 256),
	}
}

func (t *MemoryTransport) Name() string {
	return "memory"
}

func (t *MemoryTransport) StatusTarget() string {
	return t.name
}

// SetWriteHook replaces the function that receives written frames.
func (t *MemoryTransport) SetWriteHook(fn func(payload []byte) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onWrite = fn
}

// SetConnectError makes subsequent Connect calls fail with err until cleared with nil.
func (t *MemoryTransport) SetConnectError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErr = err
}

func (t *MemoryTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session != nil {
		return nil
	}
	if t.connectErr != nil {
		return t.connectErr
	}
	t.connects++
	t.session = make(chan struct{})
	t.dropErr = nil

	return nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return nil
	}
	close(t.session)
	t.session = nil
	t.closes++

	return nil
}

// Drop simulates link loss: pending and future reads fail with err until reconnect.
func (t *MemoryTransport) Drop(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return
	}
	if err == nil {
		err = errMemoryClosed
	}
	t.dropErr = err
	close(t.session)
	t.session = nil
	t.closes++
}

func (t *MemoryTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.session != nil
}

// Connects reports how many times the link was physically opened.
func (t *MemoryTransport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.connects
}

// Closes reports how many times the link was physically closed or dropped.
func (t *MemoryTransport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closes
}

// Deliver queues an inbound frame as if the radio had sent it.
func (t *MemoryTransport) Deliver(payload []byte) error {
	select {
	case t.inbox <- append([]byte(nil), payload...):
		return nil
	default:
		return fmt.Errorf("memory transport %q inbox is full", t.name)
	}
}

func (t *MemoryTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	session, err := t.currentSession()
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-session:
		return nil, t.closedErr()
	case payload := <-t.inbox:
		return payload, nil
	}
}

func (t *MemoryTransport) WriteFrame(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.currentSession(); err != nil {
		return err
	}
	if len(payload) > MaxFramePayload {
		return fmt.Errorf("payload too large: %d > %d", len(payload), MaxFramePayload)
	}

	t.mu.Lock()
	hook := t.onWrite
	t.mu.Unlock()
	if hook == nil {
		return nil
	}

	return hook(append([]byte(nil), payload...))
}

func (t *MemoryTransport) currentSession() (chan struct{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		if t.dropErr != nil {
			return nil, t.dropErr
		}
		return nil, errors.New("transport is not connected")
	}

	return t.session, nil
}

func (t *MemoryTransport) closedErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dropErr != nil {
		return t.dropErr
	}

	return errMemoryClosed
}
