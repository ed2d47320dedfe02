package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryTransportLifecycle(t *testing.T) {
	var written [][]byte
	tr := NewMemoryTransport("loop", func(p []byte) error {
		written = append(written, p)
		return nil
	})
	ctx := context.Background()

	if err := tr.WriteFrame(ctx, []byte("x")); err == nil {
		t.Fatalf("expected write to fail before connect")
	}
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if tr.Connects() != 1 {
		t.Fatalf("expected idempotent connect, got %d opens", tr.Connects())
	}

	if err := tr.WriteFrame(ctx, []byte("out")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(written) != 1 || !bytes.Equal(written[0], []byte("out")) {
		t.Fatalf("unexpected written frames: %q", written)
	}

	if err := tr.Deliver([]byte("in")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	got, err := tr.ReadFrame(ctx)
	if err != nil || !bytes.Equal(got, []byte("in")) {
		t.Fatalf("unexpected read: %q %v", got, err)
	}

	linkLost := errors.New("cable pulled")
	readErr := make(chan error, 1)
	go func() {
		_, err := tr.ReadFrame(ctx)
		readErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	tr.Drop(linkLost)

	select {
	case err := <-readErr:
		if !errors.Is(err, linkLost) {
			t.Fatalf("expected drop error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("read did not unblock on drop")
	}
	if tr.Connected() || tr.Closes() != 1 {
		t.Fatalf("expected dropped link, connected=%v closes=%d", tr.Connected(), tr.Closes())
	}

	tr.SetConnectError(errors.New("busy"))
	if err := tr.Connect(ctx); err == nil {
		t.Fatalf("expected injected connect error")
	}
}
