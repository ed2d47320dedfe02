package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/skobkin/meshbot/internal/config"
)

const (
	defaultTCPPort     = 4403
	defaultDialTimeout = 6 * time.Second
)

// TCPTransport sends and receives framed traffic over a network-attached radio.
type TCPTransport struct {
	host string
	port int

	mu      sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex
}

func NewTCPTransport(host string, port int) *TCPTransport {
	if port == 0 {
		port = defaultTCPPort
	}

	return &TCPTransport{host: host, port: port}
}

func (t *TCPTransport) Name() string {
	return "tcp"
}

func (t *TCPTransport) StatusTarget() string {
	if t.host == "" {
		return ""
	}

	return net.JoinHostPort(t.host, strconv.Itoa(t.port))
}

func (t *TCPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	target := t.StatusTarget()
	logger := kindLogger(config.TransportTCP, "target", target)

	if t.conn != nil {
		logger.Debug("connect skipped: already connected")
		return nil
	}
	if target == "" {
		logger.Warn("connect failed: host is empty")
		return errors.New("tcp host is empty")
	}

	dialer := net.Dialer{Timeout: defaultDialTimeout}
	logger.Info("connecting")
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		logger.Warn("connect failed", "error", err)
		return fmt.Errorf("dial tcp: %w", err)
	}
	t.conn = conn
	logger.Info("connected", "remote", conn.RemoteAddr().String())

	return nil
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	logger := kindLogger(config.TransportTCP, "target", t.StatusTarget())
	if t.conn == nil {
		logger.Debug("close skipped: not connected")
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	if err != nil {
		logger.Warn("close failed", "error", err)
		return err
	}
	logger.Info("closed")

	return nil
}

func (t *TCPTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	conn, err := t.currentConn()
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Time{})
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	payload, err := readFrame(ioReadFullFunc(conn))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	kindLogger(config.TransportTCP).Debug("read frame", "len", len(payload))

	return payload, nil
}

func (t *TCPTransport) WriteFrame(ctx context.Context, payload []byte) error {
	logger := kindLogger(config.TransportTCP)
	conn, err := t.currentConn()
	if err != nil {
		return err
	}

	frame, err := encodeFrame(payload)
	if err != nil {
		logger.Warn("encode frame failed", "payload_len", len(payload), "error", err)
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	if _, err := conn.Write(frame); err != nil {
		logger.Warn("write frame failed", "payload_len", len(payload), "error", err)
		return fmt.Errorf("write frame: %w", err)
	}
	logger.Debug("write frame", "payload_len", len(payload), "frame_len", len(frame))

	return nil
}

func (t *TCPTransport) currentConn() (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, errors.New("transport is not connected")
	}

	return t.conn, nil
}
