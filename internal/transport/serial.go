package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/skobkin/meshbot/internal/config"
	"github.com/skobkin/meshbot/internal/domain"
)

const defaultSerialReadTimeout = 300 * time.Millisecond

// SerialTransport talks to a radio attached over USB/UART.
type SerialTransport struct {
	portName string
	baudRate int

	mu      sync.Mutex
	port    serial.Port
	writeMu sync.Mutex
	readMu  sync.Mutex
}

func NewSerialTransport(portName string, baudRate int) *SerialTransport {
	return &SerialTransport{
		portName: portName,
		baudRate: baudRate,
	}
}

func (t *SerialTransport) Name() string {
	return "serial"
}

func (t *SerialTransport) StatusTarget() string {
	return t.portName
}

func (t *SerialTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	logger := kindLogger(config.TransportSerial, "port", t.portName, "baud", t.baudRate)
	if t.port != nil {
		logger.Debug("connect skipped: already connected")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.portName == "" {
		return domain.Permanent(errors.New("serial port is empty"))
	}
	if t.baudRate <= 0 {
		return domain.Permanent(fmt.Errorf("invalid serial baud rate: %d", t.baudRate))
	}

	port, err := serial.Open(t.portName, &serial.Mode{BaudRate: t.baudRate})
	if err != nil {
		err = serialOpenError(t.portName, err)
		logger.Warn("connect failed", "error", err, "class", domain.Classify(err))
		return err
	}
	if err := port.SetReadTimeout(defaultSerialReadTimeout); err != nil {
		_ = port.Close()
		return fmt.Errorf("set serial read timeout: %w", err)
	}
	t.port = port
	logger.Info("connected")

	return nil
}

func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	kindLogger(config.TransportSerial, "port", t.portName).Info("closed")

	return err
}

// ReadFrame polls the port with a short read timeout so ctx cancellation is observed.
func (t *SerialTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	port, err := t.currentPort()
	if err != nil {
		return nil, err
	}

	t.readMu.Lock()
	defer t.readMu.Unlock()

	return readFrame(func(buf []byte) error {
		return t.readFull(ctx, port, buf)
	})
}

func (t *SerialTransport) WriteFrame(ctx context.Context, payload []byte) error {
	port, err := t.currentPort()
	if err != nil {
		return err
	}

	frame, err := encodeFrame(payload)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := writeFull(ctx, port, frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	kindLogger(config.TransportSerial).Debug("write frame", "payload_len", len(payload))

	return nil
}

// serialOpenError classifies open failures. A busy port is held by another
// process; a denied or invalid one needs the operator. Anything else, such as
// a missing device node, may clear once the radio is plugged back in.
func serialOpenError(portName string, err error) error {
	wrapped := fmt.Errorf("open serial port %q: %w", portName, err)

	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortBusy:
			return domain.Resource(wrapped)
		case serial.PermissionDenied, serial.InvalidSerialPort, serial.InvalidSpeed:
			return domain.Permanent(wrapped)
		}
	}

	return domain.Transient(wrapped)
}

func (t *SerialTransport) currentPort() (serial.Port, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil, errors.New("transport is not connected")
	}

	return t.port, nil
}

// readFull treats a zero-byte read as a poll timeout, not EOF.
func (t *SerialTransport) readFull(ctx context.Context, r io.Reader, buf []byte) error {
	read := 0
	for read < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf[read:])
		if err != nil {
			return err
		}
		read += n
	}

	return nil
}

func writeFull(ctx context.Context, w io.Writer, buf []byte) error {
	written := 0
	for written < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := w.Write(buf[written:])
		if err != nil {
			return err
		}
		written += n
	}

	return nil
}
