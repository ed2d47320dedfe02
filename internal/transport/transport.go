package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/skobkin/meshbot/internal/config"
)

// Transport moves whole frames to and from one physical radio.
type Transport interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, payload []byte) error
}

// StatusTargetResolver is implemented by transports that can describe their peer.
type StatusTargetResolver interface {
	StatusTarget() string
}

// Factory builds a fresh, unconnected transport for an interface.
type Factory func(cfg config.InterfaceConfig) (Transport, error)

// New is the default Factory.
func New(cfg config.InterfaceConfig) (Transport, error) {
	switch cfg.Kind {
	case config.TransportSerial:
		return NewSerialTransport(strings.TrimSpace(cfg.SerialPort), cfg.SerialBaud), nil
	case config.TransportTCP:
		return NewTCPTransport(strings.TrimSpace(cfg.Host), cfg.Port), nil
	case config.TransportBluetooth:
		return NewBluetoothTransport(cfg.BluetoothAddress, cfg.BluetoothAdapter), nil
	default:
		return nil, fmt.Errorf("unsupported transport kind: %q", cfg.Kind)
	}
}

// Target returns the transport's peer description, if it has one.
func Target(tr Transport) string {
	if resolver, ok := tr.(StatusTargetResolver); ok {
		return resolver.StatusTarget()
	}

	return ""
}

func kindLogger(kind config.TransportKind, attrs ...any) *slog.Logger {
	logger := slog.With("component", "transport", "kind", string(kind))
	if len(attrs) == 0 {
		return logger
	}

	return logger.With(attrs...)
}
