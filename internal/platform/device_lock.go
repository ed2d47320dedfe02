package platform

import (
	"errors"
	"strings"
)

const lockNamespace = "meshbot"

// ErrDeviceBusy indicates another process already holds the device.
var ErrDeviceBusy = errors.New("device is locked by another process")

// ErrDeviceLockUnsupported indicates the current platform has no lock backend implementation.
var ErrDeviceLockUnsupported = errors.New("device lock unsupported")

// DeviceLock is an acquired cross-process lock on one physical radio.
type DeviceLock interface {
	Release() error
}

// AcquireDeviceLock takes an exclusive OS-level lock named after deviceKey
// (for example "serial:/dev/ttyUSB0"). It never blocks.
func AcquireDeviceLock(deviceKey string) (DeviceLock, error) {
	return acquireDeviceLock(normalizeLockComponent(deviceKey, "device"))
}

func normalizeLockComponent(raw, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	normalized := strings.Trim(b.String(), "_-.")
	if normalized == "" {
		return fallback
	}

	return normalized
}
