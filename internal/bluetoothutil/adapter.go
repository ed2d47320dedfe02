package bluetoothutil

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

var (
	adaptersMu sync.Mutex
	adapters   = map[string]*bluetooth.Adapter{}

	enableAdapter = func(a *bluetooth.Adapter) error { return a.Enable() }
)

// OpenAdapter returns the enabled adapter for adapterID ("" is the system
// default). Several BLE interfaces may share one adapter; it is enabled once.
func OpenAdapter(adapterID string) (*bluetooth.Adapter, error) {
	key := adapterKey(adapterID)

	adaptersMu.Lock()
	defer adaptersMu.Unlock()
	if adapter, ok := adapters[key]; ok {
		return adapter, nil
	}

	adapter := newAdapter(key)
	if err := enableAdapter(adapter); err != nil && !alreadyInitialized(err) {
		return nil, fmt.Errorf("enable bluetooth adapter %q: %w", adapterLabel(key), err)
	}
	adapters[key] = adapter

	return adapter, nil
}

func adapterKey(adapterID string) string {
	return strings.ToLower(strings.TrimSpace(adapterID))
}

func adapterLabel(key string) string {
	if key == "" {
		return "default"
	}

	return key
}

// alreadyInitialized matches the Windows RoInitialize S_FALSE result, which
// the bluetooth package surfaces as "Incorrect function." when COM is up.
func alreadyInitialized(err error) bool {
	if err == nil || runtime.GOOS != "windows" {
		return false
	}
	msg := strings.TrimSpace(strings.ToLower(err.Error()))

	return strings.TrimSuffix(msg, ".") == "incorrect function"
}
