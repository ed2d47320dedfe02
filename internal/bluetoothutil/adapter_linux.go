//go:build linux

package bluetoothutil

import "tinygo.org/x/bluetooth"

func newAdapter(key string) *bluetooth.Adapter {
	if key == "" {
		return bluetooth.DefaultAdapter
	}

	return bluetooth.NewAdapter(key)
}
