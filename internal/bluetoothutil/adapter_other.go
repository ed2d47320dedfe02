//go:build !linux

package bluetoothutil

import "tinygo.org/x/bluetooth"

// Named adapters are a BlueZ feature; elsewhere only the default exists.
func newAdapter(string) *bluetooth.Adapter {
	return bluetooth.DefaultAdapter
}
