package connectors

import "time"

// ConnectionState is the liveness of one configured interface.
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
	ConnectionStateDown         ConnectionState = "down"
)

// Live reports whether packets may be sent in this state.
func (s ConnectionState) Live() bool {
	return s == ConnectionStateConnected
}

// InterfaceStatus is a bus event snapshot of one interface's liveness.
type InterfaceStatus struct {
	InterfaceID   string
	State         ConnectionState
	Err           string
	TransportName string
	Target        string
	Consumers     int
	Timestamp     time.Time
}

// RawFrame carries frame diagnostics for debug views.
type RawFrame struct {
	InterfaceID string
	Hex         string
	Len         int
}
