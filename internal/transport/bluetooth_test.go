package transport

import (
	"context"
	"errors"
	"testing"
)

func TestParseBluetoothAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "valid upper", input: "AA:BB:CC:DD:EE:FF"},
		{name: "valid lower", input: "aa:bb:cc:dd:ee:ff"},
		{name: "empty", input: "   ", wantErr: true},
		{name: "invalid", input: "not-a-mac", wantErr: true},
	}

	for _, tc := range tests {
		_, err := parseBluetoothAddress(tc.input)
		if tc.wantErr && err == nil {
			t.Fatalf("%s: expected error, got nil", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
	}
}

func TestBluetoothConnStateCloseAndError(t *testing.T) {
	state := &bluetoothConnState{closed: make(chan struct{})}

	state.setAsyncError(errors.New("drain failed"))
	state.setAsyncError(errors.New("second error is ignored"))
	state.markClosed()
	state.markClosed()

	select {
	case <-state.closed:
	default:
		t.Fatalf("expected closed channel to be closed")
	}
	if got := state.closeErr(); got == nil || got.Error() != "drain failed" {
		t.Fatalf("unexpected async error: %v", got)
	}
}

func TestBluetoothTransportReadFrameReturnsAsyncError(t *testing.T) {
	state := &bluetoothConnState{
		frameCh: make(chan []byte),
		closed:  make(chan struct{}),
	}
	state.setAsyncError(errors.New("from-radio drain failed"))
	state.markClosed()

	tr := &BluetoothTransport{conn: state}
	_, err := tr.ReadFrame(context.Background())
	if err == nil || err.Error() != "from-radio drain failed" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBluetoothEnqueueFrameDropsOldestWhenFull(t *testing.T) {
	state := &bluetoothConnState{
		frameCh: make(chan []byte, 2),
		closed:  make(chan struct{}),
	}
	state.enqueueFrame([]byte{1})
	state.enqueueFrame([]byte{2})
	state.enqueueFrame([]byte{3})

	first := <-state.frameCh
	second := <-state.frameCh
	if first[0] != 2 || second[0] != 3 {
		t.Fatalf("expected oldest frame to be dropped, got %v %v", first, second)
	}
}
