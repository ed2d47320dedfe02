package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/skobkin/meshbot/internal/bluetoothutil"
	"github.com/skobkin/meshbot/internal/config"
)

const (
	defaultBluetoothFrameQueueSize = 128
	defaultBluetoothReadBufferSize = MaxFramePayload
	maxBluetoothDrainReads         = 256
	defaultBluetoothSubscribeWait  = 8 * time.Second
)

// bluetoothConnState is one GATT session. BLE delivers whole frames, so the
// stream framing used by serial/tcp is not applied here.
type bluetoothConnState struct {
	device    bluetooth.Device
	toRadio   bluetooth.DeviceCharacteristic
	fromRadio bluetooth.DeviceCharacteristic
	fromNum   bluetooth.DeviceCharacteristic

	frameCh  chan []byte
	drainReq chan struct{}
	closed   chan struct{}

	closeOnce sync.Once
	errMu     sync.RWMutex
	asyncErr  error
}

type BluetoothTransport struct {
	address   string
	adapterID string

	mu      sync.RWMutex
	conn    *bluetoothConnState
	writeMu sync.Mutex
}

func NewBluetoothTransport(address, adapterID string) *BluetoothTransport {
	return &BluetoothTransport{
		address:   strings.TrimSpace(address),
		adapterID: strings.TrimSpace(adapterID),
	}
}

func (t *BluetoothTransport) Name() string {
	return "bluetooth"
}

func (t *BluetoothTransport) StatusTarget() string {
	return t.address
}

func (t *BluetoothTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	logger := kindLogger(config.TransportBluetooth, "address", t.address, "adapter", t.adapterID)
	if t.conn != nil {
		logger.Debug("connect skipped: already connected")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	addr, err := parseBluetoothAddress(t.address)
	if err != nil {
		return err
	}

	logger.Info("connecting")
	adapter, err := bluetoothutil.OpenAdapter(t.adapterID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	device, err := adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		logger.Warn("connect device failed", "error", err)
		return fmt.Errorf("connect bluetooth device %q: %w", t.address, err)
	}

	state, err := openRadioService(device)
	if err != nil {
		_ = device.Disconnect()
		logger.Warn("radio service setup failed", "error", err)
		return err
	}

	if err := enableBluetoothNotificationsWithTimeout(ctx, device, state.fromNum, func(_ []byte) {
		state.requestDrain()
	}, defaultBluetoothSubscribeWait); err != nil {
		_ = device.Disconnect()
		return fmt.Errorf("subscribe to from-num notifications: %w", err)
	}

	go t.runDrainLoop(state)
	state.requestDrain()

	t.conn = state
	logger.Info("connected")

	return nil
}

func openRadioService(device bluetooth.Device) (*bluetoothConnState, error) {
	services, err := device.DiscoverServices([]bluetooth.UUID{bluetoothutil.RadioServiceUUID()})
	if err != nil {
		return nil, fmt.Errorf("discover radio service: %w", err)
	}
	if len(services) == 0 {
		return nil, errors.New("radio BLE service is not available")
	}

	chars, err := services[0].DiscoverCharacteristics(bluetoothutil.RadioCharacteristicUUIDs())
	if err != nil {
		return nil, fmt.Errorf("discover radio characteristics: %w", err)
	}
	if len(chars) != 3 {
		return nil, fmt.Errorf("unexpected characteristic count: %d", len(chars))
	}

	return &bluetoothConnState{
		device:    device,
		toRadio:   chars[0],
		fromRadio: chars[1],
		fromNum:   chars[2],
		frameCh:   make(chan []byte, defaultBluetoothFrameQueueSize),
		drainReq:  make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}, nil
}

func (t *BluetoothTransport) Close() error {
	t.mu.Lock()
	state := t.conn
	t.conn = nil
	t.mu.Unlock()
	if state == nil {
		return nil
	}

	state.markClosed()
	var closeErr error
	if err := state.fromNum.EnableNotifications(nil); err != nil {
		closeErr = errors.Join(closeErr, fmt.Errorf("disable from-num notifications: %w", err))
	}
	if err := state.device.Disconnect(); err != nil {
		closeErr = errors.Join(closeErr, fmt.Errorf("disconnect bluetooth device: %w", err))
	}
	kindLogger(config.TransportBluetooth, "address", t.address).Info("closed", "error", closeErr)

	return closeErr
}

func (t *BluetoothTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	state, err := t.currentState()
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-state.closed:
		if err := state.closeErr(); err != nil {
			return nil, err
		}
		return nil, errors.New("transport is closed")
	case payload := <-state.frameCh:
		return payload, nil
	}
}

func (t *BluetoothTransport) WriteFrame(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(payload) > MaxFramePayload {
		return fmt.Errorf("payload too large: %d > %d", len(payload), MaxFramePayload)
	}

	state, err := t.currentState()
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-state.closed:
		if err := state.closeErr(); err != nil {
			return err
		}
		return errors.New("transport is closed")
	default:
	}

	written, err := state.toRadio.WriteWithoutResponse(payload)
	if err != nil {
		return fmt.Errorf("write to-radio: %w", err)
	}
	if written != len(payload) {
		return fmt.Errorf("short write to-radio: wrote %d of %d", written, len(payload))
	}

	return nil
}

func (t *BluetoothTransport) currentState() (*bluetoothConnState, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil, errors.New("transport is not connected")
	}

	return t.conn, nil
}

func (t *BluetoothTransport) runDrainLoop(state *bluetoothConnState) {
	for {
		select {
		case <-state.closed:
			return
		case <-state.drainReq:
			if err := state.drainFromRadio(); err != nil {
				t.failState(state, err)
				return
			}
		}
	}
}

func (t *BluetoothTransport) failState(state *bluetoothConnState, err error) {
	state.setAsyncError(err)
	state.markClosed()

	t.mu.Lock()
	if t.conn == state {
		t.conn = nil
	}
	t.mu.Unlock()

	_ = state.fromNum.EnableNotifications(nil)
	_ = state.device.Disconnect()
	kindLogger(config.TransportBluetooth, "address", t.address).Warn("connection failed and was closed", "error", err)
}

func (s *bluetoothConnState) requestDrain() {
	select {
	case <-s.closed:
		return
	case s.drainReq <- struct{}{}:
	default:
	}
}

// drainFromRadio reads the from-radio mailbox until it returns an empty value.
func (s *bluetoothConnState) drainFromRadio() error {
	buf := make([]byte, defaultBluetoothReadBufferSize)
	for i := 0; i < maxBluetoothDrainReads; i++ {
		n, err := s.fromRadio.Read(buf)
		if err != nil {
			return fmt.Errorf("read from-radio: %w", err)
		}
		if n <= 0 {
			return nil
		}
		if n > len(buf) {
			return fmt.Errorf("payload length %d exceeds buffer size %d", n, len(buf))
		}
		s.enqueueFrame(append([]byte(nil), buf[:n]...))
	}

	return fmt.Errorf("from-radio drain exceeded %d reads", maxBluetoothDrainReads)
}

// enqueueFrame drops the oldest queued frame when the reader falls behind.
func (s *bluetoothConnState) enqueueFrame(frame []byte) {
	select {
	case <-s.closed:
		return
	case s.frameCh <- frame:
		return
	default:
	}

	kindLogger(config.TransportBluetooth).Warn("frame queue full, dropping oldest frame", "capacity", cap(s.frameCh))
	select {
	case <-s.frameCh:
	default:
	}
	select {
	case s.frameCh <- frame:
	default:
	}
}

func (s *bluetoothConnState) markClosed() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

func (s *bluetoothConnState) setAsyncError(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	if s.asyncErr == nil {
		s.asyncErr = err
	}
	s.errMu.Unlock()
}

func (s *bluetoothConnState) closeErr() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.asyncErr
}

func parseBluetoothAddress(raw string) (bluetooth.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return bluetooth.Address{}, errors.New("bluetooth address is empty")
	}

	mac, err := bluetooth.ParseMAC(strings.ToUpper(trimmed))
	if err != nil {
		return bluetooth.Address{}, fmt.Errorf("invalid bluetooth address %q: %w", trimmed, err)
	}

	return bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, nil
}

func enableBluetoothNotificationsWithTimeout(
	ctx context.Context,
	device bluetooth.Device,
	char bluetooth.DeviceCharacteristic,
	callback func([]byte),
	wait time.Duration,
) error {
	done := make(chan error, 1)
	go func() {
		done <- char.EnableNotifications(callback)
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = device.Disconnect()
		return ctx.Err()
	case <-timer.C:
		_ = device.Disconnect()
		return fmt.Errorf("timed out after %s", wait)
	}
}
