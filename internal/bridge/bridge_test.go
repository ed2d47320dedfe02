package bridge

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/skobkin/meshbot/internal/bus"
	"github.com/skobkin/meshbot/internal/config"
	"github.com/skobkin/meshbot/internal/delivery"
	"github.com/skobkin/meshbot/internal/domain"
	"github.com/skobkin/meshbot/internal/iface"
	"github.com/skobkin/meshbot/internal/persistence"
	"github.com/skobkin/meshbot/internal/radio"
	"github.com/skobkin/meshbot/internal/transport"
)

type recordingSubmitter struct {
	mu   sync.Mutex
	reqs []delivery.SubmitRequest
}

func (s *recordingSubmitter) Submit(_ context.Context, req delivery.SubmitRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)

	return req.InterfaceID + "-msg", nil
}

func (s *recordingSubmitter) Subscribe(ctx context.Context, _ uint64) <-chan domain.DeliveryEvent {
	ch := make(chan domain.DeliveryEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()

	return ch
}

type staticLink struct {
	delivery.Link
	local []string
}

func (l staticLink) LocalNodeIDs() []string { return l.local }

type staticNames map[string]domain.Node

func (n staticNames) Get(nodeID string) (domain.Node, bool) {
	node, ok := n[nodeID]
	return node, ok
}

func bridgeConfig() config.AppConfig {
	cfg := config.Default()
	cfg.Bridge = config.BridgeConfig{
		Enabled:    true,
		Interfaces: []string{"radio0", "radio1", "radio2"},
		Channel:    1,
	}

	return cfg
}

func TestRelayFiltering(t *testing.T) {
	cfg := bridgeConfig()
	sub := &recordingSubmitter{}
	b := New(Options{
		Config: func() config.AppConfig { return cfg },
		Link:   staticLink{local: []string{"!00000001"}},
		Engine: sub,
		Names:  staticNames{"!0000beef": {NodeID: "!0000beef", ShortName: "BEEF"}},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx := context.Background()

	tests := []struct {
		name string
		msg  domain.IncomingText
		want int
	}{
		{"channel text fans out", domain.IncomingText{InterfaceID: "radio0", From: "!0000beef", Channel: 1, Text: "hi"}, 2},
		{"other channel", domain.IncomingText{InterfaceID: "radio0", From: "!0000beef", Channel: 0, Text: "hi"}, 0},
		{"unbridged interface", domain.IncomingText{InterfaceID: "radio9", From: "!0000beef", Channel: 1, Text: "hi"}, 0},
		{"direct text", domain.IncomingText{InterfaceID: "radio0", From: "!0000beef", To: "!00000001", Channel: 1, Text: "hi"}, 0},
		{"own relay echo", domain.IncomingText{InterfaceID: "radio1", From: "!00000001", Channel: 1, Text: "[BEEF] hi"}, 0},
		{"blank", domain.IncomingText{InterfaceID: "radio0", From: "!0000beef", Channel: 1, Text: "  "}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := len(b.Relay(ctx, tc.msg)); got != tc.want {
				t.Fatalf("relayed %d copies, want %d", got, tc.want)
			}
		})
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.reqs) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(sub.reqs))
	}
	for i, target := range []string{"radio1", "radio2"} {
		req := sub.reqs[i]
		if req.InterfaceID != target || req.Text != "[BEEF] hi" || req.Channel != 1 || req.Destination != "" {
			t.Fatalf("unexpected submission %d: %+v", i, req)
		}
	}
}

func TestTrackForgetsTerminalRelays(t *testing.T) {
	cfg := bridgeConfig()
	b := New(Options{
		Config: func() config.AppConfig { return cfg },
		Link:   staticLink{},
		Engine: &recordingSubmitter{},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ids := b.Relay(context.Background(), domain.IncomingText{InterfaceID: "radio0", From: "!0000beef", Channel: 1, Text: "x"})
	if b.Pending() != 2 {
		t.Fatalf("expected 2 pending relays, got %d", b.Pending())
	}

	b.track(domain.DeliveryEvent{MessageID: ids[0], Status: domain.MessageStatusSending})
	b.track(domain.DeliveryEvent{MessageID: ids[0], Status: domain.MessageStatusDelivered})
	b.track(domain.DeliveryEvent{MessageID: ids[1], Status: domain.MessageStatusFailed, Error: "timeout"})
	if b.Pending() != 0 {
		t.Fatalf("expected no pending relays, got %d", b.Pending())
	}
}

// Bot core and bridge share one interface manager: each physical radio is
// opened once and the relayed text leaves through the other radio.
func TestBridgeSharesInterfacesWithEngine(t *testing.T) {
	cfg := config.Default()
	cfg.Interfaces = []config.InterfaceConfig{
		{ID: "radio0", Kind: config.TransportTCP, Host: "a.local", Port: 4403, NodeID: "!00000001", MaxPacketSize: 200, MaxConsumers: 4},
		{ID: "radio1", Kind: config.TransportTCP, Host: "b.local", Port: 4403, NodeID: "!00000002", MaxPacketSize: 200, MaxConsumers: 4},
	}
	cfg.InterfaceManager.DeviceLock = false
	cfg.InterfaceManager.HealthInterval = time.Hour
	cfg.InterfaceManager.ReleaseGrace = 0
	cfg.Delivery.ScanInterval = time.Hour
	cfg.Delivery.WatchdogInterval = time.Hour
	cfg.Delivery.ChunkDelay = 0
	cfg.Bridge = config.BridgeConfig{Enabled: true, Interfaces: []string{"radio0", "radio1"}}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	codec, err := radio.NewCodec()
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	messageBus := bus.NewWithCapacity(logger, 256)
	t.Cleanup(messageBus.Close)

	var (
		mu        sync.Mutex
		factories = map[string]int{}
		written   = map[string][]radio.Packet{}
		radios    = map[string]*transport.MemoryTransport{}
	)
	for _, ifc := range cfg.Interfaces {
		id := ifc.ID
		radios[id] = transport.NewMemoryTransport(id, func(payload []byte) error {
			pkt, err := codec.Decode(payload)
			if err != nil {
				return err
			}
			if pkt.Kind == radio.KindText {
				mu.Lock()
				written[id] = append(written[id], pkt)
				mu.Unlock()
			}
			return nil
		})
	}

	mgr, err := iface.New(iface.Options{
		Config: func() config.AppConfig { return cfg },
		Factory: func(ifc config.InterfaceConfig) (transport.Transport, error) {
			mu.Lock()
			factories[ifc.ID]++
			mu.Unlock()
			return radios[ifc.ID], nil
		},
		Codec:  codec,
		Bus:    messageBus,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(mgr.Close)

	db, err := persistence.Open(context.Background(), filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	link := delivery.ManagerLink(mgr)
	engine, err := delivery.New(delivery.Options{
		Config: func() config.AppConfig { return cfg },
		Store:  persistence.NewMessageRepo(db),
		Link:   link,
		Codec:  codec,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	engine.Start(ctx)

	br := New(Options{
		Config: func() config.AppConfig { return cfg },
		Bus:    messageBus,
		Link:   link,
		Engine: engine,
		Logger: logger,
	})
	if err := br.Start(ctx); err != nil {
		t.Fatalf("bridge start: %v", err)
	}

	payload, err := codec.Encode(&radio.Packet{Kind: radio.KindText, From: 0xbeef, To: domain.BroadcastNodeNum, Payload: []byte("hello")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := radios["radio0"].Deliver(payload); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		got := written["radio1"]
		mu.Unlock()
		if len(got) == 1 {
			if string(got[0].Payload) != "[!0000beef] hello" {
				t.Fatalf("unexpected relayed text %q", got[0].Payload)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("relayed text never reached radio1")
		}
		time.Sleep(5 * time.Millisecond)
	}

	status, _ := mgr.Status("radio1")
	if status.Consumers != 2 {
		t.Fatalf("expected bridge and engine sharing radio1, consumers=%d", status.Consumers)
	}

	cancel()
	engine.Close()
	br.Stop()

	mu.Lock()
	defer mu.Unlock()
	for id, n := range factories {
		if n != 1 {
			t.Fatalf("interface %s opened %d times", id, n)
		}
	}
	for id, tr := range radios {
		if tr.Connects() != 1 || tr.Closes() != 1 {
			t.Fatalf("interface %s: connects=%d closes=%d", id, tr.Connects(), tr.Closes())
		}
	}
}
