package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/skobkin/meshbot/internal/app"
	"github.com/skobkin/meshbot/internal/bus"
	"github.com/skobkin/meshbot/internal/config"
	"github.com/skobkin/meshbot/internal/connectors"
	"github.com/skobkin/meshbot/internal/delivery"
	"github.com/skobkin/meshbot/internal/domain"
	"github.com/skobkin/meshbot/internal/radio"
	"github.com/skobkin/meshbot/internal/transport"
)

const (
	maxHexPreviewLen = 64
	loopbackID       = "loop0"
	loopbackNodeID   = "!00000001"
)

type options struct {
	stateDir   string
	configFile string
	iface      string
	send       string
	to         string
	channel    int
	listenFor  time.Duration
	loopback   bool
	rawFrames  bool
	waitResult time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		slog.Error("run debug tool", "error", err)
		os.Exit(1)
	}
}

func parseOptions(args []string, output io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("meshbot-debug", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.stateDir, "state-dir", "", "directory for config, database and logs")
	fs.StringVar(&opts.configFile, "config", "", "config file path")
	fs.StringVar(&opts.iface, "interface", "", "interface id to send through (default: engine choice)")
	fs.StringVar(&opts.send, "send", "", "text to submit through the delivery engine")
	fs.StringVar(&opts.to, "to", "", "destination node id for -send (empty broadcasts)")
	fs.IntVar(&opts.channel, "channel", 0, "channel index for broadcasts")
	fs.DurationVar(&opts.listenFor, "listen-for", 0, "listen duration, e.g. 30s (0 listens until interrupt unless -send is set)")
	fs.BoolVar(&opts.loopback, "loopback", false, "use an in-memory interface instead of configured radios")
	fs.BoolVar(&opts.rawFrames, "raw", false, "log raw frames in hex")
	fs.DurationVar(&opts.waitResult, "wait", 2*time.Minute, "how long to wait for the -send result")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.to != "" && strings.TrimSpace(opts.send) == "" {
		return options{}, errors.New("-to requires -send")
	}
	if opts.channel < 0 {
		return options{}, fmt.Errorf("invalid channel %d", opts.channel)
	}

	return opts, nil
}

func run(ctx context.Context, args []string, output io.Writer) error {
	opts, err := parseOptions(args, output)
	if err != nil {
		return err
	}

	initOpts := app.Options{StateDir: opts.stateDir, ConfigFile: opts.configFile}
	if opts.loopback {
		if initOpts.StateDir == "" {
			dir, err := os.MkdirTemp("", "meshbot-debug-")
			if err != nil {
				return fmt.Errorf("create loopback state dir: %w", err)
			}
			defer func() { _ = os.RemoveAll(dir) }()
			initOpts.StateDir = dir
		}
		initOpts.Factory = loopbackFactory
		initOpts.Override = loopbackConfig
	}

	rt, err := app.Initialize(ctx, initOpts)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			slog.Warn("close runtime", "error", closeErr)
		}
	}()
	logger := rt.LogManager.Logger("cli")
	logger.Info("starting meshbot debug", "version", app.BuildVersion(), "interfaces", rt.Interfaces.Interfaces(), "loopback", opts.loopback)

	watch(rt.Ctx, rt.Bus, logger, opts.rawFrames)

	if msg := strings.TrimSpace(opts.send); msg != "" {
		if err := sendAndWait(rt.Ctx, rt.Engine, logger, opts); err != nil {
			return err
		}
		if opts.listenFor == 0 {
			return nil
		}
	}

	if opts.listenFor > 0 {
		logger.Info("listen mode", "duration", opts.listenFor)
		select {
		case <-ctx.Done():
		case <-time.After(opts.listenFor):
		}
		return nil
	}

	logger.Info("listening until interrupt")
	<-ctx.Done()

	return nil
}

func sendAndWait(ctx context.Context, engine *delivery.Engine, logger *slog.Logger, opts options) error {
	events := engine.Subscribe(ctx, engine.LastEventSeq())
	id, err := engine.Submit(ctx, delivery.SubmitRequest{
		Destination: opts.to,
		Channel:     opts.channel,
		Text:        opts.send,
		InterfaceID: opts.iface,
	})
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	logger.Info("message submitted", "id", id, "to", opts.to, "channel", opts.channel)

	timeout := time.After(opts.waitResult)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return fmt.Errorf("message %s: no final status after %s", id, opts.waitResult)
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("message %s: event stream closed", id)
			}
			if ev.MessageID != id || !ev.Status.Terminal() {
				continue
			}
			if ev.Status != domain.MessageStatusDelivered {
				return fmt.Errorf("message %s ended %s after %d attempt(s): %s", id, ev.Status, ev.AttemptCount, ev.Error)
			}
			logger.Info("message delivered", "id", id, "attempts", ev.AttemptCount)
			return nil
		}
	}
}

func watch(ctx context.Context, b bus.MessageBus, logger *slog.Logger, rawFrames bool) {
	statusSub := b.Subscribe(connectors.TopicInterfaceStatus)
	packetSub := b.Subscribe(connectors.TopicPacketIn)
	textSub := b.Subscribe(connectors.TopicTextMessage)
	reachSub := b.Subscribe(connectors.TopicNodeReachability)
	deliverySub := b.Subscribe(connectors.TopicDeliveryEvent)
	rawInSub := b.Subscribe(connectors.TopicRawFrameIn)
	rawOutSub := b.Subscribe(connectors.TopicRawFrameOut)

	go func() {
		defer func() {
			b.Unsubscribe(statusSub, connectors.TopicInterfaceStatus)
			b.Unsubscribe(packetSub, connectors.TopicPacketIn)
			b.Unsubscribe(textSub, connectors.TopicTextMessage)
			b.Unsubscribe(reachSub, connectors.TopicNodeReachability)
			b.Unsubscribe(deliverySub, connectors.TopicDeliveryEvent)
			b.Unsubscribe(rawInSub, connectors.TopicRawFrameIn)
			b.Unsubscribe(rawOutSub, connectors.TopicRawFrameOut)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case raw := <-statusSub:
				if status, ok := raw.(connectors.InterfaceStatus); ok {
					logger.Info("iface", "id", status.InterfaceID, "state", status.State, "consumers", status.Consumers, "target", status.Target, "error", status.Err)
				}
			case raw := <-packetSub:
				if in, ok := raw.(radio.InboundPacket); ok {
					logPacket(logger, in)
				}
			case raw := <-textSub:
				if msg, ok := raw.(domain.IncomingText); ok {
					logger.Info("text", "iface", msg.InterfaceID, "from", msg.From, "to", msg.To, "channel", msg.Channel, "body", msg.Text)
				}
			case raw := <-reachSub:
				if ev, ok := raw.(domain.NodeReachability); ok {
					logger.Info("reachability", "node", ev.NodeID, "online", ev.Online, "last_heard", ev.LastHeardAt.Format(time.RFC3339))
				}
			case raw := <-deliverySub:
				if ev, ok := raw.(domain.DeliveryEvent); ok {
					logger.Info("delivery", "seq", ev.Seq, "id", ev.MessageID, "status", ev.Status, "attempts", ev.AttemptCount, "error", ev.Error)
				}
			case raw := <-rawOutSub:
				if frame, ok := raw.(connectors.RawFrame); ok && rawFrames {
					logger.Info("raw-out", "iface", frame.InterfaceID, "len", frame.Len, "hex", previewHex(frame.Hex))
				}
			case raw := <-rawInSub:
				if frame, ok := raw.(connectors.RawFrame); ok && rawFrames {
					logger.Info("raw-in", "iface", frame.InterfaceID, "len", frame.Len, "hex", previewHex(frame.Hex))
				}
			}
		}
	}()
}

func logPacket(logger *slog.Logger, in radio.InboundPacket) {
	pkt := in.Packet
	attrs := []any{
		"iface", in.InterfaceID,
		"kind", pkt.Kind,
		"id", pkt.ID,
		"from", domain.FormatNodeNum(pkt.From),
		"to", domain.FormatNodeNum(pkt.To),
		"len", len(pkt.Payload),
	}
	if hops, ok := pkt.Hops(); ok {
		attrs = append(attrs, "hops", hops)
	}
	if pkt.Chunk != nil {
		attrs = append(attrs, "chunk", fmt.Sprintf("%d/%d", pkt.Chunk.Index+1, pkt.Chunk.Total))
	}
	logger.Debug("packet", attrs...)
}

func loopbackConfig(cfg *config.AppConfig) {
	cfg.Interfaces = []config.InterfaceConfig{{
		ID:     loopbackID,
		Kind:   config.TransportTCP,
		Host:   "loopback",
		Port:   4403,
		NodeID: loopbackNodeID,
	}}
	cfg.InterfaceManager.DeviceLock = false
	// Loopback peers are never heard, so direct messages must not wait for them.
	cfg.Delivery.BlindRetry = true
	cfg.Metrics.Listen = ""
	cfg.Bridge.Enabled = false
	cfg.Logging.LogToFile = false
}

// loopbackFactory builds an in-memory radio that acknowledges every direct
// packet as if the destination answered.
func loopbackFactory(ifc config.InterfaceConfig) (transport.Transport, error) {
	codec, err := radio.NewCodec()
	if err != nil {
		return nil, err
	}
	var tr *transport.MemoryTransport
	tr = transport.NewMemoryTransport(ifc.ID, func(payload []byte) error {
		pkt, err := codec.Decode(payload)
		if err != nil {
			return err
		}
		if !pkt.WantAck {
			return nil
		}
		reply, err := codec.Encode(&radio.Packet{
			Kind: radio.KindAck,
			From: pkt.To,
			To:   pkt.From,
			Ack:  &radio.Ack{For: pkt.ID},
		})
		if err != nil {
			return err
		}
		return tr.Deliver(reply)
	})

	return tr, nil
}

func previewHex(hex string) string {
	hex = strings.TrimSpace(hex)
	if len(hex) <= maxHexPreviewLen {
		return hex
	}
	return hex[:maxHexPreviewLen] + "..."
}
