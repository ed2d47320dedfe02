package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skobkin/meshbot/internal/bridge"
	"github.com/skobkin/meshbot/internal/bus"
	"github.com/skobkin/meshbot/internal/config"
	"github.com/skobkin/meshbot/internal/delivery"
	"github.com/skobkin/meshbot/internal/iface"
	"github.com/skobkin/meshbot/internal/logging"
	"github.com/skobkin/meshbot/internal/metrics"
	"github.com/skobkin/meshbot/internal/notifications"
	"github.com/skobkin/meshbot/internal/persistence"
	"github.com/skobkin/meshbot/internal/radio"
	"github.com/skobkin/meshbot/internal/registry"
	"github.com/skobkin/meshbot/internal/transport"
)

const telemetryPruneInterval = time.Hour

// Options customizes Initialize. The zero value runs against the user config dir.
type Options struct {
	// StateDir overrides where config, database and logs live.
	StateDir string
	// ConfigFile overrides the config path inside StateDir.
	ConfigFile string
	// Factory overrides how interfaces are opened, e.g. with in-memory links.
	Factory transport.Factory
	// Override adjusts the loaded config before validation.
	Override func(*config.AppConfig)
}

// Runtime owns every long-lived component of the bot process.
type Runtime struct {
	Ctx    context.Context
	cancel context.CancelFunc

	Paths  Paths
	Config *config.Holder

	LogManager *logging.Manager
	Bus        *bus.PubSubBus
	DB         *sql.DB
	Metrics    *metrics.Collector

	NodeRepo      *persistence.NodeRepo
	TelemetryRepo *persistence.TelemetryRepo
	MessageRepo   *persistence.MessageRepo
	WriterQueue   *persistence.WriterQueue

	Interfaces    *iface.Manager
	Registry      *registry.Registry
	Engine        *delivery.Engine
	Bridge        *bridge.Bridge
	Notifications *NotificationService

	metricsServer *http.Server
	metricsAddr   string
	configWatch   <-chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

func Initialize(parent context.Context, opts Options) (*Runtime, error) {
	paths, err := ResolvePaths(opts.StateDir)
	if err != nil {
		return nil, err
	}
	if opts.ConfigFile != "" {
		paths.ConfigFile = opts.ConfigFile
	}
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, err
	}
	if opts.Override != nil {
		opts.Override(&cfg)
		cfg.FillMissingDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", paths.ConfigFile, err)
	}
	if cfg.Storage.Path != "" {
		paths.DBFile = cfg.Storage.Path
	}

	ctx, cancel := context.WithCancel(parent)
	holder := config.NewHolder(cfg)
	rt := &Runtime{
		Ctx:    ctx,
		cancel: cancel,
		Paths:  paths,
		Config: holder,
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		_ = logMgr.Close()
		cancel()
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	slog.Info("starting meshbot runtime", "version", BuildVersion(), "build_date", BuildDateYMD(), "interfaces", len(cfg.Interfaces))
	holder.OnChange(func(next config.AppConfig) {
		if err := logMgr.Configure(next.Logging, paths.LogFile); err != nil {
			slog.Warn("reconfigure logging", "error", err)
		}
	})

	db, err := persistence.Open(ctx, paths.DBFile)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.DB = db
	rt.NodeRepo = persistence.NewNodeRepo(db)
	rt.TelemetryRepo = persistence.NewTelemetryRepo(db)
	rt.MessageRepo = persistence.NewMessageRepo(db)

	writerQueue := persistence.NewWriterQueue(logMgr.Logger("persistence"), cfg.Storage.WriterQueueSize)
	writerQueue.Start(ctx)
	rt.WriterQueue = writerQueue

	rt.Bus = bus.NewWithCapacity(logMgr.Logger("bus"), cfg.Delivery.EventBuffer)

	collector, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("initialize metrics: %w", err)
	}
	rt.Metrics = collector
	if err := rt.serveMetrics(cfg.Metrics.Listen); err != nil {
		_ = rt.Close()
		return nil, err
	}

	codec, err := radio.NewCodec()
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("initialize radio codec: %w", err)
	}

	rt.Interfaces, err = iface.New(iface.Options{
		Config:  holder.Current,
		Factory: opts.Factory,
		Codec:   codec,
		Bus:     rt.Bus,
		Metrics: collector,
		Logger:  logMgr.Logger("iface"),
	})
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("initialize interfaces: %w", err)
	}
	rt.Interfaces.Start(ctx)

	rt.Registry = registry.New(registry.Options{
		Config:    holder.Current,
		Bus:       rt.Bus,
		Nodes:     rt.NodeRepo,
		Telemetry: rt.TelemetryRepo,
		Writes:    writerQueue,
		Metrics:   collector,
		Logger:    logMgr.Logger("registry"),
	})
	if err := rt.Registry.Load(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Registry.Start(ctx)

	link := delivery.ManagerLink(rt.Interfaces)
	rt.Engine, err = delivery.New(delivery.Options{
		Config:  holder.Current,
		Store:   rt.MessageRepo,
		Link:    link,
		Nodes:   rt.Registry,
		Codec:   codec,
		Bus:     rt.Bus,
		Metrics: collector,
		Logger:  logMgr.Logger("delivery"),
	})
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("initialize delivery engine: %w", err)
	}
	rt.Engine.Start(ctx)

	rt.Bridge = bridge.New(bridge.Options{
		Config: holder.Current,
		Bus:    rt.Bus,
		Link:   link,
		Engine: rt.Engine,
		Names:  rt.Registry,
		Logger: logMgr.Logger("bridge"),
	})
	if err := rt.Bridge.Start(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}

	sender := notifications.NewRoutedSender(
		func() bool { return holder.Current().Notifications.Enabled },
		notifications.NewDesktopSender(logMgr.Logger("notifications")),
		notifications.NewLogSender(logMgr.Logger("notifications")),
	)
	rt.Notifications = NewNotificationService(rt.Bus, rt.Engine, holder.Current, sender, logMgr.Logger("app.notifications"))
	rt.Notifications.Start(ctx)

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.pruneTelemetryLoop(ctx)
	}()

	if _, err := os.Stat(paths.ConfigFile); err == nil {
		done, err := holder.Watch(ctx, paths.ConfigFile, logMgr.Logger("config"))
		if err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		} else {
			rt.configWatch = done
		}
	}

	return rt, nil
}

func (r *Runtime) serveMetrics(listen string) error {
	if listen == "" {
		return nil
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen metrics %s: %w", listen, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Metrics.Handler())
	r.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	r.metricsAddr = ln.Addr().String()

	go func() {
		if err := r.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("metrics server stopped", "error", err)
		}
	}()
	slog.Info("metrics endpoint listening", "addr", r.metricsAddr)

	return nil
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (r *Runtime) MetricsAddr() string {
	return r.metricsAddr
}

func (r *Runtime) pruneTelemetryLoop(ctx context.Context) {
	ticker := time.NewTicker(telemetryPruneInterval)
	defer ticker.Stop()

	for {
		r.pruneTelemetry(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runtime) pruneTelemetry(ctx context.Context) {
	retention := r.Config.Current().Storage.TelemetryRetention
	if retention <= 0 {
		return
	}
	deleted, err := persistence.PruneTelemetry(ctx, r.DB, time.Now().Add(-retention))
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("prune telemetry", "error", err)
		}
		return
	}
	if deleted > 0 {
		slog.Info("telemetry pruned", "deleted", deleted, "retention", retention)
	}
}

// Close stops every component in reverse start order.
func (r *Runtime) Close() error {
	var closeErr error
	r.closeOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		if r.Bridge != nil {
			r.Bridge.Stop()
		}
		if r.Engine != nil {
			r.Engine.Close()
		}
		if r.Interfaces != nil {
			r.Interfaces.Close()
		}
		r.wg.Wait()
		if r.configWatch != nil {
			<-r.configWatch
		}
		if r.metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("shutdown metrics: %w", err))
			}
			cancel()
		}
		if r.WriterQueue != nil {
			r.WriterQueue.Wait()
		}
		if r.Bus != nil {
			r.Bus.Close()
		}
		if r.DB != nil {
			if err := r.DB.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close db: %w", err))
			}
		}
		if r.LogManager != nil {
			if err := r.LogManager.Close(); err != nil {
				closeErr = errors.Join(closeErr, err)
			}
		}
	})

	return closeErr
}
