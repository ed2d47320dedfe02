package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skobkin/meshbot/internal/app"
)

const statusLogInterval = 5 * time.Minute

type options struct {
	stateDir    string
	configFile  string
	showVersion bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		slog.Error("run meshbot", "error", err)
		os.Exit(1)
	}
}

func parseOptions(args []string, output io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet(app.Name, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.stateDir, "state-dir", "", "directory for config, database and logs (default: user config dir)")
	fs.StringVar(&opts.configFile, "config", "", "config file path (default: <state-dir>/"+app.ConfigFilename+")")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	return opts, nil
}

func run(ctx context.Context, args []string, output io.Writer) error {
	opts, err := parseOptions(args, output)
	if err != nil {
		return err
	}
	if opts.showVersion {
		_, err := fmt.Fprintln(output, app.Name, app.BuildVersionWithDate())
		return err
	}

	rt, err := app.Initialize(ctx, app.Options{StateDir: opts.stateDir, ConfigFile: opts.configFile})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			slog.Warn("close runtime", "error", closeErr)
		}
	}()

	logger := rt.LogManager.Logger("main")
	logger.Info("meshbot running", "state_dir", rt.Paths.RootDir, "interfaces", rt.Interfaces.Interfaces(), "metrics", rt.MetricsAddr())

	ticker := time.NewTicker(statusLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
			logStatus(ctx, rt, logger)
		}
	}
}

func logStatus(ctx context.Context, rt *app.Runtime, logger *slog.Logger) {
	for _, status := range rt.Interfaces.Statuses() {
		logger.Info("interface status", "id", status.InterfaceID, "state", status.State, "consumers", status.Consumers)
	}
	counts, err := rt.Engine.StatusCounts(ctx)
	if err != nil {
		logger.Warn("message status counts", "error", err)
		return
	}
	logger.Info("message queue", "counts", counts, "nodes_online", rt.Registry.OnlineCount())
}
