package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/skobkin/meshbot/internal/config"
)

// Manager owns app logger configuration and optional rotating log file lifecycle.
type Manager struct {
	mu     sync.RWMutex
	logger *slog.Logger
	level  *slog.LevelVar
	file   *lumberjack.Logger
	stdout io.Writer
}

func NewManager() *Manager {
	return newManager(os.Stdout)
}

func newManager(stdout io.Writer) *Manager {
	m := &Manager{level: new(slog.LevelVar), stdout: stdout}
	m.level.Set(slog.LevelInfo)
	m.logger = slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{Level: m.level}))

	return m
}

// Configure rebuilds the handler. filePath is used when cfg.File is empty.
func (m *Manager) Configure(cfg config.LoggingConfig, filePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}

	if m.file != nil {
		_ = m.file.Close()
		m.file = nil
	}

	writer := m.stdout
	if cfg.LogToFile {
		path := strings.TrimSpace(cfg.File)
		if path == "" {
			path = filePath
		}
		if path == "" {
			return fmt.Errorf("log file path is empty")
		}
		cleanPath := filepath.Clean(path)
		if err := os.MkdirAll(filepath.Dir(cleanPath), 0o750); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		m.file = &lumberjack.Logger{
			Filename:   cleanPath,
			MaxSize:    max(cfg.MaxSizeMB, 1),
			MaxBackups: max(cfg.MaxBackups, 0),
			MaxAge:     max(cfg.MaxAgeDays, 0),
			Compress:   cfg.Compress,
		}
		writer = newFanoutWriter(m.stdout, m.file)
	}

	m.level.Set(level)
	h := slog.NewTextHandler(writer, &slog.HandlerOptions{Level: m.level})
	m.logger = slog.New(h)
	slog.SetDefault(m.logger)

	return nil
}

// SetLevel changes verbosity of every logger handed out so far.
func (m *Manager) SetLevel(raw string) error {
	level, err := parseLevel(raw)
	if err != nil {
		return err
	}
	m.level.Set(level)

	return nil
}

func (m *Manager) Logger(component string) *slog.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.logger.With("component", component)
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file != nil {
		if err := m.file.Close(); err != nil {
			return err
		}
		m.file = nil
	}

	return nil
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level: %q", raw)
	}
}

type fanoutWriter struct {
	writers []io.Writer
}

func newFanoutWriter(writers ...io.Writer) io.Writer {
	filtered := make([]io.Writer, 0, len(writers))
	for _, w := range writers {
		if w != nil {
			filtered = append(filtered, w)
		}
	}

	return &fanoutWriter{writers: filtered}
}

// Write succeeds if at least one destination accepted the whole buffer.
func (w *fanoutWriter) Write(p []byte) (int, error) {
	var (
		wroteAny bool
		firstErr error
	)

	for _, dst := range w.writers {
		n, err := dst.Write(p)
		if err == nil && n != len(p) {
			err = io.ErrShortWrite
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		wroteAny = true
	}

	if wroteAny || firstErr == nil {
		return len(p), nil
	}

	return 0, firstErr
}
