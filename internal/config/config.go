package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// TransportKind identifies which transport backend an interface uses.
type TransportKind string

const (
	TransportSerial    TransportKind = "serial"
	TransportTCP       TransportKind = "tcp"
	TransportBluetooth TransportKind = "bluetooth"

	DefaultSerialBaud    = 115200
	DefaultTCPPort       = 4403
	DefaultMaxPacketSize = 200
	DefaultMaxConsumers  = 4
	MaxInterfaces        = 9

	EnvPrefix = "MESHBOT"
)

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	LogToFile  bool   `mapstructure:"log_to_file"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type StorageConfig struct {
	Path               string        `mapstructure:"path"`
	WriterQueueSize    int           `mapstructure:"writer_queue_size"`
	TelemetryRetention time.Duration `mapstructure:"telemetry_retention"`
}

// InterfaceConfig describes one physical radio connection.
type InterfaceConfig struct {
	ID               string        `mapstructure:"id"`
	Kind             TransportKind `mapstructure:"kind"`
	SerialPort       string        `mapstructure:"serial_port"`
	SerialBaud       int           `mapstructure:"serial_baud"`
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	BluetoothAddress string        `mapstructure:"bluetooth_address"`
	BluetoothAdapter string        `mapstructure:"bluetooth_adapter"`
	NodeID           string        `mapstructure:"node_id"`
	MaxPacketSize    int           `mapstructure:"max_packet_size"`
	MaxConsumers     int           `mapstructure:"max_consumers"`
}

// Target is a human-readable connection target used in logs and status events.
func (c InterfaceConfig) Target() string {
	switch c.Kind {
	case TransportSerial:
		return c.SerialPort
	case TransportTCP:
		return fmt.Sprintf("%s:%d", c.Host, c.Port)
	case TransportBluetooth:
		return c.BluetoothAddress
	default:
		return ""
	}
}

// DeviceKey identifies the physical device independently of the configured id.
func (c InterfaceConfig) DeviceKey() string {
	return string(c.Kind) + ":" + strings.ToLower(c.Target())
}

type InterfaceManagerConfig struct {
	HealthInterval   time.Duration `mapstructure:"health_interval"`
	PingTimeout      time.Duration `mapstructure:"ping_timeout"`
	AckTimeout       time.Duration `mapstructure:"ack_timeout"`
	ReconnectInitial time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
	DownAfter        int           `mapstructure:"down_after"`
	ReleaseGrace     time.Duration `mapstructure:"release_grace"`
	DeviceLock       bool          `mapstructure:"device_lock"`
}

type DeliveryConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffCap       time.Duration `mapstructure:"backoff_cap"`
	ScanInterval     time.Duration `mapstructure:"scan_interval"`
	ScanBatch        int           `mapstructure:"scan_batch"`
	MaxInFlight      time.Duration `mapstructure:"max_in_flight"`
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
	BlindRetry       bool          `mapstructure:"blind_retry"`
	ChunkDelay       time.Duration `mapstructure:"chunk_delay"`
	ChunkPauseEvery  int           `mapstructure:"chunk_pause_every"`
	ChunkPause       time.Duration `mapstructure:"chunk_pause"`
	EventBuffer      int           `mapstructure:"event_buffer"`
}

// Backoff returns min(base * 2^(attempt-1), cap) for attempt >= 1.
func (c DeliveryConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := c.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.BackoffCap || delay <= 0 {
			return c.BackoffCap
		}
	}
	if delay > c.BackoffCap {
		return c.BackoffCap
	}

	return delay
}

type ChunkingConfig struct {
	MaxChunks          int           `mapstructure:"max_chunks"`
	ReassemblyDeadline time.Duration `mapstructure:"reassembly_deadline"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
}

type RegistryConfig struct {
	StalenessThreshold time.Duration `mapstructure:"staleness_threshold"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// NotificationConfig stores operator notification preferences.
type NotificationConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	OnFailed        bool `mapstructure:"on_failed"`
	OnInterfaceDown bool `mapstructure:"on_interface_down"`
}

type BridgeConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Interfaces    []string `mapstructure:"interfaces"`
	Channel       int      `mapstructure:"channel"`
	ForwardDirect bool     `mapstructure:"forward_direct"`
}

// AppConfig is the root application configuration.
type AppConfig struct {
	Logging          LoggingConfig          `mapstructure:"logging"`
	Storage          StorageConfig          `mapstructure:"storage"`
	Interfaces       []InterfaceConfig      `mapstructure:"interfaces"`
	InterfaceManager InterfaceManagerConfig `mapstructure:"interface_manager"`
	Delivery         DeliveryConfig         `mapstructure:"delivery"`
	Chunking         ChunkingConfig         `mapstructure:"chunking"`
	Registry         RegistryConfig         `mapstructure:"registry"`
	Metrics          MetricsConfig          `mapstructure:"metrics"`
	Notifications    NotificationConfig     `mapstructure:"notifications"`
	Bridge           BridgeConfig           `mapstructure:"bridge"`
}

func Default() AppConfig {
	return AppConfig{
		Logging: LoggingConfig{
			Level:      "info",
			LogToFile:  false,
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Storage: StorageConfig{
			WriterQueueSize:    512,
			TelemetryRetention: 30 * 24 * time.Hour,
		},
		InterfaceManager: InterfaceManagerConfig{
			HealthInterval:   25 * time.Second,
			PingTimeout:      5 * time.Second,
			AckTimeout:       30 * time.Second,
			ReconnectInitial: time.Second,
			ReconnectMax:     15 * time.Second,
			DownAfter:        3,
			ReleaseGrace:     5 * time.Second,
			DeviceLock:       true,
		},
		Delivery: DeliveryConfig{
			MaxAttempts:      9,
			BackoffBase:      2 * time.Second,
			BackoffCap:       5 * time.Minute,
			ScanInterval:     15 * time.Second,
			ScanBatch:        100,
			MaxInFlight:      2 * time.Minute,
			WatchdogInterval: 30 * time.Second,
			BlindRetry:       false,
			ChunkDelay:       time.Second,
			ChunkPauseEvery:  4,
			ChunkPause:       5 * time.Second,
			EventBuffer:      1024,
		},
		Chunking: ChunkingConfig{
			MaxChunks:          16,
			ReassemblyDeadline: 5 * time.Minute,
			SweepInterval:      30 * time.Second,
		},
		Registry: RegistryConfig{
			StalenessThreshold: 10 * time.Minute,
			SweepInterval:      30 * time.Second,
		},
		Notifications: NotificationConfig{
			Enabled:         false,
			OnFailed:        true,
			OnInterfaceDown: true,
		},
	}
}

// Load reads configuration from path (yaml or json by extension) and applies
// MESHBOT_* environment overrides, e.g. MESHBOT_DELIVERY_MAX_ATTEMPTS=5.
// A missing file yields defaults plus environment overrides.
func Load(path string) (AppConfig, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	seedDefaults(v, cfg)

	path = strings.TrimSpace(path)
	if path != "" {
		cleanPath := filepath.Clean(path)
		if _, err := os.Stat(cleanPath); err == nil {
			v.SetConfigFile(cleanPath)
			if err := v.ReadInConfig(); err != nil {
				return AppConfig{}, fmt.Errorf("read config: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return AppConfig{}, fmt.Errorf("stat config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.FillMissingDefaults()

	return cfg, nil
}

func seedDefaults(v *viper.Viper, cfg AppConfig) {
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.log_to_file", cfg.Logging.LogToFile)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.max_size_mb", cfg.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", cfg.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", cfg.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", cfg.Logging.Compress)

	v.SetDefault("storage.path", cfg.Storage.Path)
	v.SetDefault("storage.writer_queue_size", cfg.Storage.WriterQueueSize)
	v.SetDefault("storage.telemetry_retention", cfg.Storage.TelemetryRetention)

	im := cfg.InterfaceManager
	v.SetDefault("interface_manager.health_interval", im.HealthInterval)
	v.SetDefault("interface_manager.ping_timeout", im.PingTimeout)
	v.SetDefault("interface_manager.ack_timeout", im.AckTimeout)
	v.SetDefault("interface_manager.reconnect_initial", im.ReconnectInitial)
	v.SetDefault("interface_manager.reconnect_max", im.ReconnectMax)
	v.SetDefault("interface_manager.down_after", im.DownAfter)
	v.SetDefault("interface_manager.release_grace", im.ReleaseGrace)
	v.SetDefault("interface_manager.device_lock", im.DeviceLock)

	d := cfg.Delivery
	v.SetDefault("delivery.max_attempts", d.MaxAttempts)
	v.SetDefault("delivery.backoff_base", d.BackoffBase)
	v.SetDefault("delivery.backoff_cap", d.BackoffCap)
	v.SetDefault("delivery.scan_interval", d.ScanInterval)
	v.SetDefault("delivery.scan_batch", d.ScanBatch)
	v.SetDefault("delivery.max_in_flight", d.MaxInFlight)
	v.SetDefault("delivery.watchdog_interval", d.WatchdogInterval)
	v.SetDefault("delivery.blind_retry", d.BlindRetry)
	v.SetDefault("delivery.chunk_delay", d.ChunkDelay)
	v.SetDefault("delivery.chunk_pause_every", d.ChunkPauseEvery)
	v.SetDefault("delivery.chunk_pause", d.ChunkPause)
	v.SetDefault("delivery.event_buffer", d.EventBuffer)

	v.SetDefault("chunking.max_chunks", cfg.Chunking.MaxChunks)
	v.SetDefault("chunking.reassembly_deadline", cfg.Chunking.ReassemblyDeadline)
	v.SetDefault("chunking.sweep_interval", cfg.Chunking.SweepInterval)

	v.SetDefault("registry.staleness_threshold", cfg.Registry.StalenessThreshold)
	v.SetDefault("registry.sweep_interval", cfg.Registry.SweepInterval)

	v.SetDefault("metrics.listen", cfg.Metrics.Listen)

	v.SetDefault("notifications.enabled", cfg.Notifications.Enabled)
	v.SetDefault("notifications.on_failed", cfg.Notifications.OnFailed)
	v.SetDefault("notifications.on_interface_down", cfg.Notifications.OnInterfaceDown)

	v.SetDefault("bridge.enabled", cfg.Bridge.Enabled)
	v.SetDefault("bridge.channel", cfg.Bridge.Channel)
	v.SetDefault("bridge.forward_direct", cfg.Bridge.ForwardDirect)
}

func (c *AppConfig) FillMissingDefaults() {
	def := Default()
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Storage.WriterQueueSize <= 0 {
		c.Storage.WriterQueueSize = def.Storage.WriterQueueSize
	}
	for i := range c.Interfaces {
		iface := &c.Interfaces[i]
		iface.ID = strings.TrimSpace(iface.ID)
		iface.Kind = TransportKind(strings.ToLower(strings.TrimSpace(string(iface.Kind))))
		if iface.Kind == "ip" {
			iface.Kind = TransportTCP
		}
		if iface.Kind == TransportSerial && iface.SerialBaud <= 0 {
			iface.SerialBaud = DefaultSerialBaud
		}
		if iface.Kind == TransportTCP && iface.Port <= 0 {
			iface.Port = DefaultTCPPort
		}
		if iface.MaxPacketSize <= 0 {
			iface.MaxPacketSize = DefaultMaxPacketSize
		}
		if iface.MaxConsumers <= 0 {
			iface.MaxConsumers = DefaultMaxConsumers
		}
	}

	fillDuration(&c.InterfaceManager.HealthInterval, def.InterfaceManager.HealthInterval)
	fillDuration(&c.InterfaceManager.PingTimeout, def.InterfaceManager.PingTimeout)
	fillDuration(&c.InterfaceManager.AckTimeout, def.InterfaceManager.AckTimeout)
	fillDuration(&c.InterfaceManager.ReconnectInitial, def.InterfaceManager.ReconnectInitial)
	fillDuration(&c.InterfaceManager.ReconnectMax, def.InterfaceManager.ReconnectMax)
	fillInt(&c.InterfaceManager.DownAfter, def.InterfaceManager.DownAfter)
	if c.InterfaceManager.ReleaseGrace < 0 {
		c.InterfaceManager.ReleaseGrace = 0
	}

	fillInt(&c.Delivery.MaxAttempts, def.Delivery.MaxAttempts)
	fillDuration(&c.Delivery.BackoffBase, def.Delivery.BackoffBase)
	fillDuration(&c.Delivery.BackoffCap, def.Delivery.BackoffCap)
	fillDuration(&c.Delivery.ScanInterval, def.Delivery.ScanInterval)
	fillInt(&c.Delivery.ScanBatch, def.Delivery.ScanBatch)
	fillDuration(&c.Delivery.MaxInFlight, def.Delivery.MaxInFlight)
	fillDuration(&c.Delivery.WatchdogInterval, def.Delivery.WatchdogInterval)
	fillInt(&c.Delivery.EventBuffer, def.Delivery.EventBuffer)
	if c.Delivery.ChunkDelay < 0 {
		c.Delivery.ChunkDelay = 0
	}
	if c.Delivery.ChunkPause < 0 {
		c.Delivery.ChunkPause = 0
	}

	fillInt(&c.Chunking.MaxChunks, def.Chunking.MaxChunks)
	fillDuration(&c.Chunking.ReassemblyDeadline, def.Chunking.ReassemblyDeadline)
	fillDuration(&c.Chunking.SweepInterval, def.Chunking.SweepInterval)

	fillDuration(&c.Registry.StalenessThreshold, def.Registry.StalenessThreshold)
	fillDuration(&c.Registry.SweepInterval, def.Registry.SweepInterval)
}

func fillDuration(v *time.Duration, def time.Duration) {
	if *v <= 0 {
		*v = def
	}
}

func fillInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func (c AppConfig) Validate() error {
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	if len(c.Interfaces) == 0 {
		return errors.New("at least one interface is required")
	}
	if len(c.Interfaces) > MaxInterfaces {
		return fmt.Errorf("too many interfaces: %d (max %d)", len(c.Interfaces), MaxInterfaces)
	}

	seenIDs := make(map[string]struct{}, len(c.Interfaces))
	seenDevices := make(map[string]string, len(c.Interfaces))
	for i, iface := range c.Interfaces {
		if iface.ID == "" {
			return fmt.Errorf("interfaces[%d]: id is required", i)
		}
		if _, ok := seenIDs[iface.ID]; ok {
			return fmt.Errorf("interfaces[%d]: duplicate id %q", i, iface.ID)
		}
		seenIDs[iface.ID] = struct{}{}

		if err := iface.validate(); err != nil {
			return fmt.Errorf("interface %q: %w", iface.ID, err)
		}
		if other, ok := seenDevices[iface.DeviceKey()]; ok {
			return fmt.Errorf("interface %q: same device as interface %q", iface.ID, other)
		}
		seenDevices[iface.DeviceKey()] = iface.ID
	}

	if c.Delivery.MaxAttempts <= 0 {
		return errors.New("delivery.max_attempts must be positive")
	}
	if c.Delivery.BackoffCap < c.Delivery.BackoffBase {
		return errors.New("delivery.backoff_cap must not be below delivery.backoff_base")
	}
	if c.InterfaceManager.ReconnectMax < c.InterfaceManager.ReconnectInitial {
		return errors.New("interface_manager.reconnect_max must not be below reconnect_initial")
	}
	if c.Chunking.MaxChunks <= 0 {
		return errors.New("chunking.max_chunks must be positive")
	}
	if c.Bridge.Enabled {
		for _, id := range c.Bridge.Interfaces {
			if _, ok := seenIDs[id]; !ok {
				return fmt.Errorf("bridge: unknown interface %q", id)
			}
		}
	}

	return nil
}

func (c InterfaceConfig) validate() error {
	switch c.Kind {
	case TransportTCP:
		if strings.TrimSpace(c.Host) == "" {
			return errors.New("tcp host is required")
		}
	case TransportSerial:
		if strings.TrimSpace(c.SerialPort) == "" {
			return errors.New("serial port is required")
		}
		if c.SerialBaud <= 0 {
			return errors.New("serial baud must be positive")
		}
	case TransportBluetooth:
		if strings.TrimSpace(c.BluetoothAddress) == "" {
			return errors.New("bluetooth address is required")
		}
	default:
		return fmt.Errorf("unknown transport kind: %q", c.Kind)
	}
	if c.MaxPacketSize <= 0 {
		return errors.New("max_packet_size must be positive")
	}

	return nil
}

// Interface returns the configuration of the interface with the given id.
func (c AppConfig) Interface(id string) (InterfaceConfig, bool) {
	for _, iface := range c.Interfaces {
		if iface.ID == id {
			return iface, true
		}
	}

	return InterfaceConfig{}, false
}

func parseLevel(raw string) (string, error) {
	switch lvl := strings.ToLower(strings.TrimSpace(raw)); lvl {
	case "debug", "info", "", "warn", "warning", "error":
		return lvl, nil
	default:
		return "", fmt.Errorf("unsupported log level: %q", raw)
	}
}
