package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/btlightd/internal/ble"
	"github.com/chaz8081/btlightd/internal/device"
)

// Config holds all application configuration.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // "text" or "json"
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Resolver   ResolverConfig   `yaml:"resolver"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Write      WriteConfig      `yaml:"write"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Devices    []DeviceConfig   `yaml:"devices"`
}

// DatabaseConfig holds state persistence settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// MQTTConfig holds the optional MQTT bridge settings.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	QoS         int    `yaml:"qos"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// ResolverConfig holds the service/characteristic resolution retry policy.
type ResolverConfig struct {
	Attempts         int           `yaml:"attempts"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	ReconnectPause   time.Duration `yaml:"reconnect_pause"`
	ReconnectSettle  time.Duration `yaml:"reconnect_settle"`
	FallbackServices []string      `yaml:"fallback_services"`
}

// SupervisorConfig holds connection supervision timing.
type SupervisorConfig struct {
	RetryInterval time.Duration `yaml:"retry_interval"`
	SettleDelay   time.Duration `yaml:"settle_delay"`
	ScanWindow    time.Duration `yaml:"scan_window"`
}

// WriteConfig paces frame writes. A rate of 0 disables pacing.
type WriteConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// DiscoveryConfig selects which advertisements -scan offers. Both lists
// empty lists every advertisement.
type DiscoveryConfig struct {
	NameFilters    []string `yaml:"name_filters"`
	ServiceFilters []string `yaml:"service_filters"`
}

// DeviceConfig describes one lamp. Zero thresholds and intervals take the
// defaults when converted with DeviceConfig.
type DeviceConfig struct {
	Name             string `yaml:"name"`
	Address          string `yaml:"address"`
	ServiceUUID      string `yaml:"service_uuid"`
	CharUUID         string `yaml:"char_uuid"`
	RSSIMin          int    `yaml:"rssi_min"`
	ConnectMinRSSI   int    `yaml:"connect_min_rssi"`
	MetricsIntervalS int    `yaml:"metrics_interval_s"`
}

const defaultMQTTPort = 1883

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "btlightd")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values. It has no devices,
// so it does not validate until one is added.
func Default() *Config {
	home, _ := os.UserHomeDir()
	res := ble.DefaultResolverOptions()
	sup := ble.DefaultSupervisorOptions()
	filter := ble.DefaultDiscoveryFilter()

	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Database: DatabaseConfig{
			Path: filepath.Join(home, ".local", "share", "btlightd", "state.db"),
		},
		MQTT: MQTTConfig{
			Host:        "localhost",
			Port:        defaultMQTTPort,
			ClientID:    "btlightd",
			QoS:         1,
			TopicPrefix: "btlight",
		},
		Resolver: ResolverConfig{
			Attempts:         res.Attempts,
			BaseDelay:        res.BaseDelay,
			ReconnectPause:   res.ReconnectPause,
			ReconnectSettle:  res.ReconnectSettle,
			FallbackServices: res.Fallbacks,
		},
		Supervisor: SupervisorConfig{
			RetryInterval: sup.RetryInterval,
			SettleDelay:   sup.SettleDelay,
			ScanWindow:    3 * time.Second,
		},
		Write: WriteConfig{
			Rate:  sup.WriteRate,
			Burst: sup.WriteBurst,
		},
		Discovery: DiscoveryConfig{
			NameFilters:    filter.Names,
			ServiceFilters: filter.Services,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in database.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Database.Path = expandTilde(cfg.Database.Path)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Host == "" {
			return fmt.Errorf("mqtt.host must not be empty when mqtt is enabled")
		}
		if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
			return fmt.Errorf("mqtt.port must be 1..65535, got %d", c.MQTT.Port)
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix must not be empty")
		}
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1, or 2, got %d", c.MQTT.QoS)
	}

	if c.Resolver.Attempts < 0 {
		return fmt.Errorf("resolver.attempts must be >= 0")
	}
	for _, svc := range c.Resolver.FallbackServices {
		if err := ble.ValidateUUIDHint(svc); err != nil {
			return fmt.Errorf("resolver.fallback_services: %w", err)
		}
	}

	if c.Write.Rate < 0 {
		return fmt.Errorf("write.rate must be >= 0")
	}

	if len(c.Devices) == 0 {
		return fmt.Errorf("devices must not be empty")
	}
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if err := d.validate(); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		id := ble.NormalizeAddress(d.Address)
		if seen[id] {
			return fmt.Errorf("devices[%d]: duplicate address %q", i, d.Address)
		}
		seen[id] = true
	}

	return nil
}

func (d DeviceConfig) validate() error {
	if ble.NormalizeAddress(d.Address) == "" {
		return fmt.Errorf("address must not be empty")
	}
	if err := ble.ValidateUUIDHint(d.ServiceUUID); err != nil {
		return fmt.Errorf("service_uuid: %w", err)
	}
	if err := ble.ValidateUUIDHint(d.CharUUID); err != nil {
		return fmt.Errorf("char_uuid: %w", err)
	}
	for name, v := range map[string]int{"rssi_min": d.RSSIMin, "connect_min_rssi": d.ConnectMinRSSI} {
		if v < ble.MinRSSI || v > ble.MaxRSSI {
			return fmt.Errorf("%s must be within [%d, %d], got %d", name, ble.MinRSSI, ble.MaxRSSI, v)
		}
	}
	if d.MetricsIntervalS < 0 {
		return fmt.Errorf("metrics_interval_s must be >= 0")
	}
	return nil
}

// DeviceConfig converts devices[i] into a device.Config carrying the shared
// resolver, supervisor and write settings.
func (c *Config) DeviceConfig(i int) device.Config {
	d := c.Devices[i]

	rssiMin := d.RSSIMin
	if rssiMin == 0 {
		rssiMin = ble.DefaultRSSIMin
	}
	connectMin := d.ConnectMinRSSI
	if connectMin == 0 {
		connectMin = ble.DefaultRSSIMin
	}
	interval := time.Duration(d.MetricsIntervalS) * time.Second
	if interval == 0 {
		interval = device.DefaultMetricsInterval
	}

	return device.Config{
		Name:            d.Name,
		Address:         d.Address,
		ServiceUUID:     d.ServiceUUID,
		CharUUID:        d.CharUUID,
		RSSIMin:         rssiMin,
		ConnectMinRSSI:  connectMin,
		MetricsInterval: interval,
		Resolver: ble.ResolverOptions{
			Attempts:        c.Resolver.Attempts,
			BaseDelay:       c.Resolver.BaseDelay,
			ReconnectPause:  c.Resolver.ReconnectPause,
			ReconnectSettle: c.Resolver.ReconnectSettle,
			Fallbacks:       c.Resolver.FallbackServices,
		},
		Supervisor: ble.SupervisorOptions{
			RetryInterval: c.Supervisor.RetryInterval,
			SettleDelay:   c.Supervisor.SettleDelay,
			WriteRate:     c.Write.Rate,
			WriteBurst:    c.Write.Burst,
		},
	}
}

// DiscoveryFilter returns the advertisement filter used by -scan.
func (c *Config) DiscoveryFilter() ble.DiscoveryFilter {
	return ble.DiscoveryFilter{Names: c.Discovery.NameFilters, Services: c.Discovery.ServiceFilters}
}

// TinyGoOptions returns the BLE adapter options. Every configured service
// hint is watched in advertisements so the scan fallback can match on it.
func (c *Config) TinyGoOptions() ble.TinyGoOptions {
	opts := ble.TinyGoOptions{ScanWindow: c.Supervisor.ScanWindow}
	for _, d := range c.Devices {
		if d.ServiceUUID != "" {
			opts.WatchServices = append(opts.WatchServices, d.ServiceUUID)
		}
	}
	opts.WatchServices = append(opts.WatchServices, c.Discovery.ServiceFilters...)
	return opts
}

// ParseLogLevel converts a level string into a slog.Level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultConfigTemplate = `# btlightd configuration
# Durations are Go duration strings ("400ms", "12s").

log_level: info   # debug, info, warn, error
log_format: text  # text or json

database:
  path: ~/.local/share/btlightd/state.db

mqtt:
  enabled: false
  host: localhost
  port: 1883
  client_id: btlightd
  username: ""
  password: ""
  qos: 1
  topic_prefix: btlight

resolver:
  attempts: 8
  base_delay: 400ms
  reconnect_pause: 300ms
  reconnect_settle: 700ms
  fallback_services: [ffe0, ffb0]

supervisor:
  retry_interval: 12s
  settle_delay: 1s
  scan_window: 3s

write:
  rate: 20   # frames per second, 0 disables pacing
  burst: 2

# Advertisements offered by "btlightd -scan". Leave both empty to list everything.
discovery:
  name_filters: [uac088]
  service_filters: [ffb0]

# Run "btlightd -scan" to find lamp addresses.
devices: []
#  - name: Desk lamp
#    address: "34:10:18:30:03:F7"
#    service_uuid: ffb0
#    char_uuid: ffe1
#    rssi_min: -85
#    connect_min_rssi: -85
#    metrics_interval_s: 60
`

// WriteDefault writes the commented default config to DefaultConfigPath.
// It returns ("", nil) without touching anything if the file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0644); err != nil {
		return "", fmt.Errorf("writing default config: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
