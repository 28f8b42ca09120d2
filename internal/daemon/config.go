// Package daemon wires the StepGate components together and runs them.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the on-disk configuration at $STEPGATE_HOME/config.toml.
type Config struct {
	API       APIConfig       `toml:"api"`
	Storage   StorageConfig   `toml:"storage"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Session   SessionConfig   `toml:"session"`
	Events    EventsConfig    `toml:"events"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// APIConfig controls the HTTP listener.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig selects the shared state backend. The journal and the
// notification queue always live in the local sqlite database.
type StorageConfig struct {
	Backend   string `toml:"backend"` // "sqlite" or "redis"
	Dir       string `toml:"dir"`     // empty means $STEPGATE_HOME
	RedisAddr string `toml:"redis_addr"`
	RedisDB   int    `toml:"redis_db"`
	KeyPrefix string `toml:"key_prefix"`
}

// ReconcileConfig controls the reconciliation cadence.
type ReconcileConfig struct {
	ActiveInterval  string `toml:"active_interval"`
	IdleInterval    string `toml:"idle_interval"`
	UsageStaleAfter string `toml:"usage_stale_after"`
}

// SessionConfig controls session notifications.
type SessionConfig struct {
	WarningLead string `toml:"warning_lead"`
}

// EventsConfig controls domain event publishing to Kafka.
type EventsConfig struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// MetricsConfig controls /metrics and the debug span buffer.
type MetricsConfig struct {
	Enabled    bool `toml:"enabled"`
	TraceSpans int  `toml:"trace_spans"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 7420,
		},
		Storage: StorageConfig{
			Backend:   "sqlite",
			RedisAddr: "127.0.0.1:6379",
			KeyPrefix: "stepgate:",
		},
		Reconcile: ReconcileConfig{
			ActiveInterval:  "1s",
			IdleInterval:    "5s",
			UsageStaleAfter: "60s",
		},
		Session: SessionConfig{
			WarningLead: "2m",
		},
		Events: EventsConfig{
			Enabled: false,
			Brokers: []string{"127.0.0.1:9092"},
			Topic:   "stepgate.events",
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			TraceSpans: 1000,
		},
	}
}

// Home returns the StepGate home directory: $STEPGATE_HOME, else ~/.stepgate.
func Home() string {
	if env := os.Getenv("STEPGATE_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".stepgate")
}

// ConfigPath returns the default config file path.
func ConfigPath() string {
	return filepath.Join(Home(), "config.toml")
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	switch strings.ToLower(c.Storage.Backend) {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend)
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port: %d out of range", c.API.Port)
	}
	if c.Events.Enabled && len(c.Events.Brokers) == 0 {
		return errors.New("events.enabled requires events.brokers")
	}
	return nil
}

// DataDir returns the directory holding the sqlite database.
func (c Config) DataDir() string {
	if c.Storage.Dir != "" {
		return c.Storage.Dir
	}
	return Home()
}

// Addr returns the API listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// parseDuration parses s, falling back to def when s is empty or malformed.
func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
