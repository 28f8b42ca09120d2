package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.API.Port != 7420 {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, 7420)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("Storage.Backend = %q, want %q", cfg.Storage.Backend, "sqlite")
	}
	if cfg.Reconcile.ActiveInterval != "1s" {
		t.Errorf("Reconcile.ActiveInterval = %q, want %q", cfg.Reconcile.ActiveInterval, "1s")
	}
	if cfg.Reconcile.IdleInterval != "5s" {
		t.Errorf("Reconcile.IdleInterval = %q, want %q", cfg.Reconcile.IdleInterval, "5s")
	}

	if cfg.Events.Enabled {
		t.Error("Events.Enabled should be false by default (opt-in)")
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled should be true by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.Port != 7420 {
		t.Errorf("API.Port = %d, want default", cfg.API.Port)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[api]
port = 9000

[storage]
backend = "redis"
redis_addr = "10.0.0.5:6379"

[reconcile]
active_interval = "500ms"

[events]
enabled = true
brokers = ["kafka-1:9092", "kafka-2:9092"]
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.Port != 9000 {
		t.Errorf("API.Port = %d, want 9000", cfg.API.Port)
	}
	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want default kept", cfg.API.Host)
	}
	if cfg.Storage.Backend != "redis" || cfg.Storage.RedisAddr != "10.0.0.5:6379" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Reconcile.IdleInterval != "5s" {
		t.Errorf("Reconcile.IdleInterval = %q, want default kept", cfg.Reconcile.IdleInterval)
	}
	if len(cfg.Events.Brokers) != 2 {
		t.Errorf("Events.Brokers = %v, want 2 brokers", cfg.Events.Brokers)
	}
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[storage]\nbackend = \"etcd\"\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestHome_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STEPGATE_HOME", dir)

	if Home() != dir {
		t.Errorf("Home() = %q, want %q", Home(), dir)
	}
	if ConfigPath() != filepath.Join(dir, "config.toml") {
		t.Errorf("ConfigPath() = %q", ConfigPath())
	}
	if DefaultConfig().DataDir() != dir {
		t.Errorf("DataDir() = %q, want %q", DefaultConfig().DataDir(), dir)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"1s", time.Second},
		{"2m", 2 * time.Minute},
		{"500ms", 500 * time.Millisecond},
		{"", 5 * time.Second},     // Default
		{"soon", 5 * time.Second}, // Malformed
		{"-1s", 5 * time.Second},  // Non-positive
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseDuration(tt.input, 5*time.Second)
			if got != tt.want {
				t.Errorf("parseDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
