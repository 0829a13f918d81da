package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Node.ListenAddr != ":5000" {
		t.Errorf("expected default listen addr :5000, got %s", cfg.Node.ListenAddr)
	}
	if cfg.Metadata.Backend != "memory" {
		t.Errorf("expected memory metadata backend, got %s", cfg.Metadata.Backend)
	}
	if cfg.Presence.Backend != "redis" {
		t.Errorf("expected redis presence backend, got %s", cfg.Presence.Backend)
	}
	if cfg.Relay.Bus != "local" {
		t.Errorf("expected local relay bus, got %s", cfg.Relay.Bus)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
node:
  name: alpha
  listenAddr: ":7000"
presence:
  backend: metadata
relay:
  bus: kafka
  kafkaBrokers: ["k1:9092", "k2:9092"]
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Node.Name != "alpha" || cfg.Node.ListenAddr != ":7000" {
		t.Errorf("node = %+v", cfg.Node)
	}
	if cfg.Presence.Backend != "metadata" {
		t.Errorf("presence backend = %s", cfg.Presence.Backend)
	}
	if len(cfg.Relay.KafkaBrokers) != 2 {
		t.Errorf("kafka brokers = %v", cfg.Relay.KafkaBrokers)
	}
	// Unset keys keep their defaults.
	if cfg.Relay.Workers != 8 {
		t.Errorf("workers = %d, want default 8", cfg.Relay.Workers)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ORBIT_NODE_NAME", "beta")
	t.Setenv("ORBIT_REDIS_DB", "3")
	t.Setenv("ORBIT_HUB_RATE_LIMIT", "12.5")
	t.Setenv("ORBIT_KAFKA_BROKERS", "a:1, b:2")

	cfg, err := Parse([]byte("node:\n  name: alpha\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Node.Name != "beta" {
		t.Errorf("env should win over file, got %s", cfg.Node.Name)
	}
	if cfg.Presence.RedisDB != 3 {
		t.Errorf("redis db = %d", cfg.Presence.RedisDB)
	}
	if cfg.Hub.RateLimit != 12.5 {
		t.Errorf("rate limit = %v", cfg.Hub.RateLimit)
	}
	if len(cfg.Relay.KafkaBrokers) != 2 || cfg.Relay.KafkaBrokers[1] != "b:2" {
		t.Errorf("kafka brokers = %v", cfg.Relay.KafkaBrokers)
	}
}

func TestEnvOverrideBadNumber(t *testing.T) {
	t.Setenv("ORBIT_REDIS_DB", "three")
	if _, err := Parse(nil); err == nil {
		t.Fatal("expected error for non-numeric env override")
	}
}

func TestValidateRejectsUnknownBackends(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Config)
	}{
		{"metadata", func(c *Config) { c.Metadata.Backend = "etcd" }},
		{"presence", func(c *Config) { c.Presence.Backend = "memcached" }},
		{"bus", func(c *Config) { c.Relay.Bus = "nats" }},
		{"kafka without brokers", func(c *Config) { c.Relay.Bus = "kafka" }},
		{"no workers", func(c *Config) { c.Relay.Workers = 0 }},
		{"slow watching broadcast", func(c *Config) { c.Hub.WatchingIntervalMs = 60000 }},
		{"cert without key", func(c *Config) { c.Node.TLSCertFile = "node.crt" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mut(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orbit.yaml")
	if err := os.WriteFile(path, []byte("observability:\n  logLevel: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("log level = %s", cfg.Observability.LogLevel)
	}

	t.Setenv(DefaultPathEnv, path)
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("Load ignored %s", DefaultPathEnv)
	}
}

func TestLoadFromMissingPath(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
