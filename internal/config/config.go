// Package config provides configuration loading and validation for Orbit.
// Supports YAML files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPathEnv names the environment variable Load consults for a config file.
const DefaultPathEnv = "ORBIT_CONFIG"

// Config holds all configuration for an Orbit node.
type Config struct {
	Node          NodeConfig          `yaml:"node"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	Presence      PresenceConfig      `yaml:"presence"`
	Relay         RelayConfig         `yaml:"relay"`
	Auth          AuthConfig          `yaml:"auth"`
	Hub           HubConfig           `yaml:"hub"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type NodeConfig struct {
	// Name identifies this node cluster-wide. Empty means hostname.
	Name       string `yaml:"name" env:"ORBIT_NODE_NAME"`
	ListenAddr string `yaml:"listenAddr" env:"ORBIT_LISTEN_ADDR"`
	// AdvertisedURL is the base URL other parties use to reach this node.
	AdvertisedURL string `yaml:"advertisedUrl" env:"ORBIT_ADVERTISED_URL"`
	// TLSCertFile and TLSKeyFile enable TLS on ListenAddr when both are set.
	// The pair is reloaded from disk when either file changes.
	TLSCertFile string `yaml:"tlsCertFile" env:"ORBIT_TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tlsKeyFile" env:"ORBIT_TLS_KEY_FILE"`
}

type MetadataConfig struct {
	// Backend is "memory" or "oxia".
	Backend          string `yaml:"backend" env:"ORBIT_METADATA_BACKEND"`
	OxiaEndpoint     string `yaml:"oxiaEndpoint" env:"ORBIT_OXIA_ENDPOINT"`
	Namespace        string `yaml:"namespace" env:"ORBIT_OXIA_NAMESPACE"`
	SessionTimeoutMs int64  `yaml:"sessionTimeoutMs" env:"ORBIT_OXIA_SESSION_TIMEOUT_MS"`
}

type PresenceConfig struct {
	// Backend is "redis" or "metadata".
	Backend       string `yaml:"backend" env:"ORBIT_PRESENCE_BACKEND"`
	RedisAddr     string `yaml:"redisAddr" env:"ORBIT_REDIS_ADDR"`
	RedisPassword string `yaml:"redisPassword" env:"ORBIT_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redisDb" env:"ORBIT_REDIS_DB"`
}

type RelayConfig struct {
	// Bus is "local", "redis" or "kafka".
	Bus              string   `yaml:"bus" env:"ORBIT_RELAY_BUS"`
	KafkaBrokers     []string `yaml:"kafkaBrokers" env:"ORBIT_KAFKA_BROKERS"`
	KafkaTopicPrefix string   `yaml:"kafkaTopicPrefix" env:"ORBIT_KAFKA_TOPIC_PREFIX"`
	Workers          int      `yaml:"workers" env:"ORBIT_RELAY_WORKERS"`
	QueueSize        int      `yaml:"queueSize" env:"ORBIT_RELAY_QUEUE_SIZE"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwtSecret" env:"ORBIT_JWT_SECRET"`
	Issuer    string `yaml:"issuer" env:"ORBIT_JWT_ISSUER"`
}

type HubConfig struct {
	SendBuffer    int     `yaml:"sendBuffer" env:"ORBIT_HUB_SEND_BUFFER"`
	RateLimit     float64 `yaml:"rateLimit" env:"ORBIT_HUB_RATE_LIMIT"`
	RateBurst     int     `yaml:"rateBurst" env:"ORBIT_HUB_RATE_BURST"`
	ReadTimeoutMs int64   `yaml:"readTimeoutMs" env:"ORBIT_HUB_READ_TIMEOUT_MS"`
	// WatchingIntervalMs is how often channel viewer lists are pushed.
	WatchingIntervalMs int64 `yaml:"watchingIntervalMs" env:"ORBIT_HUB_WATCHING_INTERVAL_MS"`
}

type ObservabilityConfig struct {
	HealthAddr string `yaml:"healthAddr" env:"ORBIT_HEALTH_ADDR"`
	LogLevel   string `yaml:"logLevel" env:"ORBIT_LOG_LEVEL"`
	LogFormat  string `yaml:"logFormat" env:"ORBIT_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ListenAddr: ":5000",
		},
		Metadata: MetadataConfig{
			Backend:          "memory",
			OxiaEndpoint:     "localhost:6648",
			Namespace:        "orbit",
			SessionTimeoutMs: 15000,
		},
		Presence: PresenceConfig{
			Backend:   "redis",
			RedisAddr: "localhost:6379",
		},
		Relay: RelayConfig{
			Bus:              "local",
			KafkaTopicPrefix: "orbit.node-relay.",
			Workers:          8,
			QueueSize:        4096,
		},
		Hub: HubConfig{
			SendBuffer:    256,
			RateLimit:     50,
			RateBurst:     100,
			ReadTimeoutMs: 90000, // longer than the 60s client ping cadence

			WatchingIntervalMs: 10000,
		},
		Observability: ObservabilityConfig{
			HealthAddr: ":9090",
			LogLevel:   "info",
			LogFormat:  "json",
		},
	}
}

// Load reads the file named by ORBIT_CONFIG if set, otherwise starts from
// defaults. Environment overrides are applied in both cases.
func Load() (*Config, error) {
	if path := os.Getenv(DefaultPathEnv); path != "" {
		return LoadFromPath(path)
	}
	cfg := Default()
	if err := applyEnv(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFromPath reads a YAML file on top of the defaults, then applies
// environment overrides.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and applies environment overrides.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := applyEnv(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.Metadata.Backend {
	case "memory", "oxia":
	default:
		errs = append(errs, fmt.Errorf("config: unknown metadata backend %q", c.Metadata.Backend))
	}
	switch c.Presence.Backend {
	case "redis", "metadata":
	default:
		errs = append(errs, fmt.Errorf("config: unknown presence backend %q", c.Presence.Backend))
	}
	switch c.Relay.Bus {
	case "local", "redis", "kafka":
	default:
		errs = append(errs, fmt.Errorf("config: unknown relay bus %q", c.Relay.Bus))
	}
	if c.Relay.Bus == "kafka" && len(c.Relay.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("config: relay bus kafka needs kafkaBrokers"))
	}
	if c.Relay.Workers <= 0 {
		errs = append(errs, errors.New("config: relay workers must be positive"))
	}
	if c.Node.ListenAddr == "" {
		errs = append(errs, errors.New("config: node listenAddr is required"))
	}
	if c.Hub.WatchingIntervalMs <= 0 || c.Hub.WatchingIntervalMs > 20000 {
		errs = append(errs, errors.New("config: hub watchingIntervalMs must be in (0, 20000]"))
	}
	if (c.Node.TLSCertFile == "") != (c.Node.TLSKeyFile == "") {
		errs = append(errs, errors.New("config: tlsCertFile and tlsKeyFile must be set together"))
	}
	return errors.Join(errs...)
}

func applyEnv(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		sf := t.Field(i)
		if field.Kind() == reflect.Struct {
			if err := applyEnv(field); err != nil {
				return err
			}
			continue
		}
		name := sf.Tag.Get("env")
		if name == "" {
			continue
		}
		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if err := setField(field, raw); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	return nil
}

func setField(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		var parts []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported kind %s", field.Kind())
	}
	return nil
}
