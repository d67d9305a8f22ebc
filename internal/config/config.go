package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"kvclient/internal/storage"
)

// Backend kinds served by kvserver.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
)

// StoreConfig names the store a client opens.
type StoreConfig struct {
	Name    string            `yaml:"name"`
	Scope   string            `yaml:"scope"`
	Options map[string]string `yaml:"options"`
}

// RetryConfig tunes the client retry executor.
type RetryConfig struct {
	Delay time.Duration `yaml:"delay"`
}

// RateLimitConfig caps client attempts per second. Zero disables it.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// ServerConfig configures kvserver.
type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	Backend     string `yaml:"backend"`
}

// RemoteConfig points kvctl at a kvserver.
type RemoteConfig struct {
	Addr    string        `yaml:"addr"`
	Timeout time.Duration `yaml:"timeout"`
}

// NATSConfig configures the JetStream backend.
type NATSConfig struct {
	URL          string `yaml:"url"`
	MaxConflicts int    `yaml:"max_conflicts"`
}

// LogConfig selects the log level: debug, info, warn or error.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Config holds the configuration shared by the binaries.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Retry     RetryConfig     `yaml:"retry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Server    ServerConfig    `yaml:"server"`
	Remote    RemoteConfig    `yaml:"remote"`
	NATS      NATSConfig      `yaml:"nats"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Store: StoreConfig{Scope: storage.DefaultScope},
		Retry: RetryConfig{Delay: time.Second},
		Server: ServerConfig{
			ListenAddr:  ":50051",
			MetricsAddr: ":9090",
			Backend:     BackendMemory,
		},
		Remote: RemoteConfig{Addr: "127.0.0.1:50051", Timeout: 10 * time.Second},
		NATS:   NATSConfig{URL: "nats://127.0.0.1:4222"},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults. Fields missing from the file
// keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Retry.Delay < 0 {
		errs = append(errs, fmt.Errorf("retry.delay cannot be negative: %s", c.Retry.Delay))
	}
	if c.RateLimit.PerSecond < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values cannot be negative"))
	}
	if c.RateLimit.PerSecond > 0 && c.RateLimit.Burst == 0 {
		errs = append(errs, errors.New("rate_limit.burst must be set with rate_limit.per_second"))
	}
	switch c.Server.Backend {
	case BackendMemory, BackendNATS:
	default:
		errs = append(errs, fmt.Errorf("server.backend must be %q or %q, got %q", BackendMemory, BackendNATS, c.Server.Backend))
	}
	if c.NATS.MaxConflicts < 0 {
		errs = append(errs, errors.New("nats.max_conflicts cannot be negative"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Handle builds the store handle named by the store section.
func (c *Config) Handle() (storage.Handle, error) {
	return storage.NewHandle(c.Store.Name, c.Store.Scope, c.Store.Options)
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// ParseOptions parses a comma-separated list of store options in the
// format: "k1=v1,k2=v2"
func ParseOptions(s string) (map[string]string, error) {
	opts := make(map[string]string)
	if s == "" {
		return opts, nil
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid option format: %s (expected key=value)", part)
		}

		key := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])

		if key == "" {
			return nil, fmt.Errorf("option key cannot be empty: %s", part)
		}
		if _, dup := opts[key]; dup {
			return nil, fmt.Errorf("duplicate option: %s", key)
		}
		opts[key] = value
	}

	return opts, nil
}
