package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/DarlingtonDeveloper/fiscal-relay/breaker"
	"github.com/DarlingtonDeveloper/fiscal-relay/retry"
)

// Store drivers.
const (
	DriverFile     = "file"
	DriverPostgres = "postgres"
)

// Config holds all configuration for relayd.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Queue     QueueConfig     `yaml:"queue"`
	Dedupe    DedupeConfig    `yaml:"dedupe"`
	Retry     retry.Policy    `yaml:"retry"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Remote    RemoteConfig    `yaml:"remote"`
	Store     StoreConfig     `yaml:"store"`
	NATS      NATSConfig      `yaml:"nats"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

// ServerConfig holds the ops HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// QueueConfig holds durable queue and worker settings.
type QueueConfig struct {
	Path          string        `yaml:"path"`
	MaxRetries    int           `yaml:"max_retries"`
	Concurrency   int           `yaml:"concurrency"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DedupeConfig holds the deduplication window settings.
type DedupeConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// BreakerConfig holds the circuit breaker settings shared by remote calls.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	HistorySize      int           `yaml:"history_size"`
}

// RemoteConfig points at the fiscal API.
type RemoteConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// StoreConfig selects where fiscal records and discrepancies live.
type StoreConfig struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	DatabaseURL string `yaml:"database_url"`
}

// NATSConfig holds the optional NATS ingress and dead-letter settings.
// An empty URL disables NATS.
type NATSConfig struct {
	URL            string `yaml:"url"`
	IngressSubject string `yaml:"ingress_subject"`
	QueueGroup     string `yaml:"queue_group"`
}

// ReconcileConfig holds the reconciliation schedule.
type ReconcileConfig struct {
	Enabled       bool          `yaml:"enabled"`
	FullInterval  time.Duration `yaml:"full_interval"`
	QuickInterval time.Duration `yaml:"quick_interval"`
	QuickLimit    int           `yaml:"quick_limit"`
	CallDelay     time.Duration `yaml:"call_delay"`
	Lookback      time.Duration `yaml:"lookback"`
}

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Queue: QueueConfig{
			Path:          "data/queue.json",
			MaxRetries:    5,
			Concurrency:   4,
			PollInterval:  time.Second,
			FlushInterval: 10 * time.Second,
		},
		Dedupe: DedupeConfig{
			TTL:           5 * time.Minute,
			SweepInterval: time.Minute,
		},
		Retry: retry.DefaultPolicy(),
		Breaker: BreakerConfig{
			FailureThreshold: breaker.DefaultFailureThreshold,
			SuccessThreshold: breaker.DefaultSuccessThreshold,
			Timeout:          breaker.DefaultTimeout,
			CallTimeout:      10 * time.Second,
			HistorySize:      breaker.DefaultHistorySize,
		},
		Remote: RemoteConfig{
			BaseURL: "http://localhost:9090",
			Timeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Driver: DriverFile,
			Path:   "data/records.json",
		},
		NATS: NATSConfig{
			IngressSubject: "orders.events",
			QueueGroup:     "fiscal-relay",
		},
		Reconcile: ReconcileConfig{
			Enabled:       true,
			FullInterval:  24 * time.Hour,
			QuickInterval: 15 * time.Minute,
			QuickLimit:    50,
			CallDelay:     200 * time.Millisecond,
			Lookback:      7 * 24 * time.Hour,
		},
	}
}

// Load reads a YAML file over the defaults, applies environment overrides
// and validates the result. An empty or missing file yields the defaults.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides secrets and endpoints from DATABASE_URL, NATS_URL and
// FISCAL_API_KEY. Setting DATABASE_URL selects the postgres driver.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.DatabaseURL = v
		c.Store.Driver = DriverPostgres
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("FISCAL_API_KEY"); v != "" {
		c.Remote.APIKey = v
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json")
	}

	if c.Queue.Path == "" {
		return fmt.Errorf("queue.path cannot be empty")
	}
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue.max_retries must be at least 1")
	}
	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue.concurrency must be at least 1")
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("queue.poll_interval must be positive")
	}

	if c.Dedupe.TTL <= 0 {
		return fmt.Errorf("dedupe.ttl must be positive")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("retry.max_delay must be at least retry.initial_delay")
	}
	if c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry.backoff_factor must be at least 1")
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("breaker.success_threshold must be at least 1")
	}
	if c.Breaker.Timeout <= 0 {
		return fmt.Errorf("breaker.timeout must be positive")
	}

	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url cannot be empty")
	}

	switch c.Store.Driver {
	case DriverFile:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path required for the file driver")
		}
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store.database_url required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be file or postgres")
	}

	if c.NATS.URL != "" && c.NATS.IngressSubject == "" {
		return fmt.Errorf("nats.ingress_subject required when nats.url is set")
	}

	if c.Reconcile.Enabled {
		if c.Reconcile.FullInterval <= 0 && c.Reconcile.QuickInterval <= 0 {
			return fmt.Errorf("reconcile needs full_interval or quick_interval when enabled")
		}
		if c.Reconcile.CallDelay < 0 {
			return fmt.Errorf("reconcile.call_delay cannot be negative")
		}
	}

	return nil
}

// BreakerSettings builds breaker settings for the named dependency.
func (c *Config) BreakerSettings(name string) breaker.Settings {
	return breaker.Settings{
		Name:             name,
		FailureThreshold: c.Breaker.FailureThreshold,
		SuccessThreshold: c.Breaker.SuccessThreshold,
		Timeout:          c.Breaker.Timeout,
		CallTimeout:      c.Breaker.CallTimeout,
		HistorySize:      c.Breaker.HistorySize,
	}
}
