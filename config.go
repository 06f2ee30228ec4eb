package backfila

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "backfila.config"

// WithContext returns a context carrying cfg.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

// FromContext returns the config stored by WithContext, or nil.
func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

// Config represents the server configuration.
type Config struct {
	// Store backend: memory, badger or sqlite (default: memory).
	StoreBackend string `yaml:"storeBackend" split_words:"true"`
	// DataDir holds the badger directory or the sqlite file (default: .backfila).
	DataDir string `yaml:"dataDir" split_words:"true"`

	// ListenAddr serves the service API and the embedded client service (default: :8080).
	ListenAddr string `yaml:"listenAddr" split_words:"true"`
	// MetricsAddr serves /metrics, empty disables it (default: :9090).
	MetricsAddr string `yaml:"metricsAddr" split_words:"true"`

	// PoolSize bounds concurrently running partitions on this instance (default: 10).
	PoolSize int `yaml:"poolSize" split_words:"true"`
	// MinHuntInterval and MaxHuntInterval bound the random pause between lease hunts
	// (default: 1s and 5s).
	MinHuntInterval time.Duration `yaml:"minHuntInterval" split_words:"true"`
	MaxHuntInterval time.Duration `yaml:"maxHuntInterval" split_words:"true"`
	// LeaseDuration is how long a partition lease stays valid without renewal (default: 5m).
	LeaseDuration time.Duration `yaml:"leaseDuration" split_words:"true"`
	// ShutdownTimeout bounds how long runners get to drain (default: 10s).
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" split_words:"true"`
	// RPCTimeout bounds every call into a client service (default: 30s).
	RPCTimeout time.Duration `yaml:"rpcTimeout" split_words:"true"`
	// ThreadMultiplier sizes the batch queue of a partition as num_threads times this (default: 2).
	ThreadMultiplier int `yaml:"threadMultiplier" split_words:"true"`

	// Tracing enables OTLP span export; TracingStdout prints spans instead.
	Tracing       bool `yaml:"tracing"`
	TracingStdout bool `yaml:"tracingStdout" split_words:"true"`

	// LogLevel is debug, info, warn or error (default: info). LogFormat is json or text.
	LogLevel  string `yaml:"logLevel" split_words:"true"`
	LogFormat string `yaml:"logFormat" split_words:"true"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		StoreBackend:     StoreBackendMemory,
		DataDir:          ".backfila",
		ListenAddr:       ":8080",
		MetricsAddr:      ":9090",
		PoolSize:         10,
		MinHuntInterval:  time.Second,
		MaxHuntInterval:  5 * time.Second,
		LeaseDuration:    DefaultLeaseDuration,
		ShutdownTimeout:  10 * time.Second,
		RPCTimeout:       DefaultRPCTimeout,
		ThreadMultiplier: DefaultThreadMultiplier,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// LoadConfig builds the configuration from defaults, then the optional YAML file, then
// BACKFILA_* environment variables (e.g. BACKFILA_STORE_BACKEND, BACKFILA_LEASE_DURATION).
func LoadConfig(configFile string) (*Config, error) {
	cfg := DefaultConfig()
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := envconfig.Process("backfila", cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreBackendMemory, StoreBackendBadger, StoreBackendSQLite:
	default:
		return fmt.Errorf("invalid configuration: unknown store backend %q", c.StoreBackend)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("invalid configuration: poolSize must be >= 1")
	}
	if c.MinHuntInterval <= 0 || c.MaxHuntInterval < c.MinHuntInterval {
		return fmt.Errorf("invalid configuration: hunt interval must satisfy 0 < min <= max")
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("invalid configuration: leaseDuration must be positive")
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("invalid configuration: rpcTimeout must be positive")
	}
	if c.ThreadMultiplier < 1 {
		return fmt.Errorf("invalid configuration: threadMultiplier must be >= 1")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid configuration: unknown log format %q", c.LogFormat)
	}
	return nil
}

// SchedulerConfig returns the scheduler settings of the configuration.
func (c *Config) SchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PoolSize:        c.PoolSize,
		MinHuntInterval: c.MinHuntInterval,
		MaxHuntInterval: c.MaxHuntInterval,
		ShutdownTimeout: c.ShutdownTimeout,
	}
}
