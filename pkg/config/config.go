// Package config provides configuration types, defaults, and persistence
// for Conflux.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/Conflux/internal/logging"
	internalnats "github.com/wehubfusion/Conflux/internal/nats"
	"github.com/wehubfusion/Conflux/internal/tracing"
	"github.com/wehubfusion/Conflux/pkg/checkpoint/natskv"
	"github.com/wehubfusion/Conflux/pkg/concurrency"
	"github.com/wehubfusion/Conflux/pkg/graph"
)

// EnvPrefix prefixes environment overrides: graph.log_level is read from
// CONFLUX_GRAPH_LOG_LEVEL.
const EnvPrefix = "CONFLUX"

// Checkpoint blob stores.
const (
	StoreFile  = "file"
	StoreAzure = "azure"
)

// Checkpoint thread providers.
const (
	ProviderNone   = "none"
	ProviderMemory = "memory"
	ProviderSQLite = "sqlite"
	ProviderNATS   = "nats"
)

// secretKeys have no default value but may still come from the environment.
var secretKeys = []string{
	"checkpoint.azure.connection_string",
	"checkpoint.nats.connection.token",
	"checkpoint.nats.connection.username",
	"checkpoint.nats.connection.password",
	"sentry.dsn",
}

// AzureConfig locates the checkpoint container.
type AzureConfig struct {
	ConnectionString string `mapstructure:"connection_string" yaml:"connection_string,omitempty"`
	Container        string `mapstructure:"container" yaml:"container"`
}

// NATSConfig locates the checkpoint bucket.
type NATSConfig struct {
	Connection internalnats.ConnectionConfig `mapstructure:"connection" yaml:"connection"`
	KV         natskv.Config                 `mapstructure:"kv" yaml:"kv"`
}

// CheckpointConfig selects where checkpoints are written: Store holds
// payloads addressed by path, Provider holds payloads addressed by thread.
type CheckpointConfig struct {
	Store     string      `mapstructure:"store" yaml:"store"`
	Dir       string      `mapstructure:"dir" yaml:"dir"`
	Provider  string      `mapstructure:"provider" yaml:"provider"`
	SQLiteDSN string      `mapstructure:"sqlite_dsn" yaml:"sqlite_dsn"`
	NATS      NATSConfig  `mapstructure:"nats" yaml:"nats"`
	Azure     AzureConfig `mapstructure:"azure" yaml:"azure"`
}

// SentryConfig configures error reporting. An empty DSN disables it.
type SentryConfig struct {
	DSN         string  `mapstructure:"dsn" yaml:"dsn,omitempty"`
	Environment string  `mapstructure:"environment" yaml:"environment"`
	Release     string  `mapstructure:"release" yaml:"release,omitempty"`
	SampleRate  float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
	Debug       bool    `mapstructure:"debug" yaml:"debug"`
}

// Config is the root configuration file.
type Config struct {
	Graph       graph.Config          `mapstructure:"graph" yaml:"graph"`
	Tracing     tracing.TracingConfig `mapstructure:"tracing" yaml:"tracing"`
	Checkpoint  CheckpointConfig      `mapstructure:"checkpoint" yaml:"checkpoint"`
	Sentry      SentryConfig          `mapstructure:"sentry" yaml:"sentry"`
	Concurrency concurrency.Config    `mapstructure:"concurrency" yaml:"concurrency"`
}

// Defaults returns the configuration used when no file is given.
func Defaults() Config {
	nats := internalnats.DefaultConnectionConfig("nats://127.0.0.1:4222")
	return Config{
		Graph:   graph.DefaultConfig(),
		Tracing: tracing.DefaultConfig("conflux"),
		Checkpoint: CheckpointConfig{
			Store:     StoreFile,
			Dir:       ".conflux/checkpoints",
			Provider:  ProviderNone,
			SQLiteDSN: ".conflux/checkpoints.db",
			NATS:      NATSConfig{Connection: *nats, KV: natskv.DefaultConfig()},
			Azure:     AzureConfig{Container: "conflux-checkpoints"},
		},
		Sentry: SentryConfig{
			Environment: "development",
			SampleRate:  1.0,
		},
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Graph.Validate(); err != nil {
		return fmt.Errorf("graph: %w", err)
	}
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	if err := c.Checkpoint.Validate(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if c.Sentry.SampleRate < 0 || c.Sentry.SampleRate > 1 {
		return fmt.Errorf("sentry.sample_rate must be between 0.0 and 1.0, got %v", c.Sentry.SampleRate)
	}
	if c.Concurrency.MaxConcurrent < 0 || c.Concurrency.Multiplier < 0 {
		return fmt.Errorf("concurrency values must not be negative")
	}
	return nil
}

// Validate checks the store and provider names and their required settings.
func (c *CheckpointConfig) Validate() error {
	if c.Store == "" {
		c.Store = StoreFile
	}
	if c.Provider == "" {
		c.Provider = ProviderNone
	}
	switch c.Store {
	case StoreFile:
	case StoreAzure:
		if c.Azure.ConnectionString == "" || c.Azure.Container == "" {
			return fmt.Errorf("checkpoint.azure.connection_string and container are required when store is %q", StoreAzure)
		}
	default:
		return fmt.Errorf("checkpoint.store must be %q or %q, got %q", StoreFile, StoreAzure, c.Store)
	}
	switch c.Provider {
	case ProviderNone, ProviderMemory:
	case ProviderSQLite:
		if c.SQLiteDSN == "" {
			return fmt.Errorf("checkpoint.sqlite_dsn is required when provider is %q", ProviderSQLite)
		}
	case ProviderNATS:
		if c.NATS.Connection.URL == "" {
			return fmt.Errorf("checkpoint.nats.connection.url is required when provider is %q", ProviderNATS)
		}
		return c.NATS.KV.Validate()
	default:
		return fmt.Errorf("checkpoint.provider must be one of none, memory, sqlite, nats, got %q", c.Provider)
	}
	return nil
}

// Load reads the YAML file at path over Defaults and applies CONFLUX_
// environment overrides. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	base, err := yaml.Marshal(Defaults())
	if err != nil {
		return nil, fmt.Errorf("encoding defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(base)); err != nil {
		return nil, fmt.Errorf("reading defaults: %w", err)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range secretKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Concurrency.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Save writes cfg to path as YAML, creating the parent directory.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// NewLogger builds the logger described by the graph section.
func NewLogger(cfg graph.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogLevel, cfg.DebugMode)
}

// NewSentryHub returns a hub reporting to cfg.DSN, or nil when the DSN is empty.
func NewSentryHub(cfg SentryConfig) (*sentry.Hub, error) {
	if cfg.DSN == "" {
		return nil, nil
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		SampleRate:  cfg.SampleRate,
		Debug:       cfg.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("creating sentry client: %w", err)
	}
	return sentry.NewHub(client, sentry.NewScope()), nil
}
