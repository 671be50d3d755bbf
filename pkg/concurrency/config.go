package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// Environment variables read by LoadConfig.
const (
	EnvMaxConcurrent = "CONFLUX_MAX_CONCURRENT"
	EnvMultiplier    = "CONFLUX_CONCURRENCY_MULTIPLIER"
)

// ConfigSource indicates where MaxConcurrent came from.
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceFile       ConfigSource = "file"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
)

// Config sizes the limiter used by parallel execution.
type Config struct {
	MaxConcurrent    int           `json:"max_concurrent" yaml:"max_concurrent" mapstructure:"max_concurrent"`
	Multiplier       int           `json:"multiplier" yaml:"multiplier" mapstructure:"multiplier"`
	FailureThreshold int64         `json:"failure_threshold" yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `json:"reset_timeout" yaml:"reset_timeout" mapstructure:"reset_timeout"`

	Source        ConfigSource `json:"-" yaml:"-" mapstructure:"-"`
	IsKubernetes  bool         `json:"-" yaml:"-" mapstructure:"-"`
	EffectiveCPUs int          `json:"-" yaml:"-" mapstructure:"-"`
}

// LoadConfig resolves a configuration with priority: env vars > auto-detection.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.Resolve()
	return cfg
}

// Resolve fills MaxConcurrent with priority: env vars > values already set
// (from a config file) > auto-detection, and applies breaker defaults.
func (c *Config) Resolve() {
	c.IsKubernetes = isKubernetes()
	c.EffectiveCPUs = runtime.GOMAXPROCS(0)

	switch {
	case getEnvInt(EnvMaxConcurrent) > 0:
		c.MaxConcurrent = getEnvInt(EnvMaxConcurrent)
		c.Source = ConfigSourceEnvVar
	case getEnvInt(EnvMultiplier) > 0:
		c.Multiplier = getEnvInt(EnvMultiplier)
		c.MaxConcurrent = c.EffectiveCPUs * c.Multiplier
		c.Source = ConfigSourceEnvVar
	case c.MaxConcurrent > 0:
		c.Source = ConfigSourceFile
	case c.Multiplier > 0:
		c.MaxConcurrent = c.EffectiveCPUs * c.Multiplier
		c.Source = ConfigSourceFile
	default:
		c.MaxConcurrent = defaultMaxConcurrent(c.IsKubernetes, c.EffectiveCPUs)
		c.Source = ConfigSourceAutoDetect
	}
	c.MaxConcurrent = max(c.MaxConcurrent, 1)

	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 100
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
}

// isKubernetes detects a Kubernetes pod from the service host variable.
func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// defaultMaxConcurrent is conservative inside Kubernetes where CPU limits
// are usually tight.
func defaultMaxConcurrent(isK8s bool, cpus int) int {
	if isK8s {
		return cpus * 2
	}
	return cpus * 4
}

func getEnvInt(key string) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return 0
}

// String returns a one-line summary for logs.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxConcurrent: %d, Multiplier: %d, FailureThreshold: %d, ResetTimeout: %s, IsK8s: %t, CPUs: %d, Source: %s}",
		c.MaxConcurrent,
		c.Multiplier,
		c.FailureThreshold,
		c.ResetTimeout,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}
