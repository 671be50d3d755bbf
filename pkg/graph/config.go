package graph

import (
	"fmt"
	"time"

	"github.com/wehubfusion/Conflux/internal/logging"
	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
	"github.com/wehubfusion/Conflux/pkg/execution"
	"github.com/wehubfusion/Conflux/pkg/retry"
)

// ResourceLimits bounds the size and run time of a graph. Zero means unlimited.
type ResourceLimits struct {
	MaxNodes         int           `json:"max_nodes" yaml:"max_nodes" mapstructure:"max_nodes"`
	MaxEdges         int           `json:"max_edges" yaml:"max_edges" mapstructure:"max_edges"`
	MaxMemoryMB      int           `json:"max_memory_mb" yaml:"max_memory_mb" mapstructure:"max_memory_mb"`
	MaxExecutionTime time.Duration `json:"max_execution_time" yaml:"max_execution_time" mapstructure:"max_execution_time"`
}

// Config holds graph-wide settings.
type Config struct {
	ExecutionMode             execution.Mode `json:"execution_mode" yaml:"execution_mode" mapstructure:"execution_mode"`
	LogLevel                  string         `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	DebugMode                 bool           `json:"debug_mode" yaml:"debug_mode" mapstructure:"debug_mode"`
	EnablePerformanceTracking bool           `json:"enable_performance_tracking" yaml:"enable_performance_tracking" mapstructure:"enable_performance_tracking"`
	CheckpointInterval        time.Duration  `json:"checkpoint_interval" yaml:"checkpoint_interval" mapstructure:"checkpoint_interval"`
	ErrorRetryCount           int            `json:"error_retry_count" yaml:"error_retry_count" mapstructure:"error_retry_count"`
	ErrorRetryDelay           time.Duration  `json:"error_retry_delay" yaml:"error_retry_delay" mapstructure:"error_retry_delay"`
	ResourceLimits            ResourceLimits `json:"resource_limits" yaml:"resource_limits" mapstructure:"resource_limits"`
}

// DefaultConfig returns sequential execution at info level with three
// retries one second apart.
func DefaultConfig() Config {
	return Config{
		ExecutionMode:   execution.ModeSequential,
		LogLevel:        "info",
		ErrorRetryCount: 3,
		ErrorRetryDelay: time.Second,
		ResourceLimits: ResourceLimits{
			MaxNodes:         1000,
			MaxEdges:         5000,
			MaxMemoryMB:      1024,
			MaxExecutionTime: time.Hour,
		},
	}
}

// Validate rejects negative values, unknown modes and unknown log levels.
// Empty mode and level fall back to the defaults.
func (c *Config) Validate() error {
	if c.ExecutionMode == "" {
		c.ExecutionMode = execution.ModeSequential
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ExecutionMode != execution.ModeSequential && c.ExecutionMode != execution.ModeParallel {
		return cferrors.Validation(fmt.Sprintf("execution mode %q", c.ExecutionMode), execution.ErrUnknownMode)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return cferrors.Validation("log_level", err)
	}

	checks := []struct {
		name  string
		value int64
	}{
		{"checkpoint_interval", int64(c.CheckpointInterval)},
		{"error_retry_count", int64(c.ErrorRetryCount)},
		{"error_retry_delay", int64(c.ErrorRetryDelay)},
		{"max_nodes", int64(c.ResourceLimits.MaxNodes)},
		{"max_edges", int64(c.ResourceLimits.MaxEdges)},
		{"max_memory_mb", int64(c.ResourceLimits.MaxMemoryMB)},
		{"max_execution_time", int64(c.ResourceLimits.MaxExecutionTime)},
	}
	for _, check := range checks {
		if check.value < 0 {
			return cferrors.Validation(fmt.Sprintf("%s must not be negative", check.name), nil)
		}
	}
	return nil
}

// RetryPolicy is the node retry policy implied by the error settings. The
// delay grows linearly from ErrorRetryDelay.
func (c Config) RetryPolicy() retry.Policy {
	if c.ErrorRetryCount == 0 {
		return retry.NoRetry()
	}
	return retry.Policy{
		MaxRetries: c.ErrorRetryCount,
		Strategy:   retry.StrategyLinear,
		BaseDelay:  c.ErrorRetryDelay,
	}
}
