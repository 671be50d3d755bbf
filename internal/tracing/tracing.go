// Package tracing installs the OpenTelemetry tracer provider used by graph
// runs and supersteps.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Protocol selects the OTLP transport.
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolGRPC Protocol = "grpc"
)

// TracingConfig holds configuration for tracing setup
type TracingConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	ServiceName    string   `json:"service_name" yaml:"service_name" mapstructure:"service_name"`
	ServiceVersion string   `json:"service_version" yaml:"service_version" mapstructure:"service_version"`
	Environment    string   `json:"environment" yaml:"environment" mapstructure:"environment"`
	Protocol       Protocol `json:"protocol" yaml:"protocol" mapstructure:"protocol"`
	OTLPEndpoint   string   `json:"otlp_endpoint" yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"` // host:port, the exporter adds the path
	Insecure       bool     `json:"insecure" yaml:"insecure" mapstructure:"insecure"`
	SampleRatio    float64  `json:"sample_ratio" yaml:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a disabled configuration exporting over OTLP/HTTP
// to a local collector once enabled.
func DefaultConfig(serviceName string) TracingConfig {
	return TracingConfig{
		ServiceName:    serviceName,
		ServiceVersion: "1.0.0",
		Environment:    "development",
		Protocol:       ProtocolHTTP,
		OTLPEndpoint:   "127.0.0.1:4318",
		Insecure:       true,
		SampleRatio:    1.0,
	}
}

// Validate checks the sample ratio and protocol. An empty protocol means HTTP.
func (c *TracingConfig) Validate() error {
	if c.Protocol == "" {
		c.Protocol = ProtocolHTTP
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("tracing sample_ratio must be between 0.0 and 1.0, got %v", c.SampleRatio)
	}
	if c.Protocol != ProtocolHTTP && c.Protocol != ProtocolGRPC {
		return fmt.Errorf("tracing protocol must be %q or %q, got %q", ProtocolHTTP, ProtocolGRPC, c.Protocol)
	}
	if c.Enabled {
		if c.ServiceName == "" {
			return fmt.Errorf("tracing service_name is required when tracing is enabled")
		}
		if c.OTLPEndpoint == "" {
			return fmt.Errorf("tracing otlp_endpoint is required when tracing is enabled")
		}
	}
	return nil
}

func newExporter(ctx context.Context, config TracingConfig) (trace.SpanExporter, error) {
	if config.Protocol == ProtocolGRPC {
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(config.OTLPEndpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent(config.ServiceName)),
		}
		if config.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, opts...)
}

// NewProvider builds a tracer provider exporting to config.OTLPEndpoint
// without installing it globally.
func NewProvider(ctx context.Context, config TracingConfig) (*trace.TracerProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	exporter, err := newExporter(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP %s exporter: %w", config.Protocol, err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(config.SampleRatio))),
	), nil
}

// SetupTracing installs a global tracer provider and the W3C trace context
// propagator. It returns the provider's shutdown function. A disabled
// configuration leaves the global provider untouched and returns a no-op.
func SetupTracing(ctx context.Context, config TracingConfig, logger *zap.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !config.Enabled {
		logger.Debug("Tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	logger.Info("Setting up tracing",
		zap.String("service_name", config.ServiceName),
		zap.String("protocol", string(config.Protocol)),
		zap.String("otlp_endpoint", config.OTLPEndpoint),
		zap.String("environment", config.Environment))

	tp, err := NewProvider(ctx, config)
	if err != nil {
		logger.Error("Failed to set up tracing", zap.Error(err))
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Info("Tracing setup completed successfully")
	return tp.Shutdown, nil
}

// ShutdownTracing flushes and stops the provider within ten seconds.
func ShutdownTracing(shutdown func(context.Context) error, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	logger.Info("Shutting down tracing")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown tracing", zap.Error(err))
		return err
	}
	logger.Info("Tracing shutdown completed successfully")
	return nil
}
