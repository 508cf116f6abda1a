package otelx

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/merchantbilling/libs/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

type Config struct {
	Enabled      bool
	ServiceName  string
	Version      string
	Environment  string
	OTLPEndpoint string // host:port, e.g. collector:4317
	Insecure     bool
	SampleRatio  float64
}

// ConfigFromEnv reads the OTEL_* variables. Export is on only when an endpoint is set,
// and OTEL_ENABLED=false switches it off even then.
func ConfigFromEnv(serviceName string) Config {
	endpoint := strings.TrimSpace(config.String("OTEL_EXPORTER_OTLP_ENDPOINT", ""))

	ratio, err := strconv.ParseFloat(config.String("OTEL_SAMPLING_RATIO", "1"), 64)
	if err != nil || ratio < 0 || ratio > 1 {
		ratio = 1
	}
	return Config{
		Enabled:      endpoint != "" && config.Bool("OTEL_ENABLED", true),
		ServiceName:  serviceName,
		Version:      config.String("RELEASE", "dev"),
		Environment:  config.String("ENVIRONMENT", "development"),
		OTLPEndpoint: endpoint,
		Insecure:     config.Bool("OTEL_EXPORTER_OTLP_INSECURE", true),
		SampleRatio:  ratio,
	}
}

// Setup installs the W3C propagators and, when enabled, a batching OTLP/gRPC tracer
// provider. The returned shutdown flushes pending spans.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithTimeout(3 * time.Second),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.Version),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
