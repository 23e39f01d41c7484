// Package telemetry wires the optional OTLP trace exporter. Disabled unless
// an endpoint is configured; the rest of the code uses otel.Tracer and gets
// no-op spans when telemetry is off.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config selects the exporter endpoint and protocol.
type Config struct {
	Enabled     bool
	Endpoint    string // host:port of the OTLP collector
	Protocol    string // "http" (default) or "grpc"
	ServiceName string
	Insecure    bool
}

// Setup installs the global tracer provider. Returns a shutdown func that
// flushes pending spans; it is a no-op when telemetry is disabled.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled || cfg.Endpoint == "" {
		return noop, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "relaybot"
	}

	var (
		exporter *otlptrace.Exporter
		err      error
	)
	switch cfg.Protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	default:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	}
	if err != nil {
		return noop, fmt.Errorf("telemetry: create exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return noop, fmt.Errorf("telemetry: build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	slog.Info("telemetry enabled",
		"endpoint", cfg.Endpoint,
		"protocol", cfg.Protocol,
		"service", serviceName,
	)

	return func(shutdownCtx context.Context) error {
		ctx, cancel := context.WithTimeout(shutdownCtx, 5*time.Second)
		defer cancel()
		return provider.Shutdown(ctx)
	}, nil
}
