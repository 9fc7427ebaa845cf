package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-kitten/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// setupTelemetry installs the global tracer and meter providers for one
// speaker node. The returned handler serves Prometheus metrics and is nil
// when the exporter could not be created.
func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	logger = logger.With(slog.String("component", "telemetry"))

	res, err := nodeResource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	exporter, kind, err := spanExporter(ctx, cfg.Telemetry)
	if err != nil {
		return nil, nil, err
	}
	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}
	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracerProvider)

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	var metricsHandler http.Handler
	if reader, err := prometheus.New(); err != nil {
		logger.Warn("prometheus exporter unavailable, metrics are not served", slog.String("error", err.Error()))
	} else {
		meterOpts = append(meterOpts, sdkmetric.WithReader(reader))
		metricsHandler = promhttp.Handler()
	}
	meterProvider := sdkmetric.NewMeterProvider(meterOpts...)
	otel.SetMeterProvider(meterProvider)

	logger.Info("telemetry initialized",
		slog.String("span_exporter", kind),
		slog.Bool("metrics", metricsHandler != nil))

	shutdown := func(ctx context.Context) error {
		return errors.Join(meterProvider.Shutdown(ctx), tracerProvider.Shutdown(ctx))
	}
	return shutdown, metricsHandler, nil
}

// nodeResource identifies spans and metrics by runtime, node and backend so
// several speakers can share one collector.
func nodeResource(ctx context.Context, cfg config.Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			semconv.ServiceInstanceID(cfg.Node.ID),
			attribute.String("deployment.environment", cfg.Environment),
			attribute.String("kitten.node.role", cfg.Node.Role),
			attribute.String("kitten.backend", cfg.Backend.Mode),
			attribute.String("kitten.audio.driver", cfg.Audio.Driver),
		),
	)
}

// spanExporter picks OTLP when an endpoint is configured, pretty stdout at
// debug level, and nothing otherwise.
func spanExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, string, error) {
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, "", err
		}
		return exp, "otlp", nil
	}
	if !strings.EqualFold(cfg.LogLevel, "debug") {
		return nil, "none", nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, "", err
	}
	return exp, "stdout", nil
}
