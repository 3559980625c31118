package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-lipsync/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// telemetry owns the trace and meter providers of one runtime.
type telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	metricsHandler http.Handler
}

// newTelemetry builds the providers. Spans go to the OTLP collector when one
// is configured; otherwise they are written to traceOut only at debug log
// level, so the default runtime keeps its output to structured logs.
func newTelemetry(ctx context.Context, cfg config.Config, traceOut io.Writer, logger *slog.Logger) (*telemetry, error) {
	res, err := telemetryResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	tp, err := newTracerProvider(ctx, cfg.Telemetry, res, traceOut, logger)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	t := &telemetry{tracerProvider: tp}
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		logger.Warn("prometheus exporter unavailable, metrics are not served", slog.String("error", err.Error()))
		t.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		return t, nil
	}
	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	t.metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return t, nil
}

func telemetryResource(ctx context.Context, cfg config.Config) (*resource.Resource, error) {
	p := cfg.Pipeline
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			semconv.ServiceInstanceID(cfg.Node.ID),
			attribute.String("deployment.environment", cfg.Environment),
			attribute.Int("lipsync.frame_rate", p.FrameRate),
			attribute.String("lipsync.resolution", fmt.Sprintf("%dx%d", p.Width, p.Height)),
		),
	)
}

func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, traceOut io.Writer, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	switch endpoint := strings.TrimSpace(cfg.OTLPEndpoint); {
	case endpoint != "":
		clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		logger.Info("tracing enabled", slog.String("exporter", "otlp"), slog.String("endpoint", endpoint))
	case strings.EqualFold(cfg.LogLevel, "debug") && traceOut != nil:
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(traceOut))
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		logger.Debug("tracing enabled", slog.String("exporter", "stdout"))
	default:
		logger.Debug("tracing disabled, no otlp endpoint configured")
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

// install makes the providers global so package-level tracers pick them up.
func (t *telemetry) install() {
	otel.SetTracerProvider(t.tracerProvider)
	otel.SetMeterProvider(t.meterProvider)
}

func (t *telemetry) shutdown(ctx context.Context) error {
	return errors.Join(
		t.meterProvider.Shutdown(ctx),
		t.tracerProvider.Shutdown(ctx),
	)
}
