package observe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// TelemetryConfig selects exporters. Empty or "none" disables a signal.
type TelemetryConfig struct {
	ServiceName string
	Version     string

	// Metrics is "stdout", "prometheus" or "none".
	Metrics string

	// Trace is "stdout" or "none".
	Trace string

	// Writer receives stdout exporter output.
	Writer io.Writer
}

// Telemetry owns the SDK providers installed by Setup.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	prometheus     bool
}

// Setup installs global meter and tracer providers for cfg.
func Setup(ctx context.Context, cfg TelemetryConfig) (*Telemetry, error) {
	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.Version),
	)
	w := cfg.Writer
	if w == nil {
		w = io.Discard
	}

	t := &Telemetry{}

	switch cfg.Metrics {
	case "", "none":
	case "stdout":
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout metrics exporter: %w", err)
		}
		t.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		)
	case "prometheus":
		exp, err := prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
		}
		t.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exp),
		)
		t.prometheus = true
	default:
		return nil, fmt.Errorf("unknown metrics exporter: %q", cfg.Metrics)
	}

	switch cfg.Trace {
	case "", "none":
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		t.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(exp),
		)
	default:
		return nil, fmt.Errorf("unknown trace exporter: %q", cfg.Trace)
	}

	if t.meterProvider != nil {
		otel.SetMeterProvider(t.meterProvider)
	}
	if t.tracerProvider != nil {
		otel.SetTracerProvider(t.tracerProvider)
	}
	return t, nil
}

// MetricsHandler serves the Prometheus scrape endpoint, or returns nil when
// the prometheus exporter is not active.
func (t *Telemetry) MetricsHandler() http.Handler {
	if t == nil || !t.prometheus {
		return nil
	}
	return promhttp.Handler()
}

// Shutdown flushes and stops the installed providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
