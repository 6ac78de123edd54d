// Package telemetry wires OpenTelemetry metrics/traces/logs for the trading
// bot. Unlike the teacher's pkg/telemetry (a package-level singleton), the
// Metrics holder here is constructed once by the composition root and passed
// into each component explicitly, per spec.md §9's "pass a telemetry
// capability into each component" redesign note — there is no
// GetGlobalMetrics().
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	tracetype "go.opentelemetry.io/otel/trace"

	stdoutlog "go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
)

// Telemetry owns the process-wide trace/metric/log providers (infrastructure
// plumbing, not a per-component capability).
type Telemetry struct {
	tp *trace.TracerProvider
	mp *sdkmetric.MeterProvider
	lp *sdklog.LoggerProvider
}

// Setup initializes OTel tracing, a Prometheus-scraped metric pipeline, and
// a log provider so internal/logging's otelzap bridge has somewhere to send
// records instead of silently binding to the SDK's no-op default.
func Setup(serviceName string) (*Telemetry, error) {
	ctx := context.Background()

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	tp := trace.NewTracerProvider(trace.WithBatcher(traceExporter), trace.WithResource(res))
	otel.SetTracerProvider(tp)

	metricExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(metricExporter), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	logExporter, err := stdoutlog.New()
	if err != nil {
		return nil, fmt.Errorf("log exporter: %w", err)
	}
	lp := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)), sdklog.WithResource(res))
	global.SetLoggerProvider(lp)

	return &Telemetry{tp: tp, mp: mp, lp: lp}, nil
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("trace provider shutdown: %w", err)
	}
	if err := t.mp.Shutdown(ctx); err != nil {
		return fmt.Errorf("meter provider shutdown: %w", err)
	}
	if err := t.lp.Shutdown(ctx); err != nil {
		return fmt.Errorf("log provider shutdown: %w", err)
	}
	return nil
}

// Meter returns a named meter from the process-wide provider, used by
// NewMetrics (metrics.go) to build the Metrics holder and by the Bitbank
// HTTP client for its own instruments.
func (t *Telemetry) Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Tracer returns a named tracer from the process-wide provider.
func (t *Telemetry) Tracer(name string) tracetype.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}
