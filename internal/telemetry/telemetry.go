// Package telemetry initializes OpenTelemetry tracing and metrics exporters.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Shutdown combines multiple shutdown functions.
type Shutdown func(ctx context.Context) error

// Init configures the global OpenTelemetry tracer and meter providers.
// If endpoint is empty, OTEL is disabled and no-op providers are used.
// Returns a shutdown function that must be called during graceful shutdown.
func Init(ctx context.Context, endpoint, serviceName, version string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	// Trace exporter.
	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
	}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp,
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Register W3C Trace Context and Baggage propagators.
	// This enables automatic extraction of incoming traceparent/tracestate/baggage
	// headers and injection into outgoing requests (e.g., embedding API calls).
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	// Metric exporter.
	metricOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(endpoint),
	}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp,
				sdkmetric.WithInterval(15*time.Second),
			),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		var firstErr error
		if err := tp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}

	return shutdown, nil
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Metrics holds the counters and histograms cstpd emits for its own
// domain operations: method dispatch outcomes, guardrail verdicts, and
// per-agent rate limiting. Instantiate once per process with NewMetrics and
// share it across the dispatcher.
type Metrics struct {
	methodCalls      metric.Int64Counter
	methodDuration   metric.Float64Histogram
	guardrailBlocks  metric.Int64Counter
	rateLimitedCalls metric.Int64Counter
}

// NewMetrics registers cstpd's instruments against the global meter
// provider. Safe to call with OTEL disabled (Init not called, or called
// with an empty endpoint): the no-op meter provider accepts instrument
// registration and every recorded measurement is simply discarded.
func NewMetrics() *Metrics {
	meter := Meter("cstp.dispatch")

	// Instrument construction only fails on a malformed name/unit, which
	// these literals never are; the *_ counters below are never nil.
	methodCalls, _ := meter.Int64Counter("cstp.method_calls",
		metric.WithDescription("JSON-RPC calls dispatched, by method and outcome"))
	methodDuration, _ := meter.Float64Histogram("cstp.method_duration_seconds",
		metric.WithDescription("Handler wall-clock duration, by method"),
		metric.WithUnit("s"))
	guardrailBlocks, _ := meter.Int64Counter("cstp.guardrail_blocks",
		metric.WithDescription("checkGuardrails/recordDecision calls that returned a blocking violation"))
	rateLimitedCalls, _ := meter.Int64Counter("cstp.rate_limited_calls",
		metric.WithDescription("Calls rejected by per-agent rate limiting or worker pool saturation"))

	return &Metrics{
		methodCalls:      methodCalls,
		methodDuration:   methodDuration,
		guardrailBlocks:  guardrailBlocks,
		rateLimitedCalls: rateLimitedCalls,
	}
}

// RecordMethodCall records one dispatched call's outcome and duration.
func (m *Metrics) RecordMethodCall(ctx context.Context, method, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	)
	m.methodCalls.Add(ctx, 1, attrs)
	m.methodDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordGuardrailBlock increments the blocked-verdict counter for category.
func (m *Metrics) RecordGuardrailBlock(ctx context.Context, category string) {
	if m == nil {
		return
	}
	m.guardrailBlocks.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

// RecordRateLimited increments the rejected-call counter for reason
// ("queue_full", "pool_saturated", or "agent_quota").
func (m *Metrics) RecordRateLimited(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.rateLimitedCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
