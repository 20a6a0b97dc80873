// Package observability wires OpenTelemetry tracing and metrics for the hub.
//
// Metrics follow the RED pattern for the HTTP surface plus a small set of
// domain counters. The swallowed-error counter exists because detector and
// governor ticks isolate per-item failures: an error that does not abort the
// tick must still be counted and queryable.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // gRPC endpoint, e.g. "localhost:4317"
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // span batching window
	Enabled        bool
	Insecure       bool // dev only
}

// DefaultConfig returns development defaults with telemetry disabled; the
// hub opts in from its own config.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "fleethub",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers plus the hub's instruments.
// A nil or disabled provider is safe to use: every record method no-ops when
// instruments are absent.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	requestCounter metric.Int64Counter
	errorCounter   metric.Int64Counter
	durationHist   metric.Float64Histogram

	swallowedErrors    metric.Int64Counter
	alertsCreated      metric.Int64Counter
	proposalsGenerated metric.Int64Counter
	claimsGranted      metric.Int64Counter
	ticksFailed        metric.Int64Counter
}

// New creates an observability provider.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("fleethub",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("fleethub",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}
	p.logger.InfoContext(ctx, "observability initialized",
		"endpoint", config.OTLPEndpoint, "service", config.ServiceName)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(p.config.SampleRate)),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.requestCounter, err = p.meter.Int64Counter("fleethub.requests",
		metric.WithDescription("HTTP requests handled")); err != nil {
		return err
	}
	if p.errorCounter, err = p.meter.Int64Counter("fleethub.request_errors",
		metric.WithDescription("HTTP requests that returned an error")); err != nil {
		return err
	}
	if p.durationHist, err = p.meter.Float64Histogram("fleethub.request_duration_seconds",
		metric.WithDescription("HTTP request duration")); err != nil {
		return err
	}
	if p.swallowedErrors, err = p.meter.Int64Counter("fleethub.swallowed_errors",
		metric.WithDescription("Per-item errors isolated inside a tick")); err != nil {
		return err
	}
	if p.alertsCreated, err = p.meter.Int64Counter("fleethub.alerts_created",
		metric.WithDescription("Alerts created after dedupe")); err != nil {
		return err
	}
	if p.proposalsGenerated, err = p.meter.Int64Counter("fleethub.proposals_generated",
		metric.WithDescription("Proposals auto-generated from alerts")); err != nil {
		return err
	}
	if p.claimsGranted, err = p.meter.Int64Counter("fleethub.claims_granted",
		metric.WithDescription("Work items granted to claimers")); err != nil {
		return err
	}
	if p.ticksFailed, err = p.meter.Int64Counter("fleethub.ticks_failed",
		metric.WithDescription("Detector ticks that could not persist")); err != nil {
		return err
	}
	return nil
}

// Tracer returns the hub tracer, or a no-op tracer when disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer("fleethub-noop")
	}
	return p.tracer
}

// RecordRequest records one handled HTTP request.
func (p *Provider) RecordRequest(ctx context.Context, route string, status int, duration time.Duration) {
	if p == nil || p.requestCounter == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("status", status),
	)
	p.requestCounter.Add(ctx, 1, attrs)
	p.durationHist.Record(ctx, duration.Seconds(), attrs)
	if status >= 500 {
		p.errorCounter.Add(ctx, 1, attrs)
	}
}

// CountSwallowedError counts a per-item error that was isolated rather than
// propagated.
func (p *Provider) CountSwallowedError(ctx context.Context, component string) {
	if p == nil || p.swallowedErrors == nil {
		return
	}
	p.swallowedErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("component", component)))
}

// CountAlert counts one alert created after dedupe.
func (p *Provider) CountAlert(ctx context.Context, kind string) {
	if p == nil || p.alertsCreated == nil {
		return
	}
	p.alertsCreated.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)))
}

// CountProposalGenerated counts one auto-generated proposal.
func (p *Provider) CountProposalGenerated(ctx context.Context, actionClass string) {
	if p == nil || p.proposalsGenerated == nil {
		return
	}
	p.proposalsGenerated.Add(ctx, 1,
		metric.WithAttributes(attribute.String("action_class", actionClass)))
}

// CountClaims counts work items granted to a claimer.
func (p *Provider) CountClaims(ctx context.Context, kind string, n int) {
	if p == nil || p.claimsGranted == nil || n == 0 {
		return
	}
	p.claimsGranted.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("kind", kind)))
}

// CountTickFailed counts a tick that could not persist its own audit row.
func (p *Provider) CountTickFailed(ctx context.Context) {
	if p == nil || p.ticksFailed == nil {
		return
	}
	p.ticksFailed.Add(ctx, 1)
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
