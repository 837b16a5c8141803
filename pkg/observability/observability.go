// Package observability provides OpenTelemetry tracing and metrics for the
// order pipeline: OTLP export over gRPC, a tracer and meter scoped to the
// service, and counters for the pipeline outcomes operators alert on.
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
	OTLPEndpoint   string        // e.g. "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0, default 1.0
	BatchTimeout   time.Duration // how long to wait before sending batched spans
	Enabled        bool
	Insecure       bool // plaintext connection, dev only
}

// DefaultConfig returns development defaults; production deployments set
// the endpoint and sample rate explicitly.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "orderpilot",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
	}
}

// Provider manages the OpenTelemetry trace and metric providers plus the
// pipeline's own instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	workflowsCompleted metric.Int64Counter
	workflowsFailed    metric.Int64Counter
	committeeCalls     metric.Int64Counter
	catalogRetries     metric.Int64Counter
	draftsCreated      metric.Int64Counter
	draftsDeduped      metric.Int64Counter
	humanWaits         metric.Int64UpDownCounter
	activityDuration   metric.Float64Histogram
}

// New creates a new observability provider. With Enabled false the provider
// is inert: spans and counters become no-ops.
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
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("orderpilot",
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter("orderpilot",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initPipelineMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init pipeline metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)

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
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

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
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)

	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initPipelineMetrics() error {
	var err error

	p.workflowsCompleted, err = p.meter.Int64Counter("orderpilot.workflows.completed",
		metric.WithDescription("Workflows that reached the completed status"),
		metric.WithUnit("{workflow}"),
	)
	if err != nil {
		return err
	}

	p.workflowsFailed, err = p.meter.Int64Counter("orderpilot.workflows.failed",
		metric.WithDescription("Workflows that reached a failed or queued_for_retry terminal"),
		metric.WithUnit("{workflow}"),
	)
	if err != nil {
		return err
	}

	p.committeeCalls, err = p.meter.Int64Counter("orderpilot.committee.calls",
		metric.WithDescription("Model provider invocations across all committee rounds"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}

	p.catalogRetries, err = p.meter.Int64Counter("orderpilot.catalog.retries",
		metric.WithDescription("Retried catalog calls, by error code"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return err
	}

	p.draftsCreated, err = p.meter.Int64Counter("orderpilot.drafts.created",
		metric.WithDescription("External drafts created"),
		metric.WithUnit("{draft}"),
	)
	if err != nil {
		return err
	}

	p.draftsDeduped, err = p.meter.Int64Counter("orderpilot.drafts.deduplicated",
		metric.WithDescription("Draft creations short-circuited by the fingerprint"),
		metric.WithUnit("{draft}"),
	)
	if err != nil {
		return err
	}

	p.humanWaits, err = p.meter.Int64UpDownCounter("orderpilot.workflows.awaiting_human",
		metric.WithDescription("Workflows currently parked in a human-wait status"),
		metric.WithUnit("{workflow}"),
	)
	if err != nil {
		return err
	}

	p.activityDuration, err = p.meter.Float64Histogram("orderpilot.activity.duration",
		metric.WithDescription("Activity execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0),
	)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("orderpilot")
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("orderpilot")
	}
	return p.meter
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// WorkflowCompleted counts a workflow reaching completed.
func (p *Provider) WorkflowCompleted(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.workflowsCompleted != nil {
		p.workflowsCompleted.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// WorkflowFailed counts a workflow reaching failed or queued_for_retry.
func (p *Provider) WorkflowFailed(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.workflowsFailed != nil {
		p.workflowsFailed.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// CommitteeCall counts one provider invocation.
func (p *Provider) CommitteeCall(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.committeeCalls != nil {
		p.committeeCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// CatalogRetry counts one retried catalog call.
func (p *Provider) CatalogRetry(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.catalogRetries != nil {
		p.catalogRetries.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// DraftCreated counts an external draft creation.
func (p *Provider) DraftCreated(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.draftsCreated != nil {
		p.draftsCreated.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// DraftDeduplicated counts a fingerprint hit that skipped creation.
func (p *Provider) DraftDeduplicated(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.draftsDeduped != nil {
		p.draftsDeduped.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// HumanWaitEntered marks a workflow parking for human input.
func (p *Provider) HumanWaitEntered(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.humanWaits != nil {
		p.humanWaits.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// HumanWaitResolved marks a parked workflow resuming.
func (p *Provider) HumanWaitResolved(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.humanWaits != nil {
		p.humanWaits.Add(ctx, -1, metric.WithAttributes(attrs...))
	}
}

// TrackActivity traces one activity execution and records its duration.
// The returned func is called with the activity's final error.
func (p *Provider) TrackActivity(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()

	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	return ctx, func(err error) {
		if p.activityDuration != nil {
			p.activityDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
