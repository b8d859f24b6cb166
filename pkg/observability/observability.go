// Package observability wires OpenTelemetry tracing and metrics for the
// order pipeline. Spans follow each case through parse, committee,
// resolution, and draft creation; metrics cover the RED basics plus the
// pipeline counters operators alert on (cases, consensus classes, drafts,
// fingerprint hits). Everything is exported over OTLP gRPC and the whole
// package degrades to a no-op when disabled.
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

const instrumentationName = "orderdesk.pipeline"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g., "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0, default 1.0 (sample all)
	BatchTimeout   time.Duration // How long to wait before sending batched spans
	Enabled        bool          // Enable/disable telemetry
	Insecure       bool          // Use insecure connection (dev only)
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "orderdesk",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0, // Sample everything in dev
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       false, // Secure by default
	}
}

// Provider manages OpenTelemetry trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	// RED metrics (Rate, Errors, Duration)
	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter

	// Pipeline metrics
	casesStarted      metric.Int64Counter
	casesCompleted    metric.Int64Counter
	casesFailed       metric.Int64Counter
	committeeRuns     metric.Int64Counter
	draftsCreated     metric.Int64Counter
	fingerprintHits   metric.Int64Counter
	parseDuration     metric.Float64Histogram
	committeeDuration metric.Float64Histogram
	draftDuration     metric.Float64Histogram
}

// New creates a new observability provider.
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

	// Create resource with service information
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("orderdesk.component", "pipeline"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Initialize trace provider
	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}

	// Initialize metric provider
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initREDMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init RED metrics: %w", err)
	}
	if err := p.initPipelineMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init pipeline metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
		"insecure", config.Insecure,
	)

	return p, nil
}

// initTraceProvider initializes the OpenTelemetry trace provider.
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

	// Configure sampler based on sample rate
	var sampler sdktrace.Sampler
	if p.config.SampleRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else if p.config.SampleRate <= 0.0 {
		sampler = sdktrace.NeverSample()
	} else {
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)

	// Set as global provider
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return nil
}

// initMetricProvider initializes the OpenTelemetry metric provider.
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

	// Set as global provider
	otel.SetMeterProvider(p.meterProvider)

	return nil
}

// initREDMetrics initializes Rate, Errors, Duration metrics.
func (p *Provider) initREDMetrics() error {
	var err error

	// Rate - Request counter
	p.requestCounter, err = p.meter.Int64Counter("orderdesk.requests.total",
		metric.WithDescription("Total number of requests processed"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	// Errors - Error counter
	p.errorCounter, err = p.meter.Int64Counter("orderdesk.errors.total",
		metric.WithDescription("Total number of errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	// Duration - Latency histogram
	p.durationHist, err = p.meter.Float64Histogram("orderdesk.request.duration",
		metric.WithDescription("Request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}

	// Active operations gauge
	p.activeOperations, err = p.meter.Int64UpDownCounter("orderdesk.operations.active",
		metric.WithDescription("Number of currently active operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// initPipelineMetrics initializes the order-pipeline instruments.
func (p *Provider) initPipelineMetrics() error {
	var err error

	p.casesStarted, err = p.meter.Int64Counter("orderdesk.cases.started",
		metric.WithDescription("Order cases opened"),
		metric.WithUnit("{case}"),
	)
	if err != nil {
		return err
	}

	p.casesCompleted, err = p.meter.Int64Counter("orderdesk.cases.completed",
		metric.WithDescription("Order cases that reached COMPLETED"),
		metric.WithUnit("{case}"),
	)
	if err != nil {
		return err
	}

	p.casesFailed, err = p.meter.Int64Counter("orderdesk.cases.failed",
		metric.WithDescription("Order cases that reached FAILED or CANCELLED"),
		metric.WithUnit("{case}"),
	)
	if err != nil {
		return err
	}

	p.committeeRuns, err = p.meter.Int64Counter("orderdesk.committee.invocations",
		metric.WithDescription("Committee extraction rounds by consensus class"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return err
	}

	p.draftsCreated, err = p.meter.Int64Counter("orderdesk.drafts.created",
		metric.WithDescription("Draft sales orders created downstream"),
		metric.WithUnit("{draft}"),
	)
	if err != nil {
		return err
	}

	p.fingerprintHits, err = p.meter.Int64Counter("orderdesk.fingerprint.hits",
		metric.WithDescription("Submissions rejected as duplicates of an active case"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return err
	}

	// Parse, committee, and draft latencies use wider buckets than the
	// request histogram: a committee round can take tens of seconds.
	buckets := metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0)

	p.parseDuration, err = p.meter.Float64Histogram("orderdesk.parse.duration",
		metric.WithDescription("Workbook parse duration in seconds"),
		metric.WithUnit("s"),
		buckets,
	)
	if err != nil {
		return err
	}

	p.committeeDuration, err = p.meter.Float64Histogram("orderdesk.committee.duration",
		metric.WithDescription("Committee round duration in seconds"),
		metric.WithUnit("s"),
		buckets,
	)
	if err != nil {
		return err
	}

	p.draftDuration, err = p.meter.Float64Histogram("orderdesk.draft.duration",
		metric.WithDescription("Draft creation duration in seconds"),
		metric.WithUnit("s"),
		buckets,
	)
	if err != nil {
		return err
	}

	return nil
}

// Shutdown gracefully shuts down the providers.
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
	if p == nil || p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p == nil || p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordRequest records a request with the given attributes.
func (p *Provider) RecordRequest(ctx context.Context, attrs ...attribute.KeyValue) {
	if p != nil && p.requestCounter != nil {
		p.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordError records an error with the given attributes.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p != nil && p.errorCounter != nil {
		allAttrs := append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
		p.errorCounter.Add(ctx, 1, metric.WithAttributes(allAttrs...))
	}
}

// RecordDuration records the duration of an operation.
func (p *Provider) RecordDuration(ctx context.Context, duration time.Duration, attrs ...attribute.KeyValue) {
	if p != nil && p.durationHist != nil {
		p.durationHist.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

// RecordCaseStarted counts a case entering the pipeline.
func (p *Provider) RecordCaseStarted(ctx context.Context, tenantID string) {
	if p != nil && p.casesStarted != nil {
		p.casesStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant.id", tenantID)))
	}
}

// RecordCaseCompleted counts a case reaching its terminal success state.
func (p *Provider) RecordCaseCompleted(ctx context.Context, tenantID string) {
	if p != nil && p.casesCompleted != nil {
		p.casesCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant.id", tenantID)))
	}
}

// RecordCaseFailed counts a case reaching FAILED or CANCELLED, tagged with
// the terminal state so dashboards can split operator rejections from
// pipeline failures.
func (p *Provider) RecordCaseFailed(ctx context.Context, tenantID, state string) {
	if p != nil && p.casesFailed != nil {
		p.casesFailed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("case.state", state),
		))
	}
}

// RecordCommittee counts a committee round and its latency, tagged with the
// consensus class (unanimous, majority, split, no_consensus, or error).
func (p *Provider) RecordCommittee(ctx context.Context, consensus string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("committee.consensus", consensus))
	if p == nil {
		return
	}
	if p.committeeRuns != nil {
		p.committeeRuns.Add(ctx, 1, attrs)
	}
	if p.committeeDuration != nil {
		p.committeeDuration.Record(ctx, d.Seconds(), attrs)
	}
}

// RecordParse records a workbook parse and its latency.
func (p *Provider) RecordParse(ctx context.Context, d time.Duration) {
	if p != nil && p.parseDuration != nil {
		p.parseDuration.Record(ctx, d.Seconds())
	}
}

// RecordDraft counts a created draft and its creation latency.
func (p *Provider) RecordDraft(ctx context.Context, tenantID string, d time.Duration) {
	if p == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tenant.id", tenantID))
	if p.draftsCreated != nil {
		p.draftsCreated.Add(ctx, 1, attrs)
	}
	if p.draftDuration != nil {
		p.draftDuration.Record(ctx, d.Seconds(), attrs)
	}
}

// RecordFingerprintHit counts a submission bounced by the duplicate window.
func (p *Provider) RecordFingerprintHit(ctx context.Context, tenantID string) {
	if p != nil && p.fingerprintHits != nil {
		p.fingerprintHits.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant.id", tenantID)))
	}
}

// TrackOperation tracks an operation from start to finish.
// Returns a function that should be called when the operation completes.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()

	// Start span
	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	// Increment active operations
	if p != nil && p.activeOperations != nil {
		p.activeOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	// Record request
	p.RecordRequest(ctx, attrs...)

	return ctx, func(err error) {
		duration := time.Since(start)

		// Decrement active operations
		if p != nil && p.activeOperations != nil {
			p.activeOperations.Add(ctx, -1, metric.WithAttributes(attrs...))
		}

		// Record duration
		p.RecordDuration(ctx, duration, attrs...)

		// Handle error
		if err != nil {
			span.RecordError(err)
			p.RecordError(ctx, err, attrs...)
		}

		span.End()
	}
}
