// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for transfers run by the engine.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/ajitpratap0/xfer-go/pkg/engine"

// Span attribute keys set on transfer spans
const (
	AttrTransferID = attribute.Key("xfer.transfer_id")
	AttrScheme     = attribute.Key("xfer.scheme")
	AttrResult     = attribute.Key("xfer.result")
	AttrReused     = attribute.Key("xfer.connection_reused")
	AttrUpgrade    = attribute.Key("xfer.upgrade")
)

// TracingConfig configures OpenTelemetry tracing
type TracingConfig struct {
	// Service identification
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Exporter configuration
	ExporterType ExporterType
	Endpoint     string // OTLP endpoint
	Headers      map[string]string
	Insecure     bool // Use insecure connection (for development)

	// Exporter, when set, replaces ExporterType and receives spans
	// synchronously as they end.
	Exporter sdktrace.SpanExporter

	// Sampling configuration
	SampleRate   float64  // 0.0 to 1.0
	AlwaysSample []string // Schemes to always sample
	NeverSample  []string // Schemes to never sample

	// SetGlobal installs the provider as the process-wide tracer provider
	SetGlobal bool

	// Additional attributes
	ResourceAttributes map[string]string
}

// ExporterType defines the type of trace exporter
type ExporterType string

const (
	// ExporterTypeOTLPGRPC exports traces via OTLP over gRPC
	ExporterTypeOTLPGRPC ExporterType = "otlp-grpc"

	// ExporterTypeOTLPHTTP exports traces via OTLP over HTTP
	ExporterTypeOTLPHTTP ExporterType = "otlp-http"

	// ExporterTypeNoop disables trace export
	ExporterTypeNoop ExporterType = "noop"
)

// TracingProvider manages OpenTelemetry tracing for transfers
type TracingProvider struct {
	config     TracingConfig
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	mu         sync.Mutex
	shutdown   func(context.Context) error
}

// NewTracingProvider creates a new tracing provider
func NewTracingProvider(config TracingConfig) (*TracingProvider, error) {
	if config.ServiceName == "" {
		config.ServiceName = "xfer"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = "unknown"
	}
	if config.Environment == "" {
		config.Environment = "development"
	}
	if config.SampleRate == 0 {
		config.SampleRate = 1.0
	}
	if config.ExporterType == "" {
		config.ExporterType = ExporterTypeNoop
	}

	res := createResource(config)

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(createSampler(config)),
	}
	if config.Exporter != nil {
		opts = append(opts, sdktrace.WithSyncer(config.Exporter))
	} else {
		exporter, err := createExporter(config)
		if err != nil {
			return nil, fmt.Errorf("failed to create exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)

	propagator := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)

	if config.SetGlobal {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagator)
	}

	return &TracingProvider{
		config:     config,
		tracer:     tp.Tracer(tracerName),
		propagator: propagator,
		shutdown:   tp.Shutdown,
	}, nil
}

// NoopTracing returns a provider whose spans record nothing
func NoopTracing() *TracingProvider {
	return &TracingProvider{
		config:     TracingConfig{ServiceName: "xfer", ExporterType: ExporterTypeNoop},
		tracer:     noop.NewTracerProvider().Tracer(tracerName),
		propagator: propagation.NewCompositeTextMapPropagator(),
	}
}

func createResource(config TracingConfig) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	}

	for k, v := range config.ResourceAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

func createExporter(config TracingConfig) (sdktrace.SpanExporter, error) {
	switch config.ExporterType {
	case ExporterTypeOTLPGRPC:
		return createOTLPGRPCExporter(config)
	case ExporterTypeOTLPHTTP:
		return createOTLPHTTPExporter(config)
	case ExporterTypeNoop:
		return &noopExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", config.ExporterType)
	}
}

func createOTLPGRPCExporter(config TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(config.Endpoint),
		otlptracegrpc.WithHeaders(config.Headers),
	}

	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	client := otlptracegrpc.NewClient(opts...)
	return otlptrace.New(context.Background(), client)
}

func createOTLPHTTPExporter(config TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.Endpoint),
		otlptracehttp.WithHeaders(config.Headers),
	}

	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	client := otlptracehttp.NewClient(opts...)
	return otlptrace.New(context.Background(), client)
}

func createSampler(config TracingConfig) sdktrace.Sampler {
	if len(config.AlwaysSample) > 0 || len(config.NeverSample) > 0 {
		return &schemeSampler{
			defaultRate:  config.SampleRate,
			alwaysSample: makeStringSet(config.AlwaysSample),
			neverSample:  makeStringSet(config.NeverSample),
		}
	}

	if config.SampleRate >= 1.0 {
		return sdktrace.AlwaysSample()
	} else if config.SampleRate <= 0.0 {
		return sdktrace.NeverSample()
	}
	return sdktrace.TraceIDRatioBased(config.SampleRate)
}

// StartTransferSpan starts a client span for one transfer
func (tp *TracingProvider) StartTransferSpan(ctx context.Context, transferID, scheme, rawURL string) (context.Context, trace.Span) {
	opts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrTransferID.String(transferID),
			AttrScheme.String(scheme),
			semconv.HTTPRequestMethodKey.String(http.MethodGet),
			semconv.URLFull(rawURL),
		),
	}

	return tp.tracer.Start(ctx, "xfer."+scheme, opts...)
}

// EndTransferSpan records the outcome on span and ends it
func (tp *TracingProvider) EndTransferSpan(span trace.Span, statusCode int, result string, err error) {
	if span.IsRecording() {
		if statusCode > 0 {
			span.SetAttributes(semconv.HTTPResponseStatusCode(statusCode))
		}
		span.SetAttributes(AttrResult.String(result))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

// RecordError records an error on the current span
func (tp *TracingProvider) RecordError(ctx context.Context, err error, opts ...trace.EventOption) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err, opts...)
		span.SetStatus(codes.Error, err.Error())
	}
}

// AddEvent adds an event to the current span
func (tp *TracingProvider) AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// SetAttributes sets attributes on the current span
func (tp *TracingProvider) SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// Inject writes the trace context of ctx into outgoing request headers
func (tp *TracingProvider) Inject(ctx context.Context, header http.Header) {
	tp.propagator.Inject(ctx, propagation.HeaderCarrier(header))
}

// Extract reads trace context from incoming request headers
func (tp *TracingProvider) Extract(ctx context.Context, header http.Header) context.Context {
	return tp.propagator.Extract(ctx, propagation.HeaderCarrier(header))
}

// Shutdown flushes pending spans and shuts the provider down
func (tp *TracingProvider) Shutdown(ctx context.Context) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.shutdown != nil {
		err := tp.shutdown(ctx)
		tp.shutdown = nil
		return err
	}
	return nil
}

// schemeSampler samples based on the transfer scheme
type schemeSampler struct {
	defaultRate  float64
	alwaysSample map[string]struct{}
	neverSample  map[string]struct{}
}

func (s *schemeSampler) ShouldSample(params sdktrace.SamplingParameters) sdktrace.SamplingResult {
	scheme := params.Name
	for _, attr := range params.Attributes {
		if attr.Key == AttrScheme {
			scheme = attr.Value.AsString()
			break
		}
	}

	if _, ok := s.alwaysSample[scheme]; ok {
		return sdktrace.SamplingResult{Decision: sdktrace.RecordAndSample}
	}
	if _, ok := s.neverSample[scheme]; ok {
		return sdktrace.SamplingResult{Decision: sdktrace.Drop}
	}

	if s.defaultRate >= 1.0 {
		return sdktrace.SamplingResult{Decision: sdktrace.RecordAndSample}
	} else if s.defaultRate <= 0.0 {
		return sdktrace.SamplingResult{Decision: sdktrace.Drop}
	}

	return sdktrace.TraceIDRatioBased(s.defaultRate).ShouldSample(params)
}

func (s *schemeSampler) Description() string {
	return fmt.Sprintf("SchemeSampler{defaultRate=%.2f}", s.defaultRate)
}

// noopExporter drops every span
type noopExporter struct{}

func (n *noopExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	return nil
}

func (n *noopExporter) Shutdown(ctx context.Context) error {
	return nil
}

func makeStringSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
