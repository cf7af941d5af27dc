package telemetry

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// TracerName identifies this module's tracer.
const TracerName = "github.com/miyabi-org/miyabi"

// TraceConfig configures OTLP trace export. An empty endpoint disables
// export; spans become no-ops.
type TraceConfig struct {
	Endpoint string
	Headers  map[string]string
	Insecure bool
	Timeout  time.Duration
	Version  string
}

// Tracer wraps the OpenTelemetry tracer with coordinator span helpers.
type Tracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	enabled  bool
}

// NewTracer builds a tracer. With an empty endpoint it returns a disabled
// tracer whose spans are no-ops, so callers never branch on nil.
func NewTracer(ctx context.Context, cfg TraceConfig) (*Tracer, error) {
	if cfg.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(TracerName)}, nil
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("miyabi"),
		semconv.ServiceVersion(cfg.Version),
	)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{
		tracer:   otel.Tracer(TracerName),
		provider: provider,
		enabled:  true,
	}, nil
}

// createExporter picks the transport from the endpoint shape: endpoints
// ending in /v1/traces speak OTLP over HTTP, everything else gRPC.
func createExporter(ctx context.Context, cfg TraceConfig) (sdktrace.SpanExporter, error) {
	const httpSuffix = "/v1/traces"
	isHTTP := len(cfg.Endpoint) > len(httpSuffix) &&
		cfg.Endpoint[len(cfg.Endpoint)-len(httpSuffix):] == httpSuffix
	if isHTTP {
		return createHTTPExporter(ctx, cfg)
	}
	return createGRPCExporter(ctx, cfg)
}

func createHTTPExporter(ctx context.Context, cfg TraceConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithHeaders(cfg.Headers),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(cfg.Timeout))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	} else {
		opts = append(opts, otlptracehttp.WithTLSClientConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		}))
	}
	return otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
}

func createGRPCExporter(ctx context.Context, cfg TraceConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithHeaders(cfg.Headers),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, otlptracegrpc.WithTimeout(cfg.Timeout))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
		opts = append(opts, otlptracegrpc.WithDialOption(
			grpc.WithTransportCredentials(insecure.NewCredentials())))
	} else {
		opts = append(opts, otlptracegrpc.WithDialOption(
			grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{
				MinVersion: tls.VersionTLS12,
			}))))
	}
	return otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
}

// StartCycle opens a span covering one supervisor scan cycle.
func (t *Tracer) StartCycle(ctx context.Context, cycle int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "supervisor.cycle",
		trace.WithAttributes(attribute.Int("miyabi.cycle", cycle)))
}

// StartAgent opens a span covering one agent execution.
func (t *Tracer) StartAgent(ctx context.Context, agent string, issue int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("miyabi.agent", agent),
			attribute.Int("miyabi.issue", issue),
		))
}

// StartGroup opens a span covering one task-group execution.
func (t *Tracer) StartGroup(ctx context.Context, groupID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "group.run",
		trace.WithAttributes(attribute.String("miyabi.group", groupID)))
}

// IsEnabled reports whether spans are exported anywhere.
func (t *Tracer) IsEnabled() bool { return t.enabled }

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider != nil {
		return t.provider.Shutdown(ctx)
	}
	return nil
}
