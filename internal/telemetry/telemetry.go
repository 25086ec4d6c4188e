// Package telemetry wires OpenTelemetry tracing for the gateway. A request
// produces one api.answer span with orchestrator.round, llm.complete,
// tool.call and ledger.settle children.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/felipepmaragno/agent-gateway"

type Config struct {
	ServiceName string
	Version     string
	// Endpoint is the OTLP/gRPC collector address. Empty disables export.
	Endpoint string
}

var (
	mu     sync.RWMutex
	tracer trace.Tracer
)

// Init installs an OTLP exporter when cfg.Endpoint is set. Without one, spans
// go to the global provider, which is a no-op unless something else set it.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		UseProvider(otel.GetTracerProvider())
		slog.Info("tracing disabled, no OTLP endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.Version),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	UseProvider(tp)

	slog.Info("tracing enabled", "endpoint", cfg.Endpoint, "service", cfg.ServiceName)
	return tp.Shutdown, nil
}

// UseProvider points every later span at tp.
func UseProvider(tp trace.TracerProvider) {
	mu.Lock()
	tracer = tp.Tracer(instrumentationName)
	mu.Unlock()
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	mu.RLock()
	t := tracer
	mu.RUnlock()
	if t == nil {
		t = otel.Tracer(instrumentationName)
	}
	return t.Start(ctx, name, opts...)
}

// AddRequestAttributes tags the api.answer span once the tenant and model
// are resolved.
func AddRequestAttributes(span trace.Span, tenantID, model, requestID string) {
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("llm.model", model),
		attribute.String("request.id", requestID),
	)
}

func AddRoundAttributes(span trace.Span, round, toolCalls int) {
	span.SetAttributes(
		attribute.Int("orchestrator.round", round),
		attribute.Int("orchestrator.tool_calls", toolCalls),
	)
}

// AddToolAttributes records the qualified tool name, how it was reached and
// the dispatch outcome (ok, failed, blocked, unknown).
func AddToolAttributes(span trace.Span, tool, transport, outcome string) {
	span.SetAttributes(
		attribute.String("tool.name", tool),
		attribute.String("tool.transport", transport),
		attribute.String("tool.outcome", outcome),
	)
}

func AddTokenAttributes(span trace.Span, inputTokens, outputTokens int) {
	span.SetAttributes(
		attribute.Int("llm.tokens.input", inputTokens),
		attribute.Int("llm.tokens.output", outputTokens),
	)
}

func AddCostAttribute(span trace.Span, cost string) {
	span.SetAttributes(attribute.String("ledger.cost", cost))
}

func AddErrorAttribute(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceID returns the current trace id, or "" when ctx carries no sampled
// span. Used to correlate request logs with traces.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
