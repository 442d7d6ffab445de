package tracing

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"omnigate/internal/config"
)

// Exporter mirrors completed traces onto an OpenTelemetry tracer. Sampling
// is decided upstream at StartTrace, so the provider itself always samples.
type Exporter struct {
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
	logger   *slog.Logger
}

// NewExporter builds the OTel pipeline: OTLP over gRPC when an endpoint is
// configured, stdout pretty-print otherwise.
func NewExporter(ctx context.Context, cfg config.TracingConfig, serviceName, version string, logger *slog.Logger) (*Exporter, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	if cfg.OTLPEndpoint != "" {
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Exporter{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		logger:   logger.With("component", "trace_export"),
	}, nil
}

// Mirror replays a finished trace as OTel spans with the original
// timestamps. The gateway trace and span ids ride along as attributes; the
// exporter assigns its own wire ids.
func (e *Exporter) Mirror(tr *Trace) {
	root := tr.root()
	if root == nil || tr.EndTime == nil {
		return
	}

	ctx, rootSpan := e.tracer.Start(context.Background(), tr.Name,
		oteltrace.WithTimestamp(tr.StartTime),
		oteltrace.WithAttributes(spanAttributes(tr.TraceID, root)...),
	)
	rootSpan.SetAttributes(attribute.String("operation.type", tr.OperationType))
	e.mirrorChildren(ctx, tr, root.SpanID)
	applyStatus(rootSpan, tr.Status, tr.Error)
	rootSpan.End(oteltrace.WithTimestamp(*tr.EndTime))
}

func (e *Exporter) mirrorChildren(ctx context.Context, tr *Trace, parentID string) {
	for _, sp := range tr.Spans {
		if sp.ParentID != parentID || sp.SpanID == parentID {
			continue
		}
		end := sp.EndTime
		if end == nil {
			end = tr.EndTime
		}
		childCtx, child := e.tracer.Start(ctx, sp.Name,
			oteltrace.WithTimestamp(sp.StartTime),
			oteltrace.WithAttributes(spanAttributes(tr.TraceID, sp)...),
		)
		for _, ev := range sp.Events {
			child.AddEvent(ev.Name, oteltrace.WithTimestamp(ev.Time), oteltrace.WithAttributes(tagAttributes(ev.Attributes)...))
		}
		e.mirrorChildren(childCtx, tr, sp.SpanID)
		applyStatus(child, sp.Status, sp.StatusMessage)
		child.End(oteltrace.WithTimestamp(*end))
	}
}

// Shutdown flushes buffered spans.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if err := e.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}

func spanAttributes(traceID string, sp *Span) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("gateway.trace_id", traceID),
		attribute.String("gateway.span_id", sp.SpanID),
	}
	return append(attrs, tagAttributes(sp.Tags)...)
}

func tagAttributes(tags map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

func applyStatus(span oteltrace.Span, status Status, message string) {
	switch status {
	case StatusError:
		span.SetStatus(codes.Error, message)
	case StatusOk:
		span.SetStatus(codes.Ok, "")
	}
}
