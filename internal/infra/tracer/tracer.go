// Package tracer installs the OpenTelemetry provider and holds the span
// helpers for the link's three traced paths: inbound frames, publishes and
// freeze drains.
package tracer

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"m2dash/internal/infra/config"
)

const (
	tracerName  = "m2dash/link"
	serviceName = "m2dash"
)

// Span names.
const (
	SpanFrame   = "link.frame"
	SpanPublish = "link.publish"
	SpanDrain   = "link.freeze.drain"
)

// Setup installs the global TracerProvider and returns its shutdown function.
// Spans carry service.name, service.version and host.name. A disabled config
// or the "noop" exporter installs the noop provider.
func Setup(ctx context.Context, cfg config.TracerConfig, version string) (func(context.Context) error, error) {
	noopShutdown := func(context.Context) error { return nil }
	if !cfg.Enabled || cfg.Exporter == "noop" || cfg.Exporter == "" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	}
	if cfg.Exporter != "stdout" {
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(serviceResource(version)),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func serviceResource(version string) *resource.Resource {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version),
	}
	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, attribute.String("host.name", host))
	}
	return resource.NewSchemaless(attrs...)
}

func start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...),
	)
}

// FrameSpan starts a consumer span for one inbound frame of the given size.
func FrameSpan(ctx context.Context, size int) (context.Context, trace.Span) {
	return start(ctx, SpanFrame, trace.SpanKindConsumer, attribute.Int("frame.bytes", size))
}

// AnnotateFrame adds the decoded event name and the gate state to a frame span.
func AnnotateFrame(span trace.Span, event string, frozen bool) {
	span.SetAttributes(
		attribute.String("m2.event", event),
		attribute.Bool("m2.frozen", frozen),
	)
}

// PublishSpan starts a producer span for one outbound event.
func PublishSpan(ctx context.Context, event string) (context.Context, trace.Span) {
	return start(ctx, SpanPublish, trace.SpanKindProducer, attribute.String("m2.event", event))
}

// DrainSpan starts a span covering one freeze release.
func DrainSpan(ctx context.Context, pending int) (context.Context, trace.Span) {
	return start(ctx, SpanDrain, trace.SpanKindInternal, attribute.Int("m2.pending", pending))
}

// SetDrained records how many envelopes a drain delivered.
func SetDrained(span trace.Span, drained int) {
	span.SetAttributes(attribute.Int("m2.drained", drained))
}

// Finish sets the span status from err and ends it.
func Finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
