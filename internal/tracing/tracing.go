// Package tracing gives the teacher's dormant go.opentelemetry.io/otel
// dependency chain (pulled in transitively by github.com/sokkalf/slog-seq
// but never exercised) a real home: spans around the operations whose
// latency matters most operationally — checkpoint prepare/perform,
// recovery's open-phase replay, and copy/build's stream construction — plus
// a handful of counters/histograms for flush batching and dispatcher group
// size that would otherwise be raw log lines.
//
// No teacher file exercises these packages, so there is nothing to ground
// the call shape on; the shape instead follows the otel SDK's own
// documented usage (TracerProvider.Tracer, Tracer.Start/Span.End). The
// TracerProvider is built with no span processor/exporter attached by
// default, so the module has zero external dependencies when untraced:
// spans are created and immediately discarded unless a caller attaches an
// exporter via an SDK TracerProviderOption.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Provider owns the process-wide TracerProvider and registers it globally
// so otel.Tracer(name) elsewhere in the process sees the same
// configuration (exporters, sampler) this Provider was built with.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewProvider builds a Provider for serviceName. With no opts, spans are
// sampled (the SDK default is AlwaysSample) but never exported anywhere;
// pass sdktrace.WithBatcher/sdktrace.WithSyncer to attach a real exporter.
func NewProvider(serviceName string, opts ...sdktrace.TracerProviderOption) *Provider {
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}
}

// Tracer returns a Tracer scoped to name, suitable for embedding in a
// component that wants to wrap a handful of its operations in spans.
func (p *Provider) Tracer(name string) Tracer {
	return Tracer{t: p.tp.Tracer(name)}
}

// Shutdown flushes and releases the underlying TracerProvider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// Tracer wraps an otel trace.Tracer so components can hold it as a plain
// value: the zero value is a valid, inert Tracer (Start returns the input
// ctx and a Span whose End is a no-op), so components default to untraced
// until a caller opts in with SetTracer.
type Tracer struct {
	t oteltrace.Tracer
}

// NewTracer wraps an existing otel trace.Tracer, for callers that already
// hold one (e.g. from a Provider obtained elsewhere).
func NewTracer(t oteltrace.Tracer) Tracer { return Tracer{t: t} }

// Start begins a span named name, if this Tracer is non-zero. The returned
// Span's End method must be deferred by the caller, typically over a named
// error return:
//
//	ctx, span := t.Start(ctx, "checkpoint.PrepareCheckpoint")
//	defer func() { span.End(err) }()
func (t Tracer) Start(ctx context.Context, name string) (context.Context, Span) {
	if t.t == nil {
		return ctx, Span{}
	}
	spanCtx, span := t.t.Start(ctx, name)
	return spanCtx, Span{span: span}
}

// Span wraps an otel trace.Span. The zero value is inert.
type Span struct {
	span oteltrace.Span
}

// End finishes the span, recording err as the span's status if non-nil.
func (s Span) End(err error) {
	if s.span == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}
