// Package tracing instruments a Call with OpenTelemetry spans: one span
// covering connect through cleanup, opened by cmd/relay. StartTurn and
// StartStage build child spans for one turn and its STT/LLM/TTS stages,
// the same three-level breakdown a ManagedStream's in-memory
// LatencyBreakdown tracks; no Pipeline code calls them, so a Call's trace
// holds only the call span. Grounded on MrWong99-glyphoxa's
// internal/observe package.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/lokutor-ai/relay-orchestrator"

// Tracer returns the package-level Tracer bound to the globally registered
// TracerProvider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitProvider installs an SDK TracerProvider as the global provider. When
// exporter is nil, spans are recorded in-process but never exported — useful
// for local runs and tests; a production deployment passes an OTLP exporter.
// Returns a shutdown func to defer from main().
func InitProvider(exporter sdktrace.SpanExporter) (shutdown func(context.Context) error) {
	var opts []sdktrace.TracerProviderOption
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// StartCall opens the top-level span for a Call's whole lifetime, from
// connect through callmanager.Cleanup. The caller ends it when cleanup
// finishes.
func StartCall(ctx context.Context, callID, mode, sourceLang, targetLang string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "call",
		trace.WithAttributes(
			attribute.String("call.id", callID),
			attribute.String("call.mode", mode),
			attribute.String("call.source_language", sourceLang),
			attribute.String("call.target_language", targetLang),
		),
	)
}

// StartTurn opens a child span for one Pipeline turn on the given session
// label ("A" or "B"), covering STT→LLM→TTS for that utterance.
func StartTurn(ctx context.Context, sessionLabel string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "turn",
		trace.WithAttributes(attribute.String("session.label", sessionLabel)),
	)
}

// StartStage opens a grandchild span for one stage of a turn (stt, llm, tts),
// mirroring the three stage timers ManagedStream.LatencyBreakdown tracks.
func StartStage(ctx context.Context, stage string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, stage)
}

// RecordError marks span as failed and attaches err, for use on a span's
// error path instead of a bare span.End().
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
