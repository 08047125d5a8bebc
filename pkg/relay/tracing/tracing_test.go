package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return sr
}

func TestStartCallRecordsCallAttributes(t *testing.T) {
	sr := withRecorder(t)

	_, span := StartCall(context.Background(), "call-1", "relay", "ko", "en")
	span.End()

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one ended span, got %d", len(spans))
	}
	if spans[0].Name() != "call" {
		t.Fatalf("expected span name 'call', got %q", spans[0].Name())
	}
}

func TestStartTurnIsChildOfCallSpan(t *testing.T) {
	sr := withRecorder(t)

	callCtx, callSpan := StartCall(context.Background(), "call-1", "relay", "ko", "en")
	turnCtx, turnSpan := StartTurn(callCtx, "A")
	turnSpan.End()
	callSpan.End()

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected two ended spans, got %d", len(spans))
	}
	if spans[0].Parent().SpanID() != spans[1].SpanContext().SpanID() {
		t.Fatalf("expected turn span's parent to be the call span")
	}
	_ = turnCtx
}

func TestRecordErrorSetsErrorStatus(t *testing.T) {
	sr := withRecorder(t)

	_, span := StartStage(context.Background(), "stt")
	RecordError(span, errors.New("boom"))
	span.End()

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one ended span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Fatalf("expected error status, got %v", spans[0].Status().Code)
	}
}

func TestRecordErrorWithNilErrorIsNoop(t *testing.T) {
	sr := withRecorder(t)

	_, span := StartStage(context.Background(), "llm")
	RecordError(span, nil)
	span.End()

	spans := sr.Ended()
	if spans[0].Status().Code == codes.Error {
		t.Fatal("expected nil error to leave span status unset")
	}
}
