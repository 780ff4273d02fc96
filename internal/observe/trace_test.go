package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer provider as the global one.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureJSON routes the default logger into a buffer for the test.
func captureJSON(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func decodeRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log output is not one JSON record: %q", buf.String())
	}
	return rec
}

func TestCorrelationID(t *testing.T) {
	useTestTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	ctx, span := StartSpan(context.Background(), "bridge.call")
	defer span.End()
	cid := CorrelationID(ctx)
	if cid != span.SpanContext().TraceID().String() || len(cid) != 32 {
		t.Errorf("CorrelationID = %q, want span trace ID", cid)
	}

	ctx2, span2 := StartSpan(context.Background(), "bridge.call")
	defer span2.End()
	if CorrelationID(ctx2) == cid {
		t.Error("two root call spans share a trace ID")
	}
}

func TestStartSpan_RecordsCallSpan(t *testing.T) {
	exp := useTestTracer(t)

	ctx, span := StartSpan(context.Background(), "bridge.call")
	span.SetAttributes(attribute.String("stream_sid", "MZ1"))
	_, child := StartSpan(ctx, "remote.connect")
	child.End()
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	connect, call := spans[0], spans[1]
	if call.Name != "bridge.call" || connect.Name != "remote.connect" {
		t.Fatalf("span names = %q, %q", call.Name, connect.Name)
	}
	if connect.Parent.SpanID() != call.SpanContext.SpanID() {
		t.Error("remote.connect is not a child of bridge.call")
	}
	if connect.InstrumentationScope.Name != tracerName {
		t.Errorf("scope = %q, want %q", connect.InstrumentationScope.Name, tracerName)
	}
}

func TestLogger_IncludesTraceAndCallAttrs(t *testing.T) {
	useTestTracer(t)
	buf := captureJSON(t)

	ctx, span := StartSpan(context.Background(), "bridge.call")
	defer span.End()
	ctx = WithLogAttrs(ctx, slog.String("pair_id", "p-1"))
	ctx = WithLogAttrs(ctx, slog.String("stream_sid", "MZ1"))

	Logger(ctx).Info("call started")

	rec := decodeRecord(t, buf)
	want := map[string]string{
		"trace_id":   span.SpanContext().TraceID().String(),
		"span_id":    span.SpanContext().SpanID().String(),
		"pair_id":    "p-1",
		"stream_sid": "MZ1",
	}
	for k, v := range want {
		if rec[k] != v {
			t.Errorf("%s = %v, want %q", k, rec[k], v)
		}
	}
}

func TestLogger_PlainWithoutContext(t *testing.T) {
	buf := captureJSON(t)

	Logger(context.Background()).Info("no call")

	rec := decodeRecord(t, buf)
	for _, k := range []string{"trace_id", "span_id", "pair_id"} {
		if _, ok := rec[k]; ok {
			t.Errorf("unexpected %s in %v", k, rec)
		}
	}
}

func TestWithLogAttrs_DoesNotMutateParent(t *testing.T) {
	parent := WithLogAttrs(context.Background(), slog.String("pair_id", "p-1"))
	_ = WithLogAttrs(parent, slog.String("stream_sid", "MZ1"))

	attrs, _ := parent.Value(logAttrsKey{}).([]slog.Attr)
	if len(attrs) != 1 {
		t.Errorf("parent attrs = %v, want only pair_id", attrs)
	}
}
