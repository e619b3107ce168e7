package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func captureLogger(service string) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := New(service)
	l.SetOutput(&buf)
	l.SetLevel(LevelDebug)
	return l, &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"WARN", LevelWarn},
		{" error ", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEntryFields(t *testing.T) {
	l, buf := captureLogger("callhook-worker")

	l.Plain().
		WithTenant("tn_1").
		WithEvent("call.completed", "evt_1").
		WithDelivery("dlv_1").
		WithSubscription("sub_1").
		WithField("attempt", 2).
		WithError(errors.New("connection refused")).
		Warn("attempt failed")

	lines := decodeLines(t, buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	got := lines[0]
	want := map[string]string{
		"level":           "warn",
		"msg":             "attempt failed",
		"service":         "callhook-worker",
		"tenant_id":       "tn_1",
		"event_type":      "call.completed",
		"event_id":        "evt_1",
		"delivery_id":     "dlv_1",
		"subscription_id": "sub_1",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %q", k, got[k], v)
		}
	}
	fields, _ := got["fields"].(map[string]any)
	if fields["error"] != "connection refused" || fields["attempt"] != float64(2) {
		t.Errorf("fields = %v", fields)
	}
}

func TestEmptyFieldsOmitted(t *testing.T) {
	l, buf := captureLogger("svc")
	l.Plain().Info("hello")
	if strings.Contains(buf.String(), `"fields"`) {
		t.Errorf("empty fields were written: %s", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	l, buf := captureLogger("svc")
	l.SetLevel(LevelWarn)

	l.Plain().Debug("d")
	l.Plain().Infof("i %d", 1)
	l.Plain().Warn("w")
	l.Plain().Errorf("e %s", "x")

	lines := decodeLines(t, buf)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %s", len(lines), buf.String())
	}
	if lines[0]["msg"] != "w" || lines[1]["msg"] != "e x" {
		t.Errorf("unexpected messages: %v", lines)
	}
}

func TestWithContextTraceID(t *testing.T) {
	tp := trace.NewTracerProvider(trace.WithSyncer(tracetest.NewInMemoryExporter()))
	otel.SetTracerProvider(tp)

	l, buf := captureLogger("svc")
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	l.WithContext(ctx).Info("traced")
	l.WithContext(context.Background()).Info("untraced")

	lines := decodeLines(t, buf)
	if lines[0]["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v, want %s", lines[0]["trace_id"], span.SpanContext().TraceID())
	}
	if _, ok := lines[1]["trace_id"]; ok {
		t.Error("trace_id present without a span")
	}
}

func TestUnencodableFieldFallsBack(t *testing.T) {
	l, buf := captureLogger("svc")
	l.Plain().WithField("ch", make(chan int)).Error("bad field")
	if !strings.Contains(buf.String(), "bad field") || !strings.Contains(buf.String(), "logging error") {
		t.Errorf("fallback line missing: %q", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	// Must not panic or write to stdout.
	Discard().Plain().Info("nothing")
}
