package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ─── Tracer ─────────────────────────────────────────────────────────────────

func TestTracer_StartEnd_RecordsSpan(t *testing.T) {
	tr := NewTracer(DefaultTracerConfig())
	_, span := tr.Start(context.Background(), "reconcile.tick")
	span.SetAttr("steps", "2500")
	tr.End(span, nil)

	spans := tr.Spans(1)
	if len(spans) != 1 {
		t.Fatalf("Spans(1) returned %d, want 1", len(spans))
	}
	if spans[0].Operation != "reconcile.tick" {
		t.Errorf("Operation = %q", spans[0].Operation)
	}
	if spans[0].Status != SpanOK {
		t.Errorf("Status = %v, want ok", spans[0].Status)
	}
	if spans[0].Attrs["steps"] != "2500" {
		t.Errorf("Attrs[steps] = %q", spans[0].Attrs["steps"])
	}
	if spans[0].TraceID == "" || spans[0].SpanID == "" {
		t.Error("trace and span ids should be generated")
	}
}

func TestTracer_End_RecordsError(t *testing.T) {
	tr := NewTracer(DefaultTracerConfig())
	before := testutil.ToFloat64(TraceErrors)

	_, span := tr.Start(context.Background(), "session.open")
	tr.End(span, errors.New("boom"))

	spans := tr.Spans(1)
	if spans[0].Status != SpanError || spans[0].Attrs["error"] != "boom" {
		t.Errorf("span = %+v, want error status with message", spans[0])
	}
	if got := testutil.ToFloat64(TraceErrors); got != before+1 {
		t.Errorf("TraceErrors = %v, want %v", got, before+1)
	}
}

func TestTracer_ChildInheritsTrace(t *testing.T) {
	tr := NewTracer(DefaultTracerConfig())
	ctx, parent := tr.Start(context.Background(), "tick")
	_, child := tr.Start(ctx, "enforce")

	if child.TraceID != parent.TraceID {
		t.Errorf("child TraceID = %q, want %q", child.TraceID, parent.TraceID)
	}
	if child.ParentID != parent.SpanID {
		t.Errorf("child ParentID = %q, want %q", child.ParentID, parent.SpanID)
	}
	if SpanFromContext(ctx) != parent {
		t.Error("SpanFromContext should return the parent span")
	}
}

func TestTracer_DisabledAndNil(t *testing.T) {
	tr := NewTracer(TracerConfig{Enabled: false, MaxSpans: 10})
	_, span := tr.Start(context.Background(), "noop")
	tr.End(span, nil)
	if tr.SpanCount() != 0 {
		t.Errorf("disabled tracer SpanCount() = %d, want 0", tr.SpanCount())
	}

	var none *Tracer
	_, span = none.Start(context.Background(), "noop")
	none.End(span, nil)
}

func TestTracer_BufferOverflow(t *testing.T) {
	tr := NewTracer(TracerConfig{Enabled: true, MaxSpans: 3})
	for i := 0; i < 5; i++ {
		_, span := tr.Start(context.Background(), "op")
		tr.End(span, nil)
	}
	if tr.SpanCount() != 3 {
		t.Errorf("SpanCount() = %d, want 3", tr.SpanCount())
	}
	if got := len(tr.Spans(0)); got != 3 {
		t.Errorf("Spans(0) returned %d, want 3", got)
	}

	tr.Reset()
	if tr.SpanCount() != 0 {
		t.Errorf("SpanCount() after Reset = %d, want 0", tr.SpanCount())
	}
}

// ─── Metrics ────────────────────────────────────────────────────────────────

func TestSetShield(t *testing.T) {
	SetShield(true)
	if got := testutil.ToFloat64(ShieldState); got != 1 {
		t.Errorf("ShieldState = %v, want 1", got)
	}
	SetShield(false)
	if got := testutil.ToFloat64(ShieldState); got != 0 {
		t.Errorf("ShieldState = %v, want 0", got)
	}
}
