package trace

import (
	"testing"
	"time"
)

func TestNewTracerWithNilStoreReturnsNil(t *testing.T) {
	tr := NewTracer(nil, "sess-1")
	if tr != nil {
		t.Fatal("expected NewTracer(nil, ...) to return nil")
	}
}

func TestNilTracerMethodsAreNoOps(t *testing.T) {
	var tr *Tracer

	if id := tr.StartRun(); id != "" {
		t.Fatalf("expected empty run id from nil tracer, got %q", id)
	}
	tr.EndRun("run-1", 10, "hello", "hi", "ok")
	tr.RecordSpan("run-1", "asr", time.Now(), 5, "in", "out", "ok", "")
	tr.Close()
}
