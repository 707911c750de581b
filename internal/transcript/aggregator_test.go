package transcript

import (
	"testing"
	"time"

	"github.com/streamvoice/core/internal/config"
	"github.com/streamvoice/core/internal/types"
)

func TestFinalsAppendPartialsReplace(t *testing.T) {
	a := New(config.DefaultTranscriptConfig())

	a.Add("s1", types.TranscriptionResult{Text: "hel", Confidence: 0.9, IsFinal: false})
	a.Add("s1", types.TranscriptionResult{Text: "hello", Confidence: 0.9, IsFinal: false})
	if got := a.AggregatePartials("s1"); got == nil || *got != "hello" {
		t.Fatalf("expected latest partial 'hello', got %v", got)
	}

	a.Add("s1", types.TranscriptionResult{Text: "hello world", Confidence: 0.95, IsFinal: true})
	if got := a.AggregatePartials("s1"); got != nil {
		t.Fatalf("expected partials cleared after final, got %v", *got)
	}
	if got := a.GetComplete("s1"); got != "hello world" {
		t.Fatalf("expected complete transcript 'hello world', got %q", got)
	}
	if a.FinalCount("s1") != 1 {
		t.Fatalf("expected 1 final, got %d", a.FinalCount("s1"))
	}
}

func TestLowConfidenceFiltered(t *testing.T) {
	a := New(config.DefaultTranscriptConfig())
	accepted, event := a.Add("s1", types.TranscriptionResult{Text: "noise", Confidence: 0.1, IsFinal: true, Timestamp: time.Now()})
	if accepted {
		t.Fatal("expected low-confidence result to be rejected")
	}
	if event != EventFiltered {
		t.Fatalf("expected result:filtered event, got %q", event)
	}
	if a.FinalCount("s1") != 0 {
		t.Fatal("filtered result must not be recorded")
	}
}

func TestPartialHistoryBounded(t *testing.T) {
	cfg := config.DefaultTranscriptConfig()
	cfg.MaxPartialHistory = 3
	a := New(cfg)

	for i := 0; i < 10; i++ {
		a.Add("s1", types.TranscriptionResult{Text: "p", Confidence: 0.9, IsFinal: false})
	}
	s := a.state("s1")
	if len(s.partials) != 3 {
		t.Fatalf("expected partial history capped at 3, got %d", len(s.partials))
	}
}
