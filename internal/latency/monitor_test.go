package latency

import (
	"testing"
	"time"

	"github.com/streamvoice/core/internal/config"
)

func TestSLAMetWithinBudget(t *testing.T) {
	cfg := config.DefaultLatencyConfig()
	cfg.SampleBufferSize = 100
	m := New(cfg)

	for i := 0; i < 20; i++ {
		m.RecordBoundary(BoundaryFirstTokenE2E, 200*time.Millisecond)
	}

	report := m.BuildReport()
	if !report.SLAMet {
		t.Fatalf("expected SLA met, p95=%v", report.FirstTokenP95Ms)
	}
	if len(report.Recommendations) != 0 {
		t.Fatalf("expected no recommendations, got %v", report.Recommendations)
	}
}

func TestSLABreachRecorded(t *testing.T) {
	cfg := config.DefaultLatencyConfig()
	cfg.SampleBufferSize = 100
	cfg.FirstTokenTarget = 500 * time.Millisecond
	m := New(cfg)

	for i := 0; i < 20; i++ {
		m.RecordBoundary(BoundaryFirstTokenE2E, 900*time.Millisecond)
	}

	report := m.BuildReport()
	if report.SLAMet {
		t.Fatal("expected SLA breach")
	}
}

func TestBoundaryRecommendation(t *testing.T) {
	cfg := config.DefaultLatencyConfig()
	cfg.SampleBufferSize = 100
	cfg.AudioToASRBudget = 10 * time.Millisecond
	m := New(cfg)

	for i := 0; i < 20; i++ {
		m.RecordBoundary(BoundaryAudioToASR, 80*time.Millisecond)
	}

	report := m.BuildReport()
	if len(report.Recommendations) == 0 {
		t.Fatal("expected a recommendation for the breached boundary")
	}
}
