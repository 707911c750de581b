// Package latency implements the latency monitor (C12): bounded per-metric
// sample buffers, running percentile computation, and SLA threshold
// breach reporting. The teacher exports Prometheus histograms for
// dashboards (internal/metrics) but never computes percentiles in-process;
// this component needs to hand a computed report back over the control
// plane, so percentiles are computed here directly with sort.Float64s,
// exactly as any other process-local percentile aggregator would.
package latency

import (
	"sort"
	"sync"
	"time"

	"github.com/streamvoice/core/internal/config"
	"github.com/streamvoice/core/internal/metrics"
)

// Sample is one recorded latency observation in milliseconds.
type Sample struct {
	ValueMs   float64
	Timestamp time.Time
}

type ring struct {
	mu      sync.Mutex
	samples []float64
	cap     int
	next    int
	full    bool
}

func newRing(cap int) *ring {
	return &ring{samples: make([]float64, cap), cap: cap}
}

func (r *ring) add(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = v
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) snapshot() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.full {
		n = r.cap
	}
	out := make([]float64, n)
	copy(out, r.samples[:n])
	return out
}

// Percentiles summarizes a metric's running distribution.
type Percentiles struct {
	Count int
	Mean  float64
	P50   float64
	P95   float64
	P99   float64
}

func computePercentiles(samples []float64) Percentiles {
	if len(samples) == 0 {
		return Percentiles{}
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}

	pick := func(p float64) float64 {
		idx := int(p * float64(len(sorted)-1))
		return sorted[idx]
	}

	return Percentiles{
		Count: len(sorted),
		Mean:  sum / float64(len(sorted)),
		P50:   pick(0.50),
		P95:   pick(0.95),
		P99:   pick(0.99),
	}
}

// StageBoundary names the boundaries the monitor records thresholds for.
type StageBoundary string

const (
	BoundaryAudioToASR     StageBoundary = "audio_to_asr"
	BoundaryASRToLLM       StageBoundary = "asr_to_llm"
	BoundaryLLMFirstToken  StageBoundary = "llm_first_token"
	BoundaryLLMToTTS       StageBoundary = "llm_to_tts"
	BoundaryTTSToClient    StageBoundary = "tts_to_client"
	BoundaryFirstTokenE2E  StageBoundary = "first_token_e2e"
	BoundaryFullCycle      StageBoundary = "full_cycle"
)

// Monitor records stage-boundary latencies across all pipelines and exposes
// a computed report with threshold-breach recommendations.
type Monitor struct {
	cfg config.LatencyConfig

	mu         sync.Mutex
	boundaries map[StageBoundary]*ring

	firstToken *ring
	total      *ring
}

// New creates a latency monitor with bounded sample buffers per boundary.
func New(cfg config.LatencyConfig) *Monitor {
	m := &Monitor{
		cfg:        cfg,
		boundaries: make(map[StageBoundary]*ring),
		firstToken: newRing(cfg.SampleBufferSize),
		total:      newRing(cfg.SampleBufferSize),
	}
	for _, b := range []StageBoundary{
		BoundaryAudioToASR, BoundaryASRToLLM, BoundaryLLMFirstToken,
		BoundaryLLMToTTS, BoundaryTTSToClient, BoundaryFirstTokenE2E, BoundaryFullCycle,
	} {
		m.boundaries[b] = newRing(cfg.SampleBufferSize)
	}
	return m
}

// RecordBoundary records an observed duration at a named stage boundary.
func (m *Monitor) RecordBoundary(b StageBoundary, d time.Duration) {
	m.mu.Lock()
	r, ok := m.boundaries[b]
	m.mu.Unlock()
	if !ok {
		return
	}
	r.add(float64(d.Milliseconds()))

	switch b {
	case BoundaryFirstTokenE2E:
		m.firstToken.add(float64(d.Milliseconds()))
	case BoundaryFullCycle:
		m.total.add(float64(d.Milliseconds()))
	}
}

func (m *Monitor) threshold(b StageBoundary) time.Duration {
	switch b {
	case BoundaryAudioToASR:
		return m.cfg.AudioToASRBudget
	case BoundaryASRToLLM:
		return m.cfg.ASRToLLMBudget
	case BoundaryLLMFirstToken:
		return m.cfg.LLMFirstTokenBudget
	case BoundaryLLMToTTS:
		return m.cfg.LLMToTTSBudget
	case BoundaryTTSToClient:
		return m.cfg.TTSToClientBudget
	case BoundaryFirstTokenE2E:
		return m.cfg.FirstTokenTarget
	case BoundaryFullCycle:
		return m.cfg.FullCycleBudget
	default:
		return 0
	}
}

// Report summarizes current latency distributions plus SLA status.
type Report struct {
	Boundaries      map[StageBoundary]Percentiles
	FirstTokenP95Ms float64
	SLAMet          bool
	Recommendations []string
}

// BuildReport computes the current percentile summary and threshold
// breaches. The SLA (spec §4.12) is met iff p95(firstTokenLatency) <= 500ms.
func (m *Monitor) BuildReport() Report {
	m.mu.Lock()
	boundaries := make(map[StageBoundary]*ring, len(m.boundaries))
	for k, v := range m.boundaries {
		boundaries[k] = v
	}
	m.mu.Unlock()

	report := Report{Boundaries: make(map[StageBoundary]Percentiles, len(boundaries))}
	for name, r := range boundaries {
		pct := computePercentiles(r.snapshot())
		report.Boundaries[name] = pct

		budget := m.threshold(name)
		if budget > 0 && pct.P95 > float64(budget.Milliseconds()) && pct.Count > 0 {
			report.Recommendations = append(report.Recommendations,
				stageBreachMessage(name, pct.P95, budget))
		}
	}

	firstTokenPct := computePercentiles(m.firstToken.snapshot())
	report.FirstTokenP95Ms = firstTokenPct.P95
	report.SLAMet = firstTokenPct.Count == 0 || firstTokenPct.P95 <= float64(m.cfg.FirstTokenTarget.Milliseconds())

	if report.SLAMet {
		metrics.LatencySLABreached.Set(0)
	} else {
		metrics.LatencySLABreached.Set(1)
	}

	return report
}

func stageBreachMessage(b StageBoundary, p95 float64, budget time.Duration) string {
	return string(b) + " p95 " + formatMs(p95) + " exceeds budget " + formatMs(float64(budget.Milliseconds()))
}

func formatMs(v float64) string {
	return time.Duration(v * float64(time.Millisecond)).String()
}
