// Package tts defines the TTS collaborator contract used by the pipeline
// orchestrator (C9) and circuit breaker (C11), plus a Piper-backed
// implementation adapted from the teacher's internal/pipeline/tts.go.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/streamvoice/core/internal/httputil"
)

var synthesisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "tts_synthesis_duration_seconds",
	Help:    "TTS synthesis latency",
	Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0},
})

// Options carries per-call synthesis parameters.
type Options struct {
	Speed float64
	Pitch float64
}

// Result holds synthesized audio with timing.
type Result struct {
	Audio     []byte
	LatencyMs float64
}

// Synthesizer is the uniform capability every TTS vendor backend exposes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, opts Options) (*Result, error)
	Name() string
}

// Router dispatches to a named Synthesizer backend, falling back to a
// default engine when the requested one is not registered — mirroring the
// teacher's generic Router[T] on the LLM side.
type Router struct {
	backends map[string]Synthesizer
	fallback string
}

// NewRouter creates a TTS router over the given backends.
func NewRouter(backends map[string]Synthesizer, fallback string) *Router {
	return &Router{backends: backends, fallback: fallback}
}

// Route returns the Synthesizer for engine, or the fallback if unknown.
func (r *Router) Route(engine string) (Synthesizer, bool) {
	if s, ok := r.backends[engine]; ok {
		return s, true
	}
	if s, ok := r.backends[r.fallback]; ok {
		return s, true
	}
	return nil, false
}

// Engines lists all registered backend names.
func (r *Router) Engines() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	return names
}

// PiperSynthesizer synthesizes speech via a Piper HTTP service.
type PiperSynthesizer struct {
	name     string
	voice    string
	piperURL string
	client   *http.Client
}

// NewPiperSynthesizer creates a Piper-backed synthesizer for one voice model,
// registered under engine name (e.g. "fast", "quality").
func NewPiperSynthesizer(engine, voice, piperURL string, poolSize int) *PiperSynthesizer {
	return &PiperSynthesizer{
		name:     engine,
		voice:    voice,
		piperURL: piperURL,
		client:   httputil.NewPooledClient(poolSize, 30*time.Second),
	}
}

func (p *PiperSynthesizer) Name() string { return p.name }

func (p *PiperSynthesizer) Synthesize(ctx context.Context, text string, opts Options) (*Result, error) {
	start := time.Now()

	reqBody, err := json.Marshal(piperRequest{Text: text, Voice: p.voice, Speed: opts.Speed, Pitch: opts.Pitch})
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.piperURL+"/synthesize", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts status %d", resp.StatusCode)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read tts response: %w", err)
	}

	latency := time.Since(start)
	synthesisDuration.Observe(latency.Seconds())

	return &Result{Audio: audio, LatencyMs: float64(latency.Milliseconds())}, nil
}

type piperRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed,omitempty"`
	Pitch float64 `json:"pitch,omitempty"`
}

// FallbackSynthesizer implements the circuit breaker's TTS fallback: yields
// no audio so a text-only reply can still proceed (spec §4.11).
type FallbackSynthesizer struct{}

func (FallbackSynthesizer) Name() string { return "fallback" }

func (FallbackSynthesizer) Synthesize(ctx context.Context, text string, opts Options) (*Result, error) {
	return &Result{Audio: nil}, nil
}
