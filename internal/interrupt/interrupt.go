// Package interrupt implements the interruption handler (C10): barge-in
// detection from VAD events, cancellation propagation to the orchestrator,
// and a per-pipeline cooldown. Grounded on the teacher's ws/handler.go "vad"
// control-frame handling combined with pipeline.go's cancellation token.
package interrupt

import (
	"sync"
	"time"

	"github.com/streamvoice/core/internal/config"
)

// VADEvent is a barge-in candidate observation, whether reported by the
// client directly or derived from C3.
type VADEvent struct {
	Confidence float64
	DurationMs time.Duration
}

// InterruptFunc is invoked when a barge-in fires for a pipeline.
type InterruptFunc func(pipelineID string)

// Handler tracks per-pipeline cooldowns and analytics counters.
type Handler struct {
	cfg      config.InterruptConfig
	onFire   InterruptFunc

	mu        sync.Mutex
	lastFired map[string]time.Time
	counters  map[string]int
}

// New creates an interruption handler.
func New(cfg config.InterruptConfig, onFire InterruptFunc) *Handler {
	return &Handler{
		cfg:       cfg,
		onFire:    onFire,
		lastFired: make(map[string]time.Time),
		counters:  make(map[string]int),
	}
}

// Observe evaluates a VAD event against the barge-in threshold and cooldown.
// It reports whether an interrupt fired.
func (h *Handler) Observe(pipelineID string, ev VADEvent) bool {
	if ev.Confidence < h.cfg.VADThreshold || ev.DurationMs < h.cfg.VADDurationMs {
		return false
	}
	return h.fire(pipelineID)
}

// Manual triggers an interrupt regardless of confidence/duration, but still
// honors the cooldown.
func (h *Handler) Manual(pipelineID string) bool {
	return h.fire(pipelineID)
}

func (h *Handler) fire(pipelineID string) bool {
	h.mu.Lock()
	last, ok := h.lastFired[pipelineID]
	now := time.Now()
	if ok && now.Sub(last) < h.cfg.CooldownMs {
		h.mu.Unlock()
		return false
	}
	h.lastFired[pipelineID] = now
	h.counters[pipelineID]++
	h.mu.Unlock()

	if h.onFire != nil {
		h.onFire(pipelineID)
	}
	return true
}

// Count returns the number of interrupts fired for a session/pipeline, for
// the observability endpoint (spec §6 "interruption stats per session").
func (h *Handler) Count(pipelineID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counters[pipelineID]
}

// ResetCooldown clears only the cooldown timestamp for a pipeline segment,
// called at the end of each completed pipeline segment so a fresh segment
// can barge-in again immediately. The per-session analytics counter is left
// untouched so it keeps accumulating across every segment in a session's
// lifetime (spec §4.10 "per-session counters for analytics").
func (h *Handler) ResetCooldown(pipelineID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.lastFired, pipelineID)
}

// Reset clears both cooldown and counter state for a pipeline/session,
// called once the session itself ends, not per segment.
func (h *Handler) Reset(pipelineID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.lastFired, pipelineID)
	delete(h.counters, pipelineID)
}
