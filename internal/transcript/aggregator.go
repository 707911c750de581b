// Package transcript implements the transcript aggregator (C4): per-session
// partial/final merge with confidence filtering. The teacher inlines this
// directly inside pipeline.go's runASR loop; this pulls the same
// replace-only-partials / append-only-finals discipline into its own
// component so C9 can own orchestration without also owning aggregation.
package transcript

import (
	"strings"
	"sync"

	"github.com/streamvoice/core/internal/config"
	"github.com/streamvoice/core/internal/types"
)

type sessionState struct {
	mu             sync.RWMutex
	finals         []types.TranscriptionResult
	partials       []types.TranscriptionResult
	confidenceSum  float64
	confidenceN    int
	wordCount      int
}

// Aggregator tracks per-session transcript state. One instance is shared
// across sessions; all mutation happens under the per-session lock.
type Aggregator struct {
	cfg config.TranscriptConfig

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// Event names emitted alongside mutation, mirroring the spec's result:filtered.
type Event string

const EventFiltered Event = "result:filtered"

// New creates a transcript aggregator.
func New(cfg config.TranscriptConfig) *Aggregator {
	return &Aggregator{cfg: cfg, sessions: make(map[string]*sessionState)}
}

func (a *Aggregator) state(sessionID string) *sessionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[sessionID]
	if !ok {
		s = &sessionState{}
		a.sessions[sessionID] = s
	}
	return s
}

// Add ingests a transcription result. It returns (accepted, event) where
// event is non-empty when the result was filtered.
func (a *Aggregator) Add(sessionID string, r types.TranscriptionResult) (accepted bool, event Event) {
	if r.Confidence < a.cfg.MinConfidenceThreshold {
		return false, EventFiltered
	}

	s := a.state(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.IsFinal {
		s.partials = nil
		s.finals = append(s.finals, r)
		s.confidenceSum += r.Confidence
		s.confidenceN++
		s.wordCount += len(strings.Fields(r.Text))
		return true, ""
	}

	s.partials = append(s.partials, r)
	if len(s.partials) > a.cfg.MaxPartialHistory {
		s.partials = s.partials[len(s.partials)-a.cfg.MaxPartialHistory:]
	}
	return true, ""
}

// GetComplete returns the joined finalized transcript for a session.
func (a *Aggregator) GetComplete(sessionID string) string {
	s := a.state(sessionID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	parts := make([]string, len(s.finals))
	for i, f := range s.finals {
		parts[i] = f.Text
	}
	return strings.Join(parts, " ")
}

// AggregatePartials returns the most recent partial, or nil if there is none.
func (a *Aggregator) AggregatePartials(sessionID string) *string {
	s := a.state(sessionID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.partials) == 0 {
		return nil
	}
	text := s.partials[len(s.partials)-1].Text
	return &text
}

// RunningConfidence returns the mean confidence across finalized results.
func (a *Aggregator) RunningConfidence(sessionID string) float64 {
	s := a.state(sessionID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.confidenceN == 0 {
		return 0
	}
	return s.confidenceSum / float64(s.confidenceN)
}

// FinalCount returns the number of finalized transcripts recorded for a
// session, used to verify the testable property that emitted final frames
// equal recorded finals (spec §8).
func (a *Aggregator) FinalCount(sessionID string) int {
	s := a.state(sessionID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.finals)
}

// Reset clears a session's transcript state, called on pipeline end.
func (a *Aggregator) Reset(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, sessionID)
}
