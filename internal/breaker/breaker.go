// Package breaker implements a per-collaborator circuit breaker (C11): one
// instance guards each remote collaborator (the active ASR provider, the
// LLM, the TTS engine). States are closed, open, half_open; failures are
// tracked in a rolling time window the same way the VAD tracks a rolling
// window of energy samples — a slice of timestamps, trimmed on each check.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/streamvoice/core/internal/config"
	"github.com/streamvoice/core/internal/types"
)

// ErrOpen is returned when a call is rejected because the breaker is open.
var ErrOpen = errors.New("circuit breaker open")

var stateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "breaker_state",
	Help: "Circuit breaker state per collaborator (0=closed, 1=half_open, 2=open)",
}, []string{"collaborator"})

// Fallback runs when the breaker is open and a fallback is supplied.
type Fallback func(ctx context.Context) (any, error)

// Breaker is a single-collaborator circuit breaker.
type Breaker struct {
	name string
	cfg  config.BreakerConfig

	mu           sync.Mutex
	state        types.BreakerState
	failureTimes []time.Time
	openedAt     time.Time
	halfOpenOK   int
}

// New creates a breaker for the named collaborator, starting closed.
func New(name string, cfg config.BreakerConfig) *Breaker {
	b := &Breaker{name: name, cfg: cfg, state: types.BreakerClosed}
	b.reportState()
	return b
}

func (b *Breaker) reportState() {
	var v float64
	switch b.state {
	case types.BreakerHalfOpen:
		v = 1
	case types.BreakerOpen:
		v = 2
	}
	stateGauge.WithLabelValues(b.name).Set(v)
}

// State returns the current breaker state.
func (b *Breaker) State() types.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tick(time.Now())
	return b.state
}

// tick must be called with the lock held; it advances open -> half_open once
// the timeout has elapsed and trims the failure window.
func (b *Breaker) tick(now time.Time) {
	if b.state == types.BreakerOpen && now.Sub(b.openedAt) >= b.cfg.Timeout {
		b.state = types.BreakerHalfOpen
		b.halfOpenOK = 0
		b.reportState()
	}
	cutoff := now.Add(-b.cfg.RollingWindow)
	kept := b.failureTimes[:0]
	for _, t := range b.failureTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failureTimes = kept
}

// Allow reports whether a call may proceed without consulting a fallback.
// It does not itself run the call; callers must follow with Success/Failure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tick(time.Now())
	return b.state != types.BreakerOpen
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case types.BreakerHalfOpen:
		b.halfOpenOK++
		if b.halfOpenOK >= b.cfg.SuccessThreshold {
			b.state = types.BreakerClosed
			b.failureTimes = nil
			b.reportState()
		}
	case types.BreakerClosed:
		// no-op: failure window only tracks failures
	}
}

// Failure records a failed call and may transition the breaker open.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.tick(now)

	if b.state == types.BreakerHalfOpen {
		b.open(now)
		return
	}

	b.failureTimes = append(b.failureTimes, now)
	if len(b.failureTimes) >= b.cfg.FailureThreshold {
		b.open(now)
	}
}

func (b *Breaker) open(now time.Time) {
	b.state = types.BreakerOpen
	b.openedAt = now
	b.failureTimes = nil
	b.reportState()
}

// Call executes fn if the breaker permits it, recording the outcome. If the
// breaker is open and fallback is non-nil, fallback runs instead and Call
// returns the fallback's error (nil when the fallback succeeds; the
// fallback's result value is discarded). If fallback is nil and the breaker
// is open, ErrOpen is returned.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error, fallback Fallback) error {
	if !b.Allow() {
		if fallback != nil {
			_, err := fallback(ctx)
			return err
		}
		return ErrOpen
	}

	err := fn(ctx)
	if err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}
