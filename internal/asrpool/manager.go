package asrpool

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/streamvoice/core/internal/config"
	"github.com/streamvoice/core/internal/metrics"
	"github.com/streamvoice/core/internal/types"
)

const werHistoryCap = 50

// SwitchReason names why the manager rotated the active provider.
type SwitchReason string

const (
	ReasonHealth  SwitchReason = "health"
	ReasonQuality SwitchReason = "quality"
)

// SwitchEvent is emitted whenever the manager changes the active provider.
type SwitchEvent struct {
	From, To string
	Reason   SwitchReason
}

// Manager tracks per-provider health and picks the active provider using the
// quality score from spec §4.2: 50·confidenceEMA − 100·WER − 10·priority −
// 0.01·latencyEMA.
type Manager struct {
	cfg config.ManagerConfig
	log *slog.Logger

	mu        sync.Mutex
	providers map[string]*types.ProviderHealth
	active    string

	onSwitch func(SwitchEvent)
}

// NewManager creates a provider manager seeded with the given providers in
// priority order (lowest priority number first = highest priority).
func NewManager(cfg config.ManagerConfig, log *slog.Logger, providers []types.ProviderHealth, onSwitch func(SwitchEvent)) *Manager {
	m := &Manager{
		cfg:       cfg,
		log:       log,
		providers: make(map[string]*types.ProviderHealth, len(providers)),
		onSwitch:  onSwitch,
	}
	for i := range providers {
		p := providers[i]
		p.Healthy = true
		m.providers[p.Name] = &p
		metrics.ProviderHealthy.WithLabelValues(p.Name).Set(1)
	}
	m.recomputeActive(ReasonHealth)
	return m
}

// Active returns the name of the currently active provider.
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// RecordSuccess updates EMAs for a provider after a successful operation.
// ref, if non-empty, is the canonical reference transcript; WER is recorded
// only when a reference is supplied (resolved Open Question (a)).
func (m *Manager) RecordSuccess(name string, confidence float64, latency time.Duration, hypothesis, ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[name]
	if !ok {
		return
	}
	p.SuccessCount++
	p.ConsecutiveGood++
	p.LastSuccessAt = time.Now()
	p.ConfidenceEMA = ema(p.ConfidenceEMA, confidence, p.SuccessCount)
	p.LatencyEMA = ema(p.LatencyEMA, float64(latency.Milliseconds()), p.SuccessCount)

	if ref != "" {
		w := ComputeWER(ref, hypothesis)
		p.WERHistory = append(p.WERHistory, w.WER)
		if len(p.WERHistory) > werHistoryCap {
			p.WERHistory = p.WERHistory[len(p.WERHistory)-werHistoryCap:]
		}
		metrics.ASRWEREstimate.Set(w.WER)
	}

	if !p.Healthy && (p.ConsecutiveGood >= m.cfg.RecoveryStreak || time.Since(p.LastErrorAt) >= m.cfg.RecoveryIdleWindow) {
		p.Healthy = true
		p.ErrorCount = 0
		metrics.ProviderHealthy.WithLabelValues(name).Set(1)
		m.log.Info("asr provider recovered", "provider", name)
	}

	m.recomputeActiveLocked(ReasonQuality)
}

// RecordError updates a provider's error count and may mark it unhealthy.
func (m *Manager) RecordError(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[name]
	if !ok {
		return
	}
	p.ErrorCount++
	p.ConsecutiveGood = 0
	p.LastErrorAt = time.Now()
	if p.ErrorCount >= m.cfg.ErrorThreshold && p.Healthy {
		p.Healthy = false
		metrics.ProviderHealthy.WithLabelValues(name).Set(0)
		m.log.Warn("asr provider unhealthy", "provider", name)
	}
	m.recomputeActiveLocked(ReasonHealth)
}

func ema(prev, sample float64, n int) float64 {
	if n <= 1 {
		return sample
	}
	const alpha = 0.2
	return alpha*sample + (1-alpha)*prev
}

// HealthTick runs one periodic sweep over every provider: an unhealthy
// provider that has seen no error for RecoveryIdleWindow is restored to
// healthy with its error count cleared; any other provider with errors on
// record has its error count reduced by one (spec §4.2 recovery).
func (m *Manager) HealthTick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.providers {
		if !p.Healthy && time.Since(p.LastErrorAt) >= m.cfg.RecoveryIdleWindow {
			p.Healthy = true
			p.ErrorCount = 0
			metrics.ProviderHealthy.WithLabelValues(p.Name).Set(1)
			m.log.Info("asr provider recovered (idle)", "provider", p.Name)
		} else if p.ErrorCount > 0 {
			p.ErrorCount--
		}
	}
	m.recomputeActiveLocked(ReasonHealth)
}

// Run starts the periodic health tick loop; cancel ctx to stop it.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.HealthTick()
		}
	}
}

// recomputeActiveLocked must be called with m.mu held.
func (m *Manager) recomputeActiveLocked(fallbackReason SwitchReason) {
	healthy := make([]*types.ProviderHealth, 0, len(m.providers))
	for _, p := range m.providers {
		if p.Healthy {
			healthy = append(healthy, p)
		}
	}
	if len(healthy) == 0 {
		return
	}
	sort.Slice(healthy, func(i, j int) bool { return healthy[i].Priority < healthy[j].Priority })

	prevActive := m.active
	prevHealthy := prevActive != "" && m.providers[prevActive] != nil && m.providers[prevActive].Healthy

	if !prevHealthy {
		m.setActive(healthy[0].Name, ReasonHealth)
		return
	}

	current := m.providers[prevActive]
	degraded := current.ConfidenceEMA > 0 && current.ConfidenceEMA < m.cfg.ConfidenceThreshold
	if len(current.WERHistory) > 0 && current.WERHistory[len(current.WERHistory)-1] > m.cfg.WERThreshold {
		degraded = true
	}
	if !degraded {
		return
	}

	best := current
	for _, cand := range healthy {
		if cand.Name != current.Name && cand.Score() > best.Score() {
			best = cand
		}
	}
	if best.Name != current.Name {
		m.setActive(best.Name, ReasonQuality)
	}
}

func (m *Manager) recomputeActive(reason SwitchReason) {
	m.recomputeActiveLocked(reason)
}

func (m *Manager) setActive(name string, reason SwitchReason) {
	if m.active == name {
		return
	}
	prev := m.active
	m.active = name
	if prev != "" && m.onSwitch != nil {
		m.onSwitch(SwitchEvent{From: prev, To: name, Reason: reason})
	}
	m.log.Info("asr provider switched", "from", prev, "to", name, "reason", string(reason))
}

// Snapshot returns a copy of every provider's current health, for
// observability endpoints.
func (m *Manager) Snapshot() []types.ProviderHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ProviderHealth, 0, len(m.providers))
	for _, p := range m.providers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}
