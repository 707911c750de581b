package interrupt

import (
	"testing"
	"time"

	"github.com/streamvoice/core/internal/config"
)

func TestBargeInFiresAboveThreshold(t *testing.T) {
	cfg := config.DefaultInterruptConfig()
	var fired []string
	h := New(cfg, func(id string) { fired = append(fired, id) })

	ok := h.Observe("p1", VADEvent{Confidence: 0.9, DurationMs: 200 * time.Millisecond})
	if !ok || len(fired) != 1 {
		t.Fatalf("expected interrupt to fire, got ok=%v fired=%v", ok, fired)
	}
}

func TestBargeInBelowThresholdIgnored(t *testing.T) {
	cfg := config.DefaultInterruptConfig()
	var fired []string
	h := New(cfg, func(id string) { fired = append(fired, id) })

	ok := h.Observe("p1", VADEvent{Confidence: 0.5, DurationMs: 200 * time.Millisecond})
	if ok || len(fired) != 0 {
		t.Fatal("expected low-confidence event to be ignored")
	}
}

func TestCooldownSuppressesRepeat(t *testing.T) {
	cfg := config.DefaultInterruptConfig()
	cfg.CooldownMs = 50 * time.Millisecond
	var fired int
	h := New(cfg, func(id string) { fired++ })

	h.Observe("p1", VADEvent{Confidence: 0.9, DurationMs: 200 * time.Millisecond})
	h.Observe("p1", VADEvent{Confidence: 0.9, DurationMs: 200 * time.Millisecond})
	if fired != 1 {
		t.Fatalf("expected cooldown to suppress second fire, got %d fires", fired)
	}

	time.Sleep(60 * time.Millisecond)
	h.Observe("p1", VADEvent{Confidence: 0.9, DurationMs: 200 * time.Millisecond})
	if fired != 2 {
		t.Fatalf("expected fire after cooldown elapsed, got %d", fired)
	}
}

func TestManualBypassesThresholdHonorsCooldown(t *testing.T) {
	cfg := config.DefaultInterruptConfig()
	cfg.CooldownMs = time.Hour
	var fired int
	h := New(cfg, func(id string) { fired++ })

	if !h.Manual("p1") {
		t.Fatal("expected first manual interrupt to fire")
	}
	if h.Manual("p1") {
		t.Fatal("expected cooldown to suppress second manual interrupt")
	}
	if fired != 1 {
		t.Fatalf("expected 1 fire, got %d", fired)
	}
}
