package asrpool

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/streamvoice/core/internal/config"
	"github.com/streamvoice/core/internal/types"
)

func testManager(onSwitch func(SwitchEvent)) *Manager {
	cfg := config.DefaultManagerConfig()
	cfg.ErrorThreshold = 5
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(cfg, log, []types.ProviderHealth{
		{Name: "primary", Priority: 1},
		{Name: "secondary", Priority: 2},
	}, onSwitch)
}

func TestProviderRotatesOnHealthFailure(t *testing.T) {
	var events []SwitchEvent
	m := testManager(func(e SwitchEvent) { events = append(events, e) })

	if m.Active() != "primary" {
		t.Fatalf("expected primary active initially, got %s", m.Active())
	}

	for i := 0; i < 5; i++ {
		m.RecordError("primary")
	}

	if m.Active() != "secondary" {
		t.Fatalf("expected secondary active after primary's errors, got %s", m.Active())
	}
	if len(events) == 0 || events[len(events)-1].Reason != ReasonHealth {
		t.Fatalf("expected a health-reason switch event, got %v", events)
	}
}

func TestQualitySwitchRequiresHigherScore(t *testing.T) {
	m := testManager(nil)
	// Degrade primary's confidence below threshold without making it unhealthy.
	for i := 0; i < 3; i++ {
		m.RecordSuccess("primary", 0.3, 50*time.Millisecond, "", "")
	}
	for i := 0; i < 3; i++ {
		m.RecordSuccess("secondary", 0.95, 50*time.Millisecond, "", "")
	}

	if m.Active() != "secondary" {
		t.Fatalf("expected quality switch to secondary, got %s", m.Active())
	}
}
