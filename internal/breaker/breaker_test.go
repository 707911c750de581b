package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/streamvoice/core/internal/config"
)

func testConfig() config.BreakerConfig {
	return config.BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          20 * time.Millisecond,
		RollingWindow:    time.Second,
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New("test", testConfig())
	errFn := func(ctx context.Context) error { return errors.New("boom") }

	for i := 0; i < 3; i++ {
		if err := b.Call(context.Background(), errFn, nil); err == nil {
			t.Fatalf("expected error on failing call %d", i)
		}
	}

	if b.State() != "open" {
		t.Fatalf("expected breaker open after %d failures, got %s", testConfig().FailureThreshold, b.State())
	}

	called := false
	err := b.Call(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	}, nil)
	if called {
		t.Fatal("fn must not be invoked while breaker is open")
	}
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
}

func TestBreakerFallbackRuns(t *testing.T) {
	b := New("test", testConfig())
	for i := 0; i < 3; i++ {
		_ = b.Call(context.Background(), func(ctx context.Context) error { return errors.New("x") }, nil)
	}

	fallbackRan := false
	err := b.Call(context.Background(), func(ctx context.Context) error {
		t.Fatal("fn must not run when breaker is open")
		return nil
	}, func(ctx context.Context) (any, error) {
		fallbackRan = true
		return "fallback text", nil
	})
	if err != nil {
		t.Fatalf("fallback path should not surface an error: %v", err)
	}
	if !fallbackRan {
		t.Fatal("expected fallback to run")
	}
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	cfg := testConfig()
	b := New("test", cfg)
	for i := 0; i < cfg.FailureThreshold; i++ {
		_ = b.Call(context.Background(), func(ctx context.Context) error { return errors.New("x") }, nil)
	}
	time.Sleep(cfg.Timeout + 5*time.Millisecond)

	if b.State() != "half_open" {
		t.Fatalf("expected half_open after timeout, got %s", b.State())
	}

	ok := func(ctx context.Context) error { return nil }
	for i := 0; i < cfg.SuccessThreshold; i++ {
		if err := b.Call(context.Background(), ok, nil); err != nil {
			t.Fatalf("probe %d should succeed: %v", i, err)
		}
	}
	if b.State() != "closed" {
		t.Fatalf("expected closed after %d successful probes, got %s", cfg.SuccessThreshold, b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := testConfig()
	b := New("test", cfg)
	for i := 0; i < cfg.FailureThreshold; i++ {
		_ = b.Call(context.Background(), func(ctx context.Context) error { return errors.New("x") }, nil)
	}
	time.Sleep(cfg.Timeout + 5*time.Millisecond)

	_ = b.Call(context.Background(), func(ctx context.Context) error { return errors.New("probe failed") }, nil)
	if b.State() != "open" {
		t.Fatalf("expected re-open after half-open failure, got %s", b.State())
	}
}
