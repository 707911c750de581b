package asrpool

import (
	"context"
	"testing"
	"time"

	"github.com/streamvoice/core/internal/config"
)

type fakeAdapter struct{ name string }

func (f *fakeAdapter) StartStream(ctx context.Context, cfg StreamConfig, onT OnTranscript, onE OnError) error {
	return nil
}
func (f *fakeAdapter) SendAudio(ctx context.Context, chunk []byte) error { return nil }
func (f *fakeAdapter) EndStream(ctx context.Context) error              { return nil }
func (f *fakeAdapter) Name() string                                     { return f.name }

func TestPoolAcquireReleaseReuse(t *testing.T) {
	cfg := config.DefaultPoolConfig()
	cfg.MinPoolSize = 1
	cfg.MaxPoolSize = 2
	cfg.AcquireTimeout = time.Second

	p := New(cfg, func(name string) (Adapter, error) { return &fakeAdapter{name: name}, nil })
	defer p.Close()

	h1, err := p.Acquire(context.Background(), "primary")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(h1.ID)

	h2, err := p.Acquire(context.Background(), "primary")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h2.ID != h1.ID {
		t.Fatalf("expected released adapter to be reused, got different id")
	}
}

func TestPoolAcquireTimeoutWhenFull(t *testing.T) {
	cfg := config.DefaultPoolConfig()
	cfg.MinPoolSize = 1
	cfg.MaxPoolSize = 1
	cfg.AcquireTimeout = 50 * time.Millisecond

	p := New(cfg, func(name string) (Adapter, error) { return &fakeAdapter{name: name}, nil })
	defer p.Close()

	if _, err := p.Acquire(context.Background(), "primary"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := p.Acquire(context.Background(), "primary"); err != ErrTimeout {
		t.Fatalf("expected ErrTimeout when pool is full, got %v", err)
	}
}

func TestPoolRemoveEvicts(t *testing.T) {
	cfg := config.DefaultPoolConfig()
	cfg.MinPoolSize = 1
	cfg.MaxPoolSize = 2
	cfg.AcquireTimeout = time.Second
	p := New(cfg, func(name string) (Adapter, error) { return &fakeAdapter{name: name}, nil })
	defer p.Close()

	h, _ := p.Acquire(context.Background(), "primary")
	p.Remove(h.ID)
	if p.Size() != 0 {
		t.Fatalf("expected pool empty after remove, got %d", p.Size())
	}
}
