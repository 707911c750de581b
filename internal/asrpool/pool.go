package asrpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streamvoice/core/internal/config"
)

// ErrTimeout is returned by Acquire when no adapter becomes available within
// the configured acquire timeout.
var ErrTimeout = errors.New("asrpool: acquire timeout")

// Handle is what Acquire hands back: an adapter plus the bookkeeping fields
// Release/Remove need to credit or evict it correctly.
type Handle struct {
	ID           string
	Adapter      Adapter
	ProviderName string

	acquiredAt time.Time
}

type pooledAdapter struct {
	handle   Handle
	idleSince time.Time
	inUse    bool
}

// Pool maintains a warm set of adapters for the currently active provider
// (per the Manager's selection), sized within [minPoolSize, maxPoolSize],
// evicting idle entries down to minPoolSize after idleTimeout (spec §4.2).
type Pool struct {
	cfg     config.PoolConfig
	factory func(providerName string) (Adapter, error)

	mu      sync.Mutex
	items   map[string]*pooledAdapter
	waiters chan struct{}

	stopCh chan struct{}
}

// New creates an ASR adapter pool backed by factory, which must construct a
// fresh Adapter for the named provider.
func New(cfg config.PoolConfig, factory func(providerName string) (Adapter, error)) *Pool {
	p := &Pool{
		cfg:     cfg,
		factory: factory,
		items:   make(map[string]*pooledAdapter),
		waiters: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	go p.evictLoop()
	return p
}

// Close stops the eviction loop.
func (p *Pool) Close() {
	close(p.stopCh)
}

func (p *Pool) evictLoop() {
	ticker := time.NewTicker(pollIdle)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

func (p *Pool) evictIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.items) <= p.cfg.MinPoolSize {
		return
	}
	now := time.Now()
	for id, item := range p.items {
		if len(p.items) <= p.cfg.MinPoolSize {
			return
		}
		if item.inUse {
			continue
		}
		if now.Sub(item.idleSince) >= p.cfg.IdleTimeout {
			delete(p.items, id)
		}
	}
}

// Acquire returns a usable adapter for the given active provider, creating
// one if the pool has room, or waiting up to acquireTimeout for one to free
// up or for room to open.
func (p *Pool) Acquire(ctx context.Context, activeProvider string) (Handle, error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	for {
		if h, ok := p.tryAcquire(activeProvider); ok {
			return h, nil
		}
		if time.Now().After(deadline) {
			return Handle{}, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return Handle{}, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (p *Pool) tryAcquire(activeProvider string) (Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, item := range p.items {
		if !item.inUse && item.handle.ProviderName == activeProvider {
			item.inUse = true
			item.handle.acquiredAt = time.Now()
			return item.handle, true
		}
	}

	if len(p.items) >= p.cfg.MaxPoolSize {
		return Handle{}, false
	}

	adapter, err := p.factory(activeProvider)
	if err != nil {
		return Handle{}, false
	}
	h := Handle{ID: uuid.NewString(), Adapter: adapter, ProviderName: activeProvider, acquiredAt: time.Now()}
	p.items[h.ID] = &pooledAdapter{handle: h, inUse: true}
	return h, true
}

// Release returns the adapter to the pool, marking it idle for reuse.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if item, ok := p.items[id]; ok {
		item.inUse = false
		item.idleSince = time.Now()
	}
}

// Remove evicts the adapter from the pool entirely, e.g. after an error.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, id)
}

// Size returns the current pool size, for tests and observability.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}
