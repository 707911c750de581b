// Package session implements the session store (C14): a per-process
// in-memory cache backed by a durable Postgres record, cache-first on read
// and write-through on every mutation. Grounded on the teacher's
// internal/trace/store.go persistence shape, with the cache layer itself
// left on stdlib sync.Map-style locking since the pack carries no
// in-process cache library.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamvoice/core/internal/config"
	"github.com/streamvoice/core/internal/types"
)

// Store is the session store.
type Store struct {
	db  *sql.DB
	cfg config.SessionConfig

	mu     sync.RWMutex
	cache  map[string]*types.Session
	active int
}

// New creates a session store over an open database connection.
func New(db *sql.DB, cfg config.SessionConfig) *Store {
	return &Store{
		db:    db,
		cfg:   cfg,
		cache: make(map[string]*types.Session),
	}
}

// CreateSession durably records a new pending session and caches it.
func (s *Store) CreateSession(ctx context.Context, userID, sessCtx string) (*types.Session, error) {
	now := time.Now().UTC()
	sess := &types.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    types.SessionPending,
		Context:   sessCtx,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.cfg.DefaultTTL),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO live_sessions (id, user_id, context, status, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sess.ID, sess.UserID, sess.Context, sess.Status, sess.CreatedAt, sess.UpdatedAt, sess.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.mu.Lock()
	s.cache[sess.ID] = sess
	s.active++
	s.mu.Unlock()

	return sess, nil
}

// GetSession is cache-first, store-fallback. Only non-expired sessions are
// returned; an expired session is evicted and treated as not found.
func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	now := time.Now()

	s.mu.RLock()
	if sess, ok := s.cache[id]; ok {
		s.mu.RUnlock()
		if sess.Expired(now) {
			s.evict(id)
			return nil, types.ErrSessionExpired
		}
		return sess, nil
	}
	s.mu.RUnlock()

	sess, err := s.loadFromStore(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Expired(now) {
		return nil, types.ErrSessionExpired
	}

	s.mu.Lock()
	s.cache[id] = sess
	s.mu.Unlock()

	return sess, nil
}

func (s *Store) loadFromStore(ctx context.Context, id string) (*types.Session, error) {
	var sess types.Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, context, status, created_at, updated_at, expires_at
		FROM live_sessions WHERE id = $1
	`, id).Scan(&sess.ID, &sess.UserID, &sess.Context, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt, &sess.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, types.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &sess, nil
}

// UpdateStatus is a concurrency-safe, write-through status update.
func (s *Store) UpdateStatus(ctx context.Context, id string, status types.SessionStatus) error {
	return s.update(ctx, id, func(sess *types.Session) {
		sess.Status = status
	})
}

// UpdateContext is a concurrency-safe, write-through context update.
func (s *Store) UpdateContext(ctx context.Context, id string, sessCtx string) error {
	return s.update(ctx, id, func(sess *types.Session) {
		sess.Context = sessCtx
	})
}

func (s *Store) update(ctx context.Context, id string, mutate func(*types.Session)) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	mutate(sess)
	sess.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		UPDATE live_sessions SET context = $1, status = $2, updated_at = $3 WHERE id = $4
	`, sess.Context, sess.Status, sess.UpdatedAt, id)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func (s *Store) evict(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache[id]; ok {
		delete(s.cache, id)
		s.active--
	}
}

// ActiveCount returns the number of sessions currently cached.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// RunCleanup runs a single sweep evicting expired entries from the
// in-memory cache and decrementing the active-session counter. Intended to
// be invoked every CleanupInterval by a caller-owned ticker loop.
func (s *Store) RunCleanup() int {
	now := time.Now()
	var evicted []string

	s.mu.RLock()
	for id, sess := range s.cache {
		if sess.Expired(now) {
			evicted = append(evicted, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range evicted {
		s.evict(id)
	}
	return len(evicted)
}

// RunCleanupLoop runs RunCleanup on cfg.CleanupInterval until ctx is
// cancelled. Mirrors the teacher's periodic-goroutine idiom used by the
// knowledge refresh scheduler and breaker tick loops.
func (s *Store) RunCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCleanup()
		}
	}
}
