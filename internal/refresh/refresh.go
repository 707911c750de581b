// Package refresh implements the knowledge refresh loop (C8): a scheduler
// that periodically re-ingests a configured set of external source
// repositories into the vector store, guarded so overlapping ticks are
// skipped rather than queued. Grounded on the teacher's sidecar lifecycle
// manager shape (single in-flight guard, per-target error capture) and
// trace/tracer.go's async durable-record pattern.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/streamvoice/core/internal/config"
)

// maxConcurrentFetches bounds how many repositories are fetched in parallel
// within one refresh tick, so a large configured repository list doesn't
// open an unbounded number of simultaneous GitHub API connections.
const maxConcurrentFetches = 4

// Fetcher retrieves and ingests the content of one repository, returning
// the number of documents processed and updated.
type Fetcher interface {
	Fetch(ctx context.Context, repo config.RefreshRepository) (processed int, updated int, err error)
}

// RepoError captures a single repository's failure within one refresh run.
type RepoError struct {
	Repo  string
	Error string
}

// Result is the compact record of one refresh run.
type Result struct {
	Timestamp time.Time
	Processed int
	Updated   int
	Errors    []RepoError
	Duration  time.Duration
}

// Scheduler runs the refresh loop.
type Scheduler struct {
	cfg     config.RefreshConfig
	fetcher Fetcher
	log     *slog.Logger

	running int32

	mu      sync.Mutex
	history []Result

	onResult func(Result)
}

// New creates a refresh scheduler.
func New(cfg config.RefreshConfig, fetcher Fetcher, log *slog.Logger, onResult func(Result)) *Scheduler {
	return &Scheduler{cfg: cfg, fetcher: fetcher, log: log, onResult: onResult}
}

// Run starts the loop: one refresh immediately, then recurrently on
// cfg.Interval, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// TriggerOnce runs a single refresh pass immediately, skipping (not
// queuing) if one is already in flight — the manual-trigger entry point
// for the control-plane refresh route, as distinct from Run's permanent
// tick-forever loop. Safe to call concurrently with Run's own ticks: both
// funnel through the same in-flight guard in tick.
func (s *Scheduler) TriggerOnce(ctx context.Context) {
	s.tick(ctx)
}

// tick runs a single refresh pass, skipping if one is already in flight.
func (s *Scheduler) tick(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		s.log.Warn("refresh tick skipped: previous run still in flight")
		return
	}
	defer atomic.StoreInt32(&s.running, 0)

	start := time.Now()
	result := Result{Timestamp: start.UTC()}
	var resultMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for _, repo := range s.cfg.Repositories {
		repo := repo
		g.Go(func() error {
			processed, updated, err := s.fetcher.Fetch(gctx, repo)

			resultMu.Lock()
			defer resultMu.Unlock()
			result.Processed += processed
			result.Updated += updated
			if err != nil {
				result.Errors = append(result.Errors, RepoError{
					Repo:  fmt.Sprintf("%s/%s", repo.Owner, repo.Repo),
					Error: err.Error(),
				})
				s.log.Error("refresh repo failed", "repo", repo.Repo, "error", err)
			}
			return nil
		})
	}
	g.Wait()

	result.Duration = time.Since(start)
	s.record(result)

	if s.onResult != nil {
		s.onResult(result)
	}
}

func (s *Scheduler) record(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, r)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
}

// History returns a snapshot of recent refresh results, newest last.
func (s *Scheduler) History() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Result, len(s.history))
	copy(out, s.history)
	return out
}

// InFlight reports whether a refresh tick is currently running.
func (s *Scheduler) InFlight() bool {
	return atomic.LoadInt32(&s.running) == 1
}
