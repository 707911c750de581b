package refresh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/streamvoice/core/internal/config"
)

type fakeFetcher struct {
	mu       sync.Mutex
	calls    int32
	slow     bool
	failRepo string
}

func (f *fakeFetcher) Fetch(ctx context.Context, repo config.RefreshRepository) (int, int, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.slow {
		time.Sleep(50 * time.Millisecond)
	}
	if repo.Repo == f.failRepo {
		return 1, 0, errors.New("fetch failed")
	}
	return 2, 1, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testRefreshConfig() config.RefreshConfig {
	return config.RefreshConfig{
		Interval: time.Hour,
		Repositories: []config.RefreshRepository{
			{Owner: "org", Repo: "docs"},
			{Owner: "org", Repo: "faq"},
		},
		HistorySize: 3,
	}
}

func TestTickRecordsResultAndInvokesCallback(t *testing.T) {
	fetcher := &fakeFetcher{}
	var captured Result
	s := New(testRefreshConfig(), fetcher, discardLogger(), func(r Result) { captured = r })

	s.tick(context.Background())

	if fetcher.calls != 2 {
		t.Fatalf("expected 2 repo fetches, got %d", fetcher.calls)
	}
	if captured.Processed != 4 || captured.Updated != 2 {
		t.Fatalf("unexpected result: %+v", captured)
	}
	if len(s.History()) != 1 {
		t.Fatal("expected one history entry")
	}
}

func TestTickCapturesPerRepoErrorsWithoutAborting(t *testing.T) {
	fetcher := &fakeFetcher{failRepo: "docs"}
	s := New(testRefreshConfig(), fetcher, discardLogger(), nil)

	s.tick(context.Background())

	hist := s.History()
	if len(hist[0].Errors) != 1 {
		t.Fatalf("expected 1 captured error, got %+v", hist[0].Errors)
	}
	if hist[0].Updated != 1 {
		t.Fatalf("expected the non-failing repo to still update, got %+v", hist[0])
	}
}

func TestOverlappingTickIsSkippedNotQueued(t *testing.T) {
	fetcher := &fakeFetcher{slow: true}
	s := New(testRefreshConfig(), fetcher, discardLogger(), nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.tick(context.Background()) }()
	time.Sleep(5 * time.Millisecond)
	go func() { defer wg.Done(); s.tick(context.Background()) }()
	wg.Wait()

	if len(s.History()) != 1 {
		t.Fatalf("expected overlapping tick to be skipped, got %d history entries", len(s.History()))
	}
}

func TestHistoryBoundedBySize(t *testing.T) {
	fetcher := &fakeFetcher{}
	s := New(testRefreshConfig(), fetcher, discardLogger(), nil)

	for i := 0; i < 5; i++ {
		s.tick(context.Background())
	}
	if len(s.History()) != 3 {
		t.Fatalf("expected history capped at 3, got %d", len(s.History()))
	}
}
