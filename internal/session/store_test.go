package session

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/streamvoice/core/internal/config"
)

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		DefaultTTL:      time.Hour,
		CleanupInterval: time.Minute,
		MaxHistory:      200,
	}
}

func TestCreateSessionCachesAndPersists(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO live_sessions").WillReturnResult(sqlmock.NewResult(1, 1))

	store := New(db, testSessionConfig())
	sess, err := store.CreateSession(context.Background(), "user-1", "{}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.ActiveCount() != 1 {
		t.Fatalf("expected session cached, active count = %d", store.ActiveCount())
	}

	cached, err := store.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("unexpected error on cache-hit get: %v", err)
	}
	if cached.ID != sess.ID {
		t.Fatal("expected cached session to round-trip")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunCleanupEvictsExpired(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO live_sessions").WillReturnResult(sqlmock.NewResult(1, 1))

	cfg := testSessionConfig()
	cfg.DefaultTTL = -time.Second
	store := New(db, cfg)

	sess, err := store.CreateSession(context.Background(), "user-1", "{}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = sess

	evicted := store.RunCleanup()
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	if store.ActiveCount() != 0 {
		t.Fatalf("expected active count 0 after eviction, got %d", store.ActiveCount())
	}
}
