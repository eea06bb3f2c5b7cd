package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

// fast quota: 100 tokens/sec so tests never sleep long.
var testQuotas = map[string]Quota{
	"testprov": {PerHour: 360000},
}

func newTestLimiter(t *testing.T, statePath string) *Limiter {
	t.Helper()
	return New(testQuotas, statePath, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAcquire_StartsEmpty(t *testing.T) {
	l := newTestLimiter(t, "")

	start := time.Now()
	if err := l.Acquire(context.Background(), "p1", "testprov"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// The bucket starts drained, so the first token arrives via refill, not
	// burst. At 100/s that is ~10ms.
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("first acquire returned in %v; expected to wait for refill", elapsed)
	}
}

func TestAcquire_ContextCancelled(t *testing.T) {
	l := newTestLimiter(t, "")
	l.OnRateLimited("p1", "testprov", time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx, "p1", "testprov")
	if err == nil {
		t.Fatal("expected context error while blocked")
	}
}

func TestOnRateLimited_BlocksAndDrains(t *testing.T) {
	l := newTestLimiter(t, "")

	// Let a few tokens accumulate, then force the block.
	time.Sleep(50 * time.Millisecond)
	l.OnRateLimited("p1", "testprov", 80*time.Millisecond)

	if got := l.Tokens("p1", "testprov"); got != 0 {
		t.Errorf("Tokens during block = %v, want 0", got)
	}

	start := time.Now()
	if err := l.Acquire(context.Background(), "p1", "testprov"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("acquire returned in %v; block was 80ms", elapsed)
	}
}

func TestAcquire_ServesWaitersInOrder(t *testing.T) {
	l := newTestLimiter(t, "")

	// First waiter queues, second arrives 10ms later. The per-bucket mutex
	// means the first must complete before the second starts waiting.
	doneFirst := make(chan time.Time, 1)
	doneSecond := make(chan time.Time, 1)

	go func() {
		_ = l.Acquire(context.Background(), "p1", "testprov")
		doneFirst <- time.Now()
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		_ = l.Acquire(context.Background(), "p1", "testprov")
		doneSecond <- time.Now()
	}()

	first := <-doneFirst
	second := <-doneSecond
	if second.Before(first) {
		t.Error("second waiter finished before first")
	}
}

func TestDifferentCredentials_IndependentBuckets(t *testing.T) {
	l := newTestLimiter(t, "")
	l.OnRateLimited("p1", "testprov", time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx, "p2", "testprov"); err != nil {
		t.Fatalf("p2 acquire blocked by p1 limit: %v", err)
	}
}

func TestSnapshot_RestoresBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limiter.json")

	l := newTestLimiter(t, path)
	l.OnRateLimited("p1", "testprov", time.Hour)
	l.snapshot()

	restored := newTestLimiter(t, path)
	if err := restored.LoadState(); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if got := restored.Tokens("p1", "testprov"); got != 0 {
		t.Errorf("Tokens after restore = %v, want 0 (block persists)", got)
	}
}

func TestLoadState_MissingFileIsFine(t *testing.T) {
	l := newTestLimiter(t, filepath.Join(t.TempDir(), "nope.json"))
	if err := l.LoadState(); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
}
