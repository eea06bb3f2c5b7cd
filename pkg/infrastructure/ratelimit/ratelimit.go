// Package ratelimit enforces per-credential outbound call budgets. One token
// bucket exists per (partner, provider) pair; refill is continuous at the
// provider's hourly quota. Buckets start empty so a process restart can never
// double the effective quota inside a refill window.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	shared "github.com/racewire/engine/pkg"
)

// Quota is one provider's hourly call budget per credential.
type Quota struct {
	PerHour float64
}

// DefaultQuotas holds the published per-credential budgets. Overridable via
// configuration for partners with negotiated limits.
var DefaultQuotas = map[string]Quota{
	shared.ProviderRunSignUp:   {PerHour: 1000},
	shared.ProviderHaku:        {PerHour: 500},
	shared.ProviderRaceRoster:  {PerHour: 1000},
	shared.ProviderLetsDoThis:  {PerHour: 600},
	shared.ProviderChronoTrack: {PerHour: 600},
}

// fallbackPerHour applies to providers with no configured quota.
const fallbackPerHour = 300

type bucket struct {
	// mu serialises waiters so the oldest drains first. rate.Limiter alone
	// does not order concurrent Wait calls.
	mu sync.Mutex

	lim *rate.Limiter

	// blockedUntil is set when the provider signalled quota exhaustion.
	// Guarded by stateMu on the parent, not mu, so OnRateLimited never
	// queues behind waiters.
	blockedUntil time.Time
}

// Limiter hands out call tokens per (partner, provider). Safe for concurrent
// use.
type Limiter struct {
	quotas    map[string]Quota
	statePath string
	logger    *slog.Logger

	stateMu sync.Mutex
	buckets map[string]*bucket
	// restoredBlocks carries blocked_until values from a previous snapshot
	// until the matching bucket is first used.
	restoredBlocks map[string]time.Time
}

// New builds a limiter. statePath may be empty to disable snapshots.
func New(quotas map[string]Quota, statePath string, logger *slog.Logger) *Limiter {
	if quotas == nil {
		quotas = DefaultQuotas
	}
	return &Limiter{
		quotas:         quotas,
		statePath:      statePath,
		logger:         logger.With("component", "ratelimit"),
		buckets:        make(map[string]*bucket),
		restoredBlocks: make(map[string]time.Time),
	}
}

func key(partnerID, providerID string) string { return partnerID + "/" + providerID }

func (l *Limiter) bucketFor(partnerID, providerID string) *bucket {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()

	k := key(partnerID, providerID)
	if b, ok := l.buckets[k]; ok {
		return b
	}

	perHour := fallbackPerHour
	if q, ok := l.quotas[providerID]; ok && q.PerHour > 0 {
		perHour = int(q.PerHour)
	}
	lim := rate.NewLimiter(rate.Limit(float64(perHour)/3600.0), perHour)
	// Drain the initial burst: buckets refill from "now".
	lim.ReserveN(time.Now(), perHour)

	b := &bucket{lim: lim}
	if until, ok := l.restoredBlocks[k]; ok {
		if until.After(time.Now()) {
			b.blockedUntil = until
		}
		delete(l.restoredBlocks, k)
	}
	l.buckets[k] = b
	return b
}

// Acquire blocks until one token is available for the credential, then
// consumes it. Waiters on the same credential are served oldest first.
func (l *Limiter) Acquire(ctx context.Context, partnerID, providerID string) error {
	b := l.bucketFor(partnerID, providerID)

	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		l.stateMu.Lock()
		until := b.blockedUntil
		l.stateMu.Unlock()

		wait := time.Until(until)
		if wait <= 0 {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := b.lim.Wait(ctx); err != nil {
		return fmt.Errorf("acquire token for %s/%s: %w", partnerID, providerID, err)
	}
	return nil
}

// OnRateLimited empties the credential's bucket and blocks acquisition for at
// least retryAfter. Called when a provider returns a quota-exhausted status.
func (l *Limiter) OnRateLimited(partnerID, providerID string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = time.Minute
	}
	b := l.bucketFor(partnerID, providerID)

	now := time.Now()
	if n := int(b.lim.TokensAt(now)); n > 0 {
		b.lim.ReserveN(now, n)
	}

	until := now.Add(retryAfter)
	l.stateMu.Lock()
	if until.After(b.blockedUntil) {
		b.blockedUntil = until
	}
	l.stateMu.Unlock()

	l.logger.Warn("provider rate limit hit",
		"partner_id", partnerID,
		"provider_id", providerID,
		"retry_after", retryAfter)
}

// Tokens reports the credential's currently available tokens. Discovery uses
// this to yield when a bucket runs low.
func (l *Limiter) Tokens(partnerID, providerID string) float64 {
	b := l.bucketFor(partnerID, providerID)

	l.stateMu.Lock()
	blocked := time.Now().Before(b.blockedUntil)
	l.stateMu.Unlock()
	if blocked {
		return 0
	}
	return b.lim.Tokens()
}

// bucketState is the persisted snapshot of one bucket.
type bucketState struct {
	Tokens       float64   `json:"tokens"`
	BlockedUntil time.Time `json:"blocked_until,omitempty"`
	SavedAt      time.Time `json:"saved_at"`
}

// Run persists bucket state every interval until ctx is cancelled. The
// snapshot is advisory: on restart buckets start empty regardless, but a
// persisted provider block outlasts the process.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if l.statePath == "" {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.snapshot()
			return
		case <-ticker.C:
			l.snapshot()
		}
	}
}

// LoadState restores provider blocks from a previous snapshot. Token counts
// are intentionally not restored.
func (l *Limiter) LoadState() error {
	if l.statePath == "" {
		return nil
	}
	data, err := os.ReadFile(l.statePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read limiter state: %w", err)
	}

	var states map[string]bucketState
	if err := json.Unmarshal(data, &states); err != nil {
		return fmt.Errorf("decode limiter state: %w", err)
	}

	now := time.Now()
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	for k, st := range states {
		if !st.BlockedUntil.After(now) {
			continue
		}
		if b, ok := l.buckets[k]; ok {
			b.blockedUntil = st.BlockedUntil
		} else {
			l.restoredBlocks[k] = st.BlockedUntil
		}
	}
	return nil
}

func (l *Limiter) snapshot() {
	l.stateMu.Lock()
	states := make(map[string]bucketState, len(l.buckets))
	now := time.Now()
	for k, b := range l.buckets {
		states[k] = bucketState{
			Tokens:       b.lim.TokensAt(now),
			BlockedUntil: b.blockedUntil,
			SavedAt:      now,
		}
	}
	l.stateMu.Unlock()

	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		l.logger.Error("marshal limiter state", "error", err)
		return
	}

	tmp := l.statePath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(l.statePath), 0o755); err != nil {
		l.logger.Error("create state dir", "error", err)
		return
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		l.logger.Error("write limiter state", "error", err)
		return
	}
	if err := os.Rename(tmp, l.statePath); err != nil {
		l.logger.Error("rename limiter state", "error", err)
	}
}
