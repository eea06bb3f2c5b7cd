package shared

import (
	"context"
	"time"

	"github.com/racewire/engine/pkg/domain/model"
)

// --- Persistence Interfaces ---

// Store is the canonical store gateway. All reads and writes to the shared
// PostgreSQL schema go through it so upsert semantics and transaction
// boundaries stay in one place.
type Store interface {
	// GetCredentials returns all active (partner, credential) pairs for a
	// provider.
	GetCredentials(ctx context.Context, providerID string) ([]model.Credential, error)

	// UpsertEvent inserts or updates on (partner_id, provider_id,
	// provider_event_id), preserving created_at.
	UpsertEvent(ctx context.Context, e model.Event) error

	// UpsertRace inserts or updates a race; fails with an integrity error if
	// the parent event is absent.
	UpsertRace(ctx context.Context, r model.Race) error

	// HasEvent reports whether the event identity triple is already known.
	HasEvent(ctx context.Context, partnerID, providerID, providerEventID string) (bool, error)

	// FutureEvents returns events with start_time > now - grace, ordered by
	// ascending start_time.
	FutureEvents(ctx context.Context, grace time.Duration) ([]model.Event, error)

	// ListEvents returns every known event, optionally restricted to one
	// partner and/or provider. Used by backfills to compute their work list.
	ListEvents(ctx context.Context, partnerID, providerID string) ([]model.Event, error)

	// RecordSync appends one sync_history row. Never updates an existing row.
	RecordSync(ctx context.Context, rec model.SyncRecord) error

	// LastSyncTime returns the finished_at of the most recent completed
	// sync_history row for the event, or nil if it has never been synced.
	LastSyncTime(ctx context.Context, partnerID, providerID, providerEventID string) (*time.Time, error)

	// LastSyncTimes returns the latest completed finished_at per event key
	// (model.Event.Key) in one query, for the scheduler's tick.
	LastSyncTimes(ctx context.Context) (map[string]time.Time, error)

	// BeginEventSync opens the per-event write transaction used to stream one
	// sync's participants.
	BeginEventSync(ctx context.Context, ev model.Event) (EventSync, error)
}

// EventSync is one per-event write transaction. Commit persists the streamed
// participants together with the sync history row describing them, so readers
// never see counts without rows or rows without counts.
type EventSync interface {
	UpsertRace(ctx context.Context, r model.Race) error
	UpsertParticipant(ctx context.Context, p model.Participant) error
	Commit(ctx context.Context, rec model.SyncRecord) error
	Rollback(ctx context.Context) error
}

// --- Rate Limiting ---

// RateLimiter enforces per-credential outbound call budgets.
type RateLimiter interface {
	// Acquire blocks until one token is available for the credential, then
	// consumes it. Concurrent callers on the same credential drain FIFO.
	Acquire(ctx context.Context, partnerID, providerID string) error

	// OnRateLimited forces the credential's bucket empty for at least
	// retryAfter.
	OnRateLimited(partnerID, providerID string, retryAfter time.Duration)

	// Tokens reports the current token balance, used by discovery to yield
	// when a bucket runs low.
	Tokens(partnerID, providerID string) float64
}
