// Package sync implements the per-event sync executor: decide incremental vs
// full, stream the provider's participants through the store's per-event
// transaction, and record exactly one history row per invocation.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	shared "github.com/racewire/engine/pkg"
	"github.com/racewire/engine/pkg/domain/model"
	"github.com/racewire/engine/pkg/infrastructure/locker"
	"github.com/racewire/engine/pkg/infrastructure/postgres"
	"github.com/racewire/engine/pkg/infrastructure/sentry"
	"github.com/racewire/engine/pkg/providers"
)

var (
	// ErrEventInPast marks an event outside the grace window; callers skip it
	// silently.
	ErrEventInPast = errors.New("event started more than the grace window ago")

	// ErrEventBusy marks an event whose per-event lock is held by another
	// sync. Callers retry next cycle.
	ErrEventBusy = errors.New("event sync already in flight")
)

// Options are the per-invocation flags.
type Options struct {
	// ForceFull disables the incremental decision and always pulls everything.
	ForceFull bool

	// IncludePast syncs events that are already outside the grace window.
	// Backfills set it; the scheduler never does.
	IncludePast bool
}

// Executor runs one "sync this event" unit at a time per (partner, event).
type Executor struct {
	store   shared.Store
	limiter shared.RateLimiter
	locks   *locker.KeyedMutex
	logger  *slog.Logger

	horizon      time.Duration
	grace        time.Duration
	softDeadline time.Duration

	now func() time.Time
}

// New builds an executor. horizon bounds how stale a last sync may be before
// incremental is considered unsafe.
func New(store shared.Store, limiter shared.RateLimiter, locks *locker.KeyedMutex, logger *slog.Logger, horizon time.Duration) *Executor {
	return &Executor{
		store:        store,
		limiter:      limiter,
		locks:        locks,
		logger:       logger.With("component", "executor"),
		horizon:      horizon,
		grace:        shared.EventGrace,
		softDeadline: shared.SyncSoftDeadline,
		now:          time.Now,
	}
}

// SyncEvent syncs one event's participants. It returns the recorded history
// row, or ErrEventInPast / ErrEventBusy when the event was skipped without a
// row.
func (e *Executor) SyncEvent(ctx context.Context, adapter providers.Adapter, cred model.Credential, ev model.Event, opts Options) (model.SyncRecord, error) {
	if !opts.IncludePast && !ev.StartTime.IsZero() && ev.StartTime.Before(e.now().Add(-e.grace)) {
		return model.SyncRecord{}, ErrEventInPast
	}

	key := ev.Key()
	if !e.locks.TryLock(key) {
		return model.SyncRecord{}, ErrEventBusy
	}
	defer e.locks.Unlock(key)

	kind, since, err := e.decide(ctx, adapter, ev, opts)
	if err != nil {
		return model.SyncRecord{}, err
	}

	logger := e.logger.With("partner_id", ev.PartnerID, "provider_id", ev.ProviderID, "event_id", ev.ProviderEventID)
	logger.Info("starting event sync", "sync_kind", kind)

	started := e.now()
	rec, err := e.attempt(ctx, adapter, cred, ev, kind, since, started)
	if err != nil && kind == model.SyncIncremental && !postgres.IsSchema(err) && ctx.Err() == nil {
		// The aborted incremental attempt gets its own failed row so the
		// history shows both it and the fallback under the same started_at.
		e.recordFailed(ctx, ev, kind, started, err, logger)
		logger.Warn("incremental sync failed, retrying full", "error", err)
		kind = model.SyncFullFallback
		rec, err = e.attempt(ctx, adapter, cred, ev, kind, nil, started)
	}
	if err != nil {
		failed := e.recordFailed(ctx, ev, kind, started, err, logger)
		sentry.CaptureSyncError(err, ev.PartnerID, ev.ProviderID, ev.ProviderEventID, logger)
		return failed, fmt.Errorf("sync event %s: %w", ev.Key(), err)
	}

	logger.Info("event sync finished",
		"sync_kind", rec.Kind,
		"status", rec.Status,
		"participants", rec.ParticipantsSynced,
		"errors", rec.Errors,
		"duration", rec.FinishedAt.Sub(rec.StartedAt))
	return rec, nil
}

// recordFailed writes the failed row outside the rolled-back transaction.
// The write survives shutdown so interrupted failures stay visible.
func (e *Executor) recordFailed(ctx context.Context, ev model.Event, kind model.SyncKind, started time.Time, cause error, logger *slog.Logger) model.SyncRecord {
	failed := model.SyncRecord{
		PartnerID:  ev.PartnerID,
		ProviderID: ev.ProviderID,
		EventID:    ev.ProviderEventID,
		Kind:       kind,
		Status:     model.SyncFailed,
		StartedAt:  started,
		FinishedAt: e.now(),
		Reason:     cause.Error(),
	}
	if recErr := e.store.RecordSync(context.WithoutCancel(ctx), failed); recErr != nil {
		logger.Error("could not record failed sync", "error", recErr)
	}
	return failed
}

// decide reproduces the incremental-vs-full decision: never-synced or forced
// or stale beyond the horizon means full; otherwise incremental from the last
// completed sync. Adapters without a modified-since filter always run full.
func (e *Executor) decide(ctx context.Context, adapter providers.Adapter, ev model.Event, opts Options) (model.SyncKind, *time.Time, error) {
	last, err := e.store.LastSyncTime(ctx, ev.PartnerID, ev.ProviderID, ev.ProviderEventID)
	if err != nil {
		return "", nil, fmt.Errorf("last sync time: %w", err)
	}
	switch {
	case last == nil:
		return model.SyncFull, nil, nil
	case opts.ForceFull:
		return model.SyncFull, nil, nil
	case !adapter.SupportsIncremental():
		return model.SyncFull, nil, nil
	case e.now().Sub(*last) > e.horizon:
		return model.SyncFull, nil, nil
	default:
		return model.SyncIncremental, last, nil
	}
}

// attempt streams one sync through a per-event transaction. On success the
// history row commits atomically with the participants. On failure the
// transaction is rolled back and no row is written here.
func (e *Executor) attempt(ctx context.Context, adapter providers.Adapter, cred model.Credential, ev model.Event, kind model.SyncKind, since *time.Time, started time.Time) (model.SyncRecord, error) {
	tx, err := e.store.BeginEventSync(ctx, ev)
	if err != nil {
		return model.SyncRecord{}, err
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	deadline := e.now().Add(e.softDeadline)
	status := model.SyncCompleted
	reason := ""
	participants := 0
	rowErrors := 0

	races, err := e.collectRaces(ctx, tx, adapter, cred, ev, &rowErrors)
	if err != nil {
		return model.SyncRecord{}, err
	}

pull:
	for _, race := range races {
		pages := adapter.Participants(ctx, race, ev, since)
		for {
			// Cancellation and the soft deadline both stop the page sequence
			// here; rows already upserted commit as a partial sync.
			if ctx.Err() != nil {
				status = model.SyncPartial
				reason = "shutdown requested"
				break pull
			}
			if e.now().After(deadline) {
				status = model.SyncPartial
				reason = "soft deadline reached"
				break pull
			}
			batch, more, err := nextPage(ctx, e.limiter, cred, pages.Next)
			if err != nil {
				if ctx.Err() != nil {
					status = model.SyncPartial
					reason = "shutdown requested"
					break pull
				}
				return model.SyncRecord{}, fmt.Errorf("list participants for race %s: %w", race.ProviderRaceID, err)
			}
			for _, p := range batch {
				if err := tx.UpsertParticipant(ctx, p); err != nil {
					if postgres.IsSchema(err) {
						return model.SyncRecord{}, err
					}
					rowErrors++
					e.logger.Warn("participant upsert failed",
						"event_id", ev.ProviderEventID,
						"participant_id", p.ProviderParticipantID,
						"error", err)
					continue
				}
				participants++
			}
			if !more {
				break
			}
		}
	}

	rec := model.SyncRecord{
		PartnerID:          ev.PartnerID,
		ProviderID:         ev.ProviderID,
		EventID:            ev.ProviderEventID,
		Kind:               kind,
		Status:             status,
		StartedAt:          started,
		FinishedAt:         e.now(),
		EventsSynced:       1,
		ParticipantsSynced: participants,
		Errors:             rowErrors,
	}
	rec.Reason = reason
	// The commit must land even when the stop was a cancellation; everything
	// pulled so far is consistent and the history row describes it.
	if err := tx.Commit(context.WithoutCancel(ctx), rec); err != nil {
		return model.SyncRecord{}, err
	}
	return rec, nil
}

// collectRaces walks the adapter's race listing, upserting each inside the
// transaction so participant foreign keys resolve.
func (e *Executor) collectRaces(ctx context.Context, tx shared.EventSync, adapter providers.Adapter, cred model.Credential, ev model.Event, rowErrors *int) ([]model.Race, error) {
	var races []model.Race
	pages := adapter.Races(ctx, ev)
	for {
		batch, more, err := nextPage(ctx, e.limiter, cred, pages.Next)
		if err != nil {
			return nil, fmt.Errorf("list races for event %s: %w", ev.ProviderEventID, err)
		}
		for _, r := range batch {
			if err := tx.UpsertRace(ctx, r); err != nil {
				if postgres.IsSchema(err) {
					return nil, err
				}
				*rowErrors++
				e.logger.Warn("race upsert failed",
					"event_id", ev.ProviderEventID,
					"race_id", r.ProviderRaceID,
					"error", err)
				continue
			}
			races = append(races, r)
		}
		if !more {
			return races, nil
		}
	}
}

// nextPage paces one page fetch through the rate limiter, absorbing provider
// rate-limit pushback: the bucket is emptied for the suggested window and the
// same page is retried once the limiter clears.
func nextPage[T any](ctx context.Context, limiter shared.RateLimiter, cred model.Credential, next func(context.Context) ([]T, bool, error)) ([]T, bool, error) {
	for {
		if err := limiter.Acquire(ctx, cred.PartnerID, cred.ProviderID); err != nil {
			return nil, false, err
		}
		batch, more, err := next(ctx)
		if rl, ok := providers.AsRateLimited(err); ok {
			limiter.OnRateLimited(cred.PartnerID, cred.ProviderID, rl.RetryAfter)
			continue
		}
		return batch, more, err
	}
}
