// Package discovery finds events that exist at a provider but not in the
// canonical store. It runs a few times a day, walks each credential's full
// event listing, and registers unknown events with their races so the
// scheduler starts syncing them. Participants are never touched here.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	shared "github.com/racewire/engine/pkg"
	"github.com/racewire/engine/pkg/domain/model"
	"github.com/racewire/engine/pkg/providers"
)

// lowWater is the token balance below which a sweep pauses. Discovery is the
// lowest-priority consumer of a credential's budget; scheduled syncs get the
// remainder of the bucket.
const lowWater = 25

// yieldPause is how long a sweep sleeps when the bucket is low.
const yieldPause = 30 * time.Second

// adapterBuilder is satisfied by *sync.AdapterCache.
type adapterBuilder interface {
	Build(ctx context.Context, cred model.Credential) (providers.Adapter, error)
}

// Worker runs discovery sweeps.
type Worker struct {
	store    shared.Store
	limiter  shared.RateLimiter
	adapters adapterBuilder
	logger   *slog.Logger
	hours    []int

	now   func() time.Time
	pause func(ctx context.Context, d time.Duration)
}

// New builds a worker that sweeps at the given hours of day (UTC).
func New(store shared.Store, limiter shared.RateLimiter, adapters adapterBuilder, logger *slog.Logger, hours []int) *Worker {
	return &Worker{
		store:    store,
		limiter:  limiter,
		adapters: adapters,
		logger:   logger.With("component", "discovery"),
		hours:    hours,
		now:      time.Now,
		pause:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run sweeps at each configured hour until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		next := NextRun(w.now(), w.hours)
		w.logger.Info("next discovery sweep", "at", next)

		timer := time.NewTimer(next.Sub(w.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if err := w.RunAll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("discovery sweep failed", "error", err)
		}
	}
}

// NextRun returns the first configured hour-of-day strictly after now.
func NextRun(now time.Time, hours []int) time.Time {
	sorted := append([]int(nil), hours...)
	sort.Ints(sorted)

	for _, h := range sorted {
		candidate := time.Date(now.Year(), now.Month(), now.Day(), h, 0, 0, 0, now.Location())
		if candidate.After(now) {
			return candidate
		}
	}
	// All of today's slots have passed; first slot tomorrow.
	tomorrow := now.AddDate(0, 0, 1)
	return time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), sorted[0], 0, 0, 0, now.Location())
}

// RunAll sweeps every provider. Provider failures are logged and do not stop
// the remaining providers.
func (w *Worker) RunAll(ctx context.Context) error {
	for _, providerID := range shared.Providers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.RunProvider(ctx, providerID); err != nil {
			w.logger.Error("provider discovery failed",
				"provider_id", providerID, "error", err)
		}
	}
	return nil
}

// RunProvider sweeps every credential for one provider. Exactly one discovery
// history row is written per credential per sweep, successful or not.
func (w *Worker) RunProvider(ctx context.Context, providerID string) error {
	creds, err := w.store.GetCredentials(ctx, providerID)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}

	for _, cred := range creds {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rec := w.sweep(ctx, cred)
		if err := w.store.RecordSync(ctx, rec); err != nil {
			w.logger.Error("recording discovery run failed",
				"credential", cred.Key(), "error", err)
		}
	}
	return nil
}

// sweep walks one credential's full event listing and registers unknown
// events with their races.
func (w *Worker) sweep(ctx context.Context, cred model.Credential) model.SyncRecord {
	started := w.now()
	rec := model.SyncRecord{
		PartnerID:  cred.PartnerID,
		ProviderID: cred.ProviderID,
		Kind:       model.SyncDiscovery,
		Status:     model.SyncCompleted,
		StartedAt:  started,
	}
	fail := func(err error) model.SyncRecord {
		w.logger.Error("discovery sweep failed",
			"credential", cred.Key(), "error", err)
		rec.Status = model.SyncFailed
		rec.Errors++
		rec.Reason = err.Error()
		rec.FinishedAt = w.now()
		return rec
	}

	adapter, err := w.adapters.Build(ctx, cred)
	if err != nil {
		return fail(err)
	}

	w.logger.Info("discovery sweep started", "credential", cred.Key())

	next := adapter.Events(ctx)
	for {
		events, more, err := pacedNext(ctx, w, cred, next.Next)
		if err != nil {
			return fail(fmt.Errorf("listing events: %w", err))
		}

		for _, ev := range events {
			ev.PartnerID = cred.PartnerID
			// A bad event stops that event only, never the rest of the walk.
			known, err := w.store.HasEvent(ctx, ev.PartnerID, ev.ProviderID, ev.ProviderEventID)
			if err != nil {
				w.logger.Warn("event lookup failed, skipping",
					"event", ev.Key(), "error", err)
				rec.Errors++
				continue
			}
			if known {
				continue
			}
			if _, err := w.register(ctx, adapter, cred, ev); err != nil {
				w.logger.Warn("event registration failed, skipping",
					"event", ev.Key(), "error", err)
				rec.Errors++
				continue
			}
			rec.EventsSynced++
		}
		if !more {
			break
		}
	}

	rec.FinishedAt = w.now()
	w.logger.Info("discovery sweep finished",
		"credential", cred.Key(),
		"new_events", rec.EventsSynced,
		"duration", rec.FinishedAt.Sub(started))
	return rec
}

// register upserts a newly discovered event and its races.
func (w *Worker) register(ctx context.Context, adapter providers.Adapter, cred model.Credential, ev model.Event) (int, error) {
	if err := w.store.UpsertEvent(ctx, ev); err != nil {
		return 0, fmt.Errorf("registering event %s: %w", ev.Key(), err)
	}

	count := 0
	next := adapter.Races(ctx, ev)
	for {
		races, more, err := pacedNext(ctx, w, cred, next.Next)
		if err != nil {
			return count, fmt.Errorf("listing races for %s: %w", ev.Key(), err)
		}
		for _, race := range races {
			race.PartnerID = cred.PartnerID
			if err := w.store.UpsertRace(ctx, race); err != nil {
				return count, fmt.Errorf("registering race %s/%s: %w", ev.Key(), race.ProviderRaceID, err)
			}
			count++
		}
		if !more {
			break
		}
	}
	w.logger.Info("discovered event", "event", ev.Key(), "races", count)
	return count, nil
}

// pacedNext fetches one page through the limiter. It yields while the bucket
// is below the low-water mark and retries the same page after provider
// pushback; page functions do not advance their cursor on error, so the retry
// re-fetches, never skips.
func pacedNext[T any](ctx context.Context, w *Worker, cred model.Credential, next func(context.Context) ([]T, bool, error)) ([]T, bool, error) {
	for {
		for w.limiter.Tokens(cred.PartnerID, cred.ProviderID) < lowWater {
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			w.logger.Info("bucket low, yielding",
				"credential", cred.Key(), "pause", yieldPause)
			w.pause(ctx, yieldPause)
		}
		if err := w.limiter.Acquire(ctx, cred.PartnerID, cred.ProviderID); err != nil {
			return nil, false, err
		}

		items, more, err := next(ctx)
		if err == nil {
			return items, more, nil
		}
		if rl, ok := providers.AsRateLimited(err); ok {
			w.limiter.OnRateLimited(cred.PartnerID, cred.ProviderID, rl.RetryAfter)
			continue
		}
		return nil, false, err
	}
}
