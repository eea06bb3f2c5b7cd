// Package backfill re-syncs historical events as a one-shot job. The work
// list is computed once at startup, progress is checkpointed after every
// event, and an interrupted run resumes where it stopped instead of starting
// over.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	shared "github.com/racewire/engine/pkg"
	"github.com/racewire/engine/pkg/domain/model"
	"github.com/racewire/engine/pkg/providers"
	enginesync "github.com/racewire/engine/pkg/sync"
)

type executor interface {
	SyncEvent(ctx context.Context, adapter providers.Adapter, cred model.Credential, ev model.Event, opts enginesync.Options) (model.SyncRecord, error)
}

type adapterSource interface {
	For(ctx context.Context, partnerID, providerID string) (providers.Adapter, model.Credential, error)
}

// Runner drives one backfill.
type Runner struct {
	store    shared.Store
	executor executor
	adapters adapterSource
	logger   *slog.Logger

	dir    string
	dryRun bool

	now func() time.Time
}

// New builds a runner. dir is where checkpoints live; dryRun prints the work
// list without syncing or writing anything.
func New(store shared.Store, exec executor, adapters adapterSource, logger *slog.Logger, dir string, dryRun bool) *Runner {
	return &Runner{
		store:    store,
		executor: exec,
		adapters: adapters,
		logger:   logger.With("component", "backfill"),
		dir:      dir,
		dryRun:   dryRun,
		now:      time.Now,
	}
}

// Run executes the backfill for the given scope. Empty partnerID or
// providerID means all. It returns nil when the work list was fully
// processed, including runs where individual events failed; per-event
// failures are recorded in sync history by the executor.
func (r *Runner) Run(ctx context.Context, partnerID, providerID string) error {
	path := CheckpointPath(r.dir, partnerID, providerID)

	cp, err := LoadCheckpoint(path)
	if err != nil {
		return err
	}

	events, err := r.store.ListEvents(ctx, partnerID, providerID)
	if err != nil {
		return fmt.Errorf("listing events: %w", err)
	}
	byKey := make(map[string]model.Event, len(events))
	for _, ev := range events {
		byKey[ev.Key()] = ev
	}

	if cp == nil {
		cp = &Checkpoint{
			RunID:         uuid.NewString(),
			PartnerID:     partnerID,
			ProviderID:    providerID,
			StartedAt:     r.now(),
			Events:        make([]string, 0, len(events)),
			LastCompleted: -1,
		}
		for _, ev := range events {
			cp.Events = append(cp.Events, ev.Key())
		}
	} else {
		r.logger.Info("resuming backfill",
			"run_id", cp.RunID,
			"completed", cp.LastCompleted+1,
			"total", len(cp.Events))
	}

	if r.dryRun {
		return r.printPlan(cp)
	}

	if err := cp.Save(path); err != nil {
		return err
	}

	r.logger.Info("backfill started",
		"run_id", cp.RunID,
		"events", len(cp.Events),
		"starting_at", cp.LastCompleted+1)

	for i := cp.LastCompleted + 1; i < len(cp.Events); i++ {
		if ctx.Err() != nil {
			r.logger.Info("backfill interrupted",
				"run_id", cp.RunID, "completed", cp.LastCompleted+1)
			return ctx.Err()
		}

		key := cp.Events[i]
		if ev, ok := byKey[key]; ok {
			r.syncOne(ctx, ev)
		} else {
			// Event vanished since the work list was frozen.
			r.logger.Warn("skipping unknown event in work list", "event", key)
		}

		cp.LastCompleted = i
		if err := cp.Save(path); err != nil {
			return err
		}
	}

	if err := cp.Archive(path); err != nil {
		return err
	}
	r.logger.Info("backfill finished", "run_id", cp.RunID, "events", len(cp.Events))
	return nil
}

func (r *Runner) syncOne(ctx context.Context, ev model.Event) {
	adapter, cred, err := r.adapters.For(ctx, ev.PartnerID, ev.ProviderID)
	if err != nil {
		r.logger.Error("no adapter for event", "event", ev.Key(), "error", err)
		return
	}

	opts := enginesync.Options{ForceFull: true, IncludePast: true}
	rec, err := r.executor.SyncEvent(ctx, adapter, cred, ev, opts)
	switch {
	case err == nil:
		r.logger.Info("backfilled event",
			"event", ev.Key(),
			"participants", rec.ParticipantsSynced,
			"errors", rec.Errors)
	case errors.Is(err, enginesync.ErrEventBusy):
		r.logger.Warn("event busy, skipping", "event", ev.Key())
	default:
		// The executor already recorded the failure; the backfill moves on.
		r.logger.Error("backfill of event failed", "event", ev.Key(), "error", err)
	}
}

func (r *Runner) printPlan(cp *Checkpoint) error {
	remaining := cp.Events[cp.LastCompleted+1:]
	r.logger.Info("dry run, printing plan only",
		"run_id", cp.RunID,
		"remaining", len(remaining),
		"total", len(cp.Events))
	for _, key := range remaining {
		r.logger.Info("would sync", "event", key)
	}
	return nil
}
