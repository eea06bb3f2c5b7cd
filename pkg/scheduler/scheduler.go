// Package scheduler decides what to sync when. Every tick it classifies
// known future events into priority bands by proximity to their start time,
// picks the ones whose band interval has elapsed since their last sync, and
// dispatches them to the executor through a bounded worker pool.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	shared "github.com/racewire/engine/pkg"
	"github.com/racewire/engine/pkg/domain/model"
	"github.com/racewire/engine/pkg/providers"
	enginesync "github.com/racewire/engine/pkg/sync"
)

// Band is an event's scheduling priority.
type Band string

const (
	BandHigh   Band = "high"
	BandMedium Band = "medium"
	BandLow    Band = "low"
	// BandNone marks events past the grace window; they are never dispatched.
	BandNone Band = ""
)

// bands in dispatch order. Band dominates ordering: every due high event is
// dispatched before any medium one, regardless of start time.
var bandOrder = []Band{BandHigh, BandMedium, BandLow}

// Config is the scheduler's immutable tuning. Construct with DefaultConfig
// and override before passing to New; the scheduler never mutates it.
type Config struct {
	Tick  time.Duration
	Grace time.Duration

	HighWindow   time.Duration
	MediumWindow time.Duration

	Intervals map[Band]time.Duration
	Caps      map[Band]int

	Workers            int64
	PartnerConcurrency int64
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Tick:         10 * time.Second,
		Grace:        shared.EventGrace,
		HighWindow:   4 * time.Hour,
		MediumWindow: 24 * time.Hour,
		Intervals: map[Band]time.Duration{
			BandHigh:   time.Minute,
			BandMedium: 15 * time.Minute,
			BandLow:    4 * time.Hour,
		},
		Caps: map[Band]int{
			BandHigh:   50,
			BandMedium: 20,
			BandLow:    10,
		},
		Workers:            16,
		PartnerConcurrency: 4,
	}
}

// Classify places an event in a band relative to now. Events with an unknown
// start time land in the low band so they still get periodic syncs.
func Classify(ev model.Event, now time.Time, cfg Config) Band {
	if ev.StartTime.IsZero() {
		return BandLow
	}
	until := ev.StartTime.Sub(now)
	switch {
	case until < -cfg.Grace:
		return BandNone
	case until <= cfg.HighWindow:
		// Covers both "starts within 4 hours" and "started within the last
		// hour" (negative until inside grace).
		return BandHigh
	case until <= cfg.MediumWindow:
		return BandMedium
	default:
		return BandLow
	}
}

// executor is the slice of the sync executor the scheduler needs; narrowed
// for tests.
type executor interface {
	SyncEvent(ctx context.Context, adapter providers.Adapter, cred model.Credential, ev model.Event, opts enginesync.Options) (model.SyncRecord, error)
}

// adapterSource resolves an adapter for an event's credential; satisfied by
// *sync.AdapterCache.
type adapterSource interface {
	For(ctx context.Context, partnerID, providerID string) (providers.Adapter, model.Credential, error)
}

// Scheduler is the top-level loop.
type Scheduler struct {
	store    shared.Store
	executor executor
	logger   *slog.Logger
	cfg      Config
	opts     enginesync.Options

	adapters adapterSource

	now func() time.Time
}

// New builds a scheduler. opts is forwarded to every dispatched sync.
func New(store shared.Store, exec executor, adapters adapterSource, logger *slog.Logger, cfg Config, opts enginesync.Options) *Scheduler {
	return &Scheduler{
		store:    store,
		executor: exec,
		logger:   logger.With("component", "scheduler"),
		cfg:      cfg,
		opts:     opts,
		adapters: adapters,
		now:      time.Now,
	}
}

// Run ticks until ctx is cancelled, then drains in-flight syncs before
// returning. No new work starts after cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "tick", s.cfg.Tick)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return nil
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("tick failed", "error", err)
			}
		}
	}
}

// RunOnce executes a single tick: plan, dispatch, wait.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	due, err := s.plan(ctx)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}
	s.logger.Info("dispatching cycle", "events", len(due))
	return s.dispatch(ctx, due)
}

// plan selects this tick's events: band-classified, due by band interval,
// ordered band-first then by ascending start time, capped per band.
func (s *Scheduler) plan(ctx context.Context) ([]model.Event, error) {
	events, err := s.store.FutureEvents(ctx, s.cfg.Grace)
	if err != nil {
		return nil, err
	}
	lastSyncs, err := s.store.LastSyncTimes(ctx)
	if err != nil {
		return nil, err
	}
	return SelectDue(events, lastSyncs, s.now(), s.cfg), nil
}

// SelectDue is the pure planning step, exported for the band boundary tests.
func SelectDue(events []model.Event, lastSyncs map[string]time.Time, now time.Time, cfg Config) []model.Event {
	byBand := make(map[Band][]model.Event)
	for _, ev := range events {
		band := Classify(ev, now, cfg)
		if band == BandNone {
			continue
		}
		last, synced := lastSyncs[ev.Key()]
		if synced && now.Sub(last) < cfg.Intervals[band] {
			continue
		}
		byBand[band] = append(byBand[band], ev)
	}

	var due []model.Event
	for _, band := range bandOrder {
		picked := byBand[band]
		sort.Slice(picked, func(i, j int) bool {
			return picked[i].StartTime.Before(picked[j].StartTime)
		})
		if limit := cfg.Caps[band]; len(picked) > limit {
			picked = picked[:limit]
		}
		due = append(due, picked...)
	}
	return due
}

// dispatch fans the due events out to the executor. A global worker budget
// bounds total parallelism; a per-partner budget stops one partner from
// saturating the pool. Events are launched in plan order, so the high band
// reaches workers first.
func (s *Scheduler) dispatch(ctx context.Context, due []model.Event) error {
	workers := semaphore.NewWeighted(s.cfg.Workers)
	partnerSems := make(map[string]*semaphore.Weighted)

	var g errgroup.Group
	for _, ev := range due {
		ev := ev
		if ctx.Err() != nil {
			break
		}
		partnerSem, ok := partnerSems[ev.PartnerID]
		if !ok {
			partnerSem = semaphore.NewWeighted(s.cfg.PartnerConcurrency)
			partnerSems[ev.PartnerID] = partnerSem
		}

		if err := workers.Acquire(ctx, 1); err != nil {
			break
		}
		if err := partnerSem.Acquire(ctx, 1); err != nil {
			workers.Release(1)
			break
		}

		g.Go(func() error {
			defer workers.Release(1)
			defer partnerSem.Release(1)
			s.syncOne(ctx, ev)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) syncOne(ctx context.Context, ev model.Event) {
	adapter, cred, err := s.adapters.For(ctx, ev.PartnerID, ev.ProviderID)
	if err != nil {
		s.logger.Warn("no adapter for event",
			"partner_id", ev.PartnerID,
			"provider_id", ev.ProviderID,
			"error", err)
		return
	}

	// On shutdown the executor finishes its current page and commits the
	// sync as partial; nothing runs to the 30-minute deadline.
	_, err = s.executor.SyncEvent(ctx, adapter, cred, ev, s.opts)
	switch {
	case err == nil:
	case errorsIsSkip(err):
		// Busy or just aged out; next tick resolves it.
	default:
		s.logger.Error("event sync failed", "event", ev.Key(), "error", err)
	}
}

func errorsIsSkip(err error) bool {
	return errors.Is(err, enginesync.ErrEventBusy) || errors.Is(err, enginesync.ErrEventInPast)
}
