package backfill

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	shared "github.com/racewire/engine/pkg"
	"github.com/racewire/engine/pkg/domain/model"
	"github.com/racewire/engine/pkg/providers"
	enginesync "github.com/racewire/engine/pkg/sync"
)

type fakeStore struct {
	shared.Store
	events []model.Event
}

func (s *fakeStore) ListEvents(ctx context.Context, partnerID, providerID string) ([]model.Event, error) {
	return s.events, nil
}

type fakeExecutor struct {
	synced []string
	opts   []enginesync.Options
	failOn map[string]error
	stopAt int // cancel the run's context after this many syncs, 0 = never
	cancel context.CancelFunc
}

func (e *fakeExecutor) SyncEvent(ctx context.Context, adapter providers.Adapter, cred model.Credential, ev model.Event, opts enginesync.Options) (model.SyncRecord, error) {
	e.synced = append(e.synced, ev.Key())
	e.opts = append(e.opts, opts)
	if e.stopAt > 0 && len(e.synced) == e.stopAt {
		e.cancel()
	}
	if err := e.failOn[ev.Key()]; err != nil {
		return model.SyncRecord{}, err
	}
	return model.SyncRecord{Status: model.SyncCompleted, ParticipantsSynced: 10}, nil
}

type fakeAdapters struct{}

func (fakeAdapters) For(ctx context.Context, partnerID, providerID string) (providers.Adapter, model.Credential, error) {
	return nil, model.Credential{PartnerID: partnerID, ProviderID: providerID}, nil
}

func pastEvent(id string) model.Event {
	return model.Event{
		PartnerID:       "p1",
		ProviderID:      shared.ProviderHaku,
		ProviderEventID: id,
		StartTime:       time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC),
	}
}

func testRunner(t *testing.T, store *fakeStore, exec *fakeExecutor, dryRun bool) (*Runner, string) {
	t.Helper()
	dir := t.TempDir()
	return New(store, exec, fakeAdapters{}, slog.New(slog.NewTextHandler(io.Discard, nil)), dir, dryRun), dir
}

func TestRun_SyncsWholeWorkListAndArchivesCheckpoint(t *testing.T) {
	store := &fakeStore{events: []model.Event{pastEvent("a"), pastEvent("b"), pastEvent("c")}}
	exec := &fakeExecutor{}
	r, dir := testRunner(t, store, exec, false)

	if err := r.Run(context.Background(), "p1", shared.ProviderHaku); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(exec.synced) != 3 {
		t.Fatalf("synced %d events, want 3", len(exec.synced))
	}
	for _, opts := range exec.opts {
		if !opts.ForceFull || !opts.IncludePast {
			t.Errorf("opts = %+v, want ForceFull and IncludePast", opts)
		}
	}

	path := CheckpointPath(dir, "p1", shared.ProviderHaku)
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("live checkpoint still present after completion")
	}
	archived, err := filepath.Glob(path + ".*.done")
	if err != nil || len(archived) != 1 {
		t.Errorf("expected one archived checkpoint, got %v", archived)
	}
}

func TestRun_ResumesAfterLastCompleted(t *testing.T) {
	events := []model.Event{pastEvent("a"), pastEvent("b"), pastEvent("c")}
	store := &fakeStore{events: events}

	// First run is cancelled after syncing "a".
	exec := &fakeExecutor{stopAt: 1}
	r, dir := testRunner(t, store, exec, false)
	ctx, cancel := context.WithCancel(context.Background())
	exec.cancel = cancel
	defer cancel()

	if err := r.Run(ctx, "p1", shared.ProviderHaku); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(exec.synced) != 1 {
		t.Fatalf("first run synced %d, want 1", len(exec.synced))
	}

	// Second run picks up from the checkpoint: b and c only.
	exec2 := &fakeExecutor{}
	r2 := New(store, exec2, fakeAdapters{}, slog.New(slog.NewTextHandler(io.Discard, nil)), dir, false)
	if err := r2.Run(context.Background(), "p1", shared.ProviderHaku); err != nil {
		t.Fatalf("resume: %v", err)
	}
	want := []string{pastEvent("b").Key(), pastEvent("c").Key()}
	if len(exec2.synced) != 2 || exec2.synced[0] != want[0] || exec2.synced[1] != want[1] {
		t.Errorf("resumed run synced %v, want %v", exec2.synced, want)
	}
}

func TestRun_EventFailureDoesNotStopTheRun(t *testing.T) {
	store := &fakeStore{events: []model.Event{pastEvent("a"), pastEvent("b")}}
	exec := &fakeExecutor{failOn: map[string]error{pastEvent("a").Key(): errors.New("provider 500")}}
	r, _ := testRunner(t, store, exec, false)

	if err := r.Run(context.Background(), "p1", shared.ProviderHaku); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(exec.synced) != 2 {
		t.Errorf("synced %d events, want 2", len(exec.synced))
	}
}

func TestRun_DryRunTouchesNothing(t *testing.T) {
	store := &fakeStore{events: []model.Event{pastEvent("a")}}
	exec := &fakeExecutor{}
	r, dir := testRunner(t, store, exec, true)

	if err := r.Run(context.Background(), "p1", shared.ProviderHaku); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(exec.synced) != 0 {
		t.Errorf("dry run synced %d events", len(exec.synced))
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("dry run wrote files: %v", entries)
	}
}

func TestCheckpoint_SaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := CheckpointPath(dir, "p1", "haku")

	cp := &Checkpoint{RunID: "r1", Events: []string{"a", "b"}, LastCompleted: 0, StartedAt: time.Now().UTC()}
	if err := cp.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Error("temp file left behind after save")
	}

	loaded, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if loaded.RunID != "r1" || loaded.LastCompleted != 0 || len(loaded.Events) != 2 {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestLoadCheckpoint_MissingFile(t *testing.T) {
	cp, err := LoadCheckpoint(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil || cp != nil {
		t.Errorf("got %v, %v; want nil, nil", cp, err)
	}
}
