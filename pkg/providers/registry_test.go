package providers

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/racewire/engine/pkg/domain/model"
)

type fakeAdapter struct{ name string }

func (f *fakeAdapter) Name() string                           { return f.name }
func (f *fakeAdapter) Authenticate(ctx context.Context) error { return nil }
func (f *fakeAdapter) SupportsIncremental() bool              { return false }
func (f *fakeAdapter) Events(ctx context.Context) Pages[model.Event] {
	return PageFunc[model.Event](func(ctx context.Context) ([]model.Event, bool, error) {
		return nil, false, nil
	})
}
func (f *fakeAdapter) Races(ctx context.Context, ev model.Event) Pages[model.Race] {
	return PageFunc[model.Race](func(ctx context.Context) ([]model.Race, bool, error) {
		return nil, false, nil
	})
}
func (f *fakeAdapter) Participants(ctx context.Context, race model.Race, ev model.Event, since *time.Time) Pages[model.Participant] {
	return PageFunc[model.Participant](func(ctx context.Context) ([]model.Participant, bool, error) {
		return nil, false, nil
	})
}

func TestForCredential(t *testing.T) {
	Register("fakeprov", func(cred model.Credential, logger *slog.Logger) (Adapter, error) {
		return &fakeAdapter{name: "fakeprov"}, nil
	})

	a, err := ForCredential(model.Credential{ProviderID: "fakeprov"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("ForCredential: %v", err)
	}
	if a.Name() != "fakeprov" {
		t.Errorf("Name = %q", a.Name())
	}

	if _, err := ForCredential(model.Credential{ProviderID: "nosuch"}, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Error("expected error for unregistered provider")
	}
}
