// Package providers defines the contract every registration provider adapter
// implements, plus the shared error taxonomy. An adapter translates one
// provider's REST API into canonical model records; the rest of the engine is
// provider-agnostic.
package providers

import (
	"context"
	"log/slog"
	"time"

	"github.com/racewire/engine/pkg/domain/model"
)

// Pages is a resumable page iterator. Next returns the next batch of records
// and whether more pages remain. When Next fails with a RateLimitedError the
// iterator has not advanced: calling Next again after the limiter clears
// resumes at the same page.
type Pages[T any] interface {
	Next(ctx context.Context) (batch []T, more bool, err error)
}

// PageFunc adapts a fetch closure into a Pages iterator. The closure owns its
// own cursor state and must not advance it on error.
type PageFunc[T any] func(ctx context.Context) ([]T, bool, error)

func (f PageFunc[T]) Next(ctx context.Context) ([]T, bool, error) { return f(ctx) }

// Adapter is the capability set every provider integration exposes.
// Construction is cheap; Authenticate performs any token exchange and caches
// the result for the adapter's lifetime.
type Adapter interface {
	// Name returns the stable provider identifier (shared.Provider*).
	Name() string

	// Authenticate validates the credential, caching any derived token.
	// Returns an AuthError on rejection.
	Authenticate(ctx context.Context) error

	// SupportsIncremental reports whether the provider exposes a native
	// modified-since filter. When false the executor always runs full syncs.
	SupportsIncremental() bool

	// Events walks all events visible to the credential. Pagination is
	// transparent; the iterator stops when the provider signals no more.
	Events(ctx context.Context) Pages[model.Event]

	// Races walks the races of one event.
	Races(ctx context.Context, ev model.Event) Pages[model.Race]

	// Participants walks one race's registrations. A non-nil since applies
	// the provider's native modified-since filter; callers must not pass
	// since to adapters that report SupportsIncremental() == false.
	Participants(ctx context.Context, race model.Race, ev model.Event, since *time.Time) Pages[model.Participant]
}

// Factory builds an adapter for one credential.
type Factory func(cred model.Credential, logger *slog.Logger) (Adapter, error)
