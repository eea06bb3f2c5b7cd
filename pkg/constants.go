package shared

import "time"

const (
	// Provider identifiers. These match the providers table seed data and the
	// per-provider canonical table prefixes.
	ProviderRunSignUp   = "runsignup"
	ProviderHaku        = "haku"
	ProviderRaceRoster  = "raceroster"
	ProviderLetsDoThis  = "letsdothis"
	ProviderChronoTrack = "chronotrack"
)

const (
	// DefaultPageSize is the number of records requested per provider API page.
	DefaultPageSize = 1000

	// HTTPTimeout bounds a single provider API call.
	HTTPTimeout = 30 * time.Second

	// SyncSoftDeadline is the soft deadline for one event sync. Exceeding it
	// marks the sync history row partial but does not kill in-flight upserts.
	SyncSoftDeadline = 30 * time.Minute

	// EventGrace keeps an event eligible for syncing after its start time, so
	// late-finishing races still pick up final registrations.
	EventGrace = time.Hour

	// IncrementalHorizon is how far back an incremental sync may reach before
	// the executor prefers a full sync instead.
	IncrementalHorizon = 7 * 24 * time.Hour
)

// Providers lists every provider id the engine knows how to sync.
var Providers = []string{
	ProviderRunSignUp,
	ProviderHaku,
	ProviderRaceRoster,
	ProviderLetsDoThis,
	ProviderChronoTrack,
}
