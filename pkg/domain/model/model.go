// Package model defines the canonical records shared by every provider
// adapter and the store gateway. Adapters translate provider payloads into
// these types; nothing downstream ever sees a provider-specific shape.
package model

import (
	"encoding/json"
	"time"
)

// Credential is one (partner, provider) authentication record, read from the
// partner_provider_credentials table. The engine never creates or mutates
// credentials.
type Credential struct {
	PartnerID   string
	PartnerName string
	ProviderID  string
	Principal   string
	Secret      string
	// Extra carries provider-specific settings such as an organisation id,
	// decoded from the additional_config_json column.
	Extra map[string]string
}

// Key returns the token-bucket / lock key for this credential.
func (c Credential) Key() string {
	return c.PartnerID + "/" + c.ProviderID
}

// Event is a marketing-level race weekend or meeting.
// (PartnerID, ProviderID, ProviderEventID) is unique.
type Event struct {
	PartnerID       string
	ProviderID      string
	ProviderEventID string
	Name            string
	StartTime       time.Time
	CreatedAt       time.Time
	RawPayload      json.RawMessage
}

// Key returns the identity triple as a single string, used for lock and
// checkpoint keys.
func (e Event) Key() string {
	return e.PartnerID + "/" + e.ProviderID + "/" + e.ProviderEventID
}

// Race is a distance or category within an Event. It references its parent
// event by identifier, never by pointer.
type Race struct {
	PartnerID       string
	ProviderID      string
	ProviderEventID string
	ProviderRaceID  string
	Name            string
	DistanceMeters  float64
	StartTime       *time.Time
	RawPayload      json.RawMessage
}

// Participant is one registration. (PartnerID, ProviderEventID,
// ProviderParticipantID) is unique within a provider; upserts rely on it.
type Participant struct {
	PartnerID             string
	ProviderID            string
	ProviderEventID       string
	ProviderRaceID        string
	ProviderParticipantID string

	FirstName string
	LastName  string
	Email     string
	Gender    string
	Phone     string
	Birthdate *time.Time
	Age       int

	Bib  string
	Chip string

	RegistrationDate *time.Time
	LastModified     *time.Time
	FetchedAt        time.Time

	// Flexible sub-objects stored as JSON columns. Anything the engine does
	// not query on stays opaque.
	TeamInfo       json.RawMessage
	PaymentInfo    json.RawMessage
	Address        json.RawMessage
	AdditionalData json.RawMessage
	RawPayload     json.RawMessage
}

// SyncKind identifies how a sync pulled its data.
type SyncKind string

const (
	SyncFull         SyncKind = "full"
	SyncIncremental  SyncKind = "incremental"
	SyncFullFallback SyncKind = "full_fallback"
	SyncDiscovery    SyncKind = "discovery"
)

// SyncStatus is the terminal status of a sync history row.
type SyncStatus string

const (
	SyncCompleted SyncStatus = "completed"
	SyncFailed    SyncStatus = "failed"
	SyncPartial   SyncStatus = "partial"
)

// SyncRecord is one append-only sync_history row. Exactly one is written per
// executor or discovery invocation.
type SyncRecord struct {
	ID         string
	PartnerID  string
	ProviderID string
	// EventID is empty for discovery rows.
	EventID            string
	Kind               SyncKind
	Status             SyncStatus
	StartedAt          time.Time
	FinishedAt         time.Time
	EventsSynced       int
	ParticipantsSynced int
	Errors             int
	Reason             string
}
