// Package runsignup implements the RunSignUp provider adapter.
//
// RunSignUp calls the marketing-level gathering a "race" and the individual
// distances "events", the opposite of the canonical vocabulary. This adapter
// does the renaming at the boundary: a RunSignUp race becomes a canonical
// Event, a RunSignUp event becomes a canonical Race.
package runsignup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	shared "github.com/racewire/engine/pkg"
	"github.com/racewire/engine/pkg/domain/model"
	"github.com/racewire/engine/pkg/domain/normalize"
	"github.com/racewire/engine/pkg/infrastructure/httputil"
	"github.com/racewire/engine/pkg/providers"
)

const defaultBaseURL = "https://runsignup.com/rest"

// Adapter talks to the RunSignUp REST API using API key + secret query
// parameters.
type Adapter struct {
	// BaseURL is overridable for tests.
	BaseURL string

	cred   model.Credential
	client *http.Client
	logger *slog.Logger
}

func init() {
	providers.Register(shared.ProviderRunSignUp, func(cred model.Credential, logger *slog.Logger) (providers.Adapter, error) {
		return New(cred, logger), nil
	})
}

// New builds a RunSignUp adapter for one credential.
func New(cred model.Credential, logger *slog.Logger) *Adapter {
	return &Adapter{
		BaseURL: defaultBaseURL,
		cred:    cred,
		client:  httputil.NewClient(shared.HTTPTimeout),
		logger:  logger.With("component", "runsignup", "partner_id", cred.PartnerID),
	}
}

func (a *Adapter) Name() string { return shared.ProviderRunSignUp }

// SupportsIncremental is true: participants accept modified_after_timestamp.
func (a *Adapter) SupportsIncremental() bool { return true }

// Authenticate probes the credential with a minimal authenticated call.
func (a *Adapter) Authenticate(ctx context.Context) error {
	q := url.Values{}
	q.Set("results_per_page", "1")
	var out racesResponse
	if err := a.get(ctx, "/races", q, &out); err != nil {
		return err
	}
	return nil
}

// get performs one authenticated GET and decodes the JSON response.
func (a *Adapter) get(ctx context.Context, path string, q url.Values, v any) error {
	q.Set("format", "json")
	q.Set("api_key", a.cred.Principal)
	q.Set("api_secret", a.cred.Secret)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := httputil.DoWithRetry(ctx, a.client, req, a.logger)
	if err != nil {
		return &providers.NetworkError{Provider: a.Name(), Err: err}
	}
	defer resp.Body.Close()

	if err := providers.CheckResponse(a.Name(), resp); err != nil {
		return err
	}
	return providers.DecodeJSON(a.Name(), resp, v)
}

// --- wire types ---

type racesResponse struct {
	Races []struct {
		Race json.RawMessage `json:"race"`
	} `json:"races"`
}

type raceJSON struct {
	RaceID      json.Number       `json:"race_id"`
	Name        string            `json:"name"`
	NextDate    string            `json:"next_date"`
	LastDate    string            `json:"last_date"`
	LastEndDate string            `json:"last_end_date"`
	IsDraft     string            `json:"is_draft_race"`
	Events      []json.RawMessage `json:"events"`
}

type raceDetailResponse struct {
	Race json.RawMessage `json:"race"`
}

type eventJSON struct {
	EventID   json.Number `json:"event_id"`
	Name      string      `json:"name"`
	StartTime string      `json:"start_time"`
	Distance  string      `json:"distance"`
}

// participantsResponse absorbs both shapes RunSignUp returns: a top-level
// list of per-event wrappers, or a single object with a participants key.
type participantsResponse struct {
	groups []participantGroup
}

type participantGroup struct {
	EventID      json.Number       `json:"event_id"`
	Participants []json.RawMessage `json:"participants"`
}

func (r *participantsResponse) UnmarshalJSON(data []byte) error {
	var list []participantGroup
	if err := json.Unmarshal(data, &list); err == nil {
		r.groups = list
		return nil
	}
	var single participantGroup
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	r.groups = []participantGroup{single}
	return nil
}

type participantJSON struct {
	RegistrationID   json.Number     `json:"registration_id"`
	UserID           json.Number     `json:"user_id"`
	User             userJSON        `json:"user"`
	BibNum           json.Number     `json:"bib_num"`
	ChipNum          string          `json:"chip_num"`
	Age              json.Number     `json:"age"`
	RegistrationDate string          `json:"registration_date"`
	LastModified     json.Number     `json:"last_modified"`
	TeamInfo         json.RawMessage `json:"team_info"`
	PaymentInfo      json.RawMessage `json:"payment_info"`
}

type userJSON struct {
	FirstName string          `json:"first_name"`
	LastName  string          `json:"last_name"`
	Email     string          `json:"email"`
	Gender    string          `json:"gender"`
	Phone     string          `json:"phone"`
	DOB       string          `json:"dob"`
	Address   json.RawMessage `json:"address"`
}

// --- iterators ---

// Events walks /races pages. The provider caps results_per_page at 1000.
func (a *Adapter) Events(ctx context.Context) providers.Pages[model.Event] {
	page := 1
	done := false
	return providers.PageFunc[model.Event](func(ctx context.Context) ([]model.Event, bool, error) {
		if done {
			return nil, false, nil
		}
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("results_per_page", strconv.Itoa(shared.DefaultPageSize))
		q.Set("events", "T")

		var out racesResponse
		if err := a.get(ctx, "/races", q, &out); err != nil {
			return nil, true, err
		}

		events := make([]model.Event, 0, len(out.Races))
		for _, wrapper := range out.Races {
			ev, err := a.toEvent(wrapper.Race)
			if err != nil {
				a.logger.Warn("skipping malformed race", "error", err)
				continue
			}
			events = append(events, ev)
		}

		page++
		if len(out.Races) < shared.DefaultPageSize {
			done = true
		}
		return events, !done, nil
	})
}

// Races fetches the race detail and exposes its sub-events as canonical
// races. RunSignUp returns them all in one detail call, so this iterator
// yields a single page.
func (a *Adapter) Races(ctx context.Context, ev model.Event) providers.Pages[model.Race] {
	done := false
	return providers.PageFunc[model.Race](func(ctx context.Context) ([]model.Race, bool, error) {
		if done {
			return nil, false, nil
		}
		q := url.Values{}
		q.Set("future_events_only", "F")

		var detail raceDetailResponse
		if err := a.get(ctx, "/race/"+url.PathEscape(ev.ProviderEventID), q, &detail); err != nil {
			return nil, true, err
		}
		var race raceJSON
		if err := json.Unmarshal(detail.Race, &race); err != nil {
			return nil, true, &providers.ProtocolError{
				Provider: a.Name(),
				Sample:   providers.RedactPII(string(detail.Race), 200),
				Err:      err,
			}
		}

		races := make([]model.Race, 0, len(race.Events))
		for _, raw := range race.Events {
			r, err := a.toRace(ev, raw)
			if err != nil {
				a.logger.Warn("skipping malformed sub-event", "error", err)
				continue
			}
			races = append(races, r)
		}
		done = true
		return races, false, nil
	})
}

// Participants walks one sub-event's registrations, optionally filtered by
// modified_after_timestamp.
func (a *Adapter) Participants(ctx context.Context, race model.Race, ev model.Event, since *time.Time) providers.Pages[model.Participant] {
	page := 1
	done := false
	return providers.PageFunc[model.Participant](func(ctx context.Context) ([]model.Participant, bool, error) {
		if done {
			return nil, false, nil
		}
		q := url.Values{}
		q.Set("event_id", race.ProviderRaceID)
		q.Set("page", strconv.Itoa(page))
		q.Set("results_per_page", strconv.Itoa(shared.DefaultPageSize))
		q.Set("include_user_info", "T")
		if since != nil {
			q.Set("modified_after_timestamp", strconv.FormatInt(since.Unix(), 10))
		}

		var out participantsResponse
		if err := a.get(ctx, "/race/"+url.PathEscape(ev.ProviderEventID)+"/participants", q, &out); err != nil {
			return nil, true, err
		}

		var parts []model.Participant
		count := 0
		for _, group := range out.groups {
			for _, raw := range group.Participants {
				count++
				p, err := a.toParticipant(race, ev, raw)
				if err != nil {
					a.logger.Warn("skipping malformed participant", "error", err)
					continue
				}
				parts = append(parts, p)
			}
		}

		page++
		if count < shared.DefaultPageSize {
			done = true
		}
		return parts, !done, nil
	})
}

// --- canonical mapping ---

func (a *Adapter) toEvent(raw json.RawMessage) (model.Event, error) {
	var r raceJSON
	if err := json.Unmarshal(raw, &r); err != nil {
		return model.Event{}, fmt.Errorf("decode race: %w", err)
	}
	id := r.RaceID.String()
	if id == "" {
		return model.Event{}, fmt.Errorf("race missing race_id")
	}
	start, err := normalize.Time(r.NextDate)
	if err != nil || start == nil {
		// Fall back to the last scheduled date for races with no next
		// occurrence.
		start, _ = normalize.Time(r.LastDate)
	}
	startTime := time.Time{}
	if start != nil {
		startTime = *start
	}
	return model.Event{
		PartnerID:       a.cred.PartnerID,
		ProviderID:      a.Name(),
		ProviderEventID: id,
		Name:            normalize.String(r.Name),
		StartTime:       startTime,
		RawPayload:      raw,
	}, nil
}

func (a *Adapter) toRace(ev model.Event, raw json.RawMessage) (model.Race, error) {
	var e eventJSON
	if err := json.Unmarshal(raw, &e); err != nil {
		return model.Race{}, fmt.Errorf("decode sub-event: %w", err)
	}
	if e.EventID.String() == "" {
		return model.Race{}, fmt.Errorf("sub-event missing event_id")
	}
	start, _ := normalize.Time(e.StartTime)
	distance, _ := strconv.ParseFloat(normalize.String(e.Distance), 64)
	return model.Race{
		PartnerID:       ev.PartnerID,
		ProviderID:      a.Name(),
		ProviderEventID: ev.ProviderEventID,
		ProviderRaceID:  e.EventID.String(),
		Name:            normalize.String(e.Name),
		DistanceMeters:  distance * 1609.344, // RunSignUp distances are miles
		StartTime:       start,
		RawPayload:      raw,
	}, nil
}

func (a *Adapter) toParticipant(race model.Race, ev model.Event, raw json.RawMessage) (model.Participant, error) {
	var pj participantJSON
	if err := json.Unmarshal(raw, &pj); err != nil {
		return model.Participant{}, fmt.Errorf("decode participant: %w", err)
	}
	id := pj.RegistrationID.String()
	if id == "" {
		return model.Participant{}, fmt.Errorf("participant missing registration_id")
	}

	regDate, err := normalize.Time(pj.RegistrationDate)
	if err != nil {
		return model.Participant{}, &providers.RowError{Provider: a.Name(), RowID: id, Err: err}
	}
	var lastMod *time.Time
	if secs, err := pj.LastModified.Int64(); err == nil && secs > 0 {
		t := time.Unix(secs, 0).UTC()
		lastMod = &t
	}
	dob, _ := normalize.Time(pj.User.DOB)
	age := 0
	if n, err := pj.Age.Int64(); err == nil {
		age = int(n)
	}

	return model.Participant{
		PartnerID:             ev.PartnerID,
		ProviderID:            a.Name(),
		ProviderEventID:       ev.ProviderEventID,
		ProviderRaceID:        race.ProviderRaceID,
		ProviderParticipantID: id,
		FirstName:             normalize.String(pj.User.FirstName),
		LastName:              normalize.String(pj.User.LastName),
		Email:                 normalize.String(pj.User.Email),
		Gender:                normalize.Truncate(a.logger, "gender", pj.User.Gender, normalize.MaxGender),
		Phone:                 normalize.Truncate(a.logger, "phone", pj.User.Phone, normalize.MaxPhone),
		Birthdate:             dob,
		Age:                   age,
		Bib:                   normalize.Truncate(a.logger, "bib", pj.BibNum.String(), normalize.MaxBib),
		Chip:                  normalize.Truncate(a.logger, "chip", pj.ChipNum, normalize.MaxChip),
		RegistrationDate:      regDate,
		LastModified:          lastMod,
		TeamInfo:              pj.TeamInfo,
		PaymentInfo:           pj.PaymentInfo,
		Address:               pj.User.Address,
		RawPayload:            raw,
	}, nil
}
