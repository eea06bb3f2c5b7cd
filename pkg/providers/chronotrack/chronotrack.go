// Package chronotrack implements the ChronoTrack Live provider adapter.
// ChronoTrack uses HTTP basic auth plus a client_id query parameter, and
// calls registrations "entries".
package chronotrack

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

const (
	defaultBaseURL = "https://api.chronotrack.com/api"

	pageSize = 500
)

// Adapter talks to the ChronoTrack Live API.
type Adapter struct {
	BaseURL string

	cred   model.Credential
	logger *slog.Logger
	client *http.Client
}

func init() {
	providers.Register(shared.ProviderChronoTrack, func(cred model.Credential, logger *slog.Logger) (providers.Adapter, error) {
		if cred.Extra["client_id"] == "" {
			return nil, fmt.Errorf("chronotrack credential %s has no client_id", cred.Key())
		}
		return New(cred, logger), nil
	})
}

// New builds a ChronoTrack adapter. The client_id comes from the
// credential's extra config.
func New(cred model.Credential, logger *slog.Logger) *Adapter {
	return &Adapter{
		BaseURL: defaultBaseURL,
		cred:    cred,
		logger:  logger.With("component", "chronotrack", "partner_id", cred.PartnerID),
		client:  httputil.NewClient(shared.HTTPTimeout),
	}
}

func (a *Adapter) Name() string { return shared.ProviderChronoTrack }

// SupportsIncremental is true: entry listings accept a modified-after filter.
func (a *Adapter) SupportsIncremental() bool { return true }

// Authenticate probes the events endpoint with a single-row page. ChronoTrack
// has no dedicated auth endpoint; a bad password comes back as 401 here.
func (a *Adapter) Authenticate(ctx context.Context) error {
	q := url.Values{}
	q.Set("size", "1")
	var out struct{}
	if err := a.get(ctx, "/event", q, &out); err != nil {
		if providers.IsAuth(err) {
			return err
		}
		return fmt.Errorf("probe events: %w", err)
	}
	return nil
}

func (a *Adapter) get(ctx context.Context, path string, q url.Values, v any) error {
	q.Set("format", "json")
	q.Set("client_id", a.cred.Extra["client_id"])

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(a.cred.Principal, a.cred.Secret)

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

type eventJSON struct {
	ID        json.Number `json:"event_id"`
	Name      string      `json:"event_name"`
	StartTime string      `json:"event_start_time"`
}

type raceJSON struct {
	ID       json.Number `json:"race_id"`
	Name     string      `json:"race_name"`
	Distance json.Number `json:"race_course_distance"` // meters
	PlanTime string      `json:"race_planned_start_time"`
}

type entryJSON struct {
	ID           json.Number     `json:"entry_id"`
	FirstName    string          `json:"athlete_first_name"`
	LastName     string          `json:"athlete_last_name"`
	Email        string          `json:"athlete_email"`
	Sex          string          `json:"athlete_sex"`
	DOB          string          `json:"athlete_birthdate"`
	Bib          string          `json:"entry_bib"`
	Tag          string          `json:"entry_tag"`
	RaceID       json.Number     `json:"entry_race_id"`
	CreatedTime  string          `json:"entry_created_time"`
	ModifiedTime string          `json:"entry_modified_time"`
	Team         json.RawMessage `json:"entry_team"`
}

// listPage fetches page n of a collection. ChronoTrack wraps each collection
// in a key named after the resource.
func (a *Adapter) listPage(ctx context.Context, path, key string, base url.Values, page int) ([]json.RawMessage, error) {
	q := url.Values{}
	for k, vs := range base {
		q[k] = vs
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(pageSize))

	var out map[string][]json.RawMessage
	if err := a.get(ctx, path, q, &out); err != nil {
		return nil, err
	}
	return out[key], nil
}

func (a *Adapter) list(path, key string, base url.Values) providers.PageFunc[json.RawMessage] {
	page := 1
	done := false
	return func(ctx context.Context) ([]json.RawMessage, bool, error) {
		if done {
			return nil, false, nil
		}
		raws, err := a.listPage(ctx, path, key, base, page)
		if err != nil {
			return nil, true, err
		}
		if len(raws) < pageSize {
			done = true
		}
		page++
		return raws, !done, nil
	}
}

func (a *Adapter) Events(ctx context.Context) providers.Pages[model.Event] {
	inner := a.list("/event", "event", url.Values{})
	return providers.PageFunc[model.Event](func(ctx context.Context) ([]model.Event, bool, error) {
		raws, more, err := inner(ctx)
		if err != nil {
			return nil, more, err
		}
		events := make([]model.Event, 0, len(raws))
		for _, raw := range raws {
			ev, err := a.toEvent(raw)
			if err != nil {
				a.logger.Warn("skipping malformed event", "error", err)
				continue
			}
			events = append(events, ev)
		}
		return events, more, nil
	})
}

func (a *Adapter) Races(ctx context.Context, ev model.Event) providers.Pages[model.Race] {
	inner := a.list("/event/"+url.PathEscape(ev.ProviderEventID)+"/race", "event_race", url.Values{})
	return providers.PageFunc[model.Race](func(ctx context.Context) ([]model.Race, bool, error) {
		raws, more, err := inner(ctx)
		if err != nil {
			return nil, more, err
		}
		races := make([]model.Race, 0, len(raws))
		for _, raw := range raws {
			r, err := a.toRace(ev, raw)
			if err != nil {
				a.logger.Warn("skipping malformed race", "error", err)
				continue
			}
			races = append(races, r)
		}
		return races, more, nil
	})
}

func (a *Adapter) Participants(ctx context.Context, race model.Race, ev model.Event, since *time.Time) providers.Pages[model.Participant] {
	base := url.Values{}
	base.Set("race_id", race.ProviderRaceID)
	if since != nil {
		base.Set("modified_after", strconv.FormatInt(since.Unix(), 10))
	}
	inner := a.list("/event/"+url.PathEscape(ev.ProviderEventID)+"/entry", "event_entry", base)
	return providers.PageFunc[model.Participant](func(ctx context.Context) ([]model.Participant, bool, error) {
		raws, more, err := inner(ctx)
		if err != nil {
			return nil, more, err
		}
		parts := make([]model.Participant, 0, len(raws))
		for _, raw := range raws {
			p, err := a.toParticipant(race, ev, raw)
			if err != nil {
				a.logger.Warn("skipping malformed entry", "error", err)
				continue
			}
			parts = append(parts, p)
		}
		return parts, more, nil
	})
}

func (a *Adapter) toEvent(raw json.RawMessage) (model.Event, error) {
	var e eventJSON
	if err := json.Unmarshal(raw, &e); err != nil {
		return model.Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.ID.String() == "" {
		return model.Event{}, fmt.Errorf("event missing event_id")
	}
	start, _ := normalize.Time(e.StartTime)
	startTime := time.Time{}
	if start != nil {
		startTime = *start
	}
	return model.Event{
		PartnerID:       a.cred.PartnerID,
		ProviderID:      a.Name(),
		ProviderEventID: e.ID.String(),
		Name:            normalize.String(e.Name),
		StartTime:       startTime,
		RawPayload:      raw,
	}, nil
}

func (a *Adapter) toRace(ev model.Event, raw json.RawMessage) (model.Race, error) {
	var r raceJSON
	if err := json.Unmarshal(raw, &r); err != nil {
		return model.Race{}, fmt.Errorf("decode race: %w", err)
	}
	if r.ID.String() == "" {
		return model.Race{}, fmt.Errorf("race missing race_id")
	}
	dist, _ := r.Distance.Float64()
	start, _ := normalize.Time(r.PlanTime)
	return model.Race{
		PartnerID:       ev.PartnerID,
		ProviderID:      a.Name(),
		ProviderEventID: ev.ProviderEventID,
		ProviderRaceID:  r.ID.String(),
		Name:            normalize.String(r.Name),
		DistanceMeters:  dist,
		StartTime:       start,
		RawPayload:      raw,
	}, nil
}

func (a *Adapter) toParticipant(race model.Race, ev model.Event, raw json.RawMessage) (model.Participant, error) {
	var e entryJSON
	if err := json.Unmarshal(raw, &e); err != nil {
		return model.Participant{}, fmt.Errorf("decode entry: %w", err)
	}
	id := e.ID.String()
	if id == "" {
		return model.Participant{}, fmt.Errorf("entry missing entry_id")
	}

	regDate, err := normalize.Time(e.CreatedTime)
	if err != nil {
		return model.Participant{}, &providers.RowError{Provider: a.Name(), RowID: id, Err: err}
	}
	lastMod, err := normalize.Time(e.ModifiedTime)
	if err != nil {
		return model.Participant{}, &providers.RowError{Provider: a.Name(), RowID: id, Err: err}
	}
	dob, _ := normalize.Time(e.DOB)

	return model.Participant{
		PartnerID:             ev.PartnerID,
		ProviderID:            a.Name(),
		ProviderEventID:       ev.ProviderEventID,
		ProviderRaceID:        race.ProviderRaceID,
		ProviderParticipantID: id,
		FirstName:             normalize.String(e.FirstName),
		LastName:              normalize.String(e.LastName),
		Email:                 normalize.String(e.Email),
		Gender:                normalize.Truncate(a.logger, "gender", e.Sex, normalize.MaxGender),
		Birthdate:             dob,
		Bib:                   normalize.Truncate(a.logger, "bib", e.Bib, normalize.MaxBib),
		Chip:                  normalize.Truncate(a.logger, "chip", e.Tag, normalize.MaxChip),
		RegistrationDate:      regDate,
		LastModified:          lastMod,
		TeamInfo:              e.Team,
		RawPayload:            raw,
	}, nil
}
