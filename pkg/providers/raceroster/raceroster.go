// Package raceroster implements the Race Roster provider adapter. Race
// Roster is OAuth2 client-credentials authenticated and exposes sub-events as
// first-class resources, so canonical races map one-to-one.
package raceroster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	shared "github.com/racewire/engine/pkg"
	"github.com/racewire/engine/pkg/domain/model"
	"github.com/racewire/engine/pkg/domain/normalize"
	"github.com/racewire/engine/pkg/infrastructure/httputil"
	"github.com/racewire/engine/pkg/providers"
)

const (
	defaultBaseURL = "https://racerosterapi.com/api/v2"
	defaultAuthURL = "https://racerosterapi.com/oauth2/token"

	pageSize = 250
)

// Adapter talks to the Race Roster API.
type Adapter struct {
	BaseURL string
	AuthURL string

	cred   model.Credential
	logger *slog.Logger
	client *http.Client
}

func init() {
	providers.Register(shared.ProviderRaceRoster, func(cred model.Credential, logger *slog.Logger) (providers.Adapter, error) {
		return New(cred, logger), nil
	})
}

// New builds a Race Roster adapter for one credential.
func New(cred model.Credential, logger *slog.Logger) *Adapter {
	return &Adapter{
		BaseURL: defaultBaseURL,
		AuthURL: defaultAuthURL,
		cred:    cred,
		logger:  logger.With("component", "raceroster", "partner_id", cred.PartnerID),
	}
}

func (a *Adapter) Name() string { return shared.ProviderRaceRoster }

// SupportsIncremental is true: list endpoints accept modified_since.
func (a *Adapter) SupportsIncremental() bool { return true }

// Authenticate exchanges the client credentials for a bearer token.
func (a *Adapter) Authenticate(ctx context.Context) error {
	cfg := &clientcredentials.Config{
		ClientID:     a.cred.Principal,
		ClientSecret: a.cred.Secret,
		TokenURL:     a.AuthURL,
	}
	ts := cfg.TokenSource(ctx)
	if _, err := ts.Token(); err != nil {
		return &providers.AuthError{Provider: a.Name(), Err: err}
	}
	a.client = &http.Client{
		Timeout:   shared.HTTPTimeout,
		Transport: &oauth2.Transport{Source: oauth2.ReuseTokenSource(nil, ts)},
	}
	return nil
}

func (a *Adapter) get(ctx context.Context, path string, q url.Values, v any) error {
	if a.client == nil {
		if err := a.Authenticate(ctx); err != nil {
			return err
		}
	}

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

// listResponse is Race Roster's uniform list envelope.
type listResponse struct {
	Data       []json.RawMessage `json:"data"`
	NextPage   *int              `json:"next_page"`
	TotalPages int               `json:"total_pages"`
}

type eventJSON struct {
	ID            json.Number `json:"id"`
	Name          string      `json:"name"`
	StartDateTime string      `json:"start_datetime"`
	Timezone      string      `json:"timezone"`
}

type subEventJSON struct {
	ID            json.Number `json:"id"`
	Name          string      `json:"name"`
	DistanceKM    float64     `json:"distance_km"`
	StartDateTime string      `json:"start_datetime"`
}

type entrantJSON struct {
	ID               json.Number     `json:"id"`
	FirstName        string          `json:"first_name"`
	LastName         string          `json:"last_name"`
	Email            string          `json:"email"`
	Gender           string          `json:"gender"`
	Phone            string          `json:"phone"`
	DateOfBirth      string          `json:"date_of_birth"`
	Age              json.Number     `json:"age"`
	BibNumber        string          `json:"bib_number"`
	ChipNumber       string          `json:"chip_number"`
	RegistrationTime string          `json:"registration_time"`
	ModifiedTime     string          `json:"modified_time"`
	Team             json.RawMessage `json:"team"`
	Transaction      json.RawMessage `json:"transaction"`
	Address          json.RawMessage `json:"address"`
	CustomQuestions  json.RawMessage `json:"custom_questions"`
}

// --- iterators ---

// list walks a paginated Race Roster collection, honouring the envelope's
// next_page pointer.
func (a *Adapter) list(path string, base url.Values) providers.PageFunc[json.RawMessage] {
	page := 1
	done := false
	return func(ctx context.Context) ([]json.RawMessage, bool, error) {
		if done {
			return nil, false, nil
		}
		q := url.Values{}
		for k, vs := range base {
			q[k] = vs
		}
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", strconv.Itoa(pageSize))

		var out listResponse
		if err := a.get(ctx, path, q, &out); err != nil {
			return nil, true, err
		}

		if out.NextPage == nil {
			done = true
		} else {
			page = *out.NextPage
		}
		return out.Data, !done, nil
	}
}

func (a *Adapter) Events(ctx context.Context) providers.Pages[model.Event] {
	inner := a.list("/events", url.Values{})
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
	inner := a.list("/events/"+url.PathEscape(ev.ProviderEventID)+"/sub-events", url.Values{})
	return providers.PageFunc[model.Race](func(ctx context.Context) ([]model.Race, bool, error) {
		raws, more, err := inner(ctx)
		if err != nil {
			return nil, more, err
		}
		races := make([]model.Race, 0, len(raws))
		for _, raw := range raws {
			r, err := a.toRace(ev, raw)
			if err != nil {
				a.logger.Warn("skipping malformed sub-event", "error", err)
				continue
			}
			races = append(races, r)
		}
		return races, more, nil
	})
}

func (a *Adapter) Participants(ctx context.Context, race model.Race, ev model.Event, since *time.Time) providers.Pages[model.Participant] {
	base := url.Values{}
	base.Set("sub_event_id", race.ProviderRaceID)
	if since != nil {
		base.Set("modified_since", since.UTC().Format(time.RFC3339))
	}
	inner := a.list("/events/"+url.PathEscape(ev.ProviderEventID)+"/entrants", base)
	return providers.PageFunc[model.Participant](func(ctx context.Context) ([]model.Participant, bool, error) {
		raws, more, err := inner(ctx)
		if err != nil {
			return nil, more, err
		}
		parts := make([]model.Participant, 0, len(raws))
		for _, raw := range raws {
			p, err := a.toParticipant(race, ev, raw)
			if err != nil {
				a.logger.Warn("skipping malformed entrant", "error", err)
				continue
			}
			parts = append(parts, p)
		}
		return parts, more, nil
	})
}

// --- canonical mapping ---

func (a *Adapter) toEvent(raw json.RawMessage) (model.Event, error) {
	var e eventJSON
	if err := json.Unmarshal(raw, &e); err != nil {
		return model.Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.ID.String() == "" {
		return model.Event{}, fmt.Errorf("event missing id")
	}
	start, _ := normalize.Time(e.StartDateTime)
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
	var s subEventJSON
	if err := json.Unmarshal(raw, &s); err != nil {
		return model.Race{}, fmt.Errorf("decode sub-event: %w", err)
	}
	if s.ID.String() == "" {
		return model.Race{}, fmt.Errorf("sub-event missing id")
	}
	start, _ := normalize.Time(s.StartDateTime)
	return model.Race{
		PartnerID:       ev.PartnerID,
		ProviderID:      a.Name(),
		ProviderEventID: ev.ProviderEventID,
		ProviderRaceID:  s.ID.String(),
		Name:            normalize.String(s.Name),
		DistanceMeters:  s.DistanceKM * 1000,
		StartTime:       start,
		RawPayload:      raw,
	}, nil
}

func (a *Adapter) toParticipant(race model.Race, ev model.Event, raw json.RawMessage) (model.Participant, error) {
	var e entrantJSON
	if err := json.Unmarshal(raw, &e); err != nil {
		return model.Participant{}, fmt.Errorf("decode entrant: %w", err)
	}
	id := e.ID.String()
	if id == "" {
		return model.Participant{}, fmt.Errorf("entrant missing id")
	}

	regDate, err := normalize.Time(e.RegistrationTime)
	if err != nil {
		return model.Participant{}, &providers.RowError{Provider: a.Name(), RowID: id, Err: err}
	}
	lastMod, err := normalize.Time(e.ModifiedTime)
	if err != nil {
		return model.Participant{}, &providers.RowError{Provider: a.Name(), RowID: id, Err: err}
	}
	dob, _ := normalize.Time(e.DateOfBirth)
	age := 0
	if n, err := e.Age.Int64(); err == nil {
		age = int(n)
	}

	return model.Participant{
		PartnerID:             ev.PartnerID,
		ProviderID:            a.Name(),
		ProviderEventID:       ev.ProviderEventID,
		ProviderRaceID:        race.ProviderRaceID,
		ProviderParticipantID: id,
		FirstName:             normalize.String(e.FirstName),
		LastName:              normalize.String(e.LastName),
		Email:                 normalize.String(e.Email),
		Gender:                normalize.Truncate(a.logger, "gender", e.Gender, normalize.MaxGender),
		Phone:                 normalize.Truncate(a.logger, "phone", e.Phone, normalize.MaxPhone),
		Birthdate:             dob,
		Age:                   age,
		Bib:                   normalize.Truncate(a.logger, "bib", e.BibNumber, normalize.MaxBib),
		Chip:                  normalize.Truncate(a.logger, "chip", e.ChipNumber, normalize.MaxChip),
		RegistrationDate:      regDate,
		LastModified:          lastMod,
		TeamInfo:              e.Team,
		PaymentInfo:           e.Transaction,
		Address:               e.Address,
		AdditionalData:        e.CustomQuestions,
		RawPayload:            raw,
	}, nil
}
