// Package haku implements the Haku provider adapter. Haku uses OAuth2 client
// credentials and returns registration fees as display strings ("$1,234.50"),
// which are normalised to numeric amounts here.
package haku

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
	defaultBaseURL = "https://api.hakuapp.com/v1"
	defaultAuthURL = "https://auth.hakuapp.com/oauth/token"

	// Haku caps page sizes well below the canonical 1000.
	pageSize = 500
)

// Adapter talks to the Haku REST API with a client-credentials bearer token.
type Adapter struct {
	BaseURL string
	AuthURL string

	cred   model.Credential
	logger *slog.Logger

	tokenSource oauth2.TokenSource
	client      *http.Client
}

func init() {
	providers.Register(shared.ProviderHaku, func(cred model.Credential, logger *slog.Logger) (providers.Adapter, error) {
		if cred.Extra["organization_id"] == "" {
			return nil, fmt.Errorf("haku credential %s has no organization_id", cred.Key())
		}
		return New(cred, logger), nil
	})
}

// New builds a Haku adapter for one credential. The token source is created
// lazily on Authenticate so tests can point BaseURL/AuthURL at a fixture
// server first.
func New(cred model.Credential, logger *slog.Logger) *Adapter {
	return &Adapter{
		BaseURL: defaultBaseURL,
		AuthURL: defaultAuthURL,
		cred:    cred,
		logger:  logger.With("component", "haku", "partner_id", cred.PartnerID),
	}
}

func (a *Adapter) Name() string { return shared.ProviderHaku }

// SupportsIncremental is true: list endpoints accept updated_since.
func (a *Adapter) SupportsIncremental() bool { return true }

// Authenticate exchanges the client credentials for a bearer token and caches
// the reusable token source.
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
	a.tokenSource = oauth2.ReuseTokenSource(nil, ts)
	a.client = &http.Client{
		Timeout:   shared.HTTPTimeout,
		Transport: &oauth2.Transport{Source: a.tokenSource},
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
	if org := a.cred.Extra["organization_id"]; org != "" {
		req.Header.Set("X-Organization-Id", org)
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

type eventsResponse struct {
	Events []json.RawMessage `json:"events"`
}

type eventJSON struct {
	ID        json.Number `json:"id"`
	Name      string      `json:"name"`
	StartDate string      `json:"start_date"`
}

type racesResponse struct {
	Races []json.RawMessage `json:"races"`
}

type raceJSON struct {
	ID             json.Number `json:"id"`
	Name           string      `json:"name"`
	DistanceMeters float64     `json:"distance_meters"`
	StartTime      string      `json:"start_time"`
}

type participantsResponse struct {
	Participants []json.RawMessage `json:"participants"`
}

type participantJSON struct {
	ID           json.Number     `json:"id"`
	FirstName    string          `json:"first_name"`
	LastName     string          `json:"last_name"`
	Email        string          `json:"email"`
	Gender       string          `json:"gender"`
	Phone        string          `json:"phone"`
	DateOfBirth  string          `json:"date_of_birth"`
	Bib          string          `json:"bib"`
	ChipID       string          `json:"chip_id"`
	RegisteredAt string          `json:"registered_at"`
	UpdatedAt    string          `json:"updated_at"`
	AmountPaid   string          `json:"amount_paid"`
	Team         json.RawMessage `json:"team"`
	Address      json.RawMessage `json:"address"`
}

// --- iterators ---

func (a *Adapter) Events(ctx context.Context) providers.Pages[model.Event] {
	page := 1
	done := false
	return providers.PageFunc[model.Event](func(ctx context.Context) ([]model.Event, bool, error) {
		if done {
			return nil, false, nil
		}
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", strconv.Itoa(pageSize))

		var out eventsResponse
		if err := a.get(ctx, "/events", q, &out); err != nil {
			return nil, true, err
		}

		events := make([]model.Event, 0, len(out.Events))
		for _, raw := range out.Events {
			ev, err := a.toEvent(raw)
			if err != nil {
				a.logger.Warn("skipping malformed event", "error", err)
				continue
			}
			events = append(events, ev)
		}

		page++
		if len(out.Events) < pageSize {
			done = true
		}
		return events, !done, nil
	})
}

func (a *Adapter) Races(ctx context.Context, ev model.Event) providers.Pages[model.Race] {
	page := 1
	done := false
	return providers.PageFunc[model.Race](func(ctx context.Context) ([]model.Race, bool, error) {
		if done {
			return nil, false, nil
		}
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", strconv.Itoa(pageSize))

		var out racesResponse
		if err := a.get(ctx, "/events/"+url.PathEscape(ev.ProviderEventID)+"/races", q, &out); err != nil {
			return nil, true, err
		}

		races := make([]model.Race, 0, len(out.Races))
		for _, raw := range out.Races {
			r, err := a.toRace(ev, raw)
			if err != nil {
				a.logger.Warn("skipping malformed race", "error", err)
				continue
			}
			races = append(races, r)
		}

		page++
		if len(out.Races) < pageSize {
			done = true
		}
		return races, !done, nil
	})
}

func (a *Adapter) Participants(ctx context.Context, race model.Race, ev model.Event, since *time.Time) providers.Pages[model.Participant] {
	page := 1
	done := false
	return providers.PageFunc[model.Participant](func(ctx context.Context) ([]model.Participant, bool, error) {
		if done {
			return nil, false, nil
		}
		q := url.Values{}
		q.Set("race_id", race.ProviderRaceID)
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", strconv.Itoa(pageSize))
		if since != nil {
			q.Set("updated_since", since.UTC().Format(time.RFC3339))
		}

		var out participantsResponse
		if err := a.get(ctx, "/events/"+url.PathEscape(ev.ProviderEventID)+"/participants", q, &out); err != nil {
			return nil, true, err
		}

		parts := make([]model.Participant, 0, len(out.Participants))
		for _, raw := range out.Participants {
			p, err := a.toParticipant(race, ev, raw)
			if err != nil {
				a.logger.Warn("skipping malformed participant", "error", err)
				continue
			}
			parts = append(parts, p)
		}

		page++
		if len(out.Participants) < pageSize {
			done = true
		}
		return parts, !done, nil
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
	start, _ := normalize.Time(e.StartDate)
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
		return model.Race{}, fmt.Errorf("race missing id")
	}
	start, _ := normalize.Time(r.StartTime)
	return model.Race{
		PartnerID:       ev.PartnerID,
		ProviderID:      a.Name(),
		ProviderEventID: ev.ProviderEventID,
		ProviderRaceID:  r.ID.String(),
		Name:            normalize.String(r.Name),
		DistanceMeters:  r.DistanceMeters,
		StartTime:       start,
		RawPayload:      raw,
	}, nil
}

func (a *Adapter) toParticipant(race model.Race, ev model.Event, raw json.RawMessage) (model.Participant, error) {
	var pj participantJSON
	if err := json.Unmarshal(raw, &pj); err != nil {
		return model.Participant{}, fmt.Errorf("decode participant: %w", err)
	}
	id := pj.ID.String()
	if id == "" {
		return model.Participant{}, fmt.Errorf("participant missing id")
	}

	regDate, err := normalize.Time(pj.RegisteredAt)
	if err != nil {
		return model.Participant{}, &providers.RowError{Provider: a.Name(), RowID: id, Err: err}
	}
	lastMod, err := normalize.Time(pj.UpdatedAt)
	if err != nil {
		return model.Participant{}, &providers.RowError{Provider: a.Name(), RowID: id, Err: err}
	}
	dob, _ := normalize.Time(pj.DateOfBirth)

	// Haku reports fees as display strings; store the numeric amount in the
	// payment sub-object.
	var payment json.RawMessage
	if pj.AmountPaid != "" {
		amount, err := normalize.Money(pj.AmountPaid)
		if err != nil {
			return model.Participant{}, &providers.RowError{Provider: a.Name(), RowID: id, Err: err}
		}
		payment, _ = json.Marshal(map[string]any{"amount_paid": amount})
	}

	return model.Participant{
		PartnerID:             ev.PartnerID,
		ProviderID:            a.Name(),
		ProviderEventID:       ev.ProviderEventID,
		ProviderRaceID:        race.ProviderRaceID,
		ProviderParticipantID: id,
		FirstName:             normalize.String(pj.FirstName),
		LastName:              normalize.String(pj.LastName),
		Email:                 normalize.String(pj.Email),
		Gender:                normalize.Truncate(a.logger, "gender", pj.Gender, normalize.MaxGender),
		Phone:                 normalize.Truncate(a.logger, "phone", pj.Phone, normalize.MaxPhone),
		Birthdate:             dob,
		Bib:                   normalize.Truncate(a.logger, "bib", pj.Bib, normalize.MaxBib),
		Chip:                  normalize.Truncate(a.logger, "chip", pj.ChipID, normalize.MaxChip),
		RegistrationDate:      regDate,
		LastModified:          lastMod,
		TeamInfo:              pj.Team,
		PaymentInfo:           payment,
		Address:               pj.Address,
		RawPayload:            raw,
	}, nil
}
