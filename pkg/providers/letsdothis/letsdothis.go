// Package letsdothis implements the Let's Do This provider adapter. The API
// authenticates with a pre-issued bearer token and has no modified-since
// filtering, so every sync is a full pull.
package letsdothis

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
	defaultBaseURL = "https://api.letsdothis.com/v1"

	pageSize = 100
)

// Adapter talks to the Let's Do This partner API.
type Adapter struct {
	BaseURL string

	cred   model.Credential
	logger *slog.Logger
	client *http.Client
}

func init() {
	providers.Register(shared.ProviderLetsDoThis, func(cred model.Credential, logger *slog.Logger) (providers.Adapter, error) {
		if cred.Secret == "" {
			return nil, fmt.Errorf("letsdothis credential %s has no token", cred.Key())
		}
		return New(cred, logger), nil
	})
}

// New builds a Let's Do This adapter. The credential secret is the bearer
// token itself.
func New(cred model.Credential, logger *slog.Logger) *Adapter {
	return &Adapter{
		BaseURL: defaultBaseURL,
		cred:    cred,
		logger:  logger.With("component", "letsdothis", "partner_id", cred.PartnerID),
		client:  httputil.NewClient(shared.HTTPTimeout),
	}
}

func (a *Adapter) Name() string { return shared.ProviderLetsDoThis }

// SupportsIncremental is false: the API cannot filter by modification time.
func (a *Adapter) SupportsIncremental() bool { return false }

// Authenticate verifies the token against the partner profile endpoint. A
// rejected token surfaces here rather than mid-sync.
func (a *Adapter) Authenticate(ctx context.Context) error {
	var out struct {
		PartnerID json.Number `json:"partner_id"`
	}
	if err := a.get(ctx, "/me", url.Values{}, &out); err != nil {
		if providers.IsAuth(err) {
			return err
		}
		return &providers.AuthError{Provider: a.Name(), Err: err}
	}
	return nil
}

func (a *Adapter) get(ctx context.Context, path string, q url.Values, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cred.Secret)

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

// Let's Do This paginates with an opaque cursor in the response envelope.
type listResponse struct {
	Results []json.RawMessage `json:"results"`
	Cursor  string            `json:"next_cursor"`
}

type raceJSON struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	StartDate string `json:"start_date"`
}

type ticketJSON struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	DistanceMeters float64 `json:"distance_meters"`
	StartDate      string  `json:"start_date"`
}

type bookingJSON struct {
	ID        string          `json:"id"`
	FirstName string          `json:"first_name"`
	LastName  string          `json:"last_name"`
	Email     string          `json:"email"`
	Gender    string          `json:"gender"`
	Phone     string          `json:"phone_number"`
	DOB       string          `json:"date_of_birth"`
	BookedAt  string          `json:"booked_at"`
	UpdatedAt string          `json:"updated_at"`
	Team      json.RawMessage `json:"team"`
	Payment   json.RawMessage `json:"payment"`
	Answers   json.RawMessage `json:"answers"`
}

// list walks a cursor-paginated collection. The cursor only advances on a
// successful page, so a rate-limited pull resumes where it stopped.
func (a *Adapter) list(path string, base url.Values) providers.PageFunc[json.RawMessage] {
	cursor := ""
	done := false
	return func(ctx context.Context) ([]json.RawMessage, bool, error) {
		if done {
			return nil, false, nil
		}
		q := url.Values{}
		for k, vs := range base {
			q[k] = vs
		}
		q.Set("limit", strconv.Itoa(pageSize))
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var out listResponse
		if err := a.get(ctx, path, q, &out); err != nil {
			return nil, true, err
		}

		cursor = out.Cursor
		if cursor == "" {
			done = true
		}
		return out.Results, !done, nil
	}
}

// Events lists races. Let's Do This calls the marketing-level entity a
// "race"; it maps to the canonical event.
func (a *Adapter) Events(ctx context.Context) providers.Pages[model.Event] {
	inner := a.list("/races", url.Values{})
	return providers.PageFunc[model.Event](func(ctx context.Context) ([]model.Event, bool, error) {
		raws, more, err := inner(ctx)
		if err != nil {
			return nil, more, err
		}
		events := make([]model.Event, 0, len(raws))
		for _, raw := range raws {
			ev, err := a.toEvent(raw)
			if err != nil {
				a.logger.Warn("skipping malformed race", "error", err)
				continue
			}
			events = append(events, ev)
		}
		return events, more, nil
	})
}

// Races lists the tickets of one race; a ticket is a distance and maps to
// the canonical race.
func (a *Adapter) Races(ctx context.Context, ev model.Event) providers.Pages[model.Race] {
	inner := a.list("/races/"+url.PathEscape(ev.ProviderEventID)+"/tickets", url.Values{})
	return providers.PageFunc[model.Race](func(ctx context.Context) ([]model.Race, bool, error) {
		raws, more, err := inner(ctx)
		if err != nil {
			return nil, more, err
		}
		races := make([]model.Race, 0, len(raws))
		for _, raw := range raws {
			r, err := a.toRace(ev, raw)
			if err != nil {
				a.logger.Warn("skipping malformed ticket", "error", err)
				continue
			}
			races = append(races, r)
		}
		return races, more, nil
	})
}

func (a *Adapter) Participants(ctx context.Context, race model.Race, ev model.Event, since *time.Time) providers.Pages[model.Participant] {
	// since is ignored: SupportsIncremental is false and the executor never
	// passes one.
	base := url.Values{}
	base.Set("ticket_id", race.ProviderRaceID)
	inner := a.list("/races/"+url.PathEscape(ev.ProviderEventID)+"/bookings", base)
	return providers.PageFunc[model.Participant](func(ctx context.Context) ([]model.Participant, bool, error) {
		raws, more, err := inner(ctx)
		if err != nil {
			return nil, more, err
		}
		parts := make([]model.Participant, 0, len(raws))
		for _, raw := range raws {
			p, err := a.toParticipant(race, ev, raw)
			if err != nil {
				a.logger.Warn("skipping malformed booking", "error", err)
				continue
			}
			parts = append(parts, p)
		}
		return parts, more, nil
	})
}

func (a *Adapter) toEvent(raw json.RawMessage) (model.Event, error) {
	var r raceJSON
	if err := json.Unmarshal(raw, &r); err != nil {
		return model.Event{}, fmt.Errorf("decode race: %w", err)
	}
	if r.ID == "" {
		return model.Event{}, fmt.Errorf("race missing id")
	}
	start, _ := normalize.Time(r.StartDate)
	startTime := time.Time{}
	if start != nil {
		startTime = *start
	}
	return model.Event{
		PartnerID:       a.cred.PartnerID,
		ProviderID:      a.Name(),
		ProviderEventID: r.ID,
		Name:            normalize.String(r.Title),
		StartTime:       startTime,
		RawPayload:      raw,
	}, nil
}

func (a *Adapter) toRace(ev model.Event, raw json.RawMessage) (model.Race, error) {
	var t ticketJSON
	if err := json.Unmarshal(raw, &t); err != nil {
		return model.Race{}, fmt.Errorf("decode ticket: %w", err)
	}
	if t.ID == "" {
		return model.Race{}, fmt.Errorf("ticket missing id")
	}
	start, _ := normalize.Time(t.StartDate)
	return model.Race{
		PartnerID:       ev.PartnerID,
		ProviderID:      a.Name(),
		ProviderEventID: ev.ProviderEventID,
		ProviderRaceID:  t.ID,
		Name:            normalize.String(t.Name),
		DistanceMeters:  t.DistanceMeters,
		StartTime:       start,
		RawPayload:      raw,
	}, nil
}

func (a *Adapter) toParticipant(race model.Race, ev model.Event, raw json.RawMessage) (model.Participant, error) {
	var b bookingJSON
	if err := json.Unmarshal(raw, &b); err != nil {
		return model.Participant{}, fmt.Errorf("decode booking: %w", err)
	}
	if b.ID == "" {
		return model.Participant{}, fmt.Errorf("booking missing id")
	}

	regDate, err := normalize.Time(b.BookedAt)
	if err != nil {
		return model.Participant{}, &providers.RowError{Provider: a.Name(), RowID: b.ID, Err: err}
	}
	lastMod, err := normalize.Time(b.UpdatedAt)
	if err != nil {
		return model.Participant{}, &providers.RowError{Provider: a.Name(), RowID: b.ID, Err: err}
	}
	dob, _ := normalize.Time(b.DOB)

	return model.Participant{
		PartnerID:             ev.PartnerID,
		ProviderID:            a.Name(),
		ProviderEventID:       ev.ProviderEventID,
		ProviderRaceID:        race.ProviderRaceID,
		ProviderParticipantID: b.ID,
		FirstName:             normalize.String(b.FirstName),
		LastName:              normalize.String(b.LastName),
		Email:                 normalize.String(b.Email),
		Gender:                normalize.Truncate(a.logger, "gender", b.Gender, normalize.MaxGender),
		Phone:                 normalize.Truncate(a.logger, "phone", b.Phone, normalize.MaxPhone),
		Birthdate:             dob,
		RegistrationDate:      regDate,
		LastModified:          lastMod,
		TeamInfo:              b.Team,
		PaymentInfo:           b.Payment,
		AdditionalData:        b.Answers,
		RawPayload:            raw,
	}, nil
}
