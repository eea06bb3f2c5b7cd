package runsignup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/racewire/engine/pkg/domain/model"
	"github.com/racewire/engine/pkg/providers"
)

func testAdapter(t *testing.T, handler http.Handler) (*Adapter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cred := model.Credential{
		PartnerID:  "partner-1",
		ProviderID: "runsignup",
		Principal:  "key",
		Secret:     "secret",
	}
	a := New(cred, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.BaseURL = srv.URL
	return a, srv
}

func TestEvents_FlattensNestedRaceID(t *testing.T) {
	a, _ := testAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"races":[{"race":{"race_id":845,"name":"Spring Classic","next_date":"2026-09-12"}}]}`)
	}))

	it := a.Events(context.Background())
	batch, more, err := it.Next(context.Background())
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if more {
		t.Error("Expected single page")
	}
	if len(batch) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(batch))
	}
	ev := batch[0]
	if ev.ProviderEventID != "845" {
		t.Errorf("Expected flattened id 845, got %q", ev.ProviderEventID)
	}
	if ev.PartnerID != "partner-1" {
		t.Errorf("Expected partner carried through, got %q", ev.PartnerID)
	}
	if ev.StartTime.Year() != 2026 {
		t.Errorf("Expected parsed start time, got %v", ev.StartTime)
	}
	if len(ev.RawPayload) == 0 {
		t.Error("Expected raw payload preserved")
	}
}

func TestEvents_Pagination(t *testing.T) {
	pagesServed := 0
	a, _ := testAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pagesServed++
		page := r.URL.Query().Get("page")
		if page == "1" {
			// Full page signals more to come.
			races := make([]string, 1000)
			for i := range races {
				races[i] = fmt.Sprintf(`{"race":{"race_id":%d,"name":"R%d"}}`, i+1, i+1)
			}
			fmt.Fprintf(w, `{"races":[%s]}`, strings.Join(races, ","))
			return
		}
		fmt.Fprint(w, `{"races":[{"race":{"race_id":9999,"name":"Last"}}]}`)
	}))

	it := a.Events(context.Background())
	first, more, err := it.Next(context.Background())
	if err != nil {
		t.Fatalf("page 1 failed: %v", err)
	}
	if !more || len(first) != 1000 {
		t.Fatalf("Expected full first page with more=true, got %d more=%v", len(first), more)
	}

	second, more, err := it.Next(context.Background())
	if err != nil {
		t.Fatalf("page 2 failed: %v", err)
	}
	if more || len(second) != 1 {
		t.Errorf("Expected final short page, got %d more=%v", len(second), more)
	}
	if pagesServed != 2 {
		t.Errorf("Expected 2 requests, got %d", pagesServed)
	}

	// Exhausted iterator stays exhausted.
	tail, more, err := it.Next(context.Background())
	if err != nil || more || tail != nil {
		t.Errorf("Exhausted iterator returned %v, %v, %v", tail, more, err)
	}
}

func TestParticipants_BothResponseShapes(t *testing.T) {
	shapes := map[string]string{
		"list":   `[{"event_id":55,"participants":[{"registration_id":1,"user":{"first_name":"Ada","last_name":"L","email":"a@example.com"}}]}]`,
		"object": `{"participants":[{"registration_id":1,"user":{"first_name":"Ada","last_name":"L","email":"a@example.com"}}]}`,
	}

	for name, body := range shapes {
		t.Run(name, func(t *testing.T) {
			a, _ := testAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, body)
			}))

			ev := model.Event{PartnerID: "partner-1", ProviderID: "runsignup", ProviderEventID: "845"}
			race := model.Race{ProviderRaceID: "55", ProviderEventID: "845"}
			batch, _, err := a.Participants(context.Background(), race, ev, nil).Next(context.Background())
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			if len(batch) != 1 {
				t.Fatalf("Expected 1 participant, got %d", len(batch))
			}
			p := batch[0]
			if p.ProviderParticipantID != "1" {
				t.Errorf("Expected registration id 1, got %q", p.ProviderParticipantID)
			}
			if p.FirstName != "Ada" {
				t.Errorf("Expected first name Ada, got %q", p.FirstName)
			}
		})
	}
}

func TestParticipants_ModifiedSinceParam(t *testing.T) {
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var gotParam string
	a, _ := testAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotParam = r.URL.Query().Get("modified_after_timestamp")
		fmt.Fprint(w, `{"participants":[]}`)
	}))

	ev := model.Event{ProviderEventID: "845"}
	race := model.Race{ProviderRaceID: "55"}
	if _, _, err := a.Participants(context.Background(), race, ev, &since).Next(context.Background()); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	want := fmt.Sprintf("%d", since.Unix())
	if gotParam != want {
		t.Errorf("Expected modified_after_timestamp=%s, got %q", want, gotParam)
	}
}

func TestRateLimited_SurfacesRetryAfter(t *testing.T) {
	a, _ := testAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	it := a.Events(context.Background())
	_, more, err := it.Next(context.Background())
	rl, ok := providers.AsRateLimited(err)
	if !ok {
		t.Fatalf("Expected RateLimitedError, got %v", err)
	}
	if rl.RetryAfter != 30*time.Second {
		t.Errorf("Expected retry after 30s, got %s", rl.RetryAfter)
	}
	if !more {
		t.Error("Iterator must remain resumable after a rate limit")
	}
}

func TestAuthenticate_BadCredential(t *testing.T) {
	a, _ := testAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	err := a.Authenticate(context.Background())
	if !providers.IsAuth(err) {
		t.Fatalf("Expected AuthError, got %v", err)
	}
}

func TestParticipants_TruncatesOverlongPhone(t *testing.T) {
	longPhone := ""
	for i := 0; i < 51; i++ {
		longPhone += "5"
	}
	payload := map[string]any{
		"participants": []map[string]any{{
			"registration_id": 7,
			"user":            map[string]any{"first_name": "Bo", "phone": longPhone},
		}},
	}
	body, _ := json.Marshal(payload)

	a, _ := testAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))

	ev := model.Event{ProviderEventID: "845"}
	race := model.Race{ProviderRaceID: "55"}
	batch, _, err := a.Participants(context.Background(), race, ev, nil).Next(context.Background())
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if len(batch[0].Phone) != 50 {
		t.Errorf("Expected phone truncated to 50, got %d", len(batch[0].Phone))
	}
}
