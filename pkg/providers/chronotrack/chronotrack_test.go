package chronotrack

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/racewire/engine/pkg/domain/model"
	"github.com/racewire/engine/pkg/providers"
)

func testAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cred := model.Credential{
		PartnerID:  "p1",
		ProviderID: "chronotrack",
		Principal:  "race-ops@example.com",
		Secret:     "hunter2",
		Extra:      map[string]string{"client_id": "ct-client"},
	}
	a := New(cred, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.BaseURL = srv.URL
	return a
}

func TestGet_SendsBasicAuthAndClientID(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "race-ops@example.com" || pass != "hunter2" {
			t.Errorf("basic auth = %q/%q ok=%v", user, pass, ok)
		}
		if got := r.URL.Query().Get("client_id"); got != "ct-client" {
			t.Errorf("client_id = %q", got)
		}
		if got := r.URL.Query().Get("format"); got != "json" {
			t.Errorf("format = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"event":[{"event_id":42,"event_name":"Lakeside Classic","event_start_time":"2026-09-05T07:00:00Z"}]}`)
	})

	batch, more, err := a.Events(context.Background()).Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if more {
		t.Error("short page should end iteration")
	}
	if len(batch) != 1 || batch[0].ProviderEventID != "42" || batch[0].Name != "Lakeside Classic" {
		t.Fatalf("events = %+v", batch)
	}
}

func TestParticipants_ModifiedAfterEpoch(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/event/42/entry" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("race_id"); got != "7" {
			t.Errorf("race_id = %q", got)
		}
		if got := r.URL.Query().Get("modified_after"); got != "1754006400" {
			t.Errorf("modified_after = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"event_entry":[{
			"entry_id": 9001,
			"athlete_first_name": "Lena",
			"athlete_last_name": "Okafor",
			"athlete_sex": "F",
			"entry_bib": "312",
			"entry_tag": "TAG312",
			"entry_created_time": "2026-06-01T00:00:00Z",
			"entry_modified_time": "2026-08-02T00:00:00Z"
		}]}`)
	})

	ev := model.Event{PartnerID: "p1", ProviderID: "chronotrack", ProviderEventID: "42"}
	race := model.Race{ProviderEventID: "42", ProviderRaceID: "7"}
	since := time.Unix(1754006400, 0).UTC()

	batch, _, err := a.Participants(context.Background(), race, ev, &since).Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("got %d entries", len(batch))
	}
	p := batch[0]
	if p.ProviderParticipantID != "9001" || p.Bib != "312" || p.Chip != "TAG312" {
		t.Errorf("participant = %+v", p)
	}
}

func TestAuthenticate_BadPassword(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "401 Unauthorized", http.StatusUnauthorized)
	})
	if err := a.Authenticate(context.Background()); !providers.IsAuth(err) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}
