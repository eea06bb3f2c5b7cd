package haku

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

func testAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok","token_type":"Bearer","expires_in":3600}`)
	})
	mux.Handle("/", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cred := model.Credential{
		PartnerID: "partner-2",
		Principal: "client-id",
		Secret:    "client-secret",
		Extra:     map[string]string{"organization_id": "org-9"},
	}
	a := New(cred, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.BaseURL = srv.URL
	a.AuthURL = srv.URL + "/oauth/token"
	return a
}

func TestAuthenticate_SetsBearer(t *testing.T) {
	var gotAuth, gotOrg string
	a := testAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotOrg = r.Header.Get("X-Organization-Id")
		fmt.Fprint(w, `{"events":[]}`)
	}))

	if err := a.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if _, _, err := a.Events(context.Background()).Next(context.Background()); err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Expected bearer token on request, got %q", gotAuth)
	}
	if gotOrg != "org-9" {
		t.Errorf("Expected organisation header from credential extras, got %q", gotOrg)
	}
}

func TestAuthenticate_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := New(model.Credential{Principal: "x", Secret: "y"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.AuthURL = srv.URL

	err := a.Authenticate(context.Background())
	if !providers.IsAuth(err) {
		t.Fatalf("Expected AuthError, got %v", err)
	}
}

func TestParticipants_MoneyNormalised(t *testing.T) {
	a := testAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"participants":[{"id":42,"first_name":"Grace","registered_at":"2026-02-01T10:00:00Z","updated_at":"2026-02-02T10:00:00Z","amount_paid":"$1,234.50"}]}`)
	}))

	ev := model.Event{PartnerID: "partner-2", ProviderEventID: "e1"}
	race := model.Race{ProviderRaceID: "r1"}
	batch, _, err := a.Participants(context.Background(), race, ev, nil).Next(context.Background())
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("Expected 1 participant, got %d", len(batch))
	}
	want := `{"amount_paid":1234.5}`
	if string(batch[0].PaymentInfo) != want {
		t.Errorf("Expected payment info %s, got %s", want, batch[0].PaymentInfo)
	}
}

func TestParticipants_BadMoneySkippedAsRowError(t *testing.T) {
	a := testAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"participants":[{"id":42,"registered_at":"2026-02-01","updated_at":"2026-02-02","amount_paid":"comped"}]}`)
	}))

	ev := model.Event{ProviderEventID: "e1"}
	race := model.Race{ProviderRaceID: "r1"}
	batch, _, err := a.Participants(context.Background(), race, ev, nil).Next(context.Background())
	if err != nil {
		t.Fatalf("Page-level error not expected for row failures: %v", err)
	}
	if len(batch) != 0 {
		t.Errorf("Malformed row should be skipped, got %d rows", len(batch))
	}
}

func TestParticipants_UpdatedSinceParam(t *testing.T) {
	var got string
	a := testAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query().Get("updated_since")
		fmt.Fprint(w, `{"participants":[]}`)
	}))

	since := mustTime(t, "2026-03-01T12:00:00Z")
	ev := model.Event{ProviderEventID: "e1"}
	race := model.Race{ProviderRaceID: "r1"}
	if _, _, err := a.Participants(context.Background(), race, ev, &since).Next(context.Background()); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if got != "2026-03-01T12:00:00Z" {
		t.Errorf("Expected updated_since in RFC3339, got %q", got)
	}
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	return ts
}
