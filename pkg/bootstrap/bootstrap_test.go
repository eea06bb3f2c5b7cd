package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/racewire/engine/pkg/infrastructure/ratelimit"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/racewire")
	t.Setenv("ENGINE_DISCOVERY_HOURS", "")
	t.Setenv("ENGINE_INCREMENTAL_HORIZON_DAYS", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.DiscoveryHours) != 2 || cfg.DiscoveryHours[0] != 6 || cfg.DiscoveryHours[1] != 18 {
		t.Errorf("DiscoveryHours = %v", cfg.DiscoveryHours)
	}
	if cfg.IncrementalHorizon != 7*24*time.Hour {
		t.Errorf("IncrementalHorizon = %v", cfg.IncrementalHorizon)
	}
}

func TestLoadConfig_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error without DATABASE_URL")
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/racewire")
	t.Setenv("ENGINE_DISCOVERY_HOURS", "2, 10, 22")
	t.Setenv("ENGINE_INCREMENTAL_HORIZON_DAYS", "14")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.DiscoveryHours) != 3 || cfg.DiscoveryHours[2] != 22 {
		t.Errorf("DiscoveryHours = %v", cfg.DiscoveryHours)
	}
	if cfg.IncrementalHorizon != 14*24*time.Hour {
		t.Errorf("IncrementalHorizon = %v", cfg.IncrementalHorizon)
	}
}

func TestLoadConfig_RejectsBadHours(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/racewire")
	t.Setenv("ENGINE_DISCOVERY_HOURS", "6,25")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for hour 25")
	}
}

func TestComponentHandler_PrefixesMessage(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(&ComponentHandler{Handler: handler})

	logger.With("component", "scheduler").InfoContext(context.Background(), "tick complete", "events", 3)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	msg, _ := rec["msg"].(string)
	if !strings.HasPrefix(msg, "[scheduler] ") {
		t.Errorf("msg = %q, want [scheduler] prefix", msg)
	}
	if rec["component"] != "scheduler" {
		t.Errorf("component attr = %v", rec["component"])
	}
}

func TestLoadConfig_RateOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/racewire")
	t.Setenv("RATE_LIMIT_OVERRIDES", `{"runsignup": 5000}`)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.RateOverrides["runsignup"] != 5000 {
		t.Errorf("RateOverrides = %v", cfg.RateOverrides)
	}
}

func TestLoadConfig_RejectsBadRateOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/racewire")

	for _, bad := range []string{"not json", `{"runsignup": -1}`} {
		t.Setenv("RATE_LIMIT_OVERRIDES", bad)
		if _, err := LoadConfig(); err == nil {
			t.Errorf("LoadConfig accepted %q", bad)
		}
	}
}

func TestQuotasWithOverrides(t *testing.T) {
	quotas := quotasWithOverrides(map[string]int{"runsignup": 5000})

	if got := quotas["runsignup"].PerHour; got != 5000 {
		t.Errorf("runsignup PerHour = %v, want 5000", got)
	}
	// Untouched providers keep the published defaults.
	if got := quotas["haku"].PerHour; got != ratelimit.DefaultQuotas["haku"].PerHour {
		t.Errorf("haku PerHour = %v, want default", got)
	}
}
