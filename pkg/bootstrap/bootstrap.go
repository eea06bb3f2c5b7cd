// Package bootstrap wires the engine's shared dependencies: configuration
// from the environment, structured logging, error reporting, the database
// pool, and the rate limiter. Every binary entry point goes through
// NewService.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	shared "github.com/racewire/engine/pkg"
	"github.com/racewire/engine/pkg/infrastructure/locker"
	"github.com/racewire/engine/pkg/infrastructure/postgres"
	"github.com/racewire/engine/pkg/infrastructure/ratelimit"
	"github.com/racewire/engine/pkg/infrastructure/sentry"
)

// Config holds standard configuration for the engine, read from environment
// variables.
type Config struct {
	DatabaseURL string
	SentryDSN   string
	Environment string

	LockFile       string
	RateStateFile  string
	CheckpointDir  string
	DiscoveryHours []int

	// RateOverrides adjusts per-provider hourly budgets over the published
	// defaults, e.g. a partner-negotiated higher quota.
	RateOverrides map[string]int

	IncrementalHorizon time.Duration
}

// LoadConfig reads configuration from environment variables, applying
// defaults suitable for a single-host deployment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		SentryDSN:          os.Getenv("SENTRY_DSN"),
		Environment:        envOr("ENGINE_ENV", "production"),
		LockFile:           envOr("ENGINE_LOCK_FILE", "/var/run/racewire/engine.lock"),
		RateStateFile:      envOr("ENGINE_RATE_STATE_FILE", "/var/lib/racewire/limiter.json"),
		CheckpointDir:      envOr("ENGINE_CHECKPOINT_DIR", "/var/lib/racewire/checkpoints"),
		DiscoveryHours:     []int{6, 18},
		IncrementalHorizon: shared.IncrementalHorizon,
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if hours := os.Getenv("ENGINE_DISCOVERY_HOURS"); hours != "" {
		parsed, err := parseHours(hours)
		if err != nil {
			return nil, fmt.Errorf("ENGINE_DISCOVERY_HOURS: %w", err)
		}
		cfg.DiscoveryHours = parsed
	}

	if overrides := os.Getenv("RATE_LIMIT_OVERRIDES"); overrides != "" {
		if err := json.Unmarshal([]byte(overrides), &cfg.RateOverrides); err != nil {
			return nil, fmt.Errorf("RATE_LIMIT_OVERRIDES: %w", err)
		}
		for provider, perHour := range cfg.RateOverrides {
			if perHour <= 0 {
				return nil, fmt.Errorf("RATE_LIMIT_OVERRIDES: %s must be positive, got %d", provider, perHour)
			}
		}
	}

	if days := os.Getenv("ENGINE_INCREMENTAL_HORIZON_DAYS"); days != "" {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("ENGINE_INCREMENTAL_HORIZON_DAYS: invalid value %q", days)
		}
		cfg.IncrementalHorizon = time.Duration(n) * 24 * time.Hour
	}

	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseHours(s string) ([]int, error) {
	var hours []int
	for _, part := range strings.Split(s, ",") {
		h, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || h < 0 || h > 23 {
			return nil, fmt.Errorf("invalid hour %q", part)
		}
		hours = append(hours, h)
	}
	return hours, nil
}

// ComponentHandler wraps a slog.Handler to prepend [component] to the message
// while keeping the attribute in the structured payload.
type ComponentHandler struct {
	slog.Handler
	component string
}

// WithGroup implements slog.Handler
func (h *ComponentHandler) WithGroup(name string) slog.Handler {
	return &ComponentHandler{
		Handler:   h.Handler.WithGroup(name),
		component: h.component,
	}
}

// WithAttrs implements slog.Handler
func (h *ComponentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newComp := h.component
	for _, a := range attrs {
		if a.Key == "component" {
			newComp = a.Value.String()
		}
	}
	return &ComponentHandler{
		Handler:   h.Handler.WithAttrs(attrs),
		component: newComp,
	}
}

// Handle implements slog.Handler
func (h *ComponentHandler) Handle(ctx context.Context, r slog.Record) error {
	comp := h.component

	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			comp = a.Value.String()
			return false
		}
		return true
	})

	if comp != "" {
		newRecord := slog.NewRecord(r.Time, r.Level, fmt.Sprintf("[%s] %s", comp, r.Message), r.PC)
		r.Attrs(func(a slog.Attr) bool {
			newRecord.AddAttrs(a)
			return true
		})
		r = newRecord
	}

	return h.Handler.Handle(ctx, r)
}

// NewLogger creates a configured JSON logger. Level comes from LOG_LEVEL.
func NewLogger(serviceName string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "ts"
			}
			return a
		},
	})
	return slog.New(&ComponentHandler{Handler: handler}).With("service", serviceName)
}

// Service holds the engine's initialized dependencies.
type Service struct {
	Store     shared.Store
	Limiter   *ratelimit.Limiter
	EventLock *locker.KeyedMutex
	Logger    *slog.Logger
	Config    *Config

	pg *postgres.Store
}

// NewService initializes all standard dependencies: config, logging, Sentry,
// migrations, the constraint check, and the rate limiter.
func NewService(ctx context.Context, serviceName string) (*Service, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := NewLogger(serviceName)
	slog.SetDefault(logger)

	if err := sentry.Init(sentry.Config{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Environment,
		ServerName:  serviceName,
	}, logger); err != nil {
		return nil, err
	}

	logger.Info("Initializing engine", "environment", cfg.Environment)

	if err := postgres.Migrate(ctx, cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	store, err := postgres.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}
	if err := store.CheckSchema(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("schema check: %w", err)
	}

	limiter := ratelimit.New(quotasWithOverrides(cfg.RateOverrides), cfg.RateStateFile, logger)
	if err := limiter.LoadState(); err != nil {
		logger.Warn("could not restore limiter state", "error", err)
	}

	return &Service{
		Store:     store,
		Limiter:   limiter,
		EventLock: locker.NewKeyedMutex(),
		Logger:    logger,
		Config:    cfg,
		pg:        store,
	}, nil
}

// quotasWithOverrides layers operator overrides over the published budgets.
func quotasWithOverrides(overrides map[string]int) map[string]ratelimit.Quota {
	quotas := make(map[string]ratelimit.Quota, len(ratelimit.DefaultQuotas))
	for provider, q := range ratelimit.DefaultQuotas {
		quotas[provider] = q
	}
	for provider, perHour := range overrides {
		quotas[provider] = ratelimit.Quota{PerHour: float64(perHour)}
	}
	return quotas
}

// Close releases the service's resources.
func (s *Service) Close() {
	if s.pg != nil {
		s.pg.Close()
	}
	sentry.Flush(2 * time.Second)
}
