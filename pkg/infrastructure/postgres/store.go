// Package postgres implements the canonical store gateway over a pgx
// connection pool. All reads and writes to the shared schema go through this
// package so that upsert semantics, transaction boundaries, and error
// classification stay in one place.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the canonical store gateway. Safe for concurrent use; one instance
// per process.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New connects the pool and verifies the database is reachable.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool, logger: logger.With("component", "store")}, nil
}

// NewWithPool wraps an existing pool, used by tests and the migration runner.
func NewWithPool(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger.With("component", "store")}
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// requiredConstraints are the uniqueness and referential constraints the
// upsert statements rely on. CheckSchema fails loudly when any is missing.
var requiredConstraints = []string{
	"uq_events_identity",
	"uq_races_identity",
	"uq_participants_identity",
	"fk_races_event",
	"fk_participants_race",
}

// CheckSchema verifies the declared constraints exist. Run at startup; a
// missing constraint means upserts would silently insert duplicates.
func (s *Store) CheckSchema(ctx context.Context) error {
	rows, err := s.pool.Query(ctx,
		`SELECT conname FROM pg_constraint WHERE conname = ANY($1)`,
		requiredConstraints)
	if err != nil {
		return fmt.Errorf("query pg_constraint: %w", err)
	}
	defer rows.Close()

	found := make(map[string]bool, len(requiredConstraints))
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scan constraint name: %w", err)
		}
		found[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate constraints: %w", err)
	}

	var missing []string
	for _, name := range requiredConstraints {
		if !found[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &SchemaError{Detail: "missing constraints: " + strings.Join(missing, ", ")}
	}
	return nil
}
