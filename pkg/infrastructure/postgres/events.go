package postgres

import (
	"context"
	"fmt"
	"strings"

	"time"

	"github.com/racewire/engine/pkg/domain/model"
)

const upsertEventSQL = `
	INSERT INTO events (partner_id, provider_id, provider_event_id, name, start_time, raw_payload)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT ON CONSTRAINT uq_events_identity DO UPDATE SET
		name        = EXCLUDED.name,
		start_time  = EXCLUDED.start_time,
		raw_payload = EXCLUDED.raw_payload,
		updated_at  = NOW()`

// UpsertEvent inserts or updates on the event identity triple. created_at is
// only set on insert.
func (s *Store) UpsertEvent(ctx context.Context, e model.Event) error {
	_, err := s.pool.Exec(ctx, upsertEventSQL,
		e.PartnerID, e.ProviderID, e.ProviderEventID, e.Name, e.StartTime, e.RawPayload)
	if err != nil {
		return mapError("events", err)
	}
	return nil
}

// HasEvent reports whether the identity triple is already known.
func (s *Store) HasEvent(ctx context.Context, partnerID, providerID, providerEventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM events
			WHERE partner_id = $1 AND provider_id = $2 AND provider_event_id = $3
		)`,
		partnerID, providerID, providerEventID).Scan(&exists)
	if err != nil {
		return false, mapError("events", err)
	}
	return exists, nil
}

const selectEventSQL = `
	SELECT partner_id, provider_id, provider_event_id, name, start_time, created_at, raw_payload
	FROM events`

// FutureEvents returns events whose start_time is later than now minus the
// grace window, ordered soonest first.
func (s *Store) FutureEvents(ctx context.Context, grace time.Duration) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		selectEventSQL+`
		WHERE start_time > NOW() - $1::interval
		ORDER BY start_time ASC`,
		grace)
	if err != nil {
		return nil, mapError("events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListEvents returns all events, optionally filtered by partner and/or
// provider. Empty filter values match everything.
func (s *Store) ListEvents(ctx context.Context, partnerID, providerID string) ([]model.Event, error) {
	var (
		where []string
		args  []any
	)
	if partnerID != "" {
		args = append(args, partnerID)
		where = append(where, fmt.Sprintf("partner_id = $%d", len(args)))
	}
	if providerID != "" {
		args = append(args, providerID)
		where = append(where, fmt.Sprintf("provider_id = $%d", len(args)))
	}

	query := selectEventSQL
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY partner_id, provider_id, start_time ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError("events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (model.Event, error) {
	var e model.Event
	err := row.Scan(&e.PartnerID, &e.ProviderID, &e.ProviderEventID, &e.Name,
		&e.StartTime, &e.CreatedAt, &e.RawPayload)
	if err != nil {
		return model.Event{}, fmt.Errorf("scan event: %w", err)
	}
	return e, nil
}

func scanEvents(rows interface {
	rowScanner
	Next() bool
	Err() error
}) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
