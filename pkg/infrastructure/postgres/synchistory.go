package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/racewire/engine/pkg/domain/model"
)

const insertSyncSQL = `
	INSERT INTO sync_history (id, partner_id, provider_id, event_id, sync_kind, status,
	                          started_at, finished_at, events_synced, participants_synced,
	                          errors, reason)
	VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12)`

// RecordSync appends one sync_history row. The table is append-only; rows are
// never updated.
func (s *Store) RecordSync(ctx context.Context, rec model.SyncRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, insertSyncSQL,
		rec.ID, rec.PartnerID, rec.ProviderID, rec.EventID, rec.Kind, rec.Status,
		rec.StartedAt, rec.FinishedAt, rec.EventsSynced, rec.ParticipantsSynced,
		rec.Errors, rec.Reason)
	if err != nil {
		return mapError("sync_history", err)
	}
	return nil
}

// LastSyncTime returns the finished_at of the most recent completed sync for
// one event, or nil when it has never completed a sync.
func (s *Store) LastSyncTime(ctx context.Context, partnerID, providerID, providerEventID string) (*time.Time, error) {
	var finished time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT finished_at FROM sync_history
		WHERE partner_id = $1 AND provider_id = $2 AND event_id = $3 AND status = 'completed'
		ORDER BY finished_at DESC
		LIMIT 1`,
		partnerID, providerID, providerEventID).Scan(&finished)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("sync_history", err)
	}
	return &finished, nil
}

// LastSyncTimes returns the latest completed finished_at for every event in
// one query. Keys follow model.Event.Key.
func (s *Store) LastSyncTimes(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT partner_id, provider_id, event_id, MAX(finished_at)
		FROM sync_history
		WHERE status = 'completed' AND event_id IS NOT NULL
		GROUP BY partner_id, provider_id, event_id`)
	if err != nil {
		return nil, mapError("sync_history", err)
	}
	defer rows.Close()

	times := make(map[string]time.Time)
	for rows.Next() {
		var (
			partnerID, providerID, eventID string
			finished                       time.Time
		)
		if err := rows.Scan(&partnerID, &providerID, &eventID, &finished); err != nil {
			return nil, fmt.Errorf("scan sync time: %w", err)
		}
		times[partnerID+"/"+providerID+"/"+eventID] = finished
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync times: %w", err)
	}
	return times, nil
}
