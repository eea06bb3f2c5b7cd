package postgres

import (
	"context"

	"github.com/racewire/engine/pkg/domain/model"
)

const upsertRaceSQL = `
	INSERT INTO races (partner_id, provider_id, provider_event_id, provider_race_id,
	                   name, distance_meters, start_time, raw_payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT ON CONSTRAINT uq_races_identity DO UPDATE SET
		name            = EXCLUDED.name,
		distance_meters = EXCLUDED.distance_meters,
		start_time      = EXCLUDED.start_time,
		raw_payload     = EXCLUDED.raw_payload,
		updated_at      = NOW()`

// UpsertRace inserts or updates on the race identity. A missing parent event
// surfaces as an IntegrityError from the declared foreign key.
func (s *Store) UpsertRace(ctx context.Context, r model.Race) error {
	_, err := s.pool.Exec(ctx, upsertRaceSQL,
		r.PartnerID, r.ProviderID, r.ProviderEventID, r.ProviderRaceID,
		r.Name, r.DistanceMeters, r.StartTime, r.RawPayload)
	if err != nil {
		return mapError("races", err)
	}
	return nil
}
