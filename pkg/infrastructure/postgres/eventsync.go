package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	shared "github.com/racewire/engine/pkg"
	"github.com/racewire/engine/pkg/domain/model"
)

// eventSync is one per-event write transaction. The sync_history row is
// inserted inside the same transaction at Commit, so readers never see
// participant rows without the history row that describes them, or the
// reverse.
type eventSync struct {
	tx pgx.Tx
	ev model.Event
}

// BeginEventSync opens the per-event transaction. The caller must finish it
// with exactly one Commit or Rollback.
func (s *Store) BeginEventSync(ctx context.Context, ev model.Event) (shared.EventSync, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin event sync for %s: %w", ev.Key(), err)
	}
	return &eventSync{tx: tx, ev: ev}, nil
}

func (t *eventSync) UpsertRace(ctx context.Context, r model.Race) error {
	_, err := t.tx.Exec(ctx, upsertRaceSQL,
		r.PartnerID, r.ProviderID, r.ProviderEventID, r.ProviderRaceID,
		r.Name, r.DistanceMeters, r.StartTime, r.RawPayload)
	if err != nil {
		return mapError("races", err)
	}
	return nil
}

const upsertParticipantSQL = `
	INSERT INTO participants (partner_id, provider_id, provider_event_id, provider_race_id,
	                          provider_participant_id, first_name, last_name, email, gender,
	                          phone, birthdate, age, bib, chip, registration_date,
	                          last_modified, fetched_date, team_info, payment_info, address,
	                          additional_data, raw_payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
	        NOW(), $17, $18, $19, $20, $21)
	ON CONFLICT ON CONSTRAINT uq_participants_identity DO UPDATE SET
		provider_race_id  = EXCLUDED.provider_race_id,
		first_name        = EXCLUDED.first_name,
		last_name         = EXCLUDED.last_name,
		email             = EXCLUDED.email,
		gender            = EXCLUDED.gender,
		phone             = EXCLUDED.phone,
		birthdate         = EXCLUDED.birthdate,
		age               = EXCLUDED.age,
		bib               = EXCLUDED.bib,
		chip              = EXCLUDED.chip,
		registration_date = EXCLUDED.registration_date,
		last_modified     = EXCLUDED.last_modified,
		fetched_date      = GREATEST(participants.fetched_date, EXCLUDED.fetched_date),
		team_info         = EXCLUDED.team_info,
		payment_info      = EXCLUDED.payment_info,
		address           = EXCLUDED.address,
		additional_data   = EXCLUDED.additional_data,
		raw_payload       = EXCLUDED.raw_payload`

// UpsertParticipant writes one registration inside the transaction.
// fetched_date is bumped to now and never moves backwards.
func (t *eventSync) UpsertParticipant(ctx context.Context, p model.Participant) error {
	_, err := t.tx.Exec(ctx, upsertParticipantSQL,
		p.PartnerID, p.ProviderID, p.ProviderEventID, p.ProviderRaceID,
		p.ProviderParticipantID, p.FirstName, p.LastName, p.Email, p.Gender,
		p.Phone, p.Birthdate, p.Age, p.Bib, p.Chip, p.RegistrationDate,
		p.LastModified, p.TeamInfo, p.PaymentInfo, p.Address,
		p.AdditionalData, p.RawPayload)
	if err != nil {
		return mapError("participants", err)
	}
	return nil
}

// Commit appends the sync_history row and commits everything atomically.
func (t *eventSync) Commit(ctx context.Context, rec model.SyncRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := t.tx.Exec(ctx, insertSyncSQL,
		rec.ID, rec.PartnerID, rec.ProviderID, rec.EventID, rec.Kind, rec.Status,
		rec.StartedAt, rec.FinishedAt, rec.EventsSynced, rec.ParticipantsSynced,
		rec.Errors, rec.Reason)
	if err != nil {
		return mapError("sync_history", err)
	}
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit event sync for %s: %w", t.ev.Key(), err)
	}
	return nil
}

// Rollback aborts the transaction. Safe to call after a failed Commit.
func (t *eventSync) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err == nil || err == pgx.ErrTxClosed {
		return nil
	}
	return fmt.Errorf("rollback event sync for %s: %w", t.ev.Key(), err)
}
