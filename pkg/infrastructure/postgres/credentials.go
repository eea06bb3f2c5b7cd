package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/racewire/engine/pkg/domain/model"
)

// GetCredentials returns every active credential for a provider, joined with
// the partner display name. Credentials are externally managed; the engine
// only reads them.
func (s *Store) GetCredentials(ctx context.Context, providerID string) ([]model.Credential, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.partner_id, p.name, c.provider_id, c.principal, c.secret,
		       COALESCE(c.additional_config_json, '{}'::jsonb)
		FROM partner_provider_credentials c
		JOIN timing_partners p ON p.partner_id = c.partner_id
		WHERE c.provider_id = $1 AND c.active
		ORDER BY c.partner_id`,
		providerID)
	if err != nil {
		return nil, mapError("partner_provider_credentials", err)
	}
	defer rows.Close()

	var creds []model.Credential
	for rows.Next() {
		var (
			c     model.Credential
			extra []byte
		)
		if err := rows.Scan(&c.PartnerID, &c.PartnerName, &c.ProviderID, &c.Principal, &c.Secret, &extra); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		if len(extra) > 0 {
			if err := json.Unmarshal(extra, &c.Extra); err != nil {
				s.logger.Warn("skipping credential with malformed extra config",
					"partner_id", c.PartnerID,
					"provider_id", c.ProviderID,
					"error", err)
				continue
			}
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return creds, nil
}
