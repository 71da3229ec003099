package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/publishing-worker/internal/domain"
)

// ActiveProfiles returns active profiles of active providers for the account,
// default profiles first, then most recently used.
func (s *Storage) ActiveProfiles(ctx context.Context, accountID int64) ([]domain.ResourceProfile, error) {
	query := `
		SELECT bp.id, bp.provider_id, bp.account_id, a.name AS account_name, bp.profile_ref,
			bp.status, bp.is_default, bp.last_used_at, bp.config,
			pr.code AS provider_code, pr.kind AS provider_kind, pr.is_active AS provider_active,
			pr.max_concurrent_sessions, pr.config AS provider_config
		FROM browser_provider_profiles bp
		JOIN browser_providers pr ON pr.id = bp.provider_id
		JOIN accounts a ON a.id = bp.account_id
		WHERE bp.account_id = $1 AND bp.status = $2 AND pr.is_active
		ORDER BY bp.is_default DESC, bp.last_used_at DESC NULLS LAST, bp.id`

	var rows []profileRow
	if err := s.db.SelectContext(ctx, &rows, query, accountID, domain.ProfileActive); err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}

	profiles := make([]domain.ResourceProfile, 0, len(rows))
	for _, r := range rows {
		p, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// TouchProfile sets last_used_at. It takes no lock.
func (s *Storage) TouchProfile(ctx context.Context, profileID int64, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE browser_provider_profiles SET last_used_at = $1 WHERE id = $2`, at, profileID); err != nil {
		return fmt.Errorf("failed to touch profile: %w", err)
	}
	return nil
}

// MarkProfileExhausted takes a profile out of rotation.
func (s *Storage) MarkProfileExhausted(ctx context.Context, profileID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE browser_provider_profiles SET status = $1 WHERE id = $2`, domain.ProfileExhausted, profileID); err != nil {
		return fmt.Errorf("failed to mark profile exhausted: %w", err)
	}
	return nil
}
