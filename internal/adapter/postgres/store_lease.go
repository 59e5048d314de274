package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/port/database"
)

// TryAcquireMaintenanceLease claims or steals the named lease row. A steal is
// only possible once the previous holder's TTL expired; every successful
// acquisition bumps the fencing token so stale holders can be rejected.
func (s *Store) TryAcquireMaintenanceLease(ctx context.Context, name, holderID string, ttl time.Duration) (*database.MaintenanceLease, error) {
	var lease database.MaintenanceLease
	err := s.pool.QueryRow(ctx,
		`INSERT INTO maintenance_leases (name, holder_id, fencing_token, expires_at)
		 VALUES ($1, $2, 1, now() + $3)
		 ON CONFLICT (name) DO UPDATE SET
		        holder_id = EXCLUDED.holder_id,
		        fencing_token = maintenance_leases.fencing_token + 1,
		        expires_at = EXCLUDED.expires_at
		 WHERE maintenance_leases.expires_at < now()
		    OR maintenance_leases.holder_id = EXCLUDED.holder_id
		 RETURNING name, holder_id, fencing_token, expires_at`,
		name, holderID, ttl,
	).Scan(&lease.Name, &lease.HolderID, &lease.FencingToken, &lease.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("acquire lease %s: %w", name, domain.ErrLeaseUnavailable)
		}
		return nil, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return &lease, nil
}

// ReleaseMaintenanceLease expires the lease early, but only for the holder
// that still owns it at the recorded fencing token.
func (s *Store) ReleaseMaintenanceLease(ctx context.Context, name, holderID string, fencingToken int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE maintenance_leases SET expires_at = now()
		 WHERE name = $1 AND holder_id = $2 AND fencing_token = $3`,
		name, holderID, fencingToken)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("release lease %s: %w", name, domain.ErrConflict)
	}
	return nil
}
