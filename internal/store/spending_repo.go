package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SpendingRepo persists per-tenant global and per-capability spending caps
// (spec.md §4.4 step 3, §9 open-question decision on alertAt).
type SpendingRepo struct{ DB *sql.DB }

func (r *SpendingRepo) Get(ctx context.Context, tenantID string, capability *string) (*SpendingLimit, error) {
	var row *sql.Row
	if capability == nil {
		row = r.DB.QueryRowContext(ctx, `
			SELECT tenant_id, capability, alert_at_raw, hard_cap_raw FROM spending_limits
			WHERE tenant_id = $1 AND capability IS NULL`, tenantID)
	} else {
		row = r.DB.QueryRowContext(ctx, `
			SELECT tenant_id, capability, alert_at_raw, hard_cap_raw FROM spending_limits
			WHERE tenant_id = $1 AND capability = $2`, tenantID, *capability)
	}
	var s SpendingLimit
	var cap sql.NullString
	var alertAt, hardCap sql.NullInt64
	if err := row.Scan(&s.TenantID, &cap, &alertAt, &hardCap); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: reading spending limit: %w", err)
	}
	if cap.Valid {
		s.Capability = &cap.String
	}
	if alertAt.Valid {
		s.AlertAtRaw = &alertAt.Int64
	}
	if hardCap.Valid {
		s.HardCapRaw = &hardCap.Int64
	}
	return &s, nil
}

func (r *SpendingRepo) Upsert(ctx context.Context, s *SpendingLimit) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO spending_limits (tenant_id, capability, alert_at_raw, hard_cap_raw)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (tenant_id, capability) DO UPDATE SET alert_at_raw = EXCLUDED.alert_at_raw, hard_cap_raw = EXCLUDED.hard_cap_raw`,
		s.TenantID, s.Capability, s.AlertAtRaw, s.HardCapRaw)
	if err != nil {
		return fmt.Errorf("store: upserting spending limit: %w", err)
	}
	return nil
}

// ListForTenant returns the global limit (if any) plus every per-capability
// override for tenantID.
func (r *SpendingRepo) ListForTenant(ctx context.Context, tenantID string) ([]SpendingLimit, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT tenant_id, capability, alert_at_raw, hard_cap_raw FROM spending_limits WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: listing spending limits: %w", err)
	}
	defer rows.Close()
	var out []SpendingLimit
	for rows.Next() {
		var s SpendingLimit
		var cap sql.NullString
		var alertAt, hardCap sql.NullInt64
		if err := rows.Scan(&s.TenantID, &cap, &alertAt, &hardCap); err != nil {
			return nil, fmt.Errorf("store: scanning spending limit: %w", err)
		}
		if cap.Valid {
			s.Capability = &cap.String
		}
		if alertAt.Valid {
			s.AlertAtRaw = &alertAt.Int64
		}
		if hardCap.Valid {
			s.HardCapRaw = &hardCap.Int64
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
