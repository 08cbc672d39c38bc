package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ServiceKeyRepo persists tenant gateway credentials, grounded on the
// teacher's ocx_<id>.<secret> API key scheme: the id half is the lookup
// key, the secret half is never stored, only its bcrypt hash.
type ServiceKeyRepo struct{ DB *sql.DB }

func (r *ServiceKeyRepo) Insert(ctx context.Context, k *ServiceKey) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO service_keys (key_id, tenant_id, name, secret_hash, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		k.KeyID, k.TenantID, k.Name, k.SecretHash, k.Active, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: inserting service key: %w", err)
	}
	return nil
}

func (r *ServiceKeyRepo) GetByKeyID(ctx context.Context, keyID string) (*ServiceKey, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT key_id, tenant_id, name, secret_hash, active, created_at, revoked_at
		FROM service_keys WHERE key_id = $1`, keyID)
	var k ServiceKey
	var revokedAt sql.NullTime
	if err := row.Scan(&k.KeyID, &k.TenantID, &k.Name, &k.SecretHash, &k.Active, &k.CreatedAt, &revokedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: reading service key: %w", err)
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		k.RevokedAt = &t
	}
	return &k, nil
}

func (r *ServiceKeyRepo) Revoke(ctx context.Context, keyID string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE service_keys SET active = false, revoked_at = $1 WHERE key_id = $2`, now, keyID)
	if err != nil {
		return fmt.Errorf("store: revoking service key: %w", err)
	}
	return nil
}

func (r *ServiceKeyRepo) ListForTenant(ctx context.Context, tenantID string) ([]ServiceKey, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT key_id, tenant_id, name, secret_hash, active, created_at, revoked_at
		FROM service_keys WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: listing service keys: %w", err)
	}
	defer rows.Close()
	var out []ServiceKey
	for rows.Next() {
		var k ServiceKey
		var revokedAt sql.NullTime
		if err := rows.Scan(&k.KeyID, &k.TenantID, &k.Name, &k.SecretHash, &k.Active, &k.CreatedAt, &revokedAt); err != nil {
			return nil, fmt.Errorf("store: scanning service key: %w", err)
		}
		if revokedAt.Valid {
			t := revokedAt.Time
			k.RevokedAt = &t
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
