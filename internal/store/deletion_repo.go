package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DeletionRepo persists account-deletion requests and their 30-day grace
// window (spec.md §4.11).
type DeletionRepo struct{ DB *sql.DB }

func (r *DeletionRepo) Insert(ctx context.Context, d *DeletionRequest) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO deletion_requests (id, tenant_id, user_id, status, delete_after, cancel_reason, summary, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		d.ID, d.TenantID, d.UserID, d.Status, d.DeleteAfter, d.CancelReason, d.Summary, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: inserting deletion request: %w", err)
	}
	return nil
}

func (r *DeletionRepo) Get(ctx context.Context, id string) (*DeletionRequest, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, tenant_id, user_id, status, delete_after, cancel_reason, summary, created_at, updated_at
		FROM deletion_requests WHERE id = $1`, id)
	return scanDeletionRequest(row)
}

// GetPendingForTenant returns tenantID's in-flight deletion request, if any.
func (r *DeletionRepo) GetPendingForTenant(ctx context.Context, tenantID string) (*DeletionRequest, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, tenant_id, user_id, status, delete_after, cancel_reason, summary, created_at, updated_at
		FROM deletion_requests WHERE tenant_id = $1 AND status = $2`, tenantID, DeletionPending)
	return scanDeletionRequest(row)
}

func (r *DeletionRepo) Cancel(ctx context.Context, id, reason string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE deletion_requests SET status = $1, cancel_reason = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
		DeletionCancelled, reason, now, id, DeletionPending)
	if err != nil {
		return fmt.Errorf("store: cancelling deletion request: %w", err)
	}
	return nil
}

func (r *DeletionRepo) MarkCompleted(ctx context.Context, id, summary string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE deletion_requests SET status = $1, summary = $2, updated_at = $3 WHERE id = $4`,
		DeletionCompleted, summary, now, id)
	if err != nil {
		return fmt.Errorf("store: marking deletion request completed: %w", err)
	}
	return nil
}

// FindExpired returns pending requests whose grace window has elapsed, for
// the deletion cron (spec.md §4.11).
func (r *DeletionRepo) FindExpired(ctx context.Context, now time.Time) ([]DeletionRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, tenant_id, user_id, status, delete_after, cancel_reason, summary, created_at, updated_at
		FROM deletion_requests WHERE status = $1 AND delete_after <= $2`, DeletionPending, now)
	if err != nil {
		return nil, fmt.Errorf("store: finding expired deletion requests: %w", err)
	}
	defer rows.Close()
	var out []DeletionRequest
	for rows.Next() {
		d, err := scanDeletionRequestRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDeletionRequest(row *sql.Row) (*DeletionRequest, error) {
	var d DeletionRequest
	var reason, summary sql.NullString
	if err := row.Scan(&d.ID, &d.TenantID, &d.UserID, &d.Status, &d.DeleteAfter, &reason, &summary, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: scanning deletion request: %w", err)
	}
	if reason.Valid {
		d.CancelReason = &reason.String
	}
	if summary.Valid {
		d.Summary = &summary.String
	}
	return &d, nil
}

func scanDeletionRequestRows(rows *sql.Rows) (*DeletionRequest, error) {
	var d DeletionRequest
	var reason, summary sql.NullString
	if err := rows.Scan(&d.ID, &d.TenantID, &d.UserID, &d.Status, &d.DeleteAfter, &reason, &summary, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, fmt.Errorf("store: scanning deletion request row: %w", err)
	}
	if reason.Valid {
		d.CancelReason = &reason.String
	}
	if summary.Valid {
		d.Summary = &summary.String
	}
	return &d, nil
}
