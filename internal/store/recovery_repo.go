package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// RecoveryRepo persists recovery events and their per-bot items (spec.md
// §4.6).
type RecoveryRepo struct{ DB *sql.DB }

func (r *RecoveryRepo) InsertEvent(ctx context.Context, tx *sql.Tx, e *RecoveryEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO recovery_events (id, node_id, trigger, status, tenants_total, tenants_recovered, tenants_failed, tenants_waiting, started_at, completed_at, report_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.NodeID, e.Trigger, e.Status, e.TenantsTotal, e.TenantsRecovered, e.TenantsFailed, e.TenantsWaiting, e.StartedAt, e.CompletedAt, e.ReportJSON)
	if err != nil {
		return fmt.Errorf("store: inserting recovery event: %w", err)
	}
	return nil
}

func (r *RecoveryRepo) UpdateEvent(ctx context.Context, tx *sql.Tx, e *RecoveryEvent) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE recovery_events SET status = $1, tenants_recovered = $2, tenants_failed = $3, tenants_waiting = $4, completed_at = $5, report_json = $6
		WHERE id = $7`,
		e.Status, e.TenantsRecovered, e.TenantsFailed, e.TenantsWaiting, e.CompletedAt, e.ReportJSON, e.ID)
	if err != nil {
		return fmt.Errorf("store: updating recovery event: %w", err)
	}
	return nil
}

func (r *RecoveryRepo) GetEvent(ctx context.Context, id string) (*RecoveryEvent, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, node_id, trigger, status, tenants_total, tenants_recovered, tenants_failed, tenants_waiting, started_at, completed_at, report_json
		FROM recovery_events WHERE id = $1`, id)
	var e RecoveryEvent
	var completedAt sql.NullTime
	var report sql.NullString
	if err := row.Scan(&e.ID, &e.NodeID, &e.Trigger, &e.Status, &e.TenantsTotal, &e.TenantsRecovered, &e.TenantsFailed, &e.TenantsWaiting, &e.StartedAt, &completedAt, &report); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: scanning recovery event: %w", err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	if report.Valid {
		e.ReportJSON = &report.String
	}
	return &e, nil
}

func (r *RecoveryRepo) InsertItem(ctx context.Context, tx *sql.Tx, it *RecoveryItem) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO recovery_items (id, event_id, bot_id, tenant_id, source_node, target_node, backup_key, status, reason, started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		it.ID, it.EventID, it.BotID, it.TenantID, it.SourceNode, it.TargetNode, it.BackupKey, it.Status, it.Reason, it.StartedAt, it.CompletedAt)
	if err != nil {
		return fmt.Errorf("store: inserting recovery item: %w", err)
	}
	return nil
}

func (r *RecoveryRepo) UpdateItem(ctx context.Context, tx *sql.Tx, it *RecoveryItem) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE recovery_items SET target_node = $1, status = $2, reason = $3, completed_at = $4 WHERE id = $5`,
		it.TargetNode, it.Status, it.Reason, it.CompletedAt, it.ID)
	if err != nil {
		return fmt.Errorf("store: updating recovery item: %w", err)
	}
	return nil
}

// ListItemsByEvent returns an event's items in stable id order (spec.md §5:
// recovery processes bots in a deterministic order for reproducible
// reports).
func (r *RecoveryRepo) ListItemsByEvent(ctx context.Context, eventID string) ([]RecoveryItem, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, event_id, bot_id, tenant_id, source_node, target_node, backup_key, status, reason, started_at, completed_at
		FROM recovery_items WHERE event_id = $1 ORDER BY id ASC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("store: listing recovery items: %w", err)
	}
	defer rows.Close()
	var out []RecoveryItem
	for rows.Next() {
		it, err := scanRecoveryItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

// ListItemsByStatus returns items across all events in the given statuses
// (spec.md §4.6/§9 open-question decision). RetryWaiting does not use it;
// it works per event through ListItemsByEvent.
func (r *RecoveryRepo) ListItemsByStatus(ctx context.Context, statuses ...RecoveryItemStatus) ([]RecoveryItem, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	placeholders := ""
	for i, s := range statuses {
		args[i] = s
		if i > 0 {
			placeholders += ","
		}
		placeholders += fmt.Sprintf("$%d", i+1)
	}
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, event_id, bot_id, tenant_id, source_node, target_node, backup_key, status, reason, started_at, completed_at
		FROM recovery_items WHERE status IN (%s) ORDER BY id ASC`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing recovery items by status: %w", err)
	}
	defer rows.Close()
	var out []RecoveryItem
	for rows.Next() {
		it, err := scanRecoveryItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func scanRecoveryItem(rows *sql.Rows) (*RecoveryItem, error) {
	var it RecoveryItem
	var target, backupKey, reason sql.NullString
	var completedAt sql.NullTime
	if err := rows.Scan(&it.ID, &it.EventID, &it.BotID, &it.TenantID, &it.SourceNode, &target, &backupKey, &it.Status, &reason, &it.StartedAt, &completedAt); err != nil {
		return nil, fmt.Errorf("store: scanning recovery item: %w", err)
	}
	if target.Valid {
		it.TargetNode = &target.String
	}
	if backupKey.Valid {
		it.BackupKey = &backupKey.String
	}
	if reason.Valid {
		it.Reason = &reason.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		it.CompletedAt = &t
	}
	return &it, nil
}

// MarshalReport is a small helper so callers building RecoveryEvent.ReportJSON
// don't each hand-roll json.Marshal/error wrapping.
func MarshalReport(v any) (*string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: marshaling recovery report: %w", err)
	}
	s := string(b)
	return &s, nil
}
