package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// AuditRepo appends audit log rows through DB, outside any caller
// transaction. internal/audit.Logger logs a failed write and carries on;
// internal/node and internal/migration return the error from inside their
// Serializable closures, which rolls back the state change it describes.
type AuditRepo struct{ DB *sql.DB }

func (r *AuditRepo) Insert(ctx context.Context, e *AuditEntry) error {
	before, err := marshalAuditField(e.Before)
	if err != nil {
		return err
	}
	after, err := marshalAuditField(e.After)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `
		INSERT INTO audit_entries (id, actor, action, target, before_json, after_json, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.Actor, e.Action, e.Target, before, after, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: inserting audit entry: %w", err)
	}
	return nil
}

// ListByTarget returns a target's audit trail, newest first.
func (r *AuditRepo) ListByTarget(ctx context.Context, target string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, actor, action, target, before_json, after_json, created_at
		FROM audit_entries WHERE target = $1 ORDER BY created_at DESC LIMIT $2`, target, limit)
	if err != nil {
		return nil, fmt.Errorf("store: listing audit entries: %w", err)
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var before, after []byte
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Target, &before, &after, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scanning audit entry: %w", err)
		}
		if len(before) > 0 {
			if err := json.Unmarshal(before, &e.Before); err != nil {
				return nil, fmt.Errorf("store: unmarshaling audit before_json: %w", err)
			}
		}
		if len(after) > 0 {
			if err := json.Unmarshal(after, &e.After); err != nil {
				return nil, fmt.Errorf("store: unmarshaling audit after_json: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func marshalAuditField(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("store: marshaling audit field: %w", err)
	}
	return b, nil
}
