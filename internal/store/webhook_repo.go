package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// WebhookRepo records externally-delivered webhook event ids for
// idempotent processing (spec.md §4.4 Twilio/provider webhook path).
type WebhookRepo struct{ DB *sql.DB }

// MarkSeen inserts the event id, returning false if it was already seen.
func (r *WebhookRepo) MarkSeen(ctx context.Context, source, eventID string, now time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		INSERT INTO webhook_seen (event_id, source, seen_at) VALUES ($1,$2,$3)
		ON CONFLICT (event_id) DO NOTHING`, eventID, source, now)
	if err != nil {
		return false, fmt.Errorf("store: marking webhook seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: checking webhook insert rows affected: %w", err)
	}
	return n > 0, nil
}

// PurgeOlderThan deletes webhook-seen rows older than cutoff, bounding the
// table's growth (spec.md §4.4 design note on webhook idempotency TTL).
func (r *WebhookRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM webhook_seen WHERE seen_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: purging webhook seen rows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: checking purge rows affected: %w", err)
	}
	return n, nil
}
