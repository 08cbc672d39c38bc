package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// BreakerRepo reads and writes per-instance circuit breaker rows (spec.md
// §4.4 step 2). The gateway's breakers in internal/circuitbreaker keep
// their state in memory and do not use it, so a restart resets them.
type BreakerRepo struct{ DB *sql.DB }

func (r *BreakerRepo) Get(ctx context.Context, instanceID string) (*CircuitBreakerState, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT instance_id, count, window_start, tripped_at FROM circuit_breaker_states WHERE instance_id = $1`, instanceID)
	var s CircuitBreakerState
	var trippedAt sql.NullTime
	if err := row.Scan(&s.InstanceID, &s.Count, &s.WindowStart, &trippedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: reading breaker state: %w", err)
	}
	if trippedAt.Valid {
		t := trippedAt.Time
		s.TrippedAt = &t
	}
	return &s, nil
}

func (r *BreakerRepo) Upsert(ctx context.Context, s *CircuitBreakerState) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO circuit_breaker_states (instance_id, count, window_start, tripped_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (instance_id) DO UPDATE SET count = EXCLUDED.count, window_start = EXCLUDED.window_start, tripped_at = EXCLUDED.tripped_at`,
		s.InstanceID, s.Count, s.WindowStart, s.TrippedAt)
	if err != nil {
		return fmt.Errorf("store: upserting breaker state: %w", err)
	}
	return nil
}

// Reset clears a breaker row back to closed.
func (r *BreakerRepo) Reset(ctx context.Context, instanceID string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE circuit_breaker_states SET count = 0, window_start = $1, tripped_at = NULL WHERE instance_id = $2`, now, instanceID)
	if err != nil {
		return fmt.Errorf("store: resetting breaker state: %w", err)
	}
	return nil
}
