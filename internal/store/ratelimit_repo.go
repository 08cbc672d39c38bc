package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RateLimitRepo persists per-window counters for capability rate limits
// (spec.md §4.4 step 4). The gateway writes them on every call but does not
// read them when deciding, so enforcement does not carry across a restart.
type RateLimitRepo struct{ DB *sql.DB }

// Increment bumps the counter for (scope, key) within the current window,
// resetting it if windowStart has moved on. Returns the post-increment
// count.
func (r *RateLimitRepo) Increment(ctx context.Context, tx *sql.Tx, scope, key string, windowStart time.Time) (int64, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO rate_limit_counters (scope, key, window_start, count)
		VALUES ($1,$2,$3,1)
		ON CONFLICT (scope, key) DO UPDATE SET
			count = CASE WHEN rate_limit_counters.window_start = EXCLUDED.window_start
				THEN rate_limit_counters.count + 1 ELSE 1 END,
			window_start = EXCLUDED.window_start`,
		scope, key, windowStart)
	if err != nil {
		return 0, fmt.Errorf("store: incrementing rate limit counter: %w", err)
	}
	var count int64
	err = tx.QueryRowContext(ctx, `SELECT count FROM rate_limit_counters WHERE scope = $1 AND key = $2`, scope, key).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: reading rate limit counter: %w", err)
	}
	return count, nil
}

func (r *RateLimitRepo) Get(ctx context.Context, scope, key string) (*RateLimitCounter, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT scope, key, window_start, count FROM rate_limit_counters WHERE scope = $1 AND key = $2`, scope, key)
	var c RateLimitCounter
	if err := row.Scan(&c.Scope, &c.Key, &c.WindowStart, &c.Count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: reading rate limit counter: %w", err)
	}
	return &c, nil
}
