package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wopr/fleetctl/internal/cache"
	"github.com/wopr/fleetctl/internal/ctrlerr"
	"github.com/wopr/fleetctl/internal/store"
)

const rateLimitWindow = 60 * time.Second

// RateLimiter enforces spec.md §4.4 step 4: a token bucket per (tenantId,
// capability), default limit from config, 60-second window. In-process
// buckets (golang.org/x/time/rate, per the spec's explicit "token bucket"
// requirement) make every enforcement decision. internal/cache.IncrRateLimit
// and internal/store.RateLimitRepo each receive a copy of every hit, but
// neither is read back, so a restarted process starts every bucket full.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	repo     *store.RateLimitRepo
	cache    *cache.Client
	defaultN int
}

func NewRateLimiter(repo *store.RateLimitRepo, c *cache.Client, defaultPerMin int) *RateLimiter {
	if defaultPerMin <= 0 {
		defaultPerMin = 60
	}
	return &RateLimiter{
		buckets:  make(map[string]*rate.Limiter),
		repo:     repo,
		cache:    c,
		defaultN: defaultPerMin,
	}
}

// Result carries the information the gateway needs for the 429 response
// headers (spec.md §6: Retry-After, X-RateLimit-*).
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

func bucketKey(tenantID string, cap Capability) string {
	return "gateway:" + string(cap) + ":" + tenantID
}

func (rl *RateLimiter) bucket(key string, limitPerMin int) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Limit(float64(limitPerMin)/60.0), limitPerMin)
		rl.buckets[key] = b
	}
	return b
}

// Allow checks and consumes one token for (tenantId, capability) against
// the in-process bucket, which is the enforcement decision, then mirrors
// the hit into cache and (best effort) the durable counter table.
func (rl *RateLimiter) Allow(ctx context.Context, db *sql.DB, tenantID string, cap Capability) (Result, error) {
	key := bucketKey(tenantID, cap)
	b := rl.bucket(key, rl.defaultN)

	now := nowFunc()
	allowed := b.AllowN(now, 1)
	windowStart := now.Truncate(rateLimitWindow)

	if rl.cache != nil {
		if _, err := rl.cache.IncrRateLimit(ctx, "gateway:"+string(cap), tenantID, rateLimitWindow); err != nil {
			// cache is a fast-path accelerator; a miss here doesn't block enforcement
		}
	}
	if rl.repo != nil && db != nil {
		err := store.Serializable(ctx, db, func(tx *sql.Tx) error {
			_, err := rl.repo.Increment(ctx, tx, "gateway:"+string(cap), tenantID, windowStart)
			return err
		})
		if err != nil {
			// durable mirror only; enforcement already happened above
		}
	}

	res := Result{
		Allowed:   allowed,
		Limit:     rl.defaultN,
		Remaining: int(b.TokensAt(now)),
		ResetAt:   windowStart.Add(rateLimitWindow),
	}
	if !allowed {
		return res, fmt.Errorf("%w: capability %s rate limit exceeded for tenant %s", ctrlerr.RateLimited, cap, tenantID)
	}
	return res, nil
}
