// Package cache wraps go-redis v9 with the TTL-keyed fast paths the
// gateway and ledger need on the hot request path: tenant balance,
// provider health overrides, spending-cap snapshots, and rate-limit
// counters. Every method degrades to a cache miss on a Redis error rather
// than failing the caller — the relational store is always the source of
// truth, this is purely an accelerator.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get-style methods when the key is absent. It is
// not itself an error condition callers need to log; a miss just means
// "go ask the store".
var ErrMiss = errors.New("cache: miss")

// Client wraps a *redis.Client with the key-prefixing and TTL policy the
// control plane uses throughout.
type Client struct {
	rdb *redis.Client
}

// New connects to addr and verifies connectivity with a short-timeout
// ping. A connection failure is returned to the caller, who may choose to
// run with caching disabled rather than fail startup.
func New(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("cache: redis ping failed (%s): %w", addr, err)
	}
	slog.Info("redis connected", "addr", addr, "db", db)
	return &Client{rdb: rdb}, nil
}

func (c *Client) Close() error { return c.rdb.Close() }

const (
	balanceTTL    = 30 * time.Second
	healthTTL     = 15 * time.Second
	spendCapTTL   = 60 * time.Second
	alertOnceTTL  = 24 * time.Hour
)

func balanceKey(tenantID string) string    { return "balance:" + tenantID }
func healthKey(provider string) string     { return "health:" + provider }
func spendCapKey(tenantID, scope string) string { return "spendcap:" + tenantID + ":" + scope }
func alertKey(tenantID, scope string) string    { return "capalert:" + tenantID + ":" + scope }

// GetBalance returns a cached balance in raw credit units, or ErrMiss.
func (c *Client) GetBalance(ctx context.Context, tenantID string) (int64, error) {
	v, err := c.rdb.Get(ctx, balanceKey(tenantID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrMiss
	}
	if err != nil {
		return 0, fmt.Errorf("cache: reading balance: %w", err)
	}
	return v, nil
}

// SetBalance caches tenantID's balance. Callers invalidate (rather than
// update) this key in the same breath as a ledger write, so a crash
// between the DB commit and the cache write only costs one cache miss,
// never a stale read.
func (c *Client) SetBalance(ctx context.Context, tenantID string, raw int64) error {
	if err := c.rdb.Set(ctx, balanceKey(tenantID), raw, balanceTTL).Err(); err != nil {
		return fmt.Errorf("cache: setting balance: %w", err)
	}
	return nil
}

// InvalidateBalance drops tenantID's cached balance.
func (c *Client) InvalidateBalance(ctx context.Context, tenantID string) error {
	if err := c.rdb.Del(ctx, balanceKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("cache: invalidating balance: %w", err)
	}
	return nil
}

// ProviderHealth is an operator-set override on top of the circuit
// breaker's own state, e.g. to force-drain a provider ahead of a planned
// upstream maintenance window.
type ProviderHealth struct {
	Healthy bool   `json:"healthy"`
	Reason  string `json:"reason,omitempty"`
}

func (c *Client) GetProviderHealth(ctx context.Context, provider string) (*ProviderHealth, error) {
	raw, err := c.rdb.Get(ctx, healthKey(provider)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache: reading provider health: %w", err)
	}
	var h ProviderHealth
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("cache: decoding provider health: %w", err)
	}
	return &h, nil
}

func (c *Client) SetProviderHealth(ctx context.Context, provider string, h ProviderHealth) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("cache: encoding provider health: %w", err)
	}
	if err := c.rdb.Set(ctx, healthKey(provider), raw, healthTTL).Err(); err != nil {
		return fmt.Errorf("cache: setting provider health: %w", err)
	}
	return nil
}

// GetSpendingSnapshot returns a cached running-total for a tenant's
// spending-cap scope, in raw units.
func (c *Client) GetSpendingSnapshot(ctx context.Context, tenantID, scope string) (int64, error) {
	v, err := c.rdb.Get(ctx, spendCapKey(tenantID, scope)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrMiss
	}
	if err != nil {
		return 0, fmt.Errorf("cache: reading spending snapshot: %w", err)
	}
	return v, nil
}

func (c *Client) SetSpendingSnapshot(ctx context.Context, tenantID, scope string, raw int64) error {
	if err := c.rdb.Set(ctx, spendCapKey(tenantID, scope), raw, spendCapTTL).Err(); err != nil {
		return fmt.Errorf("cache: setting spending snapshot: %w", err)
	}
	return nil
}

// TryAlertOnce claims the (tenant, scope, threshold) alert slot for today,
// returning true only for the caller that wins the race. Implements the
// at-most-once-per-calendar-day alertAt emission decided in DESIGN.md.
func (c *Client) TryAlertOnce(ctx context.Context, tenantID, scope string, threshold int64, day string) (bool, error) {
	key := alertKey(tenantID, scope) + ":" + day + ":" + fmt.Sprint(threshold)
	ok, err := c.rdb.SetNX(ctx, key, 1, alertOnceTTL).Result()
	if err != nil {
		return false, fmt.Errorf("cache: claiming alert slot: %w", err)
	}
	return ok, nil
}

// IncrRateLimit increments a capability rate-limit counter and returns its
// new value, setting expiry on first increment within the window. The
// gateway calls it only to mirror each hit; its in-process token bucket
// makes the decision, and neither this counter nor
// internal/store.RateLimitRepo is read back.
func (c *Client) IncrRateLimit(ctx context.Context, scope, key string, window time.Duration) (int64, error) {
	fullKey := "ratelimit:" + scope + ":" + key
	n, err := c.rdb.Incr(ctx, fullKey).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: incrementing rate limit: %w", err)
	}
	if n == 1 {
		c.rdb.Expire(ctx, fullKey, window)
	}
	return n, nil
}
