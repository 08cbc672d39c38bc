// Package gateway implements the tenant-facing request pipeline from
// spec.md §4.4: service-key auth, body limits, spending-cap enforcement,
// capability rate limiting, a per-instance circuit breaker, provider
// routing, and the meter/ledger hooks that account for a successful call.
//
// Grounded on the teacher's internal/middleware (tenant auth, rate
// limiting shape) and internal/circuitbreaker, generalized to this
// domain's per-instance keying and token-bucket rate limiting.
package gateway

import (
	"database/sql"
	"log"
	"time"

	"github.com/wopr/fleetctl/internal/cache"
	"github.com/wopr/fleetctl/internal/circuitbreaker"
	"github.com/wopr/fleetctl/internal/ledger"
	"github.com/wopr/fleetctl/internal/meter"
	"github.com/wopr/fleetctl/internal/store"
)

// Config is the gateway's tunable policy, sourced from internal/config's
// GatewayConfig (spec.md §4.4 defaults: 1MB/20MB/10MB/64KB body limits,
// 10s/20/30s breaker window/threshold/reset, 60/min default rate limit).
type Config struct {
	DefaultRateLimitPerMin int
	BodyLimitLLMBytes      int64
	BodyLimitMediaBytes    int64
	BodyLimitAudioBytes    int64
	BodyLimitWebhookBytes  int64
	DefaultMargin          float64
	WebhookBaseURL         string
	TwilioAuthToken        string
}

// Gateway wires the pipeline's stateful collaborators: caches, repos,
// ledger, meter, breaker manager, and provider registry.
type Gateway struct {
	cfg Config
	db  *sql.DB

	keys        *KeyIssuer
	spending    *SpendingGuard
	rateLimiter *RateLimiter
	breakers    *circuitbreaker.Manager
	registry    *ProviderRegistry
	ledger      *ledger.Ledger
	meter       *meter.Emitter
	cache       *cache.Client
	logger      *log.Logger
}

// Deps bundles the gateway's collaborators for New.
type Deps struct {
	Cfg          Config
	DB           *sql.DB
	ServiceKeys  *store.ServiceKeyRepo
	SpendingRepo *store.SpendingRepo
	MeterRepo    *store.MeterRepo
	RateLimits   *store.RateLimitRepo
	Cache        *cache.Client
	Ledger       *ledger.Ledger
	Meter        *meter.Emitter
	Registry     *ProviderRegistry
}

func New(d Deps) *Gateway {
	breakerCfg := circuitbreaker.DefaultConfig("")
	return &Gateway{
		cfg:         d.Cfg,
		db:          d.DB,
		keys:        NewKeyIssuer(d.ServiceKeys),
		spending:    NewSpendingGuard(d.SpendingRepo, d.MeterRepo, d.Cache),
		rateLimiter: NewRateLimiter(d.RateLimits, d.Cache, d.Cfg.DefaultRateLimitPerMin),
		breakers:    circuitbreaker.NewManager(breakerCfg),
		registry:    d.Registry,
		ledger:      d.Ledger,
		meter:       d.Meter,
		cache:       d.Cache,
		logger:      log.New(log.Writer(), "[gateway] ", log.LstdFlags),
	}
}

// Breaker returns (creating if absent) the named instance's circuit
// breaker, keyed per spec.md §4.4 step 5.
func (g *Gateway) Breaker(instanceID string) *circuitbreaker.CircuitBreaker {
	return g.breakers.Get(instanceID)
}

// nowFunc is overridable in tests.
var nowFunc = time.Now
