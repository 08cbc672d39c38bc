package gateway

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/wopr/fleetctl/internal/cache"
)

// ProviderAdapter describes one upstream capable of serving a capability
// (spec.md §4.4 "Provider registry & routing").
type ProviderAdapter struct {
	Name       string
	Capability Capability
	CostRaw    int64 // provider's raw cost per unit, used for cost-ascending ordering
	Priority   int   // tie-break ordering, lower first
	BaseURL    string
	Proxy      func(ctx context.Context, w http.ResponseWriter, r *http.Request) (upstreamErr error)
}

// ProviderRegistry holds every known adapter, grouped by capability, and
// answers routing queries ordered by (healthy DESC, cost ASC, priority ASC).
type ProviderRegistry struct {
	mu       sync.RWMutex
	byCap    map[Capability][]ProviderAdapter
	cache    *cache.Client
	fallback map[string]bool // in-process health fallback when cache is nil/unreachable
}

func NewProviderRegistry(c *cache.Client) *ProviderRegistry {
	return &ProviderRegistry{
		byCap:    make(map[Capability][]ProviderAdapter),
		cache:    c,
		fallback: make(map[string]bool),
	}
}

func (pr *ProviderRegistry) Register(a ProviderAdapter) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.byCap[a.Capability] = append(pr.byCap[a.Capability], a)
}

// Route returns the capability's adapters ordered by health, cost, then
// priority — the gateway tries each in order until one succeeds.
func (pr *ProviderRegistry) Route(ctx context.Context, cap Capability) []ProviderAdapter {
	pr.mu.RLock()
	adapters := append([]ProviderAdapter(nil), pr.byCap[cap]...)
	pr.mu.RUnlock()

	healthy := make(map[string]bool, len(adapters))
	for _, a := range adapters {
		healthy[a.Name] = pr.isHealthy(ctx, a.Name)
	}

	sort.SliceStable(adapters, func(i, j int) bool {
		hi, hj := healthy[adapters[i].Name], healthy[adapters[j].Name]
		if hi != hj {
			return hi // healthy first
		}
		if adapters[i].CostRaw != adapters[j].CostRaw {
			return adapters[i].CostRaw < adapters[j].CostRaw
		}
		return adapters[i].Priority < adapters[j].Priority
	})
	return adapters
}

func (pr *ProviderRegistry) isHealthy(ctx context.Context, name string) bool {
	if pr.cache != nil {
		if h, err := pr.cache.GetProviderHealth(ctx, name); err == nil {
			return h.Healthy
		}
	}
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	if unhealthy, marked := pr.fallback[name]; marked {
		return !unhealthy
	}
	return true
}

// MarkUnhealthy records a temporary override on repeated 5xx from an
// upstream, with a TTL so auto-healing requires no operator action
// (spec.md §4.4 "Health overrides... stored in a table with a TTL").
func (pr *ProviderRegistry) MarkUnhealthy(ctx context.Context, name, reason string) {
	if pr.cache != nil {
		_ = pr.cache.SetProviderHealth(ctx, name, cache.ProviderHealth{Healthy: false, Reason: reason})
		return
	}
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.fallback[name] = true
	go func() {
		time.Sleep(15 * time.Second)
		pr.mu.Lock()
		delete(pr.fallback, name)
		pr.mu.Unlock()
	}()
}
