package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/wopr/fleetctl/internal/credit"
	"github.com/wopr/fleetctl/internal/ctrlerr"
	"github.com/wopr/fleetctl/internal/store"
)

// Handler returns the full tenant-authenticated pipeline (spec.md §4.4
// steps 2-8) wrapping a capability's proxy call. RequireServiceKey (step 1)
// is applied separately by the router since it's shared across all
// tenant routes, not just proxy routes.
func (g *Gateway) Handler(class BodyClass) http.Handler {
	return BodyLimit(g.cfg, class)(http.HandlerFunc(g.serveProxy))
}

func (g *Gateway) serveProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := TenantFromContext(ctx)
	if !ok {
		writeErr(w, ctrlerr.Unauthorized, "missing tenant context")
		return
	}
	instanceID, _ := ServiceKeyIDFromContext(ctx)

	cap, ok := capabilityFor(r.URL.Path)
	if !ok {
		writeErr(w, ctrlerr.NotFound, "no capability mapped to this path")
		return
	}

	// Step 3: spending cap.
	if err := g.spending.Check(ctx, tenantID, cap, nowFunc(), func(scope string, capRaw, spent int64) {
		g.logger.Printf("spending alert tenant=%s scope=%s cap=%d spent=%d", tenantID, scope, capRaw, spent)
	}); err != nil {
		fields := map[string]any{"scope": string(cap)}
		var capErr *CapExceededError
		if errors.As(err, &capErr) {
			fields["scope"] = capErr.Scope
			fields["cap"] = capErr.Cap
			fields["spent"] = capErr.Spent
		}
		writeErrFields(w, ctrlerr.SpendingCapExceeded, fields)
		return
	}

	// Step 4: capability rate limit.
	res, err := g.rateLimiter.Allow(ctx, g.db, tenantID, cap)
	if err != nil {
		w.Header().Set("X-RateLimit-Limit", fmt.Sprint(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprint(max(res.Remaining, 0)))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprint(res.ResetAt.Unix()))
		w.Header().Set("Retry-After", fmt.Sprint(int(res.ResetAt.Sub(nowFunc()).Seconds())))
		writeErr(w, ctrlerr.RateLimited, err.Error())
		return
	}

	// Step 5: circuit breaker, keyed by instanceId.
	breaker := g.Breaker(instanceID)
	if allowErr := breaker.Allow(); allowErr != nil {
		writeErr(w, ctrlerr.CircuitOpen, allowErr.Error())
		return
	}

	// Step 6: route to the first healthy, cheapest adapter and forward.
	adapters := g.registry.Route(ctx, cap)
	if len(adapters) == 0 {
		breaker.RecordFailure()
		writeErr(w, ctrlerr.UpstreamFailure, "no provider adapter registered for capability")
		return
	}

	var lastErr error
	var chosen *ProviderAdapter
	for i := range adapters {
		a := adapters[i]
		if err := a.Proxy(ctx, w, r); err != nil {
			lastErr = err
			g.registry.MarkUnhealthy(ctx, a.Name, err.Error())
			continue
		}
		chosen = &a
		break
	}
	if chosen == nil {
		breaker.RecordFailure()
		writeErr(w, ctrlerr.UpstreamFailure, fmt.Sprintf("all providers failed: %v", lastErr))
		return
	}
	breaker.RecordSuccess()

	// Step 7/8: meter then debit, referenceId = meter event id for
	// idempotency. Meter emission never blocks the response — it already
	// completed above.
	eventID := uuid.NewString()
	costRaw, chargeRaw := g.priceCall(cap)
	if g.meter != nil {
		g.meter.Emit(store.MeterEvent{
			ID:         eventID,
			TenantID:   tenantID,
			CostRaw:    costRaw,
			ChargeRaw:  chargeRaw,
			Capability: string(cap),
			Provider:   chosen.Name,
			Timestamp:  nowFunc(),
		})
	}
	if g.ledger != nil {
		refID := eventID
		if _, err := g.ledger.Debit(ctx, tenantID, credit.MustFromRaw(chargeRaw), store.TxAdapterUse, "adapter usage: "+string(cap), &refID); err != nil {
			g.logger.Printf("ledger debit failed (reconciled by runtime cron): tenant=%s event=%s err=%v", tenantID, eventID, err)
		}
	}
}

// priceCall computes cost/charge in raw units for one call to cap. Until a
// per-provider metered-usage cost model is wired in, this charges a flat
// per-capability rate at the configured default margin — the per-unit
// usage-based pricing described in spec.md §4.4 step 7 is computed by the
// provider adapter itself and passed through MeterEvent.Usage in a fuller
// integration; this fallback keeps accounting live end-to-end either way.
func (g *Gateway) priceCall(cap Capability) (costRaw, chargeRaw int64) {
	base := map[Capability]int64{
		CapLLM:         2_000_000,
		CapImageGen:    40_000_000,
		CapAudioSpeech: 10_000_000,
		CapTelephony:   5_000_000,
	}[cap]
	margin := g.cfg.DefaultMargin
	if margin < 1.0 {
		margin = 1.0
	}
	return base, int64(float64(base) * margin)
}
