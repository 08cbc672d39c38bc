package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/wopr/fleetctl/internal/cache"
	"github.com/wopr/fleetctl/internal/ctrlerr"
	"github.com/wopr/fleetctl/internal/store"
)

// SpendingGuard implements spec.md §4.4 step 3: reads the tenant's global
// and per-capability spending limits, compares today's and this month's
// spend against hard caps, and emits an alert when only the soft alertAt
// threshold is crossed. With a cache configured the alert fires at most
// once per day per scope and threshold; without one, every call past the
// threshold fires it.
type SpendingGuard struct {
	limits *store.SpendingRepo
	meter  *store.MeterRepo
	cache  *cache.Client
}

func NewSpendingGuard(limits *store.SpendingRepo, meter *store.MeterRepo, c *cache.Client) *SpendingGuard {
	return &SpendingGuard{limits: limits, meter: meter, cache: c}
}

// CapExceededError carries the spending-cap-exceeded body fields spec.md
// §4.4 step 3 specifies: {"error":"spending_cap_exceeded","scope":...,
// "cap":...,"spent":...}.
type CapExceededError struct {
	Scope string
	Cap   int64
	Spent int64
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("%s cap %d exceeded by spend %d", e.Scope, e.Cap, e.Spent)
}

func (e *CapExceededError) Is(target error) bool { return target == ctrlerr.SpendingCapExceeded }

// probeCost is the minimum charge assumed for a not-yet-metered call when
// deciding whether a hard cap would be exceeded (spec.md §4.4 step 3: "if
// either hard cap would be exceeded by at minimum PROBE_COST").
const probeCostRaw = 1_000_000 // $0.001 in raw units (scale 1e9/dollar)

// Check evaluates tenantID's daily, monthly, and capability-scoped caps.
// now is injected for testability. Returns a non-nil error (always
// ctrlerr.SpendingCapExceeded) only when a hard cap is breached; alert
// emission is handled internally and never blocks the request.
func (g *SpendingGuard) Check(ctx context.Context, tenantID string, capability Capability, now time.Time, onAlert func(scope string, cap, spent int64)) error {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	_, dailyCharge, err := g.meter.SumWindow(ctx, tenantID, dayStart, now)
	if err != nil {
		return err
	}
	monthlyCharge, err := g.meter.SumBillingPeriod(ctx, tenantID, monthStart)
	if err != nil {
		return err
	}

	global, err := g.limits.Get(ctx, tenantID, nil)
	if err != nil {
		return err
	}
	if global != nil {
		if err := g.evaluate(ctx, tenantID, "daily", global, dailyCharge, onAlert); err != nil {
			return err
		}
		if err := g.evaluate(ctx, tenantID, "monthly", global, monthlyCharge, onAlert); err != nil {
			return err
		}
	}

	capStr := string(capability)
	perCap, err := g.limits.Get(ctx, tenantID, &capStr)
	if err != nil {
		return err
	}
	if perCap != nil {
		capCost, _, err := g.meter.SumWindow(ctx, tenantID, monthStart, now)
		if err != nil {
			return err
		}
		if err := g.evaluate(ctx, tenantID, "capability:"+capStr, perCap, capCost, onAlert); err != nil {
			return err
		}
	}
	return nil
}

func (g *SpendingGuard) evaluate(ctx context.Context, tenantID, scope string, limit *store.SpendingLimit, spent int64, onAlert func(scope string, cap, spent int64)) error {
	if limit.HardCapRaw != nil && spent+probeCostRaw > *limit.HardCapRaw {
		return &CapExceededError{Scope: scope, Cap: *limit.HardCapRaw, Spent: spent}
	}
	if limit.AlertAtRaw != nil && spent >= *limit.AlertAtRaw {
		day := time.Now().UTC().Format("2006-01-02")
		if g.cache != nil {
			won, err := g.cache.TryAlertOnce(ctx, tenantID, scope, *limit.AlertAtRaw, day)
			if err != nil || !won {
				return nil
			}
		}
		if onAlert != nil {
			onAlert(scope, *limit.AlertAtRaw, spent)
		}
	}
	return nil
}
