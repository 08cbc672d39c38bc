package meter

import (
	"context"
	"log"
	"time"

	"github.com/wopr/fleetctl/internal/store"
)

// AggregateWindow is the rollup window (spec.md §4.3: "window = 60 s").
const AggregateWindow = 60 * time.Second

// Aggregator periodically folds raw meter rows into per-window
// UsageSummary rows and the active BillingPeriodSummary, tracking a
// last-processed-timestamp watermark so reruns only touch rows strictly
// newer than the last pass — idempotent by construction, not by a
// separate dedup table.
type Aggregator struct {
	repo        *store.MeterRepo
	logger      *log.Logger
	watermark   time.Time
	periodStart func(time.Time) time.Time
}

// NewAggregator builds an aggregator starting from watermark (pass the
// zero time to process everything on the first run). periodStart maps a
// timestamp to the start of its enclosing monthly billing period.
func NewAggregator(repo *store.MeterRepo, watermark time.Time, periodStart func(time.Time) time.Time) *Aggregator {
	if periodStart == nil {
		periodStart = defaultPeriodStart
	}
	return &Aggregator{
		repo:        repo,
		logger:      log.New(log.Writer(), "[meter-aggregator] ", log.LstdFlags),
		watermark:   watermark,
		periodStart: periodStart,
	}
}

func defaultPeriodStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// RunOnce scans events newer than the watermark, rolls them up into
// (tenant, capability, provider, window) groups, and upserts both the
// window summary and the billing-period summary. It advances the
// watermark to the latest event timestamp processed.
func (a *Aggregator) RunOnce(ctx context.Context) (int, error) {
	events, err := a.repo.ListSince(ctx, a.watermark, 10_000)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	type groupKey struct {
		tenant, capability, provider string
		windowStart                  time.Time
	}
	groups := make(map[groupKey]*store.UsageSummary)
	periods := make(map[groupKey]*store.BillingPeriodSummary)

	for _, ev := range events {
		windowStart := ev.Timestamp.Truncate(AggregateWindow)
		key := groupKey{ev.TenantID, ev.Capability, ev.Provider, windowStart}
		g, ok := groups[key]
		if !ok {
			g = &store.UsageSummary{TenantID: ev.TenantID, Capability: ev.Capability, Provider: ev.Provider, WindowStart: windowStart}
			groups[key] = g
		}
		g.EventCount++
		g.TotalCostRaw += ev.CostRaw
		g.TotalChargeRaw += ev.ChargeRaw
		if ev.DurationMS != nil {
			g.TotalDurationMS += *ev.DurationMS
		}

		periodStart := a.periodStart(ev.Timestamp)
		pkey := groupKey{ev.TenantID, ev.Capability, ev.Provider, periodStart}
		p, ok := periods[pkey]
		if !ok {
			p = &store.BillingPeriodSummary{TenantID: ev.TenantID, Capability: ev.Capability, Provider: ev.Provider, PeriodStart: periodStart}
			periods[pkey] = p
		}
		p.EventCount++
		p.TotalCostRaw += ev.CostRaw
		p.TotalChargeRaw += ev.ChargeRaw
		if ev.DurationMS != nil {
			p.TotalDurationMS += *ev.DurationMS
		}

		if ev.Timestamp.After(a.watermark) {
			a.watermark = ev.Timestamp
		}
	}

	for _, g := range groups {
		if err := a.repo.UpsertUsageSummary(ctx, *g); err != nil {
			return 0, err
		}
	}
	for _, p := range periods {
		if err := a.repo.UpsertBillingPeriodSummary(ctx, *p); err != nil {
			return 0, err
		}
	}

	return len(events), nil
}

// Watermark returns the aggregator's current last-processed timestamp.
func (a *Aggregator) Watermark() time.Time { return a.watermark }

// Run loops RunOnce on AggregateWindow cadence until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(AggregateWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.RunOnce(ctx)
			if err != nil {
				a.logger.Printf("aggregation pass failed: %v", err)
				continue
			}
			if n > 0 {
				a.logger.Printf("aggregated %d events up to watermark %s", n, a.watermark.Format(time.RFC3339))
			}
		}
	}
}
