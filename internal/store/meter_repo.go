package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// MeterRepo persists meter events and their rolled-up summaries.
type MeterRepo struct{ DB *sql.DB }

// InsertBatch inserts events within tx. Each event's id is a
// caller-generated UUID (minted before the WAL write), so a retried batch
// that partially succeeded on a previous attempt is naturally deduplicated
// by the primary key (spec.md §4.3/§8 invariant 3).
func (r *MeterRepo) InsertBatch(ctx context.Context, tx *sql.Tx, events []MeterEvent) error {
	if len(events) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO meter_events (id, tenant_id, cost_raw, charge_raw, capability, provider, ts, session_id, duration_ms, usage_units, usage_type, tier, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("store: preparing meter batch insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		var metaJSON []byte
		if e.Metadata != nil {
			metaJSON, err = json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("store: marshaling meter event metadata: %w", err)
			}
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.TenantID, e.CostRaw, e.ChargeRaw, e.Capability, e.Provider,
			e.Timestamp, e.SessionID, e.DurationMS, e.UsageUnits, e.UsageType, e.Tier, metaJSON); err != nil {
			return fmt.Errorf("store: inserting meter event %s: %w", e.ID, err)
		}
	}
	return nil
}

// SumWindow sums cost/charge for a tenant within [since, until), used by
// the gateway's spending-cap live-window check (spec.md §4.4 step 3).
func (r *MeterRepo) SumWindow(ctx context.Context, tenantID string, since, until time.Time) (costRaw, chargeRaw int64, err error) {
	var c, g sql.NullInt64
	err = r.DB.QueryRowContext(ctx, `
		SELECT SUM(cost_raw), SUM(charge_raw) FROM meter_events
		WHERE tenant_id = $1 AND ts >= $2 AND ts < $3`, tenantID, since, until).Scan(&c, &g)
	if err != nil {
		return 0, 0, fmt.Errorf("store: summing meter window: %w", err)
	}
	return c.Int64, g.Int64, nil
}

// ListSince returns events with ts > watermark, ordered by ts, for the
// aggregator's idempotent upsert sweep (spec.md §4.3).
func (r *MeterRepo) ListSince(ctx context.Context, watermark time.Time, limit int) ([]MeterEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, tenant_id, cost_raw, charge_raw, capability, provider, ts
		FROM meter_events WHERE ts > $1 ORDER BY ts ASC LIMIT $2`, watermark, limit)
	if err != nil {
		return nil, fmt.Errorf("store: listing meter events since watermark: %w", err)
	}
	defer rows.Close()
	var out []MeterEvent
	for rows.Next() {
		var e MeterEvent
		if err := rows.Scan(&e.ID, &e.TenantID, &e.CostRaw, &e.ChargeRaw, &e.Capability, &e.Provider, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scanning meter event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertUsageSummary increments the (tenant, capability, provider, window)
// row, creating it if absent.
func (r *MeterRepo) UpsertUsageSummary(ctx context.Context, s UsageSummary) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO usage_summaries (tenant_id, capability, provider, window_start, event_count, total_cost_raw, total_charge_raw, total_duration_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (tenant_id, capability, provider, window_start) DO UPDATE SET
			event_count = usage_summaries.event_count + EXCLUDED.event_count,
			total_cost_raw = usage_summaries.total_cost_raw + EXCLUDED.total_cost_raw,
			total_charge_raw = usage_summaries.total_charge_raw + EXCLUDED.total_charge_raw,
			total_duration_ms = usage_summaries.total_duration_ms + EXCLUDED.total_duration_ms`,
		s.TenantID, s.Capability, s.Provider, s.WindowStart, s.EventCount, s.TotalCostRaw, s.TotalChargeRaw, s.TotalDurationMS)
	if err != nil {
		return fmt.Errorf("store: upserting usage summary: %w", err)
	}
	return nil
}

// UpsertBillingPeriodSummary folds a window's rollup into the active
// billing-period summary row.
func (r *MeterRepo) UpsertBillingPeriodSummary(ctx context.Context, s BillingPeriodSummary) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO billing_period_summaries (tenant_id, capability, provider, period_start, event_count, total_cost_raw, total_charge_raw, total_duration_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (tenant_id, capability, provider, period_start) DO UPDATE SET
			event_count = billing_period_summaries.event_count + EXCLUDED.event_count,
			total_cost_raw = billing_period_summaries.total_cost_raw + EXCLUDED.total_cost_raw,
			total_charge_raw = billing_period_summaries.total_charge_raw + EXCLUDED.total_charge_raw,
			total_duration_ms = billing_period_summaries.total_duration_ms + EXCLUDED.total_duration_ms`,
		s.TenantID, s.Capability, s.Provider, s.PeriodStart, s.EventCount, s.TotalCostRaw, s.TotalChargeRaw, s.TotalDurationMS)
	if err != nil {
		return fmt.Errorf("store: upserting billing period summary: %w", err)
	}
	return nil
}

// SumBillingPeriod sums a tenant's charge for the active billing period,
// used by the gateway's monthly spending-cap check.
func (r *MeterRepo) SumBillingPeriod(ctx context.Context, tenantID string, periodStart time.Time) (int64, error) {
	var sum sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `
		SELECT SUM(total_charge_raw) FROM billing_period_summaries WHERE tenant_id = $1 AND period_start = $2`,
		tenantID, periodStart).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("store: summing billing period: %w", err)
	}
	return sum.Int64, nil
}
