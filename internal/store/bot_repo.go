package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// BotInstanceRepo persists tenant bot instances.
type BotInstanceRepo struct{ DB *sql.DB }

func (r *BotInstanceRepo) Get(ctx context.Context, id string) (*BotInstance, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, node_id, billing_state, image, estimated_mb, release_channel, update_policy, created_at, updated_at
		FROM bot_instances WHERE id = $1`, id)
	return scanBotInstance(row)
}

func (r *BotInstanceRepo) Insert(ctx context.Context, b *BotInstance) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO bot_instances (id, tenant_id, name, node_id, billing_state, image, estimated_mb, release_channel, update_policy, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		b.ID, b.TenantID, b.Name, b.NodeID, b.BillingState, b.Image, b.EstimatedMB, b.ReleaseChannel, b.UpdatePolicy, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: inserting bot instance: %w", err)
	}
	return nil
}

// Reassign moves a bot to a new node (or to unplaced, if targetNodeID is
// nil), used by migration and recovery.
func (r *BotInstanceRepo) Reassign(ctx context.Context, botID string, targetNodeID *string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE bot_instances SET node_id = $1, updated_at = $2 WHERE id = $3`, targetNodeID, now, botID)
	if err != nil {
		return fmt.Errorf("store: reassigning bot instance: %w", err)
	}
	return nil
}

// ListByNode returns every bot currently placed on nodeID, in stable id
// order (spec.md §4.6/§5: "recovery items are processed in stable id
// order").
func (r *BotInstanceRepo) ListByNode(ctx context.Context, nodeID string) ([]BotInstance, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, tenant_id, name, node_id, billing_state, image, estimated_mb, release_channel, update_policy, created_at, updated_at
		FROM bot_instances WHERE node_id = $1 ORDER BY id ASC`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("store: listing bots by node: %w", err)
	}
	defer rows.Close()
	var out []BotInstance
	for rows.Next() {
		b, err := scanBotInstanceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// ListTrackable returns bots whose release channel is not "pinned", for
// the image poller to schedule (spec.md §4.9).
func (r *BotInstanceRepo) ListTrackable(ctx context.Context) ([]BotInstance, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, tenant_id, name, node_id, billing_state, image, estimated_mb, release_channel, update_policy, created_at, updated_at
		FROM bot_instances WHERE release_channel <> $1`, ChannelPinned)
	if err != nil {
		return nil, fmt.Errorf("store: listing trackable bots: %w", err)
	}
	defer rows.Close()
	var out []BotInstance
	for rows.Next() {
		b, err := scanBotInstanceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// SetBillingState updates a bot's cached billing_state column (the
// authoritative state lives in bot_billing; this mirror lets placement
// queries avoid a join).
func (r *BotInstanceRepo) SetBillingState(ctx context.Context, q interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, botID string, state BillingState, now time.Time) error {
	_, err := q.ExecContext(ctx, `UPDATE bot_instances SET billing_state = $1, updated_at = $2 WHERE id = $3`, state, now, botID)
	if err != nil {
		return fmt.Errorf("store: updating bot billing state: %w", err)
	}
	return nil
}

func scanBotInstance(row *sql.Row) (*BotInstance, error) {
	var b BotInstance
	var nodeID sql.NullString
	if err := row.Scan(&b.ID, &b.TenantID, &b.Name, &nodeID, &b.BillingState, &b.Image, &b.EstimatedMB, &b.ReleaseChannel, &b.UpdatePolicy, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: scanning bot instance: %w", err)
	}
	if nodeID.Valid {
		b.NodeID = &nodeID.String
	}
	return &b, nil
}

func scanBotInstanceRows(rows *sql.Rows) (*BotInstance, error) {
	var b BotInstance
	var nodeID sql.NullString
	if err := rows.Scan(&b.ID, &b.TenantID, &b.Name, &nodeID, &b.BillingState, &b.Image, &b.EstimatedMB, &b.ReleaseChannel, &b.UpdatePolicy, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, fmt.Errorf("store: scanning bot instance row: %w", err)
	}
	if nodeID.Valid {
		b.NodeID = &nodeID.String
	}
	return &b, nil
}

// BotBillingRepo persists the (botId, tenantId, billingState) lifecycle
// rows that drive suspension/reactivation (spec.md §4.2).
type BotBillingRepo struct{ DB *sql.DB }

func (r *BotBillingRepo) Register(ctx context.Context, b *BotBilling) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO bot_billing (bot_id, tenant_id, name, billing_state, suspended_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (bot_id) DO NOTHING`,
		b.BotID, b.TenantID, b.Name, b.BillingState, b.SuspendedAt, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: registering bot billing: %w", err)
	}
	return nil
}

// ListActiveForTenant returns bot ids in BillingActive state for tenantID.
func (r *BotBillingRepo) ListActiveForTenant(ctx context.Context, tenantID string) ([]string, error) {
	return r.listForTenant(ctx, tenantID, BillingActive)
}

// ListSuspendedForTenant returns bot ids in BillingSuspended state.
func (r *BotBillingRepo) ListSuspendedForTenant(ctx context.Context, tenantID string) ([]string, error) {
	return r.listForTenant(ctx, tenantID, BillingSuspended)
}

func (r *BotBillingRepo) listForTenant(ctx context.Context, tenantID string, state BillingState) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT bot_id FROM bot_billing WHERE tenant_id = $1 AND billing_state = $2`, tenantID, state)
	if err != nil {
		return nil, fmt.Errorf("store: listing bot billing by state: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scanning bot id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SetState flips a bot's billing state, stamping suspendedAt when moving
// into BillingSuspended and clearing it otherwise.
func (r *BotBillingRepo) SetState(ctx context.Context, botID string, state BillingState, now time.Time) error {
	var suspendedAt *time.Time
	if state == BillingSuspended {
		suspendedAt = &now
	}
	_, err := r.DB.ExecContext(ctx, `
		UPDATE bot_billing SET billing_state = $1, suspended_at = $2, updated_at = $3 WHERE bot_id = $4`,
		state, suspendedAt, now, botID)
	if err != nil {
		return fmt.Errorf("store: updating bot billing state: %w", err)
	}
	return nil
}

// ListTenantsWithActiveBots returns distinct tenant ids with at least one
// active bot, for the runtime cron's daily sweep (spec.md §4.2).
func (r *BotBillingRepo) ListTenantsWithActiveBots(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM bot_billing WHERE billing_state = $1`, BillingActive)
	if err != nil {
		return nil, fmt.Errorf("store: listing tenants with active bots: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("store: scanning tenant id: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountActiveForTenant reports how many active bots a tenant has, used to
// compute the runtime cron's per-bot daily fee.
func (r *BotBillingRepo) CountActiveForTenant(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM bot_billing WHERE tenant_id = $1 AND billing_state = $2`, tenantID, BillingActive).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: counting active bots: %w", err)
	}
	return n, nil
}
