package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// NodeRepo persists worker node records, secrets, and registration tokens.
type NodeRepo struct{ DB *sql.DB }

func (r *NodeRepo) Get(ctx context.Context, id string) (*Node, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, host, status, capacity_mb, used_mb, agent_version, last_heartbeat_at, registered_at, updated_at
		FROM nodes WHERE id = $1`, id)
	return scanNode(row)
}

// Upsert inserts or fully replaces a node row, used by registration.
func (r *NodeRepo) Upsert(ctx context.Context, tx *sql.Tx, n *Node) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO nodes (id, host, status, capacity_mb, used_mb, agent_version, last_heartbeat_at, registered_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			host = EXCLUDED.host, status = EXCLUDED.status, capacity_mb = EXCLUDED.capacity_mb,
			used_mb = EXCLUDED.used_mb, agent_version = EXCLUDED.agent_version,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at, updated_at = EXCLUDED.updated_at`,
		n.ID, n.Host, n.Status, n.CapacityMB, n.UsedMB, n.AgentVersion, n.LastHeartbeatAt, n.RegisteredAt, n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upserting node: %w", err)
	}
	return nil
}

// Transition updates a node's status and updated_at within tx, failing if
// the node does not exist (spec.md §4.7). Callers append any audit row.
func (r *NodeRepo) Transition(ctx context.Context, tx *sql.Tx, nodeID string, to NodeStatus, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE nodes SET status = $1, updated_at = $2 WHERE id = $3`, to, now, nodeID)
	if err != nil {
		return fmt.Errorf("store: transitioning node: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: checking transition rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: node %s not found", nodeID)
	}
	return nil
}

// Heartbeat updates usedMB and lastHeartbeatAt for nodeID.
func (r *NodeRepo) Heartbeat(ctx context.Context, tx *sql.Tx, nodeID string, usedMB int64, agentVersion string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE nodes SET used_mb = $1, agent_version = $2, last_heartbeat_at = $3, updated_at = $3 WHERE id = $4`,
		usedMB, agentVersion, now, nodeID)
	if err != nil {
		return fmt.Errorf("store: recording heartbeat: %w", err)
	}
	return nil
}

// ListActiveWithCapacity returns active nodes with at least requiredMB of
// free capacity, excluding excludeID, ordered for findBestTarget scoring:
// most-free-first, tie-broken alphabetically by id.
func (r *NodeRepo) ListActiveWithCapacity(ctx context.Context, excludeID string, requiredMB int64) ([]Node, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, host, status, capacity_mb, used_mb, agent_version, last_heartbeat_at, registered_at, updated_at
		FROM nodes
		WHERE status = $1 AND id <> $2 AND (capacity_mb - used_mb) >= $3
		ORDER BY (capacity_mb - used_mb) DESC, id ASC`, NodeActive, excludeID, requiredMB)
	if err != nil {
		return nil, fmt.Errorf("store: listing candidate nodes: %w", err)
	}
	defer rows.Close()
	var out []Node
	for rows.Next() {
		n, err := scanNodeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// ListStaleHeartbeats returns active/degraded nodes whose last heartbeat is
// older than cutoff, for the heartbeat-grace sweep (spec.md §4.5/§4.7).
func (r *NodeRepo) ListStaleHeartbeats(ctx context.Context, cutoff time.Time) ([]Node, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, host, status, capacity_mb, used_mb, agent_version, last_heartbeat_at, registered_at, updated_at
		FROM nodes
		WHERE status IN ($1, $2) AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $3)`,
		NodeActive, NodeDegraded, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: listing stale nodes: %w", err)
	}
	defer rows.Close()
	var out []Node
	for rows.Next() {
		n, err := scanNodeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func scanNode(row *sql.Row) (*Node, error) {
	var n Node
	var agentVersion, lastHB sql.NullString
	var lastHBTime sql.NullTime
	if err := row.Scan(&n.ID, &n.Host, &n.Status, &n.CapacityMB, &n.UsedMB, &agentVersion, &lastHBTime, &n.RegisteredAt, &n.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: scanning node: %w", err)
	}
	_ = lastHB
	if agentVersion.Valid {
		n.AgentVersion = &agentVersion.String
	}
	if lastHBTime.Valid {
		t := lastHBTime.Time
		n.LastHeartbeatAt = &t
	}
	return &n, nil
}

func scanNodeRows(rows *sql.Rows) (*Node, error) {
	var n Node
	var agentVersion sql.NullString
	var lastHBTime sql.NullTime
	if err := rows.Scan(&n.ID, &n.Host, &n.Status, &n.CapacityMB, &n.UsedMB, &agentVersion, &lastHBTime, &n.RegisteredAt, &n.UpdatedAt); err != nil {
		return nil, fmt.Errorf("store: scanning node row: %w", err)
	}
	if agentVersion.Valid {
		n.AgentVersion = &agentVersion.String
	}
	if lastHBTime.Valid {
		t := lastHBTime.Time
		n.LastHeartbeatAt = &t
	}
	return &n, nil
}

// --- node secrets & registration tokens ---

// FindBySecretHash looks up a node whose stored per-node secret hash
// matches hashedSecret (registration auth path 2, spec.md §4.5).
func (r *NodeRepo) FindBySecretHash(ctx context.Context, hashedSecret string) (string, bool, error) {
	var nodeID string
	err := r.DB.QueryRowContext(ctx, `SELECT node_id FROM node_secrets WHERE hashed_secret = $1`, hashedSecret).Scan(&nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: looking up node secret: %w", err)
	}
	return nodeID, true, nil
}

func (r *NodeRepo) PutSecret(ctx context.Context, tx *sql.Tx, nodeID, hashedSecret string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO node_secrets (node_id, hashed_secret) VALUES ($1, $2)
		ON CONFLICT (node_id) DO UPDATE SET hashed_secret = EXCLUDED.hashed_secret`, nodeID, hashedSecret)
	if err != nil {
		return fmt.Errorf("store: storing node secret: %w", err)
	}
	return nil
}

// ConsumeToken atomically consumes a one-time registration token,
// returning false if it was already consumed or does not exist
// (registration auth path 3, spec.md §4.5).
func (r *NodeRepo) ConsumeToken(ctx context.Context, tx *sql.Tx, token string, now time.Time) (*RegistrationToken, bool, error) {
	row := tx.QueryRowContext(ctx, `
		UPDATE registration_tokens SET consumed_at = $2
		WHERE token = $1 AND consumed_at IS NULL
		RETURNING token, user_id, label, consumed_at`, token, now)
	var rt RegistrationToken
	var consumedAt sql.NullTime
	err := row.Scan(&rt.Token, &rt.UserID, &rt.Label, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: consuming registration token: %w", err)
	}
	if consumedAt.Valid {
		t := consumedAt.Time
		rt.ConsumedAt = &t
	}
	return &rt, true, nil
}
