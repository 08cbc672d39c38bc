// Package node implements worker node registration, heartbeat processing,
// and the node lifecycle state machine (spec.md §4.5, §4.7).
package node

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/wopr/fleetctl/internal/ctrlerr"
	"github.com/wopr/fleetctl/internal/store"
)

const nodeSecretPrefix = "wopr_node_"

// Config carries the registration auth settings (spec.md §4.5).
type Config struct {
	StaticSecret     string
	HeartbeatGraceMS int
}

// Manager handles node registration, heartbeats, and status transitions.
type Manager struct {
	cfg   Config
	db    *sql.DB
	nodes *store.NodeRepo
	audit *store.AuditRepo
}

func NewManager(cfg Config, db *sql.DB, nodes *store.NodeRepo, audit *store.AuditRepo) *Manager {
	return &Manager{cfg: cfg, db: db, nodes: nodes, audit: audit}
}

// RegisterRequest describes an incoming node registration attempt. Exactly
// one of SharedSecret, PersistentSecret, or RegistrationToken should be set
// by the caller, per the auth path the node is using.
type RegisterRequest struct {
	Host       string
	CapacityMB int64
	AgentVer   string

	SharedSecret     string
	PersistentSecret string
	RegistrationToken string

	// NodeID is required when authenticating via SharedSecret (the node
	// registers under its own id); it is ignored for PersistentSecret,
	// whose id comes from the stored secret, and for RegistrationToken,
	// which mints a fresh id.
	NodeID string
}

// Register authenticates a node via one of the three paths spec.md §4.5
// defines and returns the (possibly newly minted) node record, the
// plaintext per-node secret to hand back when one was freshly issued (empty
// otherwise), and an error.
func (m *Manager) Register(ctx context.Context, req RegisterRequest, now time.Time) (*store.Node, string, error) {
	switch {
	case req.SharedSecret != "":
		return m.registerViaSharedSecret(ctx, req, now)
	case req.PersistentSecret != "":
		return m.registerViaPersistentSecret(ctx, req, now)
	case req.RegistrationToken != "":
		return m.registerViaToken(ctx, req, now)
	default:
		return nil, "", fmt.Errorf("node: no registration credential provided: %w", ctrlerr.Unauthorized)
	}
}

// registerViaSharedSecret is auth path 1: a static, operator-distributed
// secret (env var NODE_SECRET) authorizes the host to register under the
// node-provided id. Used for bootstrap and for nodes that have not yet
// been issued a persistent secret.
func (m *Manager) registerViaSharedSecret(ctx context.Context, req RegisterRequest, now time.Time) (*store.Node, string, error) {
	if m.cfg.StaticSecret == "" || subtle.ConstantTimeCompare([]byte(req.SharedSecret), []byte(m.cfg.StaticSecret)) != 1 {
		return nil, "", fmt.Errorf("node: shared secret mismatch: %w", ctrlerr.Unauthorized)
	}
	if req.NodeID == "" {
		return nil, "", fmt.Errorf("node: node id required for shared-secret registration: %w", ctrlerr.Validation)
	}
	return m.upsertAndIssueSecret(ctx, req.NodeID, req, now)
}

// registerViaPersistentSecret is auth path 2: a node that already holds a
// per-node secret from a prior registration re-authenticates with it. The
// secret is looked up by its SHA-256 digest (a deterministic lookup key,
// unlike bcrypt) against node_secrets.
func (m *Manager) registerViaPersistentSecret(ctx context.Context, req RegisterRequest, now time.Time) (*store.Node, string, error) {
	digest := hashSecret(req.PersistentSecret)
	nodeID, found, err := m.nodes.FindBySecretHash(ctx, digest)
	if err != nil {
		return nil, "", err
	}
	if !found {
		return nil, "", fmt.Errorf("node: unknown persistent secret: %w", ctrlerr.Unauthorized)
	}
	var n *store.Node
	err = store.Serializable(ctx, m.db, func(tx *sql.Tx) error {
		existing, err := m.nodes.Get(ctx, nodeID)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("node: secret refers to missing node %s: %w", nodeID, ctrlerr.NotFound)
		}
		if existing.Status == store.NodeDraining || existing.Status == store.NodeOffline {
			return fmt.Errorf("node: %s is %s, refusing re-registration: %w", nodeID, existing.Status, ctrlerr.Conflict)
		}
		existing.Host = req.Host
		existing.CapacityMB = req.CapacityMB
		existing.Status = store.NodeActive
		existing.UpdatedAt = now
		if err := m.nodes.Upsert(ctx, tx, withAgentVersion(existing, req.AgentVer)); err != nil {
			return err
		}
		n = existing
		return m.auditTransition(ctx, nodeID, "node.reregister", now)
	})
	if err != nil {
		return nil, "", err
	}
	return n, "", nil
}

// registerViaToken is auth path 3: a one-time registration token, minted
// out of band by an operator, is atomically consumed and a brand new node
// id plus a freshly generated persistent secret are issued. The plaintext
// secret is returned exactly once; only its hash is ever stored.
func (m *Manager) registerViaToken(ctx context.Context, req RegisterRequest, now time.Time) (*store.Node, string, error) {
	var (
		n      *store.Node
		secret string
	)
	err := store.Serializable(ctx, m.db, func(tx *sql.Tx) error {
		_, ok, err := m.nodes.ConsumeToken(ctx, tx, req.RegistrationToken, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("node: registration token already used or unknown: %w", ctrlerr.Unauthorized)
		}
		id, err := randomID("self")
		if err != nil {
			return err
		}
		s, err := randomSecret()
		if err != nil {
			return err
		}
		rec := &store.Node{
			ID:           id,
			Host:         req.Host,
			Status:       store.NodeActive,
			CapacityMB:   req.CapacityMB,
			AgentVersion: strPtr(req.AgentVer),
			RegisteredAt: now,
			UpdatedAt:    now,
		}
		if err := m.nodes.Upsert(ctx, tx, rec); err != nil {
			return err
		}
		if err := m.nodes.PutSecret(ctx, tx, id, hashSecret(s)); err != nil {
			return err
		}
		n = rec
		secret = nodeSecretPrefix + s
		return m.auditTransition(ctx, id, "node.register", now)
	})
	if err != nil {
		return nil, "", err
	}
	return n, secret, nil
}

func (m *Manager) upsertAndIssueSecret(ctx context.Context, nodeID string, req RegisterRequest, now time.Time) (*store.Node, string, error) {
	var (
		n      *store.Node
		secret string
	)
	err := store.Serializable(ctx, m.db, func(tx *sql.Tx) error {
		existing, err := m.nodes.Get(ctx, nodeID)
		if err != nil {
			return err
		}
		if existing != nil && (existing.Status == store.NodeDraining || existing.Status == store.NodeOffline) {
			return fmt.Errorf("node: %s is %s, refusing re-registration: %w", nodeID, existing.Status, ctrlerr.Conflict)
		}
		rec := &store.Node{
			ID:           nodeID,
			Host:         req.Host,
			Status:       store.NodeActive,
			CapacityMB:   req.CapacityMB,
			AgentVersion: strPtr(req.AgentVer),
			RegisteredAt: now,
			UpdatedAt:    now,
		}
		if existing != nil {
			rec.RegisteredAt = existing.RegisteredAt
		}
		if err := m.nodes.Upsert(ctx, tx, rec); err != nil {
			return err
		}
		s, err := randomSecret()
		if err != nil {
			return err
		}
		if err := m.nodes.PutSecret(ctx, tx, nodeID, hashSecret(s)); err != nil {
			return err
		}
		n = rec
		secret = nodeSecretPrefix + s
		return m.auditTransition(ctx, nodeID, "node.register", now)
	})
	if err != nil {
		return nil, "", err
	}
	return n, secret, nil
}

// Heartbeat records a node's current usage and agent version, and brings a
// degraded node back to active once it reports in again.
func (m *Manager) Heartbeat(ctx context.Context, nodeID string, usedMB int64, agentVersion string, now time.Time) error {
	return store.Serializable(ctx, m.db, func(tx *sql.Tx) error {
		n, err := m.nodes.Get(ctx, nodeID)
		if err != nil {
			return err
		}
		if n == nil {
			return fmt.Errorf("node: heartbeat from unknown node %s: %w", nodeID, ctrlerr.NotFound)
		}
		if err := m.nodes.Heartbeat(ctx, tx, nodeID, usedMB, agentVersion, now); err != nil {
			return err
		}
		if n.Status == store.NodeDegraded {
			return m.nodes.Transition(ctx, tx, nodeID, store.NodeActive, now)
		}
		return nil
	})
}

// SweepStaleHeartbeats moves active/degraded nodes whose heartbeat has
// lapsed into degraded, per spec.md §4.7's two-stage timeout: active nodes
// missing one grace window go degraded; nodes already degraded for a
// second grace window go offline (the caller is expected to call this on
// a fixed interval, e.g. every HeartbeatGraceMS/2).
func (m *Manager) SweepStaleHeartbeats(ctx context.Context, now time.Time) ([]string, error) {
	cutoff := now.Add(-time.Duration(m.cfg.HeartbeatGraceMS) * time.Millisecond)
	stale, err := m.nodes.ListStaleHeartbeats(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	var transitioned []string
	for _, n := range stale {
		target := store.NodeDegraded
		if n.Status == store.NodeDegraded {
			if n.UpdatedAt.After(cutoff) {
				continue
			}
			target = store.NodeOffline
		}
		err := store.Serializable(ctx, m.db, func(tx *sql.Tx) error {
			if err := m.nodes.Transition(ctx, tx, n.ID, target, now); err != nil {
				return err
			}
			return m.auditTransition(ctx, n.ID, "node."+string(target), now)
		})
		if err != nil {
			return transitioned, err
		}
		transitioned = append(transitioned, n.ID)
	}
	return transitioned, nil
}

// Drain marks a node as draining, the first step of planned maintenance
// (spec.md §4.6's migration flow moves bots off before it reaches offline).
func (m *Manager) Drain(ctx context.Context, nodeID string, now time.Time) error {
	return store.Serializable(ctx, m.db, func(tx *sql.Tx) error {
		if err := m.nodes.Transition(ctx, tx, nodeID, store.NodeDraining, now); err != nil {
			return err
		}
		return m.auditTransition(ctx, nodeID, "node.drain", now)
	})
}

// Decommission retires a node permanently once it holds no bots.
func (m *Manager) Decommission(ctx context.Context, nodeID string, now time.Time) error {
	return store.Serializable(ctx, m.db, func(tx *sql.Tx) error {
		if err := m.nodes.Transition(ctx, tx, nodeID, store.NodeDecommissioned, now); err != nil {
			return err
		}
		return m.auditTransition(ctx, nodeID, "node.decommission", now)
	})
}

func (m *Manager) auditTransition(ctx context.Context, nodeID, action string, now time.Time) error {
	if m.audit == nil {
		return nil
	}
	id, err := randomID("audit")
	if err != nil {
		return err
	}
	return m.audit.Insert(ctx, &store.AuditEntry{
		ID:        id,
		Actor:     "node:" + nodeID,
		Action:    action,
		Target:    nodeID,
		CreatedAt: now,
	})
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// randomSecret mints the 32-hex-char secret body of spec.md §4.5's
// "wopr_node_<32hex>" per-node secret format.
func randomSecret() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("node: generating secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// randomID mints a prefix-<8hex> id (spec.md §4.5's "self-<8hex>" format
// for freshly registered nodes; reused for audit entry ids too).
func randomID(prefix string) (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("node: generating id: %w", err)
	}
	return prefix + "-" + hex.EncodeToString(b), nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func withAgentVersion(n *store.Node, v string) *store.Node {
	if v != "" {
		n.AgentVersion = &v
	}
	return n
}
