// Package migration implements bot live-migration and node draining
// (spec.md §4.8): an ordered command-bus sequence with rollback-on-failure,
// and drain() orchestrating per-node migration into an offline transition.
package migration

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/wopr/fleetctl/internal/ctrlerr"
	"github.com/wopr/fleetctl/internal/nodebus"
	"github.com/wopr/fleetctl/internal/placement"
	"github.com/wopr/fleetctl/internal/store"
)

// ErrNoCapacity is returned when no node has enough free capacity for the
// bot being migrated (spec.md §4.8: "no_node_with_sufficient_capacity").
var ErrNoCapacity = errors.New("no_node_with_sufficient_capacity")

// Result is migrate()'s outcome.
type Result struct {
	Success      bool
	SourceNodeID string
	TargetNodeID string
	DowntimeMS   int64
	Error        string
}

// DrainResult is drain()'s outcome.
type DrainResult struct {
	NodeID   string
	Migrated []string
	Failed   []string
}

type Orchestrator struct {
	bus     *nodebus.Hub
	bots    *store.BotInstanceRepo
	nodes   *store.NodeRepo
	audit   *store.AuditRepo
	nowFunc func() time.Time
	notify  func(ctx context.Context, result DrainResult)
}

func NewOrchestrator(bus *nodebus.Hub, bots *store.BotInstanceRepo, nodes *store.NodeRepo, audit *store.AuditRepo, notify func(ctx context.Context, result DrainResult)) *Orchestrator {
	return &Orchestrator{bus: bus, bots: bots, nodes: nodes, audit: audit, nowFunc: time.Now, notify: notify}
}

// Relocate implements recovery.Relocator on top of the same command
// sequence migrate() uses, so recovery and planned migration share one
// code path.
func (o *Orchestrator) Relocate(ctx context.Context, bot store.BotInstance, target store.Node) (*string, error) {
	res, err := o.migrate(ctx, bot, target.ID)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("migration: %s", res.Error)
	}
	return nil, nil
}

// Migrate moves botID to targetNodeID, or to the best-scoring node with at
// least requiredMB free if targetNodeID is empty.
func (o *Orchestrator) Migrate(ctx context.Context, botID, targetNodeID string, requiredMB int64) (Result, error) {
	bot, err := o.bots.Get(ctx, botID)
	if err != nil {
		return Result{}, err
	}
	if bot == nil {
		return Result{}, fmt.Errorf("migration: bot %s not found: %w", botID, ctrlerr.NotFound)
	}
	if bot.NodeID == nil {
		return Result{}, fmt.Errorf("migration: bot %s is not placed on any node: %w", botID, ctrlerr.Conflict)
	}
	source := *bot.NodeID

	if targetNodeID == "" {
		needed := requiredMB
		if needed == 0 {
			needed = bot.EstimatedMB
		}
		target, err := placement.FindBestTarget(ctx, o.nodes, source, needed)
		if err != nil {
			return Result{}, err
		}
		if target == nil {
			return Result{Success: false, Error: ErrNoCapacity.Error()}, nil
		}
		targetNodeID = target.ID
	}
	if targetNodeID == source {
		return Result{}, fmt.Errorf("migration: source and target node are the same (%s): %w", source, ctrlerr.Validation)
	}

	return o.migrate(ctx, *bot, targetNodeID)
}

func (o *Orchestrator) migrate(ctx context.Context, bot store.BotInstance, targetNodeID string) (Result, error) {
	source := *bot.NodeID
	name := "tenant_" + bot.TenantID
	filename := name + ".tar.gz"

	if _, err := o.send(ctx, source, "bot.export", map[string]string{"name": name}); err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}
	if _, err := o.send(ctx, source, "backup.upload", map[string]string{"filename": filename}); err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}
	if _, err := o.send(ctx, targetNodeID, "backup.download", map[string]string{"filename": filename}); err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}

	downtimeStart := o.nowFunc()
	if _, err := o.send(ctx, source, "bot.stop", map[string]string{"name": name}); err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}

	if _, err := o.send(ctx, targetNodeID, "bot.import", map[string]string{"name": name, "filename": filename}); err != nil {
		o.rollback(ctx, source, name)
		return Result{Success: false, Error: err.Error()}, nil
	}
	if _, err := o.send(ctx, targetNodeID, "bot.inspect", map[string]string{"name": name}); err != nil {
		o.rollback(ctx, source, name)
		return Result{Success: false, Error: err.Error()}, nil
	}
	downtimeMS := o.nowFunc().Sub(downtimeStart).Milliseconds()

	now := o.nowFunc()
	if err := o.bots.Reassign(ctx, bot.ID, &targetNodeID, now); err != nil {
		return Result{}, err
	}

	return Result{
		Success:      true,
		SourceNodeID: source,
		TargetNodeID: targetNodeID,
		DowntimeMS:   downtimeMS,
	}, nil
}

// rollback is best-effort: the error from send is discarded, never
// propagated as a migration failure on top of the original one.
func (o *Orchestrator) rollback(ctx context.Context, source, name string) {
	_, _ = o.send(ctx, source, "bot.start", map[string]string{"name": name})
}

func (o *Orchestrator) send(ctx context.Context, nodeID, cmdType string, payload any) (nodebus.CommandResult, error) {
	res, err := o.bus.Send(ctx, nodeID, mustCmdID(), cmdType, payload)
	if err != nil {
		return nodebus.CommandResult{}, err
	}
	if !res.Success {
		return res, fmt.Errorf("%s", res.Error)
	}
	return res, nil
}

// Drain transitions nodeID to draining, migrates every bot off it without
// an explicit target, and moves it to offline only once every bot
// succeeded; otherwise it stays draining and the caller is notified.
func (o *Orchestrator) Drain(ctx context.Context, nodeID string, now time.Time) (DrainResult, error) {
	if err := o.transition(ctx, nodeID, store.NodeDraining, "node_drain", now); err != nil {
		return DrainResult{}, err
	}

	bots, err := o.bots.ListByNode(ctx, nodeID)
	if err != nil {
		return DrainResult{}, err
	}

	result := DrainResult{NodeID: nodeID}
	for _, bot := range bots {
		res, err := o.Migrate(ctx, bot.ID, "", 0)
		if err != nil {
			return DrainResult{}, err
		}
		if res.Success {
			result.Migrated = append(result.Migrated, bot.ID)
		} else {
			result.Failed = append(result.Failed, bot.ID)
		}
	}

	if len(result.Failed) == 0 {
		if err := o.transition(ctx, nodeID, store.NodeOffline, "drain_complete", o.nowFunc()); err != nil {
			return DrainResult{}, err
		}
	} else if o.notify != nil {
		o.notify(ctx, result)
	}

	return result, nil
}

func (o *Orchestrator) transition(ctx context.Context, nodeID string, to store.NodeStatus, reason string, now time.Time) error {
	return store.Serializable(ctx, o.nodes.DB, func(tx *sql.Tx) error {
		if err := o.nodes.Transition(ctx, tx, nodeID, to, now); err != nil {
			return err
		}
		if o.audit == nil {
			return nil
		}
		return o.audit.Insert(ctx, &store.AuditEntry{
			ID:        mustCmdID("audit"),
			Actor:     "migration",
			Action:    reason,
			Target:    nodeID,
			CreatedAt: now,
		})
	})
}

func mustCmdID(prefix ...string) string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "cmd-fallback"
	}
	p := "cmd"
	if len(prefix) > 0 {
		p = prefix[0]
	}
	return p + "-" + hex.EncodeToString(b)
}
