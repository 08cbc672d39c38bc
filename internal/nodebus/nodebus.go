// Package nodebus implements the control plane's node command bus: one
// persistent WebSocket connection per node, JSON envelopes correlated by
// id, and per-command timeouts (spec.md §4.5).
package nodebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wopr/fleetctl/internal/ctrlerr"
)

// Envelope is the wire shape for every message crossing the command bus in
// either direction: {id, type, payload}.
type Envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CommandResult is the node's reply to a control-plane command.
type CommandResult struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// HeartbeatPayload is the payload of a node->control-plane "heartbeat" envelope.
type HeartbeatPayload struct {
	UsedMB       int64     `json:"usedMB"`
	AgentVersion string    `json:"agentVersion"`
	TS           time.Time `json:"ts"`
}

const (
	defaultCommandTimeout = 30 * time.Second
	longCommandTimeout    = 5 * time.Minute
)

// longRunningCommands names command types that get the extended timeout
// (spec.md §4.5: "5 min for long-running like bot.export").
var longRunningCommands = map[string]bool{
	"bot.export":      true,
	"bot.import":      true,
	"backup.upload":   true,
	"backup.download": true,
}

func timeoutFor(cmdType string) time.Duration {
	if longRunningCommands[cmdType] {
		return longCommandTimeout
	}
	return defaultCommandTimeout
}

// EventHandler is invoked for every node->control-plane "event" envelope
// (neither a heartbeat nor a correlated command_result).
type EventHandler func(nodeID string, envelope Envelope)

// Hub tracks one active connection per node and routes commands to them.
type Hub struct {
	upgrader websocket.Upgrader
	onEvent  EventHandler
	onHB     func(nodeID string, hb HeartbeatPayload)
	logger   *slog.Logger

	mu    sync.RWMutex
	conns map[string]*conn
}

func NewHub(logger *slog.Logger, onHeartbeat func(nodeID string, hb HeartbeatPayload), onEvent EventHandler) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		onHB:    onHeartbeat,
		onEvent: onEvent,
		logger:  logger,
		conns:   make(map[string]*conn),
	}
}

// conn wraps one node's live socket plus its outstanding command futures.
// writeMu serializes writes so command ordering is preserved per connection.
type conn struct {
	nodeID  string
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan CommandResult
}

// Accept upgrades an incoming request to a WebSocket and registers it as
// nodeID's connection, replacing any prior one (the old connection's
// pending commands fail with NodeDisconnected). It blocks reading frames
// until the socket closes or ctx is done.
func (h *Hub) Accept(ctx context.Context, w http.ResponseWriter, r *http.Request, nodeID string) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("nodebus: upgrade failed: %w", err)
	}
	c := &conn{nodeID: nodeID, ws: ws, pending: make(map[string]chan CommandResult)}

	h.mu.Lock()
	if old, ok := h.conns[nodeID]; ok {
		h.failAllPending(old)
		old.ws.Close()
	}
	h.conns[nodeID] = c
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		if h.conns[nodeID] == c {
			delete(h.conns, nodeID)
		}
		h.mu.Unlock()
		h.failAllPending(c)
		c.ws.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			h.logger.Info("nodebus: connection closed", "node_id", nodeID, "err", err)
			return nil
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.logger.Warn("nodebus: malformed envelope", "node_id", nodeID, "err", err)
			continue
		}
		h.dispatch(nodeID, c, env)
	}
}

func (h *Hub) dispatch(nodeID string, c *conn, env Envelope) {
	switch env.Type {
	case "command_result":
		var res CommandResult
		if err := json.Unmarshal(env.Payload, &res); err != nil {
			h.logger.Warn("nodebus: malformed command_result", "node_id", nodeID, "err", err)
			return
		}
		res.ID = env.ID
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.mu.Unlock()
		if !ok {
			// Late response to a command that already timed out. Discarded
			// per spec.md §4.5.
			return
		}
		ch <- res
	case "heartbeat":
		if h.onHB == nil {
			return
		}
		var hb HeartbeatPayload
		if err := json.Unmarshal(env.Payload, &hb); err != nil {
			h.logger.Warn("nodebus: malformed heartbeat", "node_id", nodeID, "err", err)
			return
		}
		h.onHB(nodeID, hb)
	default:
		if h.onEvent != nil {
			h.onEvent(nodeID, env)
		}
	}
}

func (h *Hub) failAllPending(c *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- CommandResult{ID: id, Success: false, Error: ctrlerr.NodeDisconnected.Error()}
		delete(c.pending, id)
	}
}

// Connected reports whether nodeID currently has a live connection.
func (h *Hub) Connected(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[nodeID]
	return ok
}

// Send dispatches a command to nodeID and blocks until the node replies,
// the per-command timeout elapses, or ctx is canceled. The timeout is
// chosen by command type (spec.md §4.5: 30s default, 5min for long-running
// operations like bot.export).
func (h *Hub) Send(ctx context.Context, nodeID, cmdID, cmdType string, payload any) (CommandResult, error) {
	h.mu.RLock()
	c, ok := h.conns[nodeID]
	h.mu.RUnlock()
	if !ok {
		return CommandResult{}, fmt.Errorf("nodebus: node %s has no live connection: %w", nodeID, ctrlerr.NodeUnreachable)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return CommandResult{}, fmt.Errorf("nodebus: marshaling command payload: %w", err)
	}
	env := Envelope{ID: cmdID, Type: cmdType, Payload: raw}

	ch := make(chan CommandResult, 1)
	c.mu.Lock()
	c.pending[cmdID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err = c.ws.WriteJSON(env)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, cmdID)
		c.mu.Unlock()
		return CommandResult{}, fmt.Errorf("nodebus: writing command to node %s: %w", nodeID, ctrlerr.NodeUnreachable)
	}

	timeout := timeoutFor(cmdType)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, cmdID)
		c.mu.Unlock()
		return CommandResult{}, fmt.Errorf("nodebus: command %s (%s) to node %s timed out after %s: %w", cmdID, cmdType, nodeID, timeout, ctrlerr.CommandTimeout)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, cmdID)
		c.mu.Unlock()
		return CommandResult{}, ctx.Err()
	}
}
