package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wopr/fleetctl/internal/store"
)

// handleNodeRecover implements POST /api/admin/nodes/:id/recover (spec.md
// §4.6): trigger a recovery pass for every bot resident on the node.
func (s *Server) handleNodeRecover(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]
	event, err := s.recovery.TriggerRecovery(r.Context(), nodeID, store.RecoveryManual, s.nowFunc())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// handleRecoveryRetry implements POST /api/admin/recovery/:id/retry
// (spec.md §4.6). Body: {"force": bool}; force also retries failed items,
// not just waiting ones.
func (s *Server) handleRecoveryRetry(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["id"]
	var body struct {
		Force bool `json:"force"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	event, err := s.recovery.RetryWaiting(r.Context(), eventID, body.Force, s.nowFunc())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// handleNodeDrain implements POST /api/admin/nodes/:id/drain (spec.md
// §4.8): migrate every resident bot off the node, transitioning it
// offline only if every migration succeeded.
func (s *Server) handleNodeDrain(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]
	result, err := s.migrator.Drain(r.Context(), nodeID, s.nowFunc())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleMigrateBot implements POST /api/admin/migration/:botId (spec.md
// §4.8). Body: {"targetNodeId"?: string}.
func (s *Server) handleMigrateBot(w http.ResponseWriter, r *http.Request) {
	botID := mux.Vars(r)["botId"]
	var body struct {
		TargetNodeID string `json:"targetNodeId"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	result, err := s.migrator.Migrate(r.Context(), botID, body.TargetNodeID, 0)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
