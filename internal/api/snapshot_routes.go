package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wopr/fleetctl/internal/gateway"
	"github.com/wopr/fleetctl/internal/store"
)

// handleSnapshotCreate implements POST /api/instances/:id/snapshots
// (spec.md §4.10). Body: {"trigger": "manual"|"scheduled"|"pre_restore",
// "srcDir": string, "plugins"?: [string]}.
func (s *Server) handleSnapshotCreate(w http.ResponseWriter, r *http.Request) {
	instanceID := mux.Vars(r)["id"]
	tenantID, _ := gateway.TenantFromContext(r.Context())

	var body struct {
		Trigger store.SnapshotTrigger `json:"trigger"`
		SrcDir  string                `json:"srcDir"`
		Plugins []string              `json:"plugins"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if body.Trigger == "" {
		body.Trigger = store.SnapshotManual
	}

	rec, err := s.snapshots.Create(r.Context(), instanceID, tenantID, body.SrcDir, body.Trigger, body.Plugins)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleSnapshotRestore implements POST
// /api/instances/:id/snapshots/:sid/restore (spec.md §4.10). Body:
// {"dstDir": string}.
func (s *Server) handleSnapshotRestore(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	snapshotID := vars["sid"]

	var body struct {
		DstDir string `json:"dstDir"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}

	if err := s.snapshots.Restore(r.Context(), snapshotID, body.DstDir); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
