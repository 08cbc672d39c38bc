package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/wopr/fleetctl/internal/ctrlerr"
	"github.com/wopr/fleetctl/internal/node"
)

type nodeRegisterBody struct {
	NodeID     string `json:"nodeId"`
	Host       string `json:"host"`
	CapacityMB int64  `json:"capacityMb"`
	AgentVer   string `json:"agentVersion"`
}

// handleNodeRegister implements POST /internal/nodes/register (spec.md
// §4.5). The bearer is tried against each of the three auth paths in the
// order the spec lists them: node.Manager.Register itself dispatches on
// whichever RegisterRequest credential field is set, so this handler
// tries one field at a time and falls through to the next path only on
// an Unauthorized result, never mutating state on a path that wasn't the
// one that actually matched.
func (s *Server) handleNodeRegister(w http.ResponseWriter, r *http.Request) {
	bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || bearer == "" {
		writeErr(w, ctrlerr.Unauthorized)
		return
	}

	var body nodeRegisterBody
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	base := node.RegisterRequest{
		Host:       body.Host,
		CapacityMB: body.CapacityMB,
		AgentVer:   body.AgentVer,
		NodeID:     body.NodeID,
	}
	now := s.nowFunc()

	attempts := []func(node.RegisterRequest) node.RegisterRequest{
		func(req node.RegisterRequest) node.RegisterRequest { req.SharedSecret = bearer; return req },
		func(req node.RegisterRequest) node.RegisterRequest { req.PersistentSecret = bearer; return req },
		func(req node.RegisterRequest) node.RegisterRequest { req.RegistrationToken = bearer; return req },
	}

	var lastErr error
	for _, withCred := range attempts {
		n, secret, err := s.nodes.Register(r.Context(), withCred(base), now)
		if err == nil {
			resp := map[string]any{"node": n}
			if secret != "" {
				resp["secret"] = secret
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}
		lastErr = err
		if !errors.Is(err, ctrlerr.Unauthorized) {
			writeErr(w, err)
			return
		}
	}
	writeErr(w, lastErr)
}

// handleNodeHeartbeat implements the heartbeat side-channel nodes use
// outside the command bus (e.g. before the websocket is established).
func (s *Server) handleNodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["nodeId"]
	var body struct {
		UsedMB       int64  `json:"usedMb"`
		AgentVersion string `json:"agentVersion"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.nodes.Heartbeat(r.Context(), nodeID, body.UsedMB, body.AgentVersion, s.nowFunc()); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleNodeWS implements WS /internal/nodes/:nodeId/ws (spec.md §4.5):
// upgrade and hand the connection to the node command bus hub.
func (s *Server) handleNodeWS(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["nodeId"]
	if err := s.bus.Accept(r.Context(), w, r, nodeID); err != nil {
		writeErr(w, err)
	}
}
