// Package api wires the control plane's HTTP surface (spec.md §6): node
// registration/transport under /internal, admin operations and bearer
// session routes under /api, tenant-proxied capabilities under /v1, and
// the quota endpoints. Grounded on the teacher's internal/api/server.go
// for the gorilla/mux router-plus-middleware shape; every handler here is
// new, since the teacher's routes (pool stats, escrow, reputation) don't
// correspond to anything in this domain.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/wopr/fleetctl/internal/ctrlerr"
)

// statusFor maps an error taxonomy Kind to the wire status code spec.md §6
// reserves for it. Mirrors internal/gateway's private statusFor, extended
// with the node-transport kinds that only appear on /internal routes.
func statusFor(kind *ctrlerr.Kind) int {
	switch kind {
	case ctrlerr.Validation:
		return http.StatusBadRequest
	case ctrlerr.Unauthorized:
		return http.StatusUnauthorized
	case ctrlerr.Forbidden:
		return http.StatusForbidden
	case ctrlerr.NotFound:
		return http.StatusNotFound
	case ctrlerr.Conflict:
		return http.StatusConflict
	case ctrlerr.InsufficientBalance, ctrlerr.SpendingCapExceeded:
		return http.StatusPaymentRequired
	case ctrlerr.RateLimited:
		return http.StatusTooManyRequests
	case ctrlerr.BodyTooLarge:
		return http.StatusRequestEntityTooLarge
	case ctrlerr.UpstreamFailure, ctrlerr.NodeUnreachable:
		return http.StatusBadGateway
	case ctrlerr.CircuitOpen:
		return http.StatusServiceUnavailable
	case ctrlerr.NodeDisconnected, ctrlerr.CommandTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	kind, ok := ctrlerr.Of(err)
	if !ok {
		kind = ctrlerr.Internal
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(kind))
	_ = json.NewEncoder(w).Encode(map[string]string{"error": kind.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}
