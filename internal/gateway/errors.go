package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/wopr/fleetctl/internal/ctrlerr"
)

// statusFor maps an error taxonomy Kind to the wire status code spec.md §6
// reserves for it.
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
	case ctrlerr.InsufficientBalance:
		return http.StatusPaymentRequired
	case ctrlerr.SpendingCapExceeded:
		return http.StatusPaymentRequired
	case ctrlerr.RateLimited:
		return http.StatusTooManyRequests
	case ctrlerr.BodyTooLarge:
		return http.StatusRequestEntityTooLarge
	case ctrlerr.UpstreamFailure:
		return http.StatusBadGateway
	case ctrlerr.CircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeErr writes {"error": kind.Error()} at kind's status. The detail
// argument is discarded (not logged) — the wire body never leaks message
// detail beyond the kind name, matching spec.md §6's representative error bodies.
func writeErr(w http.ResponseWriter, kind *ctrlerr.Kind, _detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(kind))
	_ = json.NewEncoder(w).Encode(map[string]string{"error": kind.Error()})
}

// writeErrFields writes the error body plus extra top-level fields, used
// for the spending-cap-exceeded body's scope/cap/spent detail.
func writeErrFields(w http.ResponseWriter, kind *ctrlerr.Kind, fields map[string]any) {
	body := map[string]any{"error": kind.Error()}
	for k, v := range fields {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(kind))
	_ = json.NewEncoder(w).Encode(body)
}
