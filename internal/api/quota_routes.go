package api

import (
	"net/http"

	"github.com/wopr/fleetctl/internal/ctrlerr"
)

// handleQuota implements GET /quota/ (spec.md §6): balance plus active
// instance count for a tenant named by the X-Tenant-Id header. The
// endpoint is meant for operator/billing tooling authenticated with a
// single FLEET_API_TOKEN, not a per-tenant credential, so the tenant
// comes from a header rather than the service-key pipeline.
func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get("X-Tenant-Id")
	if tenantID == "" {
		writeErr(w, ctrlerr.Validation)
		return
	}

	balance, err := s.ledger.Balance(r.Context(), tenantID)
	if err != nil {
		writeErr(w, err)
		return
	}
	activeInstances, err := s.botBilling.CountActiveForTenant(r.Context(), tenantID)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tenant":          tenantID,
		"balance":         balance.String(),
		"activeInstances": activeInstances,
	})
}

// handleQuotaCheck implements POST /quota/check (spec.md §6): 402 when
// the tenant's balance is at or below zero, 200 otherwise.
func (s *Server) handleQuotaCheck(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get("X-Tenant-Id")
	if tenantID == "" {
		writeErr(w, ctrlerr.Validation)
		return
	}

	balance, err := s.ledger.Balance(r.Context(), tenantID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if balance.IsNegative() || balance.IsZero() {
		writeErr(w, ctrlerr.InsufficientBalance)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant": tenantID, "balance": balance.String()})
}
