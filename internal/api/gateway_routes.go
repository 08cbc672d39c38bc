package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wopr/fleetctl/internal/gateway"
)

// handleModels implements GET /v1/models (spec.md §6): the catalog of
// capabilities this gateway can currently route, one entry per
// capability class rather than per individual provider adapter, since
// provider identity is an internal routing detail (spec.md §4.4 step 6).
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	capabilities := []gateway.Capability{
		gateway.CapLLM, gateway.CapImageGen, gateway.CapAudioSpeech, gateway.CapTelephony,
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": capabilities})
}

// phoneInbound implements POST /v1/phone/inbound/:tenantId (spec.md §6):
// a Twilio-signed webhook, not a service-key route, so the tenant comes
// from the path rather than RequireServiceKey — gateway.WithTenant seeds
// the same context key the proxy pipeline reads. There is no per-call
// service key for webhook traffic, so serviceKeyId is the synthetic
// "twilio:<tenantId>", which keys the circuit breaker per tenant.
func (s *Server) phoneInbound() http.Handler {
	proxy := s.gw.Handler(gateway.BodyClassWebhook)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := mux.Vars(r)["tenantId"]
		ctx := gateway.WithTenant(r.Context(), tenantID, "twilio:"+tenantID)
		proxy.ServeHTTP(w, r.WithContext(ctx))
	})
}
