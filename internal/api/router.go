package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wopr/fleetctl/internal/gateway"
)

// NewRouter wires every route from spec.md §6's HTTP surface table.
// Grounded on the teacher's internal/api/server.go Start method for the
// gorilla/mux-plus-CORS-middleware shape; the routes themselves are new.
func NewRouter(s *Server) *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	internalRoutes(r, s)
	adminRoutes(r, s)
	tenantRoutes(r, s)
	quotaRoutes(r, s)

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tenant-Id, X-Twilio-Signature")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// internalRoutes mounts node registration and transport, authenticated
// per-request by node.Manager/nodebus themselves rather than shared
// middleware — each of the three registration auth paths carries its own
// bearer semantics (spec.md §4.5).
func internalRoutes(r *mux.Router, s *Server) {
	sub := r.PathPrefix("/internal/nodes").Subrouter()
	sub.HandleFunc("/register", s.handleNodeRegister).Methods(http.MethodPost)
	sub.HandleFunc("/{nodeId}/heartbeat", s.handleNodeHeartbeat).Methods(http.MethodPost)
	sub.HandleFunc("/{nodeId}/ws", s.handleNodeWS)
}

// adminRoutes mounts the operator-bearer-token-gated admin surface.
func adminRoutes(r *mux.Router, s *Server) {
	sub := r.PathPrefix("/api/admin").Subrouter()
	sub.Use(requireBearerToken(s.fleetAPIToken))
	sub.HandleFunc("/recovery/{id}/retry", s.handleRecoveryRetry).Methods(http.MethodPost)
	sub.HandleFunc("/nodes/{id}/recover", s.handleNodeRecover).Methods(http.MethodPost)
	sub.HandleFunc("/nodes/{id}/drain", s.handleNodeDrain).Methods(http.MethodPost)
	sub.HandleFunc("/migration/{botId}", s.handleMigrateBot).Methods(http.MethodPost)
}

// tenantRoutes mounts service-key-gated instance management (§4.10
// snapshots) and the /v1 capability proxy (§4.4).
func tenantRoutes(r *mux.Router, s *Server) {
	instances := r.PathPrefix("/api/instances").Subrouter()
	instances.Use(gateway.RequireServiceKey(s.keys))
	instances.HandleFunc("/{id}/snapshots", s.handleSnapshotCreate).Methods(http.MethodPost)
	instances.HandleFunc("/{id}/snapshots/{sid}/restore", s.handleSnapshotRestore).Methods(http.MethodPost)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/models", s.handleModels).Methods(http.MethodGet)

	proxied := v1.NewRoute().Subrouter()
	proxied.Use(gateway.RequireServiceKey(s.keys))
	proxied.Handle("/chat/completions", s.gw.Handler(gateway.BodyClassLLM)).Methods(http.MethodPost)
	proxied.Handle("/completions", s.gw.Handler(gateway.BodyClassLLM)).Methods(http.MethodPost)
	proxied.Handle("/embeddings", s.gw.Handler(gateway.BodyClassLLM)).Methods(http.MethodPost)
	proxied.Handle("/images/generations", s.gw.Handler(gateway.BodyClassMedia)).Methods(http.MethodPost)
	proxied.Handle("/video/generations", s.gw.Handler(gateway.BodyClassMedia)).Methods(http.MethodPost)
	proxied.Handle("/audio/speech", s.gw.Handler(gateway.BodyClassAudio)).Methods(http.MethodPost)
	proxied.Handle("/audio/transcriptions", s.gw.Handler(gateway.BodyClassAudio)).Methods(http.MethodPost)

	phone := v1.NewRoute().Subrouter()
	phone.Use(gateway.TwilioWebhookAuth(s.twilioAuthToken, s.webhookBaseURL))
	phone.Handle("/phone/inbound/{tenantId}", s.phoneInbound()).Methods(http.MethodPost)
}

// quotaRoutes mounts the FLEET_API_TOKEN-gated quota endpoints.
func quotaRoutes(r *mux.Router, s *Server) {
	sub := r.PathPrefix("/quota").Subrouter()
	sub.Use(requireBearerToken(s.fleetAPIToken))
	sub.HandleFunc("/", s.handleQuota).Methods(http.MethodGet)
	sub.HandleFunc("/check", s.handleQuotaCheck).Methods(http.MethodPost)
}
