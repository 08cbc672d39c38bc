package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/wopr/fleetctl/internal/ctrlerr"
)

// requireBearerToken is the shared shape behind both the admin routes and
// the quota endpoint's FLEET_API_TOKEN check (spec.md §6): constant-time
// compare against a single configured token, since neither surface has a
// per-caller credential store of its own.
func requireBearerToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeErr(w, ctrlerr.Unauthorized)
				return
			}
			bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(bearer), []byte(token)) != 1 {
				writeErr(w, ctrlerr.Unauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
