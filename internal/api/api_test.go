package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wopr/fleetctl/internal/ctrlerr"
)

func TestStatusForMapsEveryKind(t *testing.T) {
	cases := map[*ctrlerr.Kind]int{
		ctrlerr.Validation:          http.StatusBadRequest,
		ctrlerr.Unauthorized:        http.StatusUnauthorized,
		ctrlerr.Forbidden:           http.StatusForbidden,
		ctrlerr.NotFound:            http.StatusNotFound,
		ctrlerr.Conflict:            http.StatusConflict,
		ctrlerr.InsufficientBalance: http.StatusPaymentRequired,
		ctrlerr.SpendingCapExceeded: http.StatusPaymentRequired,
		ctrlerr.RateLimited:         http.StatusTooManyRequests,
		ctrlerr.BodyTooLarge:        http.StatusRequestEntityTooLarge,
		ctrlerr.UpstreamFailure:     http.StatusBadGateway,
		ctrlerr.NodeUnreachable:     http.StatusBadGateway,
		ctrlerr.CircuitOpen:         http.StatusServiceUnavailable,
		ctrlerr.NodeDisconnected:    http.StatusGatewayTimeout,
		ctrlerr.CommandTimeout:      http.StatusGatewayTimeout,
		ctrlerr.Internal:            http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusFor(kind), "kind=%s", kind.Error())
	}
}

func TestRequireBearerTokenRejectsMismatch(t *testing.T) {
	mw := requireBearerToken("secret-token")
	called := false
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/quota/", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}

func TestRequireBearerTokenAcceptsMatch(t *testing.T) {
	mw := requireBearerToken("secret-token")
	called := false
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/quota/", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
}

func TestRequireBearerTokenRejectsWhenUnconfigured(t *testing.T) {
	mw := requireBearerToken("")
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/quota/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCORSMiddlewareShortCircuitsOptions(t *testing.T) {
	called := false
	h := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodOptions, "/v1/models", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, called)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
