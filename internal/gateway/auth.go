package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/wopr/fleetctl/internal/ctrlerr"
	"github.com/wopr/fleetctl/internal/store"
)

// keyPrefix matches the teacher's ocx_<id>.<secret> scheme, renamed to the
// platform's own prefix.
const keyPrefix = "wopr_"

type contextKey int

const (
	ctxTenantID contextKey = iota
	ctxServiceKeyID
)

// TenantFromContext returns the tenant id resolved by RequireServiceKey.
func TenantFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxTenantID).(string)
	return v, ok
}

// WithTenant injects a resolved tenant/service-key id pair into ctx, for
// routes authenticated by something other than RequireServiceKey (the
// Twilio webhook resolves its tenant from the URL path, not a service
// key) that still want to reuse Handler's pipeline.
func WithTenant(ctx context.Context, tenantID, serviceKeyID string) context.Context {
	ctx = context.WithValue(ctx, ctxTenantID, tenantID)
	return context.WithValue(ctx, ctxServiceKeyID, serviceKeyID)
}

// ServiceKeyIDFromContext returns the resolved service key's id, used as
// the circuit breaker's instanceId (spec.md §4.4 step 5).
func ServiceKeyIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxServiceKeyID).(string)
	return v, ok
}

// KeyIssuer mints and validates service keys.
type KeyIssuer struct {
	repo *store.ServiceKeyRepo
}

func NewKeyIssuer(repo *store.ServiceKeyRepo) *KeyIssuer {
	return &KeyIssuer{repo: repo}
}

// CreateKey mints a new service key for tenantID, returning the full key
// (shown to the caller exactly once) and the persisted record.
func (ki *KeyIssuer) CreateKey(ctx context.Context, tenantID, name string, now time.Time) (*store.ServiceKey, string, error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, "", fmt.Errorf("gateway: generating key id: %w", err)
	}
	keyID := hex.EncodeToString(idBytes)

	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", fmt.Errorf("gateway: generating key secret: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)
	fullKey := keyPrefix + keyID + "." + secret

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("gateway: hashing key secret: %w", err)
	}

	rec := &store.ServiceKey{
		KeyID:      keyID,
		TenantID:   tenantID,
		Name:       name,
		SecretHash: string(hash),
		Active:     true,
		CreatedAt:  now,
	}
	if err := ki.repo.Insert(ctx, rec); err != nil {
		return nil, "", err
	}
	return rec, fullKey, nil
}

// Resolve validates a full "wopr_<keyID>.<secret>" key and returns its
// tenant and key id. This is resolveServiceKey from spec.md §4.4 step 1.
func (ki *KeyIssuer) Resolve(ctx context.Context, fullKey string) (tenantID, serviceKeyID string, err error) {
	if !strings.HasPrefix(fullKey, keyPrefix) {
		return "", "", fmt.Errorf("%w: malformed service key", ctrlerr.Unauthorized)
	}
	parts := strings.SplitN(strings.TrimPrefix(fullKey, keyPrefix), ".", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("%w: malformed service key", ctrlerr.Unauthorized)
	}
	keyID, secret := parts[0], parts[1]

	rec, err := ki.repo.GetByKeyID(ctx, keyID)
	if err != nil {
		return "", "", err
	}
	if rec == nil || !rec.Active {
		return "", "", fmt.Errorf("%w: unknown or revoked service key", ctrlerr.Unauthorized)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.SecretHash), []byte(secret)); err != nil {
		return "", "", fmt.Errorf("%w: service key secret mismatch", ctrlerr.Unauthorized)
	}
	return rec.TenantID, rec.KeyID, nil
}

var errMissingAuthHeader = errors.New("gateway: missing Authorization header")

// RequireServiceKey is the tenant-authenticated-route middleware (spec.md
// §4.4 step 1): it resolves the bearer token and injects tenant/key id
// into the request context, or responds 401.
func RequireServiceKey(ki *KeyIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			key, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || key == "" {
				writeErr(w, ctrlerr.Unauthorized, errMissingAuthHeader.Error())
				return
			}

			tenantID, keyID, err := ki.Resolve(r.Context(), key)
			if err != nil {
				writeErr(w, ctrlerr.Unauthorized, err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), ctxTenantID, tenantID)
			ctx = context.WithValue(ctx, ctxServiceKeyID, keyID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
