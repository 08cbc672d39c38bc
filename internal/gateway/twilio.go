package gateway

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/wopr/fleetctl/internal/ctrlerr"
)

// ValidateTwilioSignature implements spec.md §4.4/§6's bit-exact algorithm:
// sort POST params by key, concatenate (key+value) pairs onto the
// canonical URL, HMAC-SHA1 with the provider auth token, base64-encode,
// and compare in constant time with the X-Twilio-Signature header.
func ValidateTwilioSignature(authToken, canonicalURL string, form url.Values, signature string) bool {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(canonicalURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// penaltyTracker counts invalid-signature attempts per remote address so
// repeat abusers can be blocked (spec.md §4.4: "increment a per-sender
// penalty counter used to block abusers").
type penaltyTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

func newPenaltyTracker() *penaltyTracker {
	return &penaltyTracker{counts: make(map[string]int)}
}

func (p *penaltyTracker) Penalize(sender string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[sender]++
	return p.counts[sender]
}

func (p *penaltyTracker) Blocked(sender string, threshold int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[sender] >= threshold
}

const twilioPenaltyBlockThreshold = 10

// TwilioWebhookAuth builds the RequireTwilioSignature middleware with its
// own penalty tracker, so callers outside this package (the router) don't
// need access to the unexported penaltyTracker type.
func TwilioWebhookAuth(authToken, webhookBaseURL string) func(http.Handler) http.Handler {
	return RequireTwilioSignature(authToken, webhookBaseURL, newPenaltyTracker())
}

// RequireTwilioSignature wraps a webhook handler, validating the request's
// X-Twilio-Signature against the configured auth token and base URL.
func RequireTwilioSignature(authToken, webhookBaseURL string, penalties *penaltyTracker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sender := r.RemoteAddr
			if penalties.Blocked(sender, twilioPenaltyBlockThreshold) {
				writeErr(w, ctrlerr.Forbidden, "sender blocked after repeated invalid webhook signatures")
				return
			}

			sig := r.Header.Get("X-Twilio-Signature")
			if sig == "" {
				penalties.Penalize(sender)
				writeErr(w, ctrlerr.Forbidden, "missing X-Twilio-Signature header")
				return
			}

			if err := r.ParseForm(); err != nil {
				writeErr(w, ctrlerr.Forbidden, "unparseable webhook body")
				return
			}

			canonical := strings.TrimRight(webhookBaseURL, "/") + r.URL.Path
			if !ValidateTwilioSignature(authToken, canonical, r.PostForm, sig) {
				penalties.Penalize(sender)
				writeErr(w, ctrlerr.Forbidden, "invalid webhook signature")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

