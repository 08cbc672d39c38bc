package gateway

import (
	"net/http"
	"strings"

	"github.com/wopr/fleetctl/internal/ctrlerr"
)

// Capability is one of the rate-limit/routing classes from spec.md §6's
// capability → endpoint map.
type Capability string

const (
	CapLLM         Capability = "llm"
	CapImageGen    Capability = "imageGen"
	CapAudioSpeech Capability = "audioSpeech"
	CapTelephony   Capability = "telephony"
)

// capabilityFor resolves an incoming request path to its rate-limit and
// routing capability class. Unknown paths are not rate-limited (spec.md §6).
func capabilityFor(path string) (Capability, bool) {
	switch {
	case strings.HasSuffix(path, "/chat/completions"),
		strings.HasSuffix(path, "/completions"),
		strings.HasSuffix(path, "/embeddings"):
		return CapLLM, true
	case strings.HasSuffix(path, "/images/generations"),
		strings.HasSuffix(path, "/video/generations"):
		return CapImageGen, true
	case strings.HasSuffix(path, "/audio/speech"),
		strings.HasSuffix(path, "/audio/transcriptions"):
		return CapAudioSpeech, true
	case strings.Contains(path, "/phone/"), strings.Contains(path, "/messages/sms"):
		return CapTelephony, true
	default:
		return "", false
	}
}

// BodyClass is which body-size ceiling applies to a route.
type BodyClass int

const (
	BodyClassLLM BodyClass = iota
	BodyClassMedia
	BodyClassAudio
	BodyClassWebhook
)

// bodyLimit returns the configured ceiling in bytes for class.
func (cfg Config) bodyLimit(class BodyClass) int64 {
	switch class {
	case BodyClassMedia:
		return cfg.BodyLimitMediaBytes
	case BodyClassAudio:
		return cfg.BodyLimitAudioBytes
	case BodyClassWebhook:
		return cfg.BodyLimitWebhookBytes
	default:
		return cfg.BodyLimitLLMBytes
	}
}

// BodyLimit enforces class's byte ceiling on the request body (spec.md
// §4.4 step 2), responding 413 if MaxBytesReader trips.
func BodyLimit(cfg Config, class BodyClass) func(http.Handler) http.Handler {
	limit := cfg.bodyLimit(class)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				writeErr(w, ctrlerr.BodyTooLarge, "declared content-length exceeds class limit")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
