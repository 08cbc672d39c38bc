package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilityForMapsKnownPaths(t *testing.T) {
	cases := map[string]Capability{
		"/v1/chat/completions":        CapLLM,
		"/v1/completions":             CapLLM,
		"/v1/embeddings":              CapLLM,
		"/v1/images/generations":      CapImageGen,
		"/v1/video/generations":       CapImageGen,
		"/v1/audio/speech":            CapAudioSpeech,
		"/v1/audio/transcriptions":    CapAudioSpeech,
		"/v1/phone/outbound":          CapTelephony,
		"/v1/messages/sms":            CapTelephony,
		"/v1/phone/inbound/tenant-42": CapTelephony,
	}
	for path, want := range cases {
		got, ok := capabilityFor(path)
		assert.True(t, ok, path)
		assert.Equal(t, want, got, path)
	}
}

func TestCapabilityForUnknownPathIsNotRateLimited(t *testing.T) {
	_, ok := capabilityFor("/v1/models")
	assert.False(t, ok)
}

func TestBodyLimitPicksClassCeiling(t *testing.T) {
	cfg := Config{
		BodyLimitLLMBytes:     1 << 20,
		BodyLimitMediaBytes:   20 << 20,
		BodyLimitAudioBytes:   10 << 20,
		BodyLimitWebhookBytes: 64 << 10,
	}
	assert.Equal(t, cfg.BodyLimitLLMBytes, cfg.bodyLimit(BodyClassLLM))
	assert.Equal(t, cfg.BodyLimitMediaBytes, cfg.bodyLimit(BodyClassMedia))
	assert.Equal(t, cfg.BodyLimitAudioBytes, cfg.bodyLimit(BodyClassAudio))
	assert.Equal(t, cfg.BodyLimitWebhookBytes, cfg.bodyLimit(BodyClassWebhook))
}
