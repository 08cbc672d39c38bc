package gateway

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func computeTwilioSignature(authToken, canonicalURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := canonicalURL
	for _, k := range keys {
		s += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(s))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestValidateTwilioSignatureRoundTrip(t *testing.T) {
	authToken := "test-auth-token"
	form := url.Values{"To": {"+15551234567"}, "From": {"+15557654321"}, "Body": {"hi"}}
	canonical := "https://wopr.bot/v1/phone/inbound/tenant-1"

	sig := computeTwilioSignature(authToken, canonical, form)
	assert.True(t, ValidateTwilioSignature(authToken, canonical, form, sig))
	assert.False(t, ValidateTwilioSignature(authToken, canonical, form, sig+"x"))
	assert.False(t, ValidateTwilioSignature("wrong-token", canonical, form, sig))
}

func TestPenaltyTrackerBlocksAfterThreshold(t *testing.T) {
	p := newPenaltyTracker()
	for i := 0; i < twilioPenaltyBlockThreshold-1; i++ {
		p.Penalize("1.2.3.4")
	}
	assert.False(t, p.Blocked("1.2.3.4", twilioPenaltyBlockThreshold))
	p.Penalize("1.2.3.4")
	assert.True(t, p.Blocked("1.2.3.4", twilioPenaltyBlockThreshold))
	assert.False(t, p.Blocked("5.6.7.8", twilioPenaltyBlockThreshold))
}
