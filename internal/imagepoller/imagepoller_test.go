package imagepoller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wopr/fleetctl/internal/store"
)

func TestChannelIntervalsMatchSpec(t *testing.T) {
	assert.Equal(t, 5*time.Minute, channelIntervals[store.ChannelCanary])
	assert.Equal(t, 15*time.Minute, channelIntervals[store.ChannelStaging])
	assert.Equal(t, 30*time.Minute, channelIntervals[store.ChannelStable])

	_, pinnedTracked := channelIntervals[store.ChannelPinned]
	assert.False(t, pinnedTracked)
}

func TestPolicyPermitsOnPushAlways(t *testing.T) {
	assert.True(t, policyPermits(store.UpdateOnPush, time.Date(2026, 7, 31, 14, 0, 0, 0, time.UTC)))
}

func TestPolicyPermitsManualNever(t *testing.T) {
	assert.False(t, policyPermits(store.UpdateManual, time.Date(2026, 7, 31, 3, 2, 0, 0, time.UTC)))
}

func TestPolicyPermitsNightlyOnlyInWindow(t *testing.T) {
	assert.True(t, policyPermits(store.UpdateNightly, time.Date(2026, 7, 31, 3, 0, 0, 0, time.UTC)))
	assert.True(t, policyPermits(store.UpdateNightly, time.Date(2026, 7, 31, 3, 4, 59, 0, time.UTC)))
	assert.False(t, policyPermits(store.UpdateNightly, time.Date(2026, 7, 31, 3, 5, 0, 0, time.UTC)))
	assert.False(t, policyPermits(store.UpdateNightly, time.Date(2026, 7, 31, 2, 59, 0, 0, time.UTC)))
	assert.False(t, policyPermits(store.UpdateNightly, time.Date(2026, 7, 31, 14, 0, 0, 0, time.UTC)))
}

func TestPolicyPermitsConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("EST", -5*60*60)
	assert.True(t, policyPermits(store.UpdateNightly, time.Date(2026, 7, 31, 22, 2, 0, 0, loc)))
}

func TestParseBearerChallengeExtractsRealmAndService(t *testing.T) {
	realm, service := parseBearerChallenge(`Bearer realm="https://auth.docker.io/token",service="registry.docker.io"`)
	assert.Equal(t, "https://auth.docker.io/token", realm)
	assert.Equal(t, "registry.docker.io", service)
}

func TestParseBearerChallengeEmptyWhenNotBearer(t *testing.T) {
	realm, service := parseBearerChallenge("")
	assert.Equal(t, "", realm)
	assert.Equal(t, "", service)
}
