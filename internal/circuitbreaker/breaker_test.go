package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(name string) *Config {
	return &Config{
		Name:        name,
		MaxRequests: 1,
		Interval:    50 * time.Millisecond,
		Timeout:     50 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.TotalFailures > 2 },
	}
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	cb := newBreaker(testConfig("svc-a"))
	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Allow())
		cb.RecordFailure()
	}
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
	assert.NotNil(t, cb.TrippedAt())
}

func TestBreakerHalfOpensAfterTimeoutThenCloses(t *testing.T) {
	cb := newBreaker(testConfig("svc-b"))
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	assert.Nil(t, cb.TrippedAt())
}

func TestManagerGetIsKeyedByInstanceID(t *testing.T) {
	m := NewManager(DefaultConfig(""))
	a := m.Get("instance-1")
	b := m.Get("instance-1")
	c := m.Get("instance-2")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.ElementsMatch(t, []string{"instance-1", "instance-2"}, m.List())
}

func TestExecuteRecordsSuccessAndFailure(t *testing.T) {
	cb := newBreaker(testConfig("svc-c"))
	_, err := cb.Execute(func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, uint32(1), cb.Counts().TotalSuccesses)

	_, err = cb.Execute(func() (any, error) { return nil, errors.New("boom") })
	require.Error(t, err)
	assert.Equal(t, uint32(1), cb.Counts().TotalFailures)
}

func TestDefaultConfigMatchesGatewayDefaults(t *testing.T) {
	cfg := DefaultConfig("gw")
	assert.Equal(t, 10*time.Second, cfg.Interval)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.False(t, cfg.ReadyToTrip(Counts{TotalFailures: 20}))
	assert.True(t, cfg.ReadyToTrip(Counts{TotalFailures: 21}))
}
