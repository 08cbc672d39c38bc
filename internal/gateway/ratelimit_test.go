package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllowsUpToLimitThenBlocks(t *testing.T) {
	rl := NewRateLimiter(nil, nil, 2)
	ctx := context.Background()

	res, err := rl.Allow(ctx, nil, "tenant-1", CapLLM)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = rl.Allow(ctx, nil, "tenant-1", CapLLM)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	_, err = rl.Allow(ctx, nil, "tenant-1", CapLLM)
	assert.Error(t, err)
}

func TestRateLimiterIsolatesBucketsPerTenantAndCapability(t *testing.T) {
	rl := NewRateLimiter(nil, nil, 1)
	ctx := context.Background()

	res, err := rl.Allow(ctx, nil, "tenant-1", CapLLM)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = rl.Allow(ctx, nil, "tenant-2", CapLLM)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = rl.Allow(ctx, nil, "tenant-1", CapImageGen)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
