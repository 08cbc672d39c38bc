package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr/fleetctl/internal/ctrlerr"
	"github.com/wopr/fleetctl/internal/store"
)

func TestEvaluateReturnsCapExceededOverHardCap(t *testing.T) {
	g := NewSpendingGuard(nil, nil, nil)
	hardCap := int64(1_000_000_000)
	limit := &store.SpendingLimit{HardCapRaw: &hardCap}

	err := g.evaluate(context.Background(), "tenant-1", "daily", limit, hardCap, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ctrlerr.SpendingCapExceeded))

	var capErr *CapExceededError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "daily", capErr.Scope)
	assert.Equal(t, hardCap, capErr.Cap)
}

func TestEvaluateUnderCapIsNoop(t *testing.T) {
	g := NewSpendingGuard(nil, nil, nil)
	hardCap := int64(1_000_000_000)
	limit := &store.SpendingLimit{HardCapRaw: &hardCap}

	err := g.evaluate(context.Background(), "tenant-1", "daily", limit, 0, nil)
	assert.NoError(t, err)
}

func TestEvaluateNoCapsNeverErrors(t *testing.T) {
	g := NewSpendingGuard(nil, nil, nil)
	err := g.evaluate(context.Background(), "tenant-1", "daily", &store.SpendingLimit{}, 999_999_999_999, nil)
	assert.NoError(t, err)
}
