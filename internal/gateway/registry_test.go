package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteOrdersByHealthThenCost(t *testing.T) {
	reg := NewProviderRegistry(nil)
	reg.Register(ProviderAdapter{Name: "expensive", Capability: CapLLM, CostRaw: 100})
	reg.Register(ProviderAdapter{Name: "cheap", Capability: CapLLM, CostRaw: 10})
	reg.Register(ProviderAdapter{Name: "cheapest-unhealthy", Capability: CapLLM, CostRaw: 1})

	reg.MarkUnhealthy(context.Background(), "cheapest-unhealthy", "simulated outage")

	ordered := reg.Route(context.Background(), CapLLM)
	require.Len(t, ordered, 3)
	assert.Equal(t, "cheap", ordered[0].Name)
	assert.Equal(t, "expensive", ordered[1].Name)
	assert.Equal(t, "cheapest-unhealthy", ordered[2].Name)
}

func TestRouteEmptyForUnknownCapability(t *testing.T) {
	reg := NewProviderRegistry(nil)
	assert.Empty(t, reg.Route(context.Background(), CapTelephony))
}
