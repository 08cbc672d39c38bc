package placement

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wopr/fleetctl/internal/store"
)

func TestMatchesAllWithNoFilters(t *testing.T) {
	assert.True(t, matchesAll(store.Node{ID: "n1"}, nil))
}

func TestExcludeNodeFilter(t *testing.T) {
	f := ExcludeNode("n1")
	assert.False(t, f(store.Node{ID: "n1"}))
	assert.True(t, f(store.Node{ID: "n2"}))
}

func TestMatchesAllRequiresEveryFilter(t *testing.T) {
	always := func(store.Node) bool { return true }
	never := func(store.Node) bool { return false }
	assert.True(t, matchesAll(store.Node{ID: "n1"}, []Filter{always, always}))
	assert.False(t, matchesAll(store.Node{ID: "n1"}, []Filter{always, never}))
}
