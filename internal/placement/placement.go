// Package placement implements findBestTarget, the scoring function that
// chooses which active node a bot should land on (spec.md §4.6).
package placement

import (
	"context"

	"github.com/wopr/fleetctl/internal/store"
)

// Filter further restricts the candidate set beyond status/capacity — for
// affinity (same region as a sibling bot) or anti-affinity (never the
// source node during migration). Callers compose filters; nil means no
// extra restriction.
type Filter func(store.Node) bool

// FindBestTarget returns the most-free-capacity active node with at least
// requiredMB of headroom, excluding excludeNodeID, or nil if nothing
// qualifies. ListActiveWithCapacity already orders candidates most-free-
// first with an alphabetical id tie-break, so the first filter match wins.
func FindBestTarget(ctx context.Context, nodes *store.NodeRepo, excludeNodeID string, requiredMB int64, filters ...Filter) (*store.Node, error) {
	candidates, err := nodes.ListActiveWithCapacity(ctx, excludeNodeID, requiredMB)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		if matchesAll(candidates[i], filters) {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

func matchesAll(n store.Node, filters []Filter) bool {
	for _, f := range filters {
		if f == nil {
			continue
		}
		if !f(n) {
			return false
		}
	}
	return true
}

// ExcludeNode builds an anti-affinity filter rejecting a single node id,
// for migration's "never the source node" rule.
func ExcludeNode(nodeID string) Filter {
	return func(n store.Node) bool { return n.ID != nodeID }
}
