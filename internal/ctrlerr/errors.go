// Package ctrlerr defines the error-kind taxonomy shared across the
// control plane. Handlers classify errors with errors.Is against the
// sentinel Kind values below; only the HTTP boundary (internal/api)
// translates a Kind into a wire status code.
package ctrlerr

import "errors"

// Kind is a sentinel error representing one of the taxonomy classes from
// spec.md §7. Wrap it with fmt.Errorf("...: %w", Kind) to attach detail
// while keeping errors.Is(err, Kind) working.
type Kind struct {
	name string
}

func (k *Kind) Error() string { return k.name }

var (
	Validation          = &Kind{"validation"}
	Unauthorized        = &Kind{"unauthorized"}
	Forbidden           = &Kind{"forbidden"}
	NotFound            = &Kind{"not_found"}
	Conflict            = &Kind{"conflict"}
	InsufficientBalance = &Kind{"insufficient_balance"}
	SpendingCapExceeded = &Kind{"spending_cap_exceeded"}
	RateLimited         = &Kind{"rate_limited"}
	UpstreamFailure     = &Kind{"upstream_failure"}
	CircuitOpen         = &Kind{"circuit_open"}
	NodeDisconnected    = &Kind{"node_disconnected"}
	CommandTimeout      = &Kind{"command_timeout"}
	NodeUnreachable     = &Kind{"node_unreachable"}
	BodyTooLarge        = &Kind{"body_too_large"}
	Internal            = &Kind{"internal"}
)

// Is lets errors.Is match a wrapped Kind without an explicit Unwrap chain
// per call site — every Kind compares equal only to itself.
func (k *Kind) Is(target error) bool {
	other, ok := target.(*Kind)
	return ok && other == k
}

// Of reports whether err is ultimately one of the Kind sentinels, and which.
func Of(err error) (*Kind, bool) {
	for _, k := range []*Kind{
		Validation, Unauthorized, Forbidden, NotFound, Conflict,
		InsufficientBalance, SpendingCapExceeded, RateLimited,
		UpstreamFailure, CircuitOpen, NodeDisconnected, CommandTimeout,
		NodeUnreachable, BodyTooLarge, Internal,
	} {
		if errors.Is(err, k) {
			return k, true
		}
	}
	return nil, false
}
