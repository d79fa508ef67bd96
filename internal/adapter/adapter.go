// Package adapter defines the pluggable event-source probes the oracle polls
// for real-world occurrences (flight delays, baggage loss, cancellations).
package adapter

import (
	"context"
	"time"
)

// Category classifies a candidate event. It doubles as the eventType string
// passed to the contract when a payout is triggered.
type Category string

const (
	CategoryFlightDelay      Category = "flightDelay"
	CategoryBaggageLost      Category = "baggageLost"
	CategoryBookingCancelled Category = "bookingCancelled"
)

// CandidateEvent is a real-world occurrence reported by a probe, not yet
// confirmed against a policy. It is transient: identity is the tuple
// (policy reference, category, provider), and probes return stable candidates
// across polls until the external condition changes.
type CandidateEvent struct {
	// ChainPolicyID is the on-chain policy id the provider reported the
	// occurrence for. Correlation is strictly by this reference.
	ChainPolicyID uint64

	Category Category

	// DelayMinutes is set for flight-delay candidates.
	DelayMinutes int64
	// Lost is set for baggage candidates.
	Lost bool
	// Cancelled is set for booking candidates.
	Cancelled bool

	// ReportedAt is the provider-side timestamp of the observation, used for
	// coverage-window enforcement.
	ReportedAt time.Time

	Provider string
}

// Source is a stateless probe over one external provider. Poll is a fresh,
// idempotent read; it must be safe to call on a fixed interval indefinitely.
type Source interface {
	Name() string

	Poll(ctx context.Context) ([]CandidateEvent, error)
}
