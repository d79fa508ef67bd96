// Package policy defines the off-chain policy and claim model shared by the
// purchase flow, the reconciliation engine and the chain event listener.
package policy

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of an off-chain policy record.
type Status string

const (
	StatusDraft           Status = "DRAFT"
	StatusAwaitingOnchain Status = "AWAITING_ONCHAIN"
	StatusActive          Status = "ACTIVE"
	StatusExpired         Status = "EXPIRED"
	StatusClaimed         Status = "CLAIMED"
	StatusRejected        Status = "REJECTED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusClaimed || s == StatusRejected || s == StatusExpired
}

// CanTransitionTo reports whether the transition s -> next is legal.
// AWAITING_ONCHAIN -> DRAFT is the purchase-failure rollback path.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusDraft:
		return next == StatusAwaitingOnchain
	case StatusAwaitingOnchain:
		return next == StatusActive || next == StatusDraft || next == StatusRejected
	case StatusActive:
		return next == StatusClaimed || next == StatusExpired
	default:
		return false
	}
}

// ModuleType identifies the insurance product a policy was sold under.
type ModuleType string

const (
	ModuleFlightDelay      ModuleType = "flight_delay"
	ModuleLuggageLoss      ModuleType = "luggage_loss"
	ModuleTripCancellation ModuleType = "trip_cancellation"
)

// Policy is the off-chain record of insurance terms. Financial terms, the
// coverage window and the payload are immutable after creation; they are part
// of the hashed commitment that links the record to its on-chain twin.
//
// Monetary amounts are stored as integers scaled to the token's smallest
// unit (6 decimals for USDC/USDT).
type Policy struct {
	ID       string
	UserID   string
	WalletID string
	ModuleID string

	WalletAddress string
	ModuleType    ModuleType

	CoverageAmount int64
	PremiumAmount  int64
	Currency       string

	StartDate time.Time
	EndDate   time.Time

	Status        Status
	ChainPolicyID *uint64
	TokenAddress  string
	DataHash      []byte // 32 bytes once computed, nil before
	PurchaseTx    string
	ClaimTx       string

	Payload Payload

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CoversInstant reports whether t falls inside the policy's coverage window.
func (p *Policy) CoversInstant(t time.Time) bool {
	return !t.Before(p.StartDate) && !t.After(p.EndDate)
}

// MaxPayout is the payout ceiling for any single claim against this policy.
func (p *Policy) MaxPayout() int64 {
	return p.CoverageAmount
}

// Claim is the off-chain projection of an on-chain payout. ChainClaimID is
// the idempotency key: redelivered ClaimPaid events upsert the same row.
type Claim struct {
	ID            string
	PolicyID      string // internal policy id, empty for orphaned claims
	ChainPolicyID uint64
	ChainClaimID  uint64
	PayoutAmount  int64
	EventType     string
	TxHash        string
	Paid          bool
	UserAddress   string
	TokenAddress  string
	CreatedAt     time.Time
}

// Orphaned reports whether the claim arrived for a policy the store does not
// know about. Orphans are retained for manual reconciliation.
func (c *Claim) Orphaned() bool {
	return c.PolicyID == ""
}

// Payload carries the module-specific correlation data adapters match events
// against. Concrete variants exist per known module type; anything else is
// preserved as UnknownPayload.
type Payload interface {
	Module() ModuleType
}

// FlightPayload identifies the insured flight.
type FlightPayload struct {
	FlightNumber string `json:"flightNumber"`
}

func (FlightPayload) Module() ModuleType { return ModuleFlightDelay }

// BaggagePayload identifies the insured baggage item.
type BaggagePayload struct {
	BaggageReference string `json:"baggageReference"`
}

func (BaggagePayload) Module() ModuleType { return ModuleLuggageLoss }

// BookingPayload identifies the insured booking.
type BookingPayload struct {
	BookingReference string `json:"bookingReference"`
}

func (BookingPayload) Module() ModuleType { return ModuleTripCancellation }

// UnknownPayload preserves raw payload JSON for module types this build does
// not understand. It never matches any adapter event.
type UnknownPayload struct {
	Raw json.RawMessage
}

func (UnknownPayload) Module() ModuleType { return "" }

// DecodePayload parses stored payload JSON into the variant for moduleType.
func DecodePayload(moduleType ModuleType, raw []byte) (Payload, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	switch moduleType {
	case ModuleFlightDelay:
		var p FlightPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode flight payload: %w", err)
		}
		return p, nil
	case ModuleLuggageLoss:
		var p BaggagePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode baggage payload: %w", err)
		}
		return p, nil
	case ModuleTripCancellation:
		var p BookingPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode booking payload: %w", err)
		}
		return p, nil
	default:
		cp := make(json.RawMessage, len(raw))
		copy(cp, raw)
		return UnknownPayload{Raw: cp}, nil
	}
}

// EncodePayload serializes a payload variant back to JSON for storage.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	if u, ok := p.(UnknownPayload); ok {
		if len(u.Raw) == 0 {
			return []byte("{}"), nil
		}
		return u.Raw, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}
