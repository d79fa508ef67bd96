package oracle

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/tripguard/oracle/internal/adapter"
	"github.com/tripguard/oracle/internal/platform/chain"
	"github.com/tripguard/oracle/internal/policy"
)

// Config configures the reconciliation engine.
type Config struct {
	// DelayThreshold is the minimum flight delay that qualifies for a payout.
	DelayThreshold time.Duration `yaml:"delay_threshold"`

	// Base payout per module, in the token's smallest unit. The effective
	// payout is capped by the policy's coverage amount.
	PayoutFlightDelay      int64 `yaml:"payout_flight_delay"`
	PayoutLuggageLoss      int64 `yaml:"payout_luggage_loss"`
	PayoutTripCancellation int64 `yaml:"payout_trip_cancellation"`
}

// DefaultConfig returns the standard payout schedule.
func DefaultConfig() Config {
	return Config{
		DelayThreshold:         60 * time.Minute,
		PayoutFlightDelay:      1_000_000_000,
		PayoutLuggageLoss:      500_000_000,
		PayoutTripCancellation: 700_000_000,
	}
}

// policyStore is the slice of the policy repository the engine needs.
type policyStore interface {
	ListActive(ctx context.Context, now time.Time) ([]policy.Policy, error)
	FindByChainID(ctx context.Context, chainPolicyID uint64) (*policy.Policy, error)
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
}

// claimSubmitter submits markEventOccurred transactions.
type claimSubmitter interface {
	MarkEventOccurred(ctx context.Context, policyID uint64, eventType string, payoutAmount *big.Int) (*chain.SubmitResult, error)
}

// submissionGuard serializes claim submissions per policy across cycles.
type submissionGuard interface {
	Acquire(ctx context.Context, chainPolicyID uint64) (bool, error)
	Release(ctx context.Context, chainPolicyID uint64) error
}

// Stats tracks engine counters across cycles.
type Stats struct {
	CyclesRun            uint64
	PoliciesChecked      uint64
	EventsConsidered     uint64
	AdapterFailures      uint64
	SubmissionsAttempted uint64
	SubmissionsConfirmed uint64
	SubmissionsReverted  uint64
	SubmissionsFailed    uint64
	PoliciesExpired      uint64
	LastCycleAt          time.Time
	LastCycleDuration    time.Duration
}

// Engine correlates adapter reports with active policies and submits claims.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	store     policyStore
	submitter claimSubmitter
	guard     submissionGuard
	sources   []adapter.Source

	mu    sync.RWMutex
	stats Stats
}

// NewEngine creates a reconciliation engine.
func NewEngine(cfg Config, store policyStore, submitter claimSubmitter, guard submissionGuard, sources []adapter.Source, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DelayThreshold == 0 {
		cfg.DelayThreshold = DefaultConfig().DelayThreshold
	}

	return &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "reconciliation-engine"),
		store:     store,
		submitter: submitter,
		guard:     guard,
		sources:   sources,
	}
}

// candidate is a qualifying event bound to its policy with a computed payout.
type candidate struct {
	pol    policy.Policy
	event  adapter.CandidateEvent
	payout int64
}

// Cycle runs one reconciliation pass at the given instant. Adapter failures
// are isolated per source; a cycle never aborts because one provider is down.
func (e *Engine) Cycle(ctx context.Context, now time.Time) error {
	started := time.Now()

	expired, err := e.store.ExpireOverdue(ctx, now)
	if err != nil {
		e.logger.Warn("expiring overdue policies failed", "error", err)
	} else if expired > 0 {
		e.logger.Info("expired overdue policies", "count", expired)
	}

	active, err := e.store.ListActive(ctx, now)
	if err != nil {
		return err
	}

	byChainID := make(map[uint64]policy.Policy, len(active))
	for _, p := range active {
		if p.ChainPolicyID != nil {
			byChainID[*p.ChainPolicyID] = p
		}
	}

	events := e.pollSources(ctx)

	// At most one submission per policy per cycle. When several events
	// qualify for the same policy, the highest payout wins.
	winners := make(map[uint64]candidate)
	for _, ev := range events {
		pol, ok := byChainID[ev.ChainPolicyID]
		if !ok {
			continue
		}
		if !pol.CoversInstant(ev.ReportedAt) {
			e.logger.Debug("event outside coverage window",
				"policy_id", pol.ID,
				"chain_policy_id", ev.ChainPolicyID,
				"reported_at", ev.ReportedAt,
			)
			continue
		}

		payout, ok := e.evaluate(pol, ev)
		if !ok {
			continue
		}

		if prev, exists := winners[ev.ChainPolicyID]; !exists || payout > prev.payout {
			winners[ev.ChainPolicyID] = candidate{pol: pol, event: ev, payout: payout}
		}
	}

	for _, c := range winners {
		e.submit(ctx, c)
	}

	e.mu.Lock()
	e.stats.CyclesRun++
	e.stats.PoliciesChecked += uint64(len(active))
	e.stats.EventsConsidered += uint64(len(events))
	e.stats.PoliciesExpired += uint64(expired)
	e.stats.LastCycleAt = now
	e.stats.LastCycleDuration = time.Since(started)
	e.mu.Unlock()

	return nil
}

// pollSources queries every adapter, keeping failures local to the source.
func (e *Engine) pollSources(ctx context.Context) []adapter.CandidateEvent {
	var events []adapter.CandidateEvent
	for _, src := range e.sources {
		batch, err := src.Poll(ctx)
		if err != nil {
			e.mu.Lock()
			e.stats.AdapterFailures++
			e.mu.Unlock()
			e.logger.Warn("adapter poll failed", "source", src.Name(), "error", err)
			continue
		}
		events = append(events, batch...)
	}
	return events
}

// evaluate decides whether an event qualifies under the policy's module and
// returns the payout amount, capped by the coverage amount.
func (e *Engine) evaluate(pol policy.Policy, ev adapter.CandidateEvent) (int64, bool) {
	var base int64

	switch ev.Category {
	case adapter.CategoryFlightDelay:
		if pol.ModuleType != policy.ModuleFlightDelay {
			return 0, false
		}
		if time.Duration(ev.DelayMinutes)*time.Minute <= e.cfg.DelayThreshold {
			return 0, false
		}
		base = e.cfg.PayoutFlightDelay
	case adapter.CategoryBaggageLost:
		if pol.ModuleType != policy.ModuleLuggageLoss || !ev.Lost {
			return 0, false
		}
		base = e.cfg.PayoutLuggageLoss
	case adapter.CategoryBookingCancelled:
		if pol.ModuleType != policy.ModuleTripCancellation || !ev.Cancelled {
			return 0, false
		}
		base = e.cfg.PayoutTripCancellation
	default:
		return 0, false
	}

	if max := pol.MaxPayout(); base > max {
		base = max
	}
	if base <= 0 {
		return 0, false
	}
	return base, true
}

func (e *Engine) submit(ctx context.Context, c candidate) {
	chainPolicyID := c.event.ChainPolicyID

	// Re-read the policy right before submitting. The listener may have
	// projected a ClaimPaid since this cycle's snapshot was taken; the
	// contract's own duplicate guard remains the backstop for the gap
	// this check cannot close.
	current, err := e.store.FindByChainID(ctx, chainPolicyID)
	if err != nil {
		e.logger.Warn("pre-submission policy check failed, skipping",
			"chain_policy_id", chainPolicyID, "error", err)
		return
	}
	if current.Status != policy.StatusActive {
		e.logger.Info("policy left ACTIVE during cycle, skipping submission",
			"chain_policy_id", chainPolicyID, "status", string(current.Status))
		return
	}

	acquired, err := e.guard.Acquire(ctx, chainPolicyID)
	if err != nil {
		e.logger.Warn("submission guard unavailable, skipping policy",
			"chain_policy_id", chainPolicyID, "error", err)
		return
	}
	if !acquired {
		e.logger.Debug("submission already in flight", "chain_policy_id", chainPolicyID)
		return
	}

	e.mu.Lock()
	e.stats.SubmissionsAttempted++
	e.mu.Unlock()

	e.logger.Info("submitting claim",
		"chain_policy_id", chainPolicyID,
		"event_type", string(c.event.Category),
		"payout", c.payout,
		"provider", c.event.Provider,
	)

	result, err := e.submitter.MarkEventOccurred(ctx, chainPolicyID, string(c.event.Category), big.NewInt(c.payout))
	if err != nil {
		var revert *chain.RevertError
		if errors.As(err, &revert) {
			// Usually means the claim was already paid in a previous
			// cycle whose confirmation we missed. Keep the guard so the
			// policy is not retried before the TTL.
			e.mu.Lock()
			e.stats.SubmissionsReverted++
			e.mu.Unlock()
			e.logger.Warn("claim submission reverted",
				"chain_policy_id", chainPolicyID, "reason", revert.Reason)
			return
		}

		e.mu.Lock()
		e.stats.SubmissionsFailed++
		e.mu.Unlock()
		e.logger.Error("claim submission failed",
			"chain_policy_id", chainPolicyID, "error", err)
		if relErr := e.guard.Release(ctx, chainPolicyID); relErr != nil {
			e.logger.Warn("releasing submission guard failed",
				"chain_policy_id", chainPolicyID, "error", relErr)
		}
		return
	}

	e.mu.Lock()
	e.stats.SubmissionsConfirmed++
	e.mu.Unlock()

	attrs := []any{
		"chain_policy_id", chainPolicyID,
		"tx", result.TxHash.Hex(),
		"pending", result.Pending,
	}
	if result.ChainClaimID != nil {
		attrs = append(attrs, "chain_claim_id", *result.ChainClaimID)
	}
	e.logger.Info("claim submitted", attrs...)
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}
