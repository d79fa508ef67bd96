// Package listener projects on-chain contract events into the local store.
// The chain is the source of truth for activation and claim settlement; the
// projector applies confirmations idempotently so replayed logs are harmless.
package listener

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tripguard/oracle/internal/platform/chain"
	natsx "github.com/tripguard/oracle/internal/platform/nats"
	"github.com/tripguard/oracle/internal/platform/storage"
	"github.com/tripguard/oracle/internal/policy"
)

// policyStore is the slice of the policy repository the projector needs.
type policyStore interface {
	Activate(ctx context.Context, dataHash []byte, chainPolicyID uint64, tokenAddress, txHash string) (*policy.Policy, error)
	MarkClaimed(ctx context.Context, chainPolicyID uint64, claimTx string) (*policy.Policy, error)
}

// claimStore persists claim projections.
type claimStore interface {
	Upsert(ctx context.Context, c *policy.Claim) error
}

// Notifier publishes lifecycle notifications. Notification failures never
// block projection; the store update is the operation that must succeed.
type Notifier interface {
	PublishActivated(ctx context.Context, event natsx.PolicyActivated) error
	PublishClaimed(ctx context.Context, event natsx.PolicyClaimed) error
}

// ProjectorStats counts projection outcomes.
type ProjectorStats struct {
	PoliciesActivated uint64
	ClaimsRecorded    uint64
	OrphanPolicies    uint64
	OrphanClaims      uint64
	Failures          uint64
}

// Projector applies decoded contract events to the store.
type Projector struct {
	policies policyStore
	claims   claimStore
	notifier Notifier
	logger   *slog.Logger

	mu    sync.Mutex
	stats ProjectorStats
}

// NewProjector creates a projector. notifier may be nil when notifications
// are disabled.
func NewProjector(policies policyStore, claims claimStore, notifier Notifier, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{
		policies: policies,
		claims:   claims,
		notifier: notifier,
		logger:   logger.With("component", "projector"),
	}
}

// Apply routes a decoded event to its handler.
func (p *Projector) Apply(ctx context.Context, ev chain.Event) {
	switch {
	case ev.PolicyCreated != nil:
		p.applyPolicyCreated(ctx, ev.PolicyCreated)
	case ev.ClaimPaid != nil:
		p.applyClaimPaid(ctx, ev.ClaimPaid)
	}
}

// applyPolicyCreated matches the confirmation to a local policy by exact data
// hash and activates it. A hash with no local match is logged and dropped:
// the purchase may have come from another deployment, and inventing a policy
// from event data would bypass the draft flow entirely.
func (p *Projector) applyPolicyCreated(ctx context.Context, ev *chain.PolicyCreatedEvent) {
	pol, err := p.policies.Activate(ctx, ev.PolicyDataHash[:], ev.PolicyID, ev.Token.Hex(), ev.TxHash.Hex())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			p.bump(func(s *ProjectorStats) { s.OrphanPolicies++ })
			p.logger.Warn("PolicyCreated with no matching local policy",
				"chain_policy_id", ev.PolicyID,
				"data_hash", ev.PolicyDataHash.Hex(),
				"tx", ev.TxHash.Hex(),
			)
			return
		}
		p.bump(func(s *ProjectorStats) { s.Failures++ })
		p.logger.Error("activating policy failed",
			"chain_policy_id", ev.PolicyID, "error", err)
		return
	}

	p.bump(func(s *ProjectorStats) { s.PoliciesActivated++ })
	p.logger.Info("policy activated",
		"policy_id", pol.ID,
		"chain_policy_id", ev.PolicyID,
		"tx", ev.TxHash.Hex(),
	)

	if p.notifier != nil {
		err := p.notifier.PublishActivated(ctx, natsx.PolicyActivated{
			PolicyID:      pol.ID,
			ChainPolicyID: ev.PolicyID,
			UserID:        pol.UserID,
			TxHash:        ev.TxHash.Hex(),
			ActivatedAt:   time.Now().UTC(),
		})
		if err != nil {
			p.logger.Warn("activation notification failed",
				"policy_id", pol.ID, "error", err)
		}
	}
}

// applyClaimPaid records the claim and transitions the policy to CLAIMED.
// A claim for an unknown policy is persisted as an orphan for manual
// reconciliation rather than dropped.
func (p *Projector) applyClaimPaid(ctx context.Context, ev *chain.ClaimPaidEvent) {
	claim := &policy.Claim{
		ChainPolicyID: ev.PolicyID,
		ChainClaimID:  ev.ClaimID,
		PayoutAmount:  ev.Amount.Int64(),
		EventType:     ev.EventType,
		TxHash:        ev.TxHash.Hex(),
		Paid:          true,
		UserAddress:   ev.User.Hex(),
		TokenAddress:  ev.Token.Hex(),
	}

	pol, err := p.policies.MarkClaimed(ctx, ev.PolicyID, ev.TxHash.Hex())
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			p.bump(func(s *ProjectorStats) { s.Failures++ })
			p.logger.Error("marking policy claimed failed",
				"chain_policy_id", ev.PolicyID, "error", err)
			return
		}

		p.bump(func(s *ProjectorStats) { s.OrphanClaims++ })
		p.logger.Warn("ClaimPaid for unknown policy, recording orphan claim",
			"chain_policy_id", ev.PolicyID,
			"chain_claim_id", ev.ClaimID,
			"tx", ev.TxHash.Hex(),
		)
	} else {
		claim.PolicyID = pol.ID
	}

	if err := p.claims.Upsert(ctx, claim); err != nil {
		p.bump(func(s *ProjectorStats) { s.Failures++ })
		p.logger.Error("recording claim failed",
			"chain_claim_id", ev.ClaimID, "error", err)
		return
	}

	p.bump(func(s *ProjectorStats) { s.ClaimsRecorded++ })
	p.logger.Info("claim recorded",
		"chain_policy_id", ev.PolicyID,
		"chain_claim_id", ev.ClaimID,
		"payout", claim.PayoutAmount,
		"orphaned", claim.Orphaned(),
	)

	if p.notifier != nil && pol != nil {
		err := p.notifier.PublishClaimed(ctx, natsx.PolicyClaimed{
			PolicyID:      pol.ID,
			ChainPolicyID: ev.PolicyID,
			ChainClaimID:  ev.ClaimID,
			PayoutAmount:  claim.PayoutAmount,
			EventType:     ev.EventType,
			TxHash:        ev.TxHash.Hex(),
			ClaimedAt:     time.Now().UTC(),
		})
		if err != nil {
			p.logger.Warn("claim notification failed",
				"policy_id", pol.ID, "error", err)
		}
	}
}

func (p *Projector) bump(f func(s *ProjectorStats)) {
	p.mu.Lock()
	f(&p.stats)
	p.mu.Unlock()
}

// Stats returns a snapshot of the projection counters.
func (p *Projector) Stats() ProjectorStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
