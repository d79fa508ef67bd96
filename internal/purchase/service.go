// Package purchase drives the policy purchase flow: a DRAFT policy is hashed,
// moved to AWAITING_ONCHAIN, and submitted to the contract. Confirmation back
// to ACTIVE comes either from the transaction receipt or from the chain
// listener when the receipt times out.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tripguard/oracle/internal/platform/chain"
	"github.com/tripguard/oracle/internal/policy"
)

// ErrNotDraft is returned when the policy has already left DRAFT.
var ErrNotDraft = errors.New("policy is not in DRAFT")

// policyStore is the slice of the policy repository the service needs.
type policyStore interface {
	FindByID(ctx context.Context, id string) (*policy.Policy, error)
	BeginPurchase(ctx context.Context, id, tokenAddress string, dataHash []byte) error
	RollbackToDraft(ctx context.Context, id string) error
	RecordPurchase(ctx context.Context, id, txHash string, chainPolicyID *uint64) error
}

// purchaser submits buyPolicy transactions.
type purchaser interface {
	BuyPolicy(ctx context.Context, token common.Address, amount *big.Int, startDate, endDate int64, policyDataHash common.Hash) (*chain.PurchaseResult, error)
}

// Result reports the outcome of a purchase.
type Result struct {
	PolicyID      string
	TxHash        string
	ChainPolicyID *uint64
	Status        policy.Status
}

// Service executes policy purchases.
type Service struct {
	store  policyStore
	chain  purchaser
	logger *slog.Logger
}

// NewService creates a purchase service.
func NewService(store policyStore, chain purchaser, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		chain:  chain,
		logger: logger.With("component", "purchase"),
	}
}

// Execute purchases a DRAFT policy on chain with the given payment token.
// On any submission failure the policy is rolled back to DRAFT so the
// purchase can be retried.
func (s *Service) Execute(ctx context.Context, policyID string, token common.Address) (*Result, error) {
	pol, err := s.store.FindByID(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if pol.Status != policy.StatusDraft {
		return nil, fmt.Errorf("%w: policy %s is %s", ErrNotDraft, policyID, pol.Status)
	}

	hash, err := policy.ComputeDataHash(pol)
	if err != nil {
		return nil, fmt.Errorf("compute data hash: %w", err)
	}

	if err := s.store.BeginPurchase(ctx, policyID, token.Hex(), hash.Bytes()); err != nil {
		return nil, err
	}

	s.logger.Info("submitting policy purchase",
		"policy_id", policyID,
		"token", token.Hex(),
		"premium", pol.PremiumAmount,
		"data_hash", hash.Hex(),
	)

	result, err := s.chain.BuyPolicy(ctx,
		token,
		big.NewInt(pol.PremiumAmount),
		pol.StartDate.Unix(),
		pol.EndDate.Unix(),
		hash,
	)
	if err != nil {
		s.logger.Warn("policy purchase failed, rolling back to DRAFT",
			"policy_id", policyID, "error", err)
		if rbErr := s.store.RollbackToDraft(ctx, policyID); rbErr != nil {
			s.logger.Error("rollback to DRAFT failed",
				"policy_id", policyID, "error", rbErr)
		}
		return nil, err
	}

	if err := s.store.RecordPurchase(ctx, policyID, result.TxHash.Hex(), result.ChainPolicyID); err != nil {
		// The transaction is on chain; the listener will still activate
		// the policy via its data hash even though this write failed.
		s.logger.Error("recording purchase failed",
			"policy_id", policyID, "tx", result.TxHash.Hex(), "error", err)
		return nil, err
	}

	status := policy.StatusAwaitingOnchain
	if result.ChainPolicyID != nil {
		status = policy.StatusActive
	}

	attrs := []any{
		"policy_id", policyID,
		"tx", result.TxHash.Hex(),
		"status", string(status),
	}
	if result.ChainPolicyID != nil {
		attrs = append(attrs, "chain_policy_id", *result.ChainPolicyID)
	}
	if result.Pending {
		attrs = append(attrs, "pending", true)
	}
	s.logger.Info("policy purchase submitted", attrs...)

	return &Result{
		PolicyID:      policyID,
		TxHash:        result.TxHash.Hex(),
		ChainPolicyID: result.ChainPolicyID,
		Status:        status,
	}, nil
}
