package purchase

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tripguard/oracle/internal/platform/chain"
	"github.com/tripguard/oracle/internal/policy"
)

type fakeStore struct {
	pol *policy.Policy

	beganWith    []byte
	rolledBack   bool
	recordedTx   string
	recordedID   *uint64
	recordCalled bool
}

func (s *fakeStore) FindByID(ctx context.Context, id string) (*policy.Policy, error) {
	return s.pol, nil
}

func (s *fakeStore) BeginPurchase(ctx context.Context, id, tokenAddress string, dataHash []byte) error {
	s.beganWith = dataHash
	s.pol.Status = policy.StatusAwaitingOnchain
	return nil
}

func (s *fakeStore) RollbackToDraft(ctx context.Context, id string) error {
	s.rolledBack = true
	s.pol.Status = policy.StatusDraft
	return nil
}

func (s *fakeStore) RecordPurchase(ctx context.Context, id, txHash string, chainPolicyID *uint64) error {
	s.recordCalled = true
	s.recordedTx = txHash
	s.recordedID = chainPolicyID
	return nil
}

type fakePurchaser struct {
	result *chain.PurchaseResult
	err    error
	calls  int
}

func (p *fakePurchaser) BuyPolicy(ctx context.Context, token common.Address, amount *big.Int, startDate, endDate int64, policyDataHash common.Hash) (*chain.PurchaseResult, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

func draftPolicy() *policy.Policy {
	now := time.Now().UTC().Truncate(time.Second)
	return &policy.Policy{
		ID:             "b2f6a9e4-8f13-4a7e-9a51-0c3e8d2f71aa",
		UserID:         "user-1",
		WalletID:       "wallet-1",
		ModuleID:       "module-1",
		ModuleType:     policy.ModuleFlightDelay,
		CoverageAmount: 2_000_000_000,
		PremiumAmount:  50_000_000,
		Currency:       "USDC",
		StartDate:      now,
		EndDate:        now.Add(72 * time.Hour),
		Status:         policy.StatusDraft,
		CreatedAt:      now,
	}
}

var testToken = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func TestExecuteActivatesWhenReceiptCarriesID(t *testing.T) {
	chainID := uint64(42)
	store := &fakeStore{pol: draftPolicy()}
	purchaser := &fakePurchaser{result: &chain.PurchaseResult{
		TxHash:        common.HexToHash("0xaa"),
		ChainPolicyID: &chainID,
	}}

	svc := NewService(store, purchaser, nil)
	result, err := svc.Execute(context.Background(), store.pol.ID, testToken)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.Status != policy.StatusActive {
		t.Errorf("expected ACTIVE, got %s", result.Status)
	}
	if result.ChainPolicyID == nil || *result.ChainPolicyID != 42 {
		t.Errorf("chain policy id not propagated: %v", result.ChainPolicyID)
	}
	if len(store.beganWith) != 32 {
		t.Errorf("data hash not recorded before submission: %d bytes", len(store.beganWith))
	}
	if !store.recordCalled || store.recordedID == nil {
		t.Error("purchase was not recorded with its chain id")
	}
}

func TestExecuteStaysAwaitingWhenConfirmationTimesOut(t *testing.T) {
	store := &fakeStore{pol: draftPolicy()}
	purchaser := &fakePurchaser{result: &chain.PurchaseResult{
		TxHash:  common.HexToHash("0xbb"),
		Pending: true,
	}}

	svc := NewService(store, purchaser, nil)
	result, err := svc.Execute(context.Background(), store.pol.ID, testToken)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if result.Status != policy.StatusAwaitingOnchain {
		t.Errorf("pending purchase should stay AWAITING_ONCHAIN, got %s", result.Status)
	}
	if store.rolledBack {
		t.Error("pending purchase must not be rolled back")
	}
}

func TestExecuteRejectsNonDraft(t *testing.T) {
	store := &fakeStore{pol: draftPolicy()}
	store.pol.Status = policy.StatusActive
	purchaser := &fakePurchaser{}

	svc := NewService(store, purchaser, nil)
	if _, err := svc.Execute(context.Background(), store.pol.ID, testToken); !errors.Is(err, ErrNotDraft) {
		t.Errorf("expected ErrNotDraft, got %v", err)
	}
	if purchaser.calls != 0 {
		t.Error("non-draft policy must not reach the chain")
	}
}

func TestExecuteRollsBackOnPreflightFailure(t *testing.T) {
	store := &fakeStore{pol: draftPolicy()}
	purchaser := &fakePurchaser{err: chain.ErrTokenNotAllowed}

	svc := NewService(store, purchaser, nil)
	_, err := svc.Execute(context.Background(), store.pol.ID, testToken)
	if !errors.Is(err, chain.ErrTokenNotAllowed) {
		t.Fatalf("expected ErrTokenNotAllowed, got %v", err)
	}

	if !store.rolledBack {
		t.Error("failed purchase must roll the policy back to DRAFT")
	}
	if store.pol.Status != policy.StatusDraft {
		t.Errorf("expected DRAFT after rollback, got %s", store.pol.Status)
	}
	if store.recordCalled {
		t.Error("no purchase should be recorded on preflight failure")
	}
}

func TestExecuteRollsBackOnRevert(t *testing.T) {
	store := &fakeStore{pol: draftPolicy()}
	purchaser := &fakePurchaser{err: &chain.RevertError{Op: "buyPolicy", Reason: "Invalid dates"}}

	svc := NewService(store, purchaser, nil)
	_, err := svc.Execute(context.Background(), store.pol.ID, testToken)
	if !chain.IsRevert(err) {
		t.Fatalf("expected revert error, got %v", err)
	}
	if store.pol.Status != policy.StatusDraft {
		t.Errorf("expected DRAFT after revert, got %s", store.pol.Status)
	}
}
