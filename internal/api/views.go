package api

import (
	"time"

	"github.com/tripguard/oracle/internal/policy"
)

// policyView is the wire shape for a policy.
type policyView struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	ModuleType     string    `json:"module_type"`
	CoverageAmount int64     `json:"coverage_amount"`
	PremiumAmount  int64     `json:"premium_amount"`
	Currency       string    `json:"currency"`
	StartDate      time.Time `json:"start_date"`
	EndDate        time.Time `json:"end_date"`
	Status         string    `json:"status"`
	ChainPolicyID  *uint64   `json:"chain_policy_id,omitempty"`
	TokenAddress   string    `json:"token_address,omitempty"`
	PurchaseTx     string    `json:"purchase_tx,omitempty"`
	ClaimTx        string    `json:"claim_tx,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// claimView is the wire shape for a claim projection.
type claimView struct {
	ID            string    `json:"id"`
	PolicyID      string    `json:"policy_id,omitempty"`
	ChainPolicyID uint64    `json:"chain_policy_id"`
	ChainClaimID  uint64    `json:"chain_claim_id"`
	PayoutAmount  int64     `json:"payout_amount"`
	EventType     string    `json:"event_type"`
	TxHash        string    `json:"tx_hash,omitempty"`
	Paid          bool      `json:"paid"`
	Orphaned      bool      `json:"orphaned"`
	CreatedAt     time.Time `json:"created_at"`
}

func toPolicyView(p policy.Policy) policyView {
	return policyView{
		ID:             p.ID,
		UserID:         p.UserID,
		ModuleType:     string(p.ModuleType),
		CoverageAmount: p.CoverageAmount,
		PremiumAmount:  p.PremiumAmount,
		Currency:       p.Currency,
		StartDate:      p.StartDate,
		EndDate:        p.EndDate,
		Status:         string(p.Status),
		ChainPolicyID:  p.ChainPolicyID,
		TokenAddress:   p.TokenAddress,
		PurchaseTx:     p.PurchaseTx,
		ClaimTx:        p.ClaimTx,
		CreatedAt:      p.CreatedAt,
	}
}

func toPolicyViews(policies []policy.Policy) []policyView {
	views := make([]policyView, 0, len(policies))
	for _, p := range policies {
		views = append(views, toPolicyView(p))
	}
	return views
}

func toClaimViews(claims []policy.Claim) []claimView {
	views := make([]claimView, 0, len(claims))
	for _, c := range claims {
		views = append(views, claimView{
			ID:            c.ID,
			PolicyID:      c.PolicyID,
			ChainPolicyID: c.ChainPolicyID,
			ChainClaimID:  c.ChainClaimID,
			PayoutAmount:  c.PayoutAmount,
			EventType:     c.EventType,
			TxHash:        c.TxHash,
			Paid:          c.Paid,
			Orphaned:      c.Orphaned(),
			CreatedAt:     c.CreatedAt,
		})
	}
	return views
}
