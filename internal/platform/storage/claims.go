package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/tripguard/oracle/internal/policy"
)

// ClaimRepository persists claim projections from ClaimPaid events.
type ClaimRepository struct {
	db *DB
}

// NewClaimRepository creates a ClaimRepository.
func NewClaimRepository(db *DB) *ClaimRepository {
	return &ClaimRepository{db: db}
}

// Upsert records a claim keyed on its on-chain claim id. Replaying the same
// event updates the existing row instead of inserting a duplicate. PolicyID
// is empty for orphaned claims; those rows are retained with a NULL policy
// reference for manual reconciliation.
func (r *ClaimRepository) Upsert(ctx context.Context, c *policy.Claim) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	var policyID *string
	if c.PolicyID != "" {
		policyID = &c.PolicyID
	}

	sql := `
		INSERT INTO claims (
			id, policy_id, chain_policy_id, chain_claim_id,
			payout_amount, event_type, tx_hash, paid,
			user_address, token_address
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		ON CONFLICT (chain_claim_id) DO UPDATE SET
			policy_id    = COALESCE(claims.policy_id, EXCLUDED.policy_id),
			tx_hash      = COALESCE(EXCLUDED.tx_hash, claims.tx_hash),
			paid         = claims.paid OR EXCLUDED.paid
	`
	_, err := r.db.pool.Exec(ctx, sql,
		c.ID, policyID, int64(c.ChainPolicyID), int64(c.ChainClaimID),
		c.PayoutAmount, c.EventType, nullable(c.TxHash), c.Paid,
		nullable(c.UserAddress), nullable(c.TokenAddress),
	)
	if err != nil {
		return fmt.Errorf("upsert claim: %w", err)
	}
	return nil
}

// FindByChainClaimID looks up a claim by its on-chain claim id.
func (r *ClaimRepository) FindByChainClaimID(ctx context.Context, chainClaimID uint64) (*policy.Claim, error) {
	sql := claimSelect + ` WHERE chain_claim_id = $1`
	rows, err := r.db.pool.Query(ctx, sql, int64(chainClaimID))
	if err != nil {
		return nil, fmt.Errorf("query claim: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanClaim(rows)
}

// ListByPolicy returns the claims recorded against a policy.
func (r *ClaimRepository) ListByPolicy(ctx context.Context, policyID string) ([]policy.Claim, error) {
	sql := claimSelect + ` WHERE policy_id = $1 ORDER BY chain_claim_id`
	return r.queryClaims(ctx, sql, policyID)
}

// ListOrphaned returns claims with no matching local policy.
func (r *ClaimRepository) ListOrphaned(ctx context.Context) ([]policy.Claim, error) {
	sql := claimSelect + ` WHERE policy_id IS NULL ORDER BY chain_claim_id`
	return r.queryClaims(ctx, sql)
}

const claimSelect = `
	SELECT id, policy_id, chain_policy_id, chain_claim_id,
	       payout_amount, event_type, tx_hash, paid,
	       user_address, token_address, created_at
	FROM claims
`

func scanClaim(row rowScanner) (*policy.Claim, error) {
	var (
		c         policy.Claim
		policyID  *string
		txHash    *string
		userAddr  *string
		tokenAddr *string
		chainPID  int64
		chainCID  int64
	)
	err := row.Scan(
		&c.ID, &policyID, &chainPID, &chainCID,
		&c.PayoutAmount, &c.EventType, &txHash, &c.Paid,
		&userAddr, &tokenAddr, &c.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan claim: %w", err)
	}

	c.ChainPolicyID = uint64(chainPID)
	c.ChainClaimID = uint64(chainCID)
	if policyID != nil {
		c.PolicyID = *policyID
	}
	if txHash != nil {
		c.TxHash = *txHash
	}
	if userAddr != nil {
		c.UserAddress = *userAddr
	}
	if tokenAddr != nil {
		c.TokenAddress = *tokenAddr
	}
	return &c, nil
}

func (r *ClaimRepository) queryClaims(ctx context.Context, sql string, args ...any) ([]policy.Claim, error) {
	rows, err := r.db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query claims: %w", err)
	}
	defer rows.Close()

	var claims []policy.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, *c)
	}
	return claims, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
