package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tripguard/oracle/internal/policy"
)

// Store errors.
var (
	// ErrNotFound means no record matched the lookup.
	ErrNotFound = errors.New("record not found")
	// ErrConflict means a guarded status transition found the record in an
	// unexpected state.
	ErrConflict = errors.New("policy not in expected status")
)

// PolicyRepository persists policies.
type PolicyRepository struct {
	db *DB
}

// NewPolicyRepository creates a PolicyRepository.
func NewPolicyRepository(db *DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

const policyColumns = `
	id, user_id, wallet_id, module_id, wallet_address, module_type,
	coverage_amount, premium_amount, currency, start_date, end_date,
	status, chain_policy_id, token_address, data_hash, purchase_tx,
	claim_tx, payload, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*policy.Policy, error) {
	var (
		p           policy.Policy
		moduleType  string
		status      string
		chainID     *int64
		tokenAddr   *string
		purchaseTx  *string
		claimTx     *string
		payloadJSON []byte
	)

	err := row.Scan(
		&p.ID, &p.UserID, &p.WalletID, &p.ModuleID, &p.WalletAddress, &moduleType,
		&p.CoverageAmount, &p.PremiumAmount, &p.Currency, &p.StartDate, &p.EndDate,
		&status, &chainID, &tokenAddr, &p.DataHash, &purchaseTx,
		&claimTx, &payloadJSON, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan policy: %w", err)
	}

	p.ModuleType = policy.ModuleType(moduleType)
	p.Status = policy.Status(status)
	if chainID != nil {
		id := uint64(*chainID)
		p.ChainPolicyID = &id
	}
	if tokenAddr != nil {
		p.TokenAddress = *tokenAddr
	}
	if purchaseTx != nil {
		p.PurchaseTx = *purchaseTx
	}
	if claimTx != nil {
		p.ClaimTx = *claimTx
	}

	p.Payload, err = policy.DecodePayload(p.ModuleType, payloadJSON)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a new DRAFT policy, assigning an id when missing.
func (r *PolicyRepository) Create(ctx context.Context, p *policy.Policy) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = policy.StatusDraft
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.UpdatedAt = p.CreatedAt

	payloadJSON, err := policy.EncodePayload(p.Payload)
	if err != nil {
		return err
	}

	sql := `
		INSERT INTO policies (
			id, user_id, wallet_id, module_id, wallet_address, module_type,
			coverage_amount, premium_amount, currency, start_date, end_date,
			status, payload, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15
		)
	`
	_, err = r.db.pool.Exec(ctx, sql,
		p.ID, p.UserID, p.WalletID, p.ModuleID, p.WalletAddress, string(p.ModuleType),
		p.CoverageAmount, p.PremiumAmount, p.Currency, p.StartDate, p.EndDate,
		string(p.Status), payloadJSON, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert policy: %w", err)
	}
	return nil
}

// FindByID looks up a policy by internal id.
func (r *PolicyRepository) FindByID(ctx context.Context, id string) (*policy.Policy, error) {
	sql := `SELECT ` + policyColumns + ` FROM policies WHERE id = $1`
	return scanPolicy(r.db.pool.QueryRow(ctx, sql, id))
}

// FindByHash looks up a policy by its data hash. Exact match only; the hash
// is the sole pre-confirmation correlation key.
func (r *PolicyRepository) FindByHash(ctx context.Context, hash []byte) (*policy.Policy, error) {
	sql := `SELECT ` + policyColumns + ` FROM policies WHERE data_hash = $1`
	return scanPolicy(r.db.pool.QueryRow(ctx, sql, hash))
}

// FindByChainID looks up a policy by its on-chain id.
func (r *PolicyRepository) FindByChainID(ctx context.Context, chainPolicyID uint64) (*policy.Policy, error) {
	sql := `SELECT ` + policyColumns + ` FROM policies WHERE chain_policy_id = $1`
	return scanPolicy(r.db.pool.QueryRow(ctx, sql, int64(chainPolicyID)))
}

// ListActive returns ACTIVE policies whose on-chain id is known and whose
// coverage window contains now. This is the engine's working set and the
// oracle view's /policies/active payload.
func (r *PolicyRepository) ListActive(ctx context.Context, now time.Time) ([]policy.Policy, error) {
	sql := `
		SELECT ` + policyColumns + `
		FROM policies
		WHERE status = $1
		  AND chain_policy_id IS NOT NULL
		  AND start_date <= $2
		  AND end_date >= $2
		ORDER BY chain_policy_id
	`
	return r.queryPolicies(ctx, sql, string(policy.StatusActive), now)
}

// List returns recent policies for the oracle view, newest first.
func (r *PolicyRepository) List(ctx context.Context, limit int) ([]policy.Policy, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	sql := `SELECT ` + policyColumns + ` FROM policies ORDER BY created_at DESC LIMIT $1`
	return r.queryPolicies(ctx, sql, limit)
}

func (r *PolicyRepository) queryPolicies(ctx context.Context, sql string, args ...any) ([]policy.Policy, error) {
	rows, err := r.db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()

	var policies []policy.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, *p)
	}
	return policies, rows.Err()
}

// BeginPurchase transitions a DRAFT policy to AWAITING_ONCHAIN, recording the
// payment token and the computed data hash. Fails with ErrConflict when the
// policy is not in DRAFT.
func (r *PolicyRepository) BeginPurchase(ctx context.Context, id, tokenAddress string, dataHash []byte) error {
	sql := `
		UPDATE policies
		SET status = $1, token_address = $2, data_hash = $3, updated_at = NOW()
		WHERE id = $4 AND status = $5
	`
	tag, err := r.db.pool.Exec(ctx, sql,
		string(policy.StatusAwaitingOnchain), tokenAddress, dataHash, id, string(policy.StatusDraft))
	if err != nil {
		return fmt.Errorf("begin purchase: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: policy %s is not DRAFT", ErrConflict, id)
	}
	return nil
}

// RollbackToDraft reverts a failed purchase to DRAFT.
func (r *PolicyRepository) RollbackToDraft(ctx context.Context, id string) error {
	sql := `
		UPDATE policies
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`
	_, err := r.db.pool.Exec(ctx, sql,
		string(policy.StatusDraft), id, string(policy.StatusAwaitingOnchain))
	if err != nil {
		return fmt.Errorf("rollback to draft: %w", err)
	}
	return nil
}

// RecordPurchase stores the submitted transaction and, when the receipt
// already carried the assigned on-chain id, activates the policy. Without an
// id the policy stays AWAITING_ONCHAIN for the listener to activate. A policy
// the listener already moved past ACTIVE is left untouched, so a slow receipt
// cannot reopen a CLAIMED policy.
func (r *PolicyRepository) RecordPurchase(ctx context.Context, id, txHash string, chainPolicyID *uint64) error {
	var (
		sql  string
		args []any
	)
	if chainPolicyID != nil {
		sql = `
			UPDATE policies
			SET purchase_tx = $1, chain_policy_id = $2, status = $3, updated_at = NOW()
			WHERE id = $4 AND status IN ($5, $6)
		`
		args = []any{txHash, int64(*chainPolicyID), string(policy.StatusActive), id,
			string(policy.StatusAwaitingOnchain), string(policy.StatusActive)}
	} else {
		sql = `UPDATE policies SET purchase_tx = $1, updated_at = NOW() WHERE id = $2`
		args = []any{txHash, id}
	}

	if _, err := r.db.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("record purchase: %w", err)
	}
	return nil
}

// Activate applies a PolicyCreated confirmation, matched by exact data hash.
// Idempotent: an already-ACTIVE policy with the same on-chain id is a no-op.
// Returns ErrNotFound when no policy carries the hash.
func (r *PolicyRepository) Activate(ctx context.Context, dataHash []byte, chainPolicyID uint64, tokenAddress, txHash string) (*policy.Policy, error) {
	p, err := r.FindByHash(ctx, dataHash)
	if err != nil {
		return nil, err
	}

	if p.Status == policy.StatusActive {
		return p, nil
	}
	if !p.Status.CanTransitionTo(policy.StatusActive) {
		return nil, fmt.Errorf("%w: policy %s is %s", ErrConflict, p.ID, p.Status)
	}

	sql := `
		UPDATE policies
		SET status = $1, chain_policy_id = $2, token_address = $3,
		    purchase_tx = $4, updated_at = NOW()
		WHERE id = $5
	`
	_, err = r.db.pool.Exec(ctx, sql,
		string(policy.StatusActive), int64(chainPolicyID), tokenAddress, txHash, p.ID)
	if err != nil {
		return nil, fmt.Errorf("activate policy: %w", err)
	}

	return r.FindByID(ctx, p.ID)
}

// MarkClaimed transitions a policy to CLAIMED after a ClaimPaid event.
// Idempotent: a policy already CLAIMED is a no-op.
func (r *PolicyRepository) MarkClaimed(ctx context.Context, chainPolicyID uint64, claimTx string) (*policy.Policy, error) {
	p, err := r.FindByChainID(ctx, chainPolicyID)
	if err != nil {
		return nil, err
	}
	if p.Status == policy.StatusClaimed {
		return p, nil
	}

	sql := `
		UPDATE policies
		SET status = $1, claim_tx = $2, updated_at = NOW()
		WHERE chain_policy_id = $3 AND status = $4
	`
	_, err = r.db.pool.Exec(ctx, sql,
		string(policy.StatusClaimed), claimTx, int64(chainPolicyID), string(policy.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("mark claimed: %w", err)
	}

	return r.FindByChainID(ctx, chainPolicyID)
}

// ExpireOverdue marks ACTIVE policies whose coverage window has passed as
// EXPIRED, returning how many were transitioned.
func (r *PolicyRepository) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	sql := `
		UPDATE policies
		SET status = $1, updated_at = NOW()
		WHERE status = $2 AND end_date < $3
	`
	tag, err := r.db.pool.Exec(ctx, sql,
		string(policy.StatusExpired), string(policy.StatusActive), now)
	if err != nil {
		return 0, fmt.Errorf("expire overdue: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountByStatus returns policy counts per status for the stats endpoint.
func (r *PolicyRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.pool.Query(ctx, `SELECT status, COUNT(*) FROM policies GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
