package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/tripguard/oracle/internal/platform/chain"
	"github.com/tripguard/oracle/internal/platform/storage"
	"github.com/tripguard/oracle/internal/policy"
	"github.com/tripguard/oracle/internal/purchase"
)

// policyCreator persists new draft policies.
type policyCreator interface {
	Create(ctx context.Context, p *policy.Policy) error
}

// purchaseService executes the on-chain purchase flow.
type purchaseService interface {
	Execute(ctx context.Context, policyID string, token common.Address) (*purchase.Result, error)
}

// EnablePurchases mounts the draft creation and purchase endpoints. Without
// this call the server stays read-only.
func (s *Server) EnablePurchases(creator policyCreator, purchases purchaseService) {
	s.creator = creator
	s.purchases = purchases
}

type createPolicyRequest struct {
	UserID         string          `json:"user_id"`
	WalletID       string          `json:"wallet_id"`
	ModuleID       string          `json:"module_id"`
	WalletAddress  string          `json:"wallet_address"`
	ModuleType     string          `json:"module_type"`
	CoverageAmount int64           `json:"coverage_amount"`
	PremiumAmount  int64           `json:"premium_amount"`
	Currency       string          `json:"currency"`
	StartDate      time.Time       `json:"start_date"`
	EndDate        time.Time       `json:"end_date"`
	Payload        json.RawMessage `json:"payload"`
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req createPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	moduleType := policy.ModuleType(req.ModuleType)
	switch moduleType {
	case policy.ModuleFlightDelay, policy.ModuleLuggageLoss, policy.ModuleTripCancellation:
	default:
		writeError(w, http.StatusBadRequest, "unknown module type")
		return
	}
	if req.CoverageAmount <= 0 || req.PremiumAmount <= 0 {
		writeError(w, http.StatusBadRequest, "amounts must be positive")
		return
	}
	if !req.EndDate.After(req.StartDate) {
		writeError(w, http.StatusBadRequest, "end date must be after start date")
		return
	}
	if req.Currency == "" {
		req.Currency = "USDC"
	}

	payload, err := policy.DecodePayload(moduleType, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	pol := &policy.Policy{
		UserID:         req.UserID,
		WalletID:       req.WalletID,
		ModuleID:       req.ModuleID,
		WalletAddress:  req.WalletAddress,
		ModuleType:     moduleType,
		CoverageAmount: req.CoverageAmount,
		PremiumAmount:  req.PremiumAmount,
		Currency:       req.Currency,
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
		Payload:        payload,
	}

	if err := s.creator.Create(r.Context(), pol); err != nil {
		s.logger.Error("creating policy failed", "error", err)
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"policy": toPolicyView(*pol)})
}

type purchaseRequest struct {
	Token string `json:"token"`
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !common.IsHexAddress(req.Token) {
		writeError(w, http.StatusBadRequest, "invalid token address")
		return
	}

	result, err := s.purchases.Execute(r.Context(), id, common.HexToAddress(req.Token))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "policy not found")
		case errors.Is(err, purchase.ErrNotDraft):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, chain.ErrTokenNotAllowed),
			errors.Is(err, chain.ErrInsufficientBalance):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case chain.IsRevert(err):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			s.logger.Error("purchase failed", "policy_id", id, "error", err)
			writeError(w, http.StatusBadGateway, "purchase failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"policy_id":       result.PolicyID,
		"tx_hash":         result.TxHash,
		"chain_policy_id": result.ChainPolicyID,
		"status":          string(result.Status),
	})
}
