package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Config holds the chain connection and submission settings.
type Config struct {
	// RPC endpoint configuration.
	RPCURL string `yaml:"rpc_url"`
	WSURL  string `yaml:"ws_url"`

	// ContractAddress of the deployed Insurance contract.
	ContractAddress string `yaml:"contract_address"`

	// SigningKey is the oracle's hex-encoded private key. Env only, never in
	// the config file.
	SigningKey string `yaml:"-"`

	GasLimit uint64 `yaml:"gas_limit"`

	// Bounded retry for transient RPC failures.
	MaxRetries    int           `yaml:"max_retries"`
	RetryInterval time.Duration `yaml:"retry_interval"`

	// ConfirmationTimeout bounds the receipt wait. A transaction still
	// pending at timeout is reported as submitted-unconfirmed, not failed.
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`

	// LogPollInterval is the fallback polling cadence when no WS endpoint is
	// available for the event subscription.
	LogPollInterval time.Duration `yaml:"log_poll_interval"`
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		GasLimit:            500_000,
		MaxRetries:          3,
		RetryInterval:       2 * time.Second,
		ConfirmationTimeout: 90 * time.Second,
		LogPollInterval:     5 * time.Second,
	}
}

// Backend is the node RPC surface the client depends on: contract calls,
// transaction submission, receipt lookups and log queries. *ethclient.Client
// satisfies it; Dial wires one in.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Client is the single gateway to the insurance contract. It owns the signing
// key and its nonce counter; all transaction submissions are serialized
// through submitMu so nonces from this key are strictly increasing.
type Client struct {
	cfg    Config
	logger *slog.Logger

	eth     Backend
	wsEth   *ethclient.Client
	chainID *big.Int

	key  *ecdsa.PrivateKey
	from common.Address

	contractAddr common.Address
	insurance    *bind.BoundContract

	nonces   *NonceSequencer
	submitMu sync.Mutex
}

// PurchaseResult reports the outcome of a buyPolicy submission. ChainPolicyID
// is nil when the transaction was not mined within the confirmation window;
// the caller must treat the purchase as pending, not failed.
type PurchaseResult struct {
	TxHash        common.Hash
	ChainPolicyID *uint64
	Pending       bool
}

// SubmitResult reports the outcome of a markEventOccurred submission.
type SubmitResult struct {
	TxHash       common.Hash
	ChainClaimID *uint64
	Pending      bool
}

// NewClient prepares the signer, contract binding and nonce counter on an
// existing backend.
func NewClient(ctx context.Context, cfg Config, backend Backend, logger *slog.Logger) (*Client, error) {
	if cfg.ContractAddress == "" {
		return nil, fmt.Errorf("contract address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SigningKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}

	c := &Client{
		cfg:          cfg,
		logger:       logger.With("component", "chain-client"),
		eth:          backend,
		key:          key,
		from:         crypto.PubkeyToAddress(key.PublicKey),
		contractAddr: common.HexToAddress(cfg.ContractAddress),
	}

	c.chainID, err = backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get chain ID: %w", err)
	}

	c.insurance = bind.NewBoundContract(c.contractAddr, insuranceContract, backend, backend, backend)
	c.nonces = NewNonceSequencer(c.from, backend.PendingNonceAt)
	return c, nil
}

// Dial connects to the chain, verifies the node, and prepares the signer.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to RPC endpoint", "url", cfg.RPCURL)
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial RPC: %w", err)
	}

	c, err := NewClient(ctx, cfg, eth, logger)
	if err != nil {
		eth.Close()
		return nil, err
	}

	if cfg.WSURL != "" {
		c.logger.Info("connecting to WebSocket endpoint", "url", cfg.WSURL)
		c.wsEth, err = ethclient.DialContext(ctx, cfg.WSURL)
		if err != nil {
			c.logger.Warn("failed to connect WebSocket, event watcher will poll", "error", err)
			c.wsEth = nil
		}
	}

	c.logger.Info("connected to chain",
		"chain_id", c.chainID,
		"contract", c.contractAddr.Hex(),
		"signer", c.from.Hex(),
	)
	return c, nil
}

// Close tears down the RPC connections.
func (c *Client) Close() {
	if c.wsEth != nil {
		c.wsEth.Close()
	}
	if closer, ok := c.eth.(interface{ Close() }); ok {
		closer.Close()
	}
}

// Signer returns the oracle's signing address.
func (c *Client) Signer() common.Address { return c.from }

// Health verifies node reachability.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("chain health check: %w", err)
	}
	return nil
}

// BuyPolicy submits a policy purchase. Pre-flight checks fail fast instead of
// submitting a reverting transaction: the token must be allow-listed and the
// signing wallet must hold the premium. When the contract's allowance is
// short, an approve transaction is interposed at nonce N with buyPolicy at
// N+1, in that order.
func (c *Client) BuyPolicy(ctx context.Context, token common.Address, amount *big.Int, startDate, endDate int64, policyDataHash common.Hash) (*PurchaseResult, error) {
	allowed, err := c.AllowedToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotAllowed, token.Hex())
	}

	erc20 := bind.NewBoundContract(token, erc20Contract, c.eth, c.eth, c.eth)

	balance, err := c.erc20Balance(ctx, erc20, c.from)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, amount)
	}

	allowance, err := c.erc20Allowance(ctx, erc20, c.from, c.contractAddr)
	if err != nil {
		return nil, err
	}

	c.submitMu.Lock()
	var tx *types.Transaction
	err = func() error {
		if allowance.Cmp(amount) < 0 {
			approveTx, err := c.transact(ctx, erc20, "approve", c.contractAddr, amount)
			if err != nil {
				return fmt.Errorf("submit approve: %w", asRevert("approve", err))
			}
			c.logger.Info("submitted token approval",
				"token", token.Hex(),
				"amount", amount,
				"tx", approveTx.Hash().Hex(),
				"nonce", approveTx.Nonce(),
			)
		}

		var err error
		tx, err = c.transact(ctx, c.insurance, "buyPolicy",
			token, amount, big.NewInt(startDate), big.NewInt(endDate), [32]byte(policyDataHash))
		if err != nil {
			return fmt.Errorf("submit buyPolicy: %w", asRevert("buyPolicy", err))
		}
		return nil
	}()
	c.submitMu.Unlock()
	if err != nil {
		return nil, err
	}

	c.logger.Info("submitted buyPolicy", "tx", tx.Hash().Hex(), "nonce", tx.Nonce())

	receipt, err := c.waitMined(ctx, tx)
	if err != nil {
		if err == ErrConfirmationTimeout {
			return &PurchaseResult{TxHash: tx.Hash(), Pending: true}, nil
		}
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &RevertError{Op: "buyPolicy", Reason: "transaction reverted"}
	}

	result := &PurchaseResult{TxHash: tx.Hash()}
	for _, log := range receipt.Logs {
		ev, err := DecodeLog(log)
		if err != nil || ev == nil || ev.PolicyCreated == nil {
			continue
		}
		id := ev.PolicyCreated.PolicyID
		result.ChainPolicyID = &id
		break
	}

	c.logger.Info("buyPolicy confirmed",
		"tx", tx.Hash().Hex(),
		"block", receipt.BlockNumber,
		"policy_id", result.ChainPolicyID,
	)
	return result, nil
}

// MarkEventOccurred submits a payout trigger for a policy. Transient RPC
// failures are retried with bounded backoff; reverts are returned as
// RevertError and never retried (the contract rejecting a duplicate claim on
// a settled policy lands here and is absorbed by the caller).
func (c *Client) MarkEventOccurred(ctx context.Context, policyID uint64, eventType string, payoutAmount *big.Int) (*SubmitResult, error) {
	var tx *types.Transaction

	err := c.withRetry(ctx, "markEventOccurred", func() error {
		c.submitMu.Lock()
		defer c.submitMu.Unlock()

		var err error
		tx, err = c.transact(ctx, c.insurance, "markEventOccurred",
			new(big.Int).SetUint64(policyID), eventType, payoutAmount)
		return asRevert("markEventOccurred", err)
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("submitted markEventOccurred",
		"policy_id", policyID,
		"event_type", eventType,
		"payout", payoutAmount,
		"tx", tx.Hash().Hex(),
		"nonce", tx.Nonce(),
	)

	receipt, err := c.waitMined(ctx, tx)
	if err != nil {
		if err == ErrConfirmationTimeout {
			return &SubmitResult{TxHash: tx.Hash(), Pending: true}, nil
		}
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &RevertError{Op: "markEventOccurred", Reason: "transaction reverted"}
	}

	result := &SubmitResult{TxHash: tx.Hash()}
	for _, log := range receipt.Logs {
		ev, err := DecodeLog(log)
		if err != nil || ev == nil || ev.ClaimPaid == nil {
			continue
		}
		id := ev.ClaimPaid.ClaimID
		result.ChainClaimID = &id
		break
	}

	return result, nil
}

// transact reserves a nonce and submits a signed contract call. On failure the
// nonce counter is invalidated so the next reservation re-seeds from the node.
// Callers must hold submitMu.
func (c *Client) transact(ctx context.Context, contract *bind.BoundContract, method string, args ...interface{}) (*types.Transaction, error) {
	nonce, err := c.nonces.ReserveNext(ctx)
	if err != nil {
		return nil, err
	}

	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx
	opts.Nonce = new(big.Int).SetUint64(nonce)
	opts.GasLimit = c.cfg.GasLimit

	tx, err := contract.Transact(opts, method, args...)
	if err != nil {
		c.nonces.Invalidate()
		return nil, err
	}
	return tx, nil
}

// waitMined blocks until the transaction is mined or the confirmation window
// elapses, returning ErrConfirmationTimeout in the latter case.
func (c *Client) waitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmationTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, c.eth, tx)
	if err != nil {
		if waitCtx.Err() != nil && ctx.Err() == nil {
			c.logger.Warn("transaction unconfirmed within window", "tx", tx.Hash().Hex())
			return nil, ErrConfirmationTimeout
		}
		return nil, fmt.Errorf("wait mined: %w", err)
	}
	return receipt, nil
}

// PolicyAt reads the contract's policies(id) view.
func (c *Client) PolicyAt(ctx context.Context, policyID uint64) (*OnChainPolicy, error) {
	var out []interface{}
	err := c.withRetry(ctx, "policies", func() error {
		out = nil
		return c.insurance.Call(&bind.CallOpts{Context: ctx}, &out, "policies", new(big.Int).SetUint64(policyID))
	})
	if err != nil {
		return nil, err
	}
	if len(out) != 7 {
		return nil, fmt.Errorf("policies(%d): unexpected output arity %d", policyID, len(out))
	}

	return &OnChainPolicy{
		User:           out[0].(common.Address),
		PremiumPaid:    out[1].(*big.Int),
		StartDate:      out[2].(*big.Int),
		EndDate:        out[3].(*big.Int),
		PolicyDataHash: out[4].([32]byte),
		CreatedAt:      out[5].(*big.Int),
		Token:          out[6].(common.Address),
	}, nil
}

// ClaimAt reads the contract's claims(id) view.
func (c *Client) ClaimAt(ctx context.Context, claimID uint64) (*OnChainClaim, error) {
	var out []interface{}
	err := c.withRetry(ctx, "claims", func() error {
		out = nil
		return c.insurance.Call(&bind.CallOpts{Context: ctx}, &out, "claims", new(big.Int).SetUint64(claimID))
	})
	if err != nil {
		return nil, err
	}
	if len(out) != 4 {
		return nil, fmt.Errorf("claims(%d): unexpected output arity %d", claimID, len(out))
	}

	return &OnChainClaim{
		PolicyId:     out[0].(*big.Int),
		PayoutAmount: out[1].(*big.Int),
		Paid:         out[2].(bool),
		CreatedAt:    out[3].(*big.Int),
	}, nil
}

// AllowedToken reads the contract's token allow-list.
func (c *Client) AllowedToken(ctx context.Context, token common.Address) (bool, error) {
	var out []interface{}
	err := c.withRetry(ctx, "allowedTokens", func() error {
		out = nil
		return c.insurance.Call(&bind.CallOpts{Context: ctx}, &out, "allowedTokens", token)
	})
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

// Owner reads the contract owner address.
func (c *Client) Owner(ctx context.Context) (common.Address, error) {
	var out []interface{}
	err := c.withRetry(ctx, "owner", func() error {
		out = nil
		return c.insurance.Call(&bind.CallOpts{Context: ctx}, &out, "owner")
	})
	if err != nil {
		return common.Address{}, err
	}
	return out[0].(common.Address), nil
}

// PolicyCount reads the number of policies recorded on chain.
func (c *Client) PolicyCount(ctx context.Context) (uint64, error) {
	return c.countView(ctx, "policyCount")
}

// ClaimCount reads the number of claims recorded on chain.
func (c *Client) ClaimCount(ctx context.Context) (uint64, error) {
	return c.countView(ctx, "claimCount")
}

func (c *Client) countView(ctx context.Context, method string) (uint64, error) {
	var out []interface{}
	err := c.withRetry(ctx, method, func() error {
		out = nil
		return c.insurance.Call(&bind.CallOpts{Context: ctx}, &out, method)
	})
	if err != nil {
		return 0, err
	}
	return out[0].(*big.Int).Uint64(), nil
}

func (c *Client) erc20Balance(ctx context.Context, erc20 *bind.BoundContract, account common.Address) (*big.Int, error) {
	var out []interface{}
	err := c.withRetry(ctx, "balanceOf", func() error {
		out = nil
		return erc20.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", account)
	})
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

func (c *Client) erc20Allowance(ctx context.Context, erc20 *bind.BoundContract, owner, spender common.Address) (*big.Int, error) {
	var out []interface{}
	err := c.withRetry(ctx, "allowance", func() error {
		out = nil
		return erc20.Call(&bind.CallOpts{Context: ctx}, &out, "allowance", owner, spender)
	})
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// withRetry runs fn, retrying transient failures with exponential backoff up
// to MaxRetries. Reverts and precondition failures pass through immediately.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := c.cfg.RetryInterval
	var err error

	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt >= c.cfg.MaxRetries {
			break
		}

		c.logger.Warn("transient chain error, retrying",
			"op", op,
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return fmt.Errorf("%s: retries exhausted: %w", op, err)
}
