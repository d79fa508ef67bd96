// Package chain wraps the insurance contract: transaction submission with
// nonce discipline, contract view reads and the emitted-event stream.
package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// insuranceABI is the external surface of the Insurance contract the oracle
// depends on. Kept in sync with the deployed contract by hand; the oracle uses
// the explicit-payout markEventOccurred variant.
const insuranceABI = `[
	{"type":"function","name":"buyPolicy","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"startDate","type":"uint256"},{"name":"endDate","type":"uint256"},{"name":"policyDataHash","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"markEventOccurred","stateMutability":"nonpayable","inputs":[{"name":"policyId","type":"uint256"},{"name":"eventType","type":"string"},{"name":"payoutAmount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"policies","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],"outputs":[{"name":"user","type":"address"},{"name":"premiumPaid","type":"uint256"},{"name":"startDate","type":"uint256"},{"name":"endDate","type":"uint256"},{"name":"policyDataHash","type":"bytes32"},{"name":"createdAt","type":"uint256"},{"name":"token","type":"address"}]},
	{"type":"function","name":"claims","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],"outputs":[{"name":"policyId","type":"uint256"},{"name":"payoutAmount","type":"uint256"},{"name":"paid","type":"bool"},{"name":"createdAt","type":"uint256"}]},
	{"type":"function","name":"policyCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"claimCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowedTokens","stateMutability":"view","inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"allowedOracles","stateMutability":"view","inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"event","name":"PolicyCreated","inputs":[{"name":"policyId","type":"uint256","indexed":true},{"name":"user","type":"address","indexed":true},{"name":"premiumPaid","type":"uint256","indexed":false},{"name":"startDate","type":"uint256","indexed":false},{"name":"endDate","type":"uint256","indexed":false},{"name":"policyDataHash","type":"bytes32","indexed":false},{"name":"token","type":"address","indexed":false}]},
	{"type":"event","name":"ClaimPaid","inputs":[{"name":"claimId","type":"uint256","indexed":true},{"name":"policyId","type":"uint256","indexed":true},{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"token","type":"address","indexed":false},{"name":"eventType","type":"string","indexed":false}]},
	{"type":"event","name":"OracleAdded","inputs":[{"name":"oracle","type":"address","indexed":false}]}
]`

// erc20ABI is the minimal ERC-20 surface needed for purchase pre-flight checks
// and automatic approvals.
const erc20ABI = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

var (
	insuranceContract = mustParseABI(insuranceABI)
	erc20Contract     = mustParseABI(erc20ABI)

	policyCreatedTopic = insuranceContract.Events["PolicyCreated"].ID
	claimPaidTopic     = insuranceContract.Events["ClaimPaid"].ID
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse ABI: %v", err))
	}
	return parsed
}

// OnChainPolicy mirrors the contract's policies(id) view tuple.
type OnChainPolicy struct {
	User           common.Address
	PremiumPaid    *big.Int
	StartDate      *big.Int
	EndDate        *big.Int
	PolicyDataHash [32]byte
	CreatedAt      *big.Int
	Token          common.Address
}

// OnChainClaim mirrors the contract's claims(id) view tuple.
type OnChainClaim struct {
	PolicyId     *big.Int
	PayoutAmount *big.Int
	Paid         bool
	CreatedAt    *big.Int
}

// Event is a decoded contract log. Exactly one of the payload fields is set.
type Event struct {
	PolicyCreated *PolicyCreatedEvent
	ClaimPaid     *ClaimPaidEvent
}

// PolicyCreatedEvent is emitted when the contract accepts a policy purchase.
type PolicyCreatedEvent struct {
	PolicyID       uint64
	User           common.Address
	PremiumPaid    *big.Int
	StartDate      uint64
	EndDate        uint64
	PolicyDataHash common.Hash
	Token          common.Address

	TxHash      common.Hash
	BlockNumber uint64
}

// ClaimPaidEvent is emitted when the contract settles a claim.
type ClaimPaidEvent struct {
	ClaimID   uint64
	PolicyID  uint64
	User      common.Address
	Amount    *big.Int
	Token     common.Address
	EventType string

	TxHash      common.Hash
	BlockNumber uint64
}

// DecodeLog decodes a raw contract log into an Event. Logs from other events
// (or other contracts) return (nil, nil).
func DecodeLog(log *types.Log) (*Event, error) {
	if len(log.Topics) == 0 {
		return nil, nil
	}

	switch log.Topics[0] {
	case policyCreatedTopic:
		ev, err := decodePolicyCreated(log)
		if err != nil {
			return nil, err
		}
		return &Event{PolicyCreated: ev}, nil
	case claimPaidTopic:
		ev, err := decodeClaimPaid(log)
		if err != nil {
			return nil, err
		}
		return &Event{ClaimPaid: ev}, nil
	default:
		return nil, nil
	}
}

func decodePolicyCreated(log *types.Log) (*PolicyCreatedEvent, error) {
	if len(log.Topics) != 3 {
		return nil, fmt.Errorf("PolicyCreated: expected 3 topics, got %d", len(log.Topics))
	}

	var data struct {
		PremiumPaid    *big.Int
		StartDate      *big.Int
		EndDate        *big.Int
		PolicyDataHash [32]byte
		Token          common.Address
	}
	if err := insuranceContract.UnpackIntoInterface(&data, "PolicyCreated", log.Data); err != nil {
		return nil, fmt.Errorf("unpack PolicyCreated: %w", err)
	}

	return &PolicyCreatedEvent{
		PolicyID:       new(big.Int).SetBytes(log.Topics[1].Bytes()).Uint64(),
		User:           common.BytesToAddress(log.Topics[2].Bytes()),
		PremiumPaid:    data.PremiumPaid,
		StartDate:      data.StartDate.Uint64(),
		EndDate:        data.EndDate.Uint64(),
		PolicyDataHash: common.Hash(data.PolicyDataHash),
		Token:          data.Token,
		TxHash:         log.TxHash,
		BlockNumber:    log.BlockNumber,
	}, nil
}

func decodeClaimPaid(log *types.Log) (*ClaimPaidEvent, error) {
	if len(log.Topics) != 4 {
		return nil, fmt.Errorf("ClaimPaid: expected 4 topics, got %d", len(log.Topics))
	}

	var data struct {
		Amount    *big.Int
		Token     common.Address
		EventType string
	}
	if err := insuranceContract.UnpackIntoInterface(&data, "ClaimPaid", log.Data); err != nil {
		return nil, fmt.Errorf("unpack ClaimPaid: %w", err)
	}

	return &ClaimPaidEvent{
		ClaimID:     new(big.Int).SetBytes(log.Topics[1].Bytes()).Uint64(),
		PolicyID:    new(big.Int).SetBytes(log.Topics[2].Bytes()).Uint64(),
		User:        common.BytesToAddress(log.Topics[3].Bytes()),
		Amount:      data.Amount,
		Token:       data.Token,
		EventType:   data.EventType,
		TxHash:      log.TxHash,
		BlockNumber: log.BlockNumber,
	}, nil
}
