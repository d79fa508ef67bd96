package policy

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// The data hash is the sole correlation key between an off-chain record and
// its on-chain twin until the contract assigns a policy id. It is keccak256
// over the standard ABI encoding of the immutable fields in the fixed order
// below. Field order, scaling and the id strings are load-bearing: changing
// any of them breaks correlation for every policy already on chain.

var (
	abiString  = mustABIType("string")
	abiUint256 = mustABIType("uint256")

	hashArguments = abi.Arguments{
		{Type: abiString},  // off-chain policy id
		{Type: abiString},  // user id
		{Type: abiString},  // wallet id
		{Type: abiString},  // insurance module id
		{Type: abiUint256}, // coverage amount, 6-decimal units
		{Type: abiUint256}, // premium amount, 6-decimal units
		{Type: abiUint256}, // start date, epoch seconds
		{Type: abiUint256}, // end date, epoch seconds
		{Type: abiString},  // currency code
		{Type: abiUint256}, // created at, epoch seconds
	}
)

func mustABIType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(fmt.Sprintf("abi type %s: %v", name, err))
	}
	return t
}

// ComputeDataHash returns the 32-byte commitment binding p's immutable fields.
// Deterministic: the same logical policy always hashes to the same value.
func ComputeDataHash(p *Policy) (common.Hash, error) {
	if p.Currency == "" {
		return common.Hash{}, fmt.Errorf("compute data hash: currency not set")
	}
	if p.StartDate.IsZero() || p.EndDate.IsZero() || p.CreatedAt.IsZero() {
		return common.Hash{}, fmt.Errorf("compute data hash: timestamps not set")
	}

	encoded, err := hashArguments.Pack(
		p.ID,
		p.UserID,
		p.WalletID,
		p.ModuleID,
		big.NewInt(p.CoverageAmount),
		big.NewInt(p.PremiumAmount),
		big.NewInt(p.StartDate.Unix()),
		big.NewInt(p.EndDate.Unix()),
		p.Currency,
		big.NewInt(p.CreatedAt.Unix()),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("abi encode policy fields: %w", err)
	}

	return crypto.Keccak256Hash(encoded), nil
}
