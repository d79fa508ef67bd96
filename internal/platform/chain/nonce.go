package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// pendingNonceFunc fetches the pending nonce for an account from the node.
type pendingNonceFunc func(ctx context.Context, account common.Address) (uint64, error)

// NonceSequencer owns the signing key's nonce counter. All transaction
// submissions for the key reserve their nonce here, under a single-writer
// lock, so concurrent submissions cannot collide or reorder. The counter is
// seeded from the node's pending nonce on first use and re-seeded after a
// failed submission (the reserved nonce was never consumed on chain).
type NonceSequencer struct {
	account common.Address
	fetch   pendingNonceFunc

	mu     sync.Mutex
	next   uint64
	seeded bool
}

// NewNonceSequencer creates a sequencer for account, fetching the initial
// counter value via fetch.
func NewNonceSequencer(account common.Address, fetch pendingNonceFunc) *NonceSequencer {
	return &NonceSequencer{account: account, fetch: fetch}
}

// ReserveNext returns the next nonce for the account and advances the counter.
// Nonces are strictly increasing with no engine-introduced gaps.
func (s *NonceSequencer) ReserveNext(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.seeded {
		pending, err := s.fetch(ctx, s.account)
		if err != nil {
			return 0, fmt.Errorf("seed nonce for %s: %w", s.account.Hex(), err)
		}
		s.next = pending
		s.seeded = true
	}

	n := s.next
	s.next++
	return n, nil
}

// Invalidate discards the local counter so the next reservation re-seeds from
// the node. Called when a submission fails before the node accepted the
// transaction, leaving a hole at the reserved nonce.
func (s *NonceSequencer) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeded = false
}
