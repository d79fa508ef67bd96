package chain

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestNonceSequencer_StrictlyIncreasing(t *testing.T) {
	fetch := func(ctx context.Context, account common.Address) (uint64, error) {
		return 42, nil
	}
	seq := NewNonceSequencer(common.Address{}, fetch)

	ctx := context.Background()
	for i := uint64(0); i < 5; i++ {
		n, err := seq.ReserveNext(ctx)
		if err != nil {
			t.Fatalf("ReserveNext: %v", err)
		}
		if n != 42+i {
			t.Errorf("reservation %d: got nonce %d, want %d", i, n, 42+i)
		}
	}
}

func TestNonceSequencer_ConcurrentNoGapsNoDuplicates(t *testing.T) {
	fetch := func(ctx context.Context, account common.Address) (uint64, error) {
		return 0, nil
	}
	seq := NewNonceSequencer(common.Address{}, fetch)

	const workers = 32
	results := make([]uint64, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			n, err := seq.ReserveNext(context.Background())
			if err != nil {
				t.Errorf("ReserveNext: %v", err)
				return
			}
			results[slot] = n
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for i, n := range results {
		if n != uint64(i) {
			t.Fatalf("nonce sequence has gap or duplicate at %d: %v", i, results)
		}
	}
}

func TestNonceSequencer_InvalidateReseeds(t *testing.T) {
	pending := uint64(10)
	fetches := 0
	fetch := func(ctx context.Context, account common.Address) (uint64, error) {
		fetches++
		return pending, nil
	}
	seq := NewNonceSequencer(common.Address{}, fetch)
	ctx := context.Background()

	if n, _ := seq.ReserveNext(ctx); n != 10 {
		t.Fatalf("first reservation = %d, want 10", n)
	}
	if n, _ := seq.ReserveNext(ctx); n != 11 {
		t.Fatalf("second reservation = %d, want 11", n)
	}

	// Submission at nonce 11 failed before the node saw it; the node still
	// reports pending nonce 11.
	pending = 11
	seq.Invalidate()

	if n, _ := seq.ReserveNext(ctx); n != 11 {
		t.Fatalf("post-invalidate reservation = %d, want 11", n)
	}
	if fetches != 2 {
		t.Errorf("expected 2 node fetches, got %d", fetches)
	}
}
