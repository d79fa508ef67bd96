package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testGuard(t *testing.T, ttl time.Duration) (*SubmissionGuard, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	guard := NewSubmissionGuardWithClient(client, "test:", ttl)
	t.Cleanup(func() { guard.Close() })

	return guard, mr
}

func TestGuardAcquireIsExclusive(t *testing.T) {
	guard, _ := testGuard(t, time.Minute)
	ctx := context.Background()

	ok, err := guard.Acquire(ctx, 7)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !ok {
		t.Fatal("first Acquire should succeed")
	}

	ok, err = guard.Acquire(ctx, 7)
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if ok {
		t.Error("second Acquire for the same policy should be refused")
	}

	// A different policy is unaffected.
	ok, err = guard.Acquire(ctx, 8)
	if err != nil {
		t.Fatalf("Acquire for other policy failed: %v", err)
	}
	if !ok {
		t.Error("Acquire for a different policy should succeed")
	}
}

func TestGuardReleaseAllowsRetry(t *testing.T) {
	guard, _ := testGuard(t, time.Minute)
	ctx := context.Background()

	if ok, _ := guard.Acquire(ctx, 7); !ok {
		t.Fatal("first Acquire should succeed")
	}
	if err := guard.Release(ctx, 7); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	ok, err := guard.Acquire(ctx, 7)
	if err != nil {
		t.Fatalf("Acquire after Release failed: %v", err)
	}
	if !ok {
		t.Error("Acquire after Release should succeed")
	}
}

func TestGuardExpiresAfterTTL(t *testing.T) {
	guard, mr := testGuard(t, 30*time.Second)
	ctx := context.Background()

	if ok, _ := guard.Acquire(ctx, 7); !ok {
		t.Fatal("first Acquire should succeed")
	}

	mr.FastForward(31 * time.Second)

	ok, err := guard.Acquire(ctx, 7)
	if err != nil {
		t.Fatalf("Acquire after TTL failed: %v", err)
	}
	if !ok {
		t.Error("guard should expire after its TTL")
	}
}
