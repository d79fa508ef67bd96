// Package oracle runs the reconciliation engine: it correlates external
// event reports with active policies and submits qualifying claims on chain.
package oracle

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keySubmitted = "oracle:submitted:"

// SubmissionGuard is a Redis-backed lock that prevents duplicate claim
// submissions for the same policy. A cycle acquires the guard before calling
// the contract; the key expires after TTL so a crashed submission does not
// block the policy forever. The contract's own per-policy claim check remains
// the final authority, the guard only avoids wasted transactions.
type SubmissionGuard struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// GuardConfig configures the submission guard.
type GuardConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// DefaultGuardConfig returns sensible defaults for local development.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Addr: "localhost:6379",
		TTL:  10 * time.Minute,
	}
}

// NewSubmissionGuard connects to Redis and verifies connectivity.
func NewSubmissionGuard(cfg GuardConfig) (*SubmissionGuard, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewSubmissionGuardWithClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewSubmissionGuardWithClient wraps an existing client, used by tests.
func NewSubmissionGuardWithClient(client *redis.Client, keyPrefix string, ttl time.Duration) *SubmissionGuard {
	if ttl == 0 {
		ttl = DefaultGuardConfig().TTL
	}
	return &SubmissionGuard{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

func (g *SubmissionGuard) key(chainPolicyID uint64) string {
	return g.keyPrefix + keySubmitted + strconv.FormatUint(chainPolicyID, 10)
}

// Acquire attempts to take the submission lock for a policy. Returns false
// when another submission already holds it.
func (g *SubmissionGuard) Acquire(ctx context.Context, chainPolicyID uint64) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.key(chainPolicyID), time.Now().Unix(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire submission guard: %w", err)
	}
	return ok, nil
}

// Release frees the lock after a failed submission so the next cycle can
// retry without waiting for the TTL.
func (g *SubmissionGuard) Release(ctx context.Context, chainPolicyID uint64) error {
	if err := g.client.Del(ctx, g.key(chainPolicyID)).Err(); err != nil {
		return fmt.Errorf("release submission guard: %w", err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (g *SubmissionGuard) Close() error {
	return g.client.Close()
}

// LocalGuard is an in-process fallback used when Redis is disabled. It only
// protects against duplicate submissions within a single instance; deploys
// running more than one oracle need the Redis guard.
type LocalGuard struct {
	mu   sync.Mutex
	held map[uint64]time.Time
	ttl  time.Duration
}

// NewLocalGuard creates an in-memory guard with the given TTL.
func NewLocalGuard(ttl time.Duration) *LocalGuard {
	if ttl == 0 {
		ttl = DefaultGuardConfig().TTL
	}
	return &LocalGuard{
		held: make(map[uint64]time.Time),
		ttl:  ttl,
	}
}

// Acquire takes the lock unless it is held and unexpired.
func (g *LocalGuard) Acquire(ctx context.Context, chainPolicyID uint64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if until, ok := g.held[chainPolicyID]; ok && time.Now().Before(until) {
		return false, nil
	}
	g.held[chainPolicyID] = time.Now().Add(g.ttl)
	return true, nil
}

// Release frees the lock.
func (g *LocalGuard) Release(ctx context.Context, chainPolicyID uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, chainPolicyID)
	return nil
}
