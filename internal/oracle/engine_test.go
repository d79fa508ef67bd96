package oracle

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/tripguard/oracle/internal/adapter"
	"github.com/tripguard/oracle/internal/platform/chain"
	"github.com/tripguard/oracle/internal/policy"
)

type fakeStore struct {
	active []policy.Policy

	// current overrides the pre-submission lookup; when empty the active
	// snapshot is used.
	current map[uint64]*policy.Policy
}

func (s *fakeStore) ListActive(ctx context.Context, now time.Time) ([]policy.Policy, error) {
	return s.active, nil
}

func (s *fakeStore) FindByChainID(ctx context.Context, chainPolicyID uint64) (*policy.Policy, error) {
	if p, ok := s.current[chainPolicyID]; ok {
		return p, nil
	}
	for i := range s.active {
		if s.active[i].ChainPolicyID != nil && *s.active[i].ChainPolicyID == chainPolicyID {
			return &s.active[i], nil
		}
	}
	return nil, errors.New("policy not found")
}

func (s *fakeStore) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

type submission struct {
	policyID  uint64
	eventType string
	payout    *big.Int
}

type fakeSubmitter struct {
	mu   sync.Mutex
	subs []submission
	err  error
}

func (f *fakeSubmitter) MarkEventOccurred(ctx context.Context, policyID uint64, eventType string, payout *big.Int) (*chain.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.subs = append(f.subs, submission{policyID: policyID, eventType: eventType, payout: payout})
	claimID := uint64(len(f.subs))
	return &chain.SubmitResult{ChainClaimID: &claimID}, nil
}

type fakeGuard struct {
	mu       sync.Mutex
	held     map[uint64]bool
	released []uint64
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{held: make(map[uint64]bool)}
}

func (g *fakeGuard) Acquire(ctx context.Context, id uint64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held[id] {
		return false, nil
	}
	g.held[id] = true
	return true, nil
}

func (g *fakeGuard) Release(ctx context.Context, id uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, id)
	g.released = append(g.released, id)
	return nil
}

type staticSource struct {
	name   string
	events []adapter.CandidateEvent
	err    error
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Poll(ctx context.Context) ([]adapter.CandidateEvent, error) {
	return s.events, s.err
}

func activePolicy(chainID uint64, moduleType policy.ModuleType, coverage int64, now time.Time) policy.Policy {
	return policy.Policy{
		ID:             "pol-" + string(moduleType),
		ModuleType:     moduleType,
		CoverageAmount: coverage,
		Status:         policy.StatusActive,
		ChainPolicyID:  &chainID,
		StartDate:      now.Add(-24 * time.Hour),
		EndDate:        now.Add(24 * time.Hour),
	}
}

func TestCycleSubmitsQualifyingDelay(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{active: []policy.Policy{
		activePolicy(7, policy.ModuleFlightDelay, 2_000_000_000, now),
	}}
	submitter := &fakeSubmitter{}
	guard := newFakeGuard()

	src := &staticSource{name: "flightaware", events: []adapter.CandidateEvent{
		{ChainPolicyID: 7, Category: adapter.CategoryFlightDelay, DelayMinutes: 75, ReportedAt: now},
	}}

	engine := NewEngine(DefaultConfig(), store, submitter, guard, []adapter.Source{src}, nil)
	if err := engine.Cycle(context.Background(), now); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}

	if len(submitter.subs) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(submitter.subs))
	}
	sub := submitter.subs[0]
	if sub.policyID != 7 {
		t.Errorf("wrong policy id: %d", sub.policyID)
	}
	if sub.eventType != string(adapter.CategoryFlightDelay) {
		t.Errorf("wrong event type: %s", sub.eventType)
	}
	if sub.payout.Int64() != 1_000_000_000 {
		t.Errorf("wrong payout: %d", sub.payout.Int64())
	}

	stats := engine.Stats()
	if stats.SubmissionsConfirmed != 1 {
		t.Errorf("expected 1 confirmed submission, got %d", stats.SubmissionsConfirmed)
	}
}

func TestCycleDelayAtThresholdDoesNotQualify(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{active: []policy.Policy{
		activePolicy(7, policy.ModuleFlightDelay, 2_000_000_000, now),
	}}
	submitter := &fakeSubmitter{}

	src := &staticSource{name: "flightaware", events: []adapter.CandidateEvent{
		{ChainPolicyID: 7, Category: adapter.CategoryFlightDelay, DelayMinutes: 60, ReportedAt: now},
	}}

	engine := NewEngine(DefaultConfig(), store, submitter, newFakeGuard(), []adapter.Source{src}, nil)
	if err := engine.Cycle(context.Background(), now); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}

	if len(submitter.subs) != 0 {
		t.Errorf("delay of exactly 60 minutes must not pay out, got %d submissions", len(submitter.subs))
	}
}

func TestCyclePayoutCappedByCoverage(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{active: []policy.Policy{
		activePolicy(3, policy.ModuleLuggageLoss, 200_000_000, now),
	}}
	submitter := &fakeSubmitter{}

	src := &staticSource{name: "worldtracer", events: []adapter.CandidateEvent{
		{ChainPolicyID: 3, Category: adapter.CategoryBaggageLost, Lost: true, ReportedAt: now},
	}}

	engine := NewEngine(DefaultConfig(), store, submitter, newFakeGuard(), []adapter.Source{src}, nil)
	if err := engine.Cycle(context.Background(), now); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}

	if len(submitter.subs) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(submitter.subs))
	}
	if got := submitter.subs[0].payout.Int64(); got != 200_000_000 {
		t.Errorf("payout should be capped at coverage: got %d", got)
	}
}

func TestCycleEventOutsideWindowSkipped(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{active: []policy.Policy{
		activePolicy(9, policy.ModuleTripCancellation, 2_000_000_000, now),
	}}
	submitter := &fakeSubmitter{}

	src := &staticSource{name: "amadeus", events: []adapter.CandidateEvent{
		{
			ChainPolicyID: 9,
			Category:      adapter.CategoryBookingCancelled,
			Cancelled:     true,
			ReportedAt:    now.Add(-48 * time.Hour),
		},
	}}

	engine := NewEngine(DefaultConfig(), store, submitter, newFakeGuard(), []adapter.Source{src}, nil)
	if err := engine.Cycle(context.Background(), now); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}

	if len(submitter.subs) != 0 {
		t.Errorf("event before coverage start must not pay out, got %d submissions", len(submitter.subs))
	}
}

func TestCycleAtMostOneSubmissionPerPolicy(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{active: []policy.Policy{
		activePolicy(7, policy.ModuleFlightDelay, 2_000_000_000, now),
	}}
	submitter := &fakeSubmitter{}

	// Two providers report the same delayed flight.
	srcA := &staticSource{name: "flightaware", events: []adapter.CandidateEvent{
		{ChainPolicyID: 7, Category: adapter.CategoryFlightDelay, DelayMinutes: 90, ReportedAt: now, Provider: "flightaware"},
	}}
	srcB := &staticSource{name: "aviationstack", events: []adapter.CandidateEvent{
		{ChainPolicyID: 7, Category: adapter.CategoryFlightDelay, DelayMinutes: 85, ReportedAt: now, Provider: "aviationstack"},
	}}

	engine := NewEngine(DefaultConfig(), store, submitter, newFakeGuard(), []adapter.Source{srcA, srcB}, nil)
	if err := engine.Cycle(context.Background(), now); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}

	if len(submitter.subs) != 1 {
		t.Errorf("expected exactly 1 submission for the policy, got %d", len(submitter.subs))
	}
}

func TestCycleIsolatesAdapterFailure(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{active: []policy.Policy{
		activePolicy(3, policy.ModuleLuggageLoss, 2_000_000_000, now),
	}}
	submitter := &fakeSubmitter{}

	broken := &staticSource{name: "flightaware", err: errors.New("upstream 503")}
	working := &staticSource{name: "worldtracer", events: []adapter.CandidateEvent{
		{ChainPolicyID: 3, Category: adapter.CategoryBaggageLost, Lost: true, ReportedAt: now},
	}}

	engine := NewEngine(DefaultConfig(), store, submitter, newFakeGuard(), []adapter.Source{broken, working}, nil)
	if err := engine.Cycle(context.Background(), now); err != nil {
		t.Fatalf("Cycle should not fail on a single adapter error: %v", err)
	}

	if len(submitter.subs) != 1 {
		t.Errorf("working adapter's event should still be submitted, got %d", len(submitter.subs))
	}
	if stats := engine.Stats(); stats.AdapterFailures != 1 {
		t.Errorf("expected 1 adapter failure, got %d", stats.AdapterFailures)
	}
}

func TestCycleRevertKeepsGuard(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{active: []policy.Policy{
		activePolicy(7, policy.ModuleFlightDelay, 2_000_000_000, now),
	}}
	submitter := &fakeSubmitter{err: &chain.RevertError{Op: "markEventOccurred", Reason: "Already claimed"}}
	guard := newFakeGuard()

	src := &staticSource{name: "flightaware", events: []adapter.CandidateEvent{
		{ChainPolicyID: 7, Category: adapter.CategoryFlightDelay, DelayMinutes: 90, ReportedAt: now},
	}}

	engine := NewEngine(DefaultConfig(), store, submitter, guard, []adapter.Source{src}, nil)
	if err := engine.Cycle(context.Background(), now); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}

	if stats := engine.Stats(); stats.SubmissionsReverted != 1 {
		t.Errorf("expected 1 reverted submission, got %d", stats.SubmissionsReverted)
	}
	if len(guard.released) != 0 {
		t.Error("guard must be kept after a revert")
	}
	if !guard.held[7] {
		t.Error("guard for policy 7 should still be held")
	}
}

func TestCycleTransientFailureReleasesGuard(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{active: []policy.Policy{
		activePolicy(7, policy.ModuleFlightDelay, 2_000_000_000, now),
	}}
	submitter := &fakeSubmitter{err: errors.New("connection refused")}
	guard := newFakeGuard()

	src := &staticSource{name: "flightaware", events: []adapter.CandidateEvent{
		{ChainPolicyID: 7, Category: adapter.CategoryFlightDelay, DelayMinutes: 90, ReportedAt: now},
	}}

	engine := NewEngine(DefaultConfig(), store, submitter, guard, []adapter.Source{src}, nil)
	if err := engine.Cycle(context.Background(), now); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}

	if stats := engine.Stats(); stats.SubmissionsFailed != 1 {
		t.Errorf("expected 1 failed submission, got %d", stats.SubmissionsFailed)
	}
	if len(guard.released) != 1 || guard.released[0] != 7 {
		t.Errorf("guard should be released after a transient failure: %v", guard.released)
	}
}

func TestCycleSkipsGuardedPolicy(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{active: []policy.Policy{
		activePolicy(7, policy.ModuleFlightDelay, 2_000_000_000, now),
	}}
	submitter := &fakeSubmitter{}
	guard := newFakeGuard()
	guard.held[7] = true

	src := &staticSource{name: "flightaware", events: []adapter.CandidateEvent{
		{ChainPolicyID: 7, Category: adapter.CategoryFlightDelay, DelayMinutes: 90, ReportedAt: now},
	}}

	engine := NewEngine(DefaultConfig(), store, submitter, guard, []adapter.Source{src}, nil)
	if err := engine.Cycle(context.Background(), now); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}

	if len(submitter.subs) != 0 {
		t.Errorf("guarded policy must not be resubmitted, got %d submissions", len(submitter.subs))
	}
}

func TestCycleSkipsPolicyClaimedMidCycle(t *testing.T) {
	now := time.Now().UTC()
	active := activePolicy(7, policy.ModuleFlightDelay, 2_000_000_000, now)
	claimed := active
	claimed.Status = policy.StatusClaimed

	// The snapshot still lists the policy as ACTIVE, but the listener has
	// already projected a ClaimPaid by the time the engine submits.
	store := &fakeStore{
		active:  []policy.Policy{active},
		current: map[uint64]*policy.Policy{7: &claimed},
	}
	submitter := &fakeSubmitter{}

	src := &staticSource{name: "flightaware", events: []adapter.CandidateEvent{
		{ChainPolicyID: 7, Category: adapter.CategoryFlightDelay, DelayMinutes: 90, ReportedAt: now},
	}}

	engine := NewEngine(DefaultConfig(), store, submitter, newFakeGuard(), []adapter.Source{src}, nil)
	if err := engine.Cycle(context.Background(), now); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}

	if len(submitter.subs) != 0 {
		t.Errorf("claimed policy must not be resubmitted, got %d submissions", len(submitter.subs))
	}
}

func TestCycleIgnoresUnknownPolicy(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{}
	submitter := &fakeSubmitter{}

	src := &staticSource{name: "flightaware", events: []adapter.CandidateEvent{
		{ChainPolicyID: 404, Category: adapter.CategoryFlightDelay, DelayMinutes: 120, ReportedAt: now},
	}}

	engine := NewEngine(DefaultConfig(), store, submitter, newFakeGuard(), []adapter.Source{src}, nil)
	if err := engine.Cycle(context.Background(), now); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}

	if len(submitter.subs) != 0 {
		t.Errorf("event for unknown policy must be ignored, got %d submissions", len(submitter.subs))
	}
}
