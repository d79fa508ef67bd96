package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Subjects for policy lifecycle notifications.
const (
	streamName        = "POLICY_EVENTS"
	subjectActivated  = "policy.activated."
	subjectClaimed    = "policy.claimed."
	subjectWildcard   = "policy.>"
	streamDescription = "Policy lifecycle notifications"
)

// PolicyActivated is published when a PolicyCreated confirmation activates a
// local policy.
type PolicyActivated struct {
	PolicyID      string    `json:"policy_id"`
	ChainPolicyID uint64    `json:"chain_policy_id"`
	UserID        string    `json:"user_id"`
	TxHash        string    `json:"tx_hash"`
	ActivatedAt   time.Time `json:"activated_at"`
}

// PolicyClaimed is published when a ClaimPaid event is projected.
type PolicyClaimed struct {
	PolicyID      string    `json:"policy_id"`
	ChainPolicyID uint64    `json:"chain_policy_id"`
	ChainClaimID  uint64    `json:"chain_claim_id"`
	PayoutAmount  int64     `json:"payout_amount"`
	EventType     string    `json:"event_type"`
	TxHash        string    `json:"tx_hash"`
	ClaimedAt     time.Time `json:"claimed_at"`
}

// Publisher publishes policy lifecycle events to JetStream.
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher ensures the POLICY_EVENTS stream exists and returns a
// publisher on it.
func NewPublisher(ctx context.Context, client *Client) (*Publisher, error) {
	js := client.JetStream()

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        streamName,
		Subjects:    []string{subjectWildcard},
		Retention:   jetstream.InterestPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Replicas:    1,
		Description: streamDescription,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}

	return &Publisher{js: js}, nil
}

// PublishActivated emits a policy.activated.<id> notification.
func (p *Publisher) PublishActivated(ctx context.Context, event PolicyActivated) error {
	return p.publish(ctx, subjectActivated+event.PolicyID, event)
}

// PublishClaimed emits a policy.claimed.<id> notification.
func (p *Publisher) PublishClaimed(ctx context.Context, event PolicyClaimed) error {
	return p.publish(ctx, subjectClaimed+event.PolicyID, event)
}

func (p *Publisher) publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
