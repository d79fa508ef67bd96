// Package booking probes a booking provider for cancellation reports tied to
// insured policies.
package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tripguard/oracle/internal/adapter"
)

// Config holds the provider connection settings.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Source polls the booking provider.
type Source struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a booking-status source.
func New(cfg Config, logger *slog.Logger) (*Source, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("booking source: base URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Source{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "booking-source"),
	}, nil
}

func (s *Source) Name() string { return "booking-status" }

type cancellationReport struct {
	PolicyID         uint64    `json:"policyId"`
	BookingReference string    `json:"bookingReference"`
	Cancelled        bool      `json:"cancelled"`
	ObservedAt       time.Time `json:"observedAt"`
}

// Poll fetches current cancellation reports and normalizes them to candidate
// events.
func (s *Source) Poll(ctx context.Context) ([]adapter.CandidateEvent, error) {
	url := s.cfg.BaseURL + "/v1/booking-status"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query booking provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("booking provider returned %s", resp.Status)
	}

	var body struct {
		Reports []cancellationReport `json:"reports"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode booking provider response: %w", err)
	}

	events := make([]adapter.CandidateEvent, 0, len(body.Reports))
	for _, r := range body.Reports {
		if r.PolicyID == 0 {
			s.logger.Warn("skipping report without policy reference", "reference", r.BookingReference)
			continue
		}
		observed := r.ObservedAt
		if observed.IsZero() {
			observed = time.Now().UTC()
		}
		events = append(events, adapter.CandidateEvent{
			ChainPolicyID: r.PolicyID,
			Category:      adapter.CategoryBookingCancelled,
			Cancelled:     r.Cancelled,
			ReportedAt:    observed,
			Provider:      s.Name(),
		})
	}

	s.logger.Debug("polled booking provider", "reports", len(body.Reports))
	return events, nil
}
