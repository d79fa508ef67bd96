// Package flight probes a flight-status provider for delay reports tied to
// insured policies.
package flight

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
	// BaseURL of the flight-status provider API.
	BaseURL string `yaml:"base_url"`

	Timeout time.Duration `yaml:"timeout"`
}

// Source polls the flight-status provider. Stateless: every Poll is a fresh
// read of the provider's current view.
type Source struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a flight-status source.
func New(cfg Config, logger *slog.Logger) (*Source, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("flight source: base URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Source{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "flight-source"),
	}, nil
}

func (s *Source) Name() string { return "flight-status" }

type delayReport struct {
	PolicyID     uint64    `json:"policyId"`
	FlightNumber string    `json:"flightNumber"`
	DelayMinutes int64     `json:"delayMinutes"`
	ObservedAt   time.Time `json:"observedAt"`
}

// Poll fetches current delay reports and normalizes them to candidate events.
func (s *Source) Poll(ctx context.Context) ([]adapter.CandidateEvent, error) {
	url := s.cfg.BaseURL + "/v1/flight-status"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query flight provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("flight provider returned %s", resp.Status)
	}

	var body struct {
		Reports []delayReport `json:"reports"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode flight provider response: %w", err)
	}

	events := make([]adapter.CandidateEvent, 0, len(body.Reports))
	for _, r := range body.Reports {
		if r.PolicyID == 0 {
			s.logger.Warn("skipping report without policy reference", "flight", r.FlightNumber)
			continue
		}
		observed := r.ObservedAt
		if observed.IsZero() {
			observed = time.Now().UTC()
		}
		events = append(events, adapter.CandidateEvent{
			ChainPolicyID: r.PolicyID,
			Category:      adapter.CategoryFlightDelay,
			DelayMinutes:  r.DelayMinutes,
			ReportedAt:    observed,
			Provider:      s.Name(),
		})
	}

	s.logger.Debug("polled flight provider", "reports", len(body.Reports))
	return events, nil
}
