package flight

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tripguard/oracle/internal/adapter"
)

func TestPoll_NormalizesReports(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/flight-status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"reports":[
			{"policyId":1,"flightNumber":"SU123","delayMinutes":90,"observedAt":"2025-06-01T13:00:00Z"},
			{"policyId":2,"flightNumber":"AF456","delayMinutes":0},
			{"policyId":0,"flightNumber":"XX000","delayMinutes":120}
		]}`))
	}))
	defer srv.Close()

	src, err := New(Config{BaseURL: srv.URL}, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	events, err := src.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}

	// Report without a policy reference is dropped.
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].ChainPolicyID != 1 || events[0].DelayMinutes != 90 {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[0].Category != adapter.CategoryFlightDelay {
		t.Errorf("category = %s", events[0].Category)
	}
	if events[0].ReportedAt.IsZero() {
		t.Error("observedAt not carried through")
	}
	if events[1].ReportedAt.IsZero() {
		t.Error("missing observedAt should default to now")
	}
}

func TestPoll_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	src, err := New(Config{BaseURL: srv.URL}, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := src.Poll(context.Background()); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}, slog.Default()); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}
