package policy

import (
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusDraft, StatusAwaitingOnchain, true},
		{StatusDraft, StatusActive, false},
		{StatusAwaitingOnchain, StatusActive, true},
		{StatusAwaitingOnchain, StatusDraft, true}, // purchase rollback
		{StatusAwaitingOnchain, StatusRejected, true},
		{StatusActive, StatusClaimed, true},
		{StatusActive, StatusExpired, true},
		{StatusActive, StatusDraft, false},
		{StatusClaimed, StatusActive, false},
		{StatusRejected, StatusAwaitingOnchain, false},
		{StatusExpired, StatusClaimed, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestCoversInstant(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	p := &Policy{StartDate: start, EndDate: start.Add(time.Hour)}

	if !p.CoversInstant(start) {
		t.Error("window start should be covered")
	}
	if !p.CoversInstant(start.Add(30 * time.Minute)) {
		t.Error("mid-window instant should be covered")
	}
	if !p.CoversInstant(start.Add(time.Hour)) {
		t.Error("window end should be covered")
	}
	if p.CoversInstant(start.Add(-time.Second)) {
		t.Error("instant before start should not be covered")
	}
	if p.CoversInstant(start.Add(time.Hour + time.Second)) {
		t.Error("instant after end should not be covered")
	}
}

func TestDecodePayload_KnownModules(t *testing.T) {
	p, err := DecodePayload(ModuleFlightDelay, []byte(`{"flightNumber":"SU123"}`))
	if err != nil {
		t.Fatalf("DecodePayload flight: %v", err)
	}
	fp, ok := p.(FlightPayload)
	if !ok {
		t.Fatalf("expected FlightPayload, got %T", p)
	}
	if fp.FlightNumber != "SU123" {
		t.Errorf("flight number = %q", fp.FlightNumber)
	}

	p, err = DecodePayload(ModuleTripCancellation, []byte(`{"bookingReference":"BK-9"}`))
	if err != nil {
		t.Fatalf("DecodePayload booking: %v", err)
	}
	if bp := p.(BookingPayload); bp.BookingReference != "BK-9" {
		t.Errorf("booking reference = %q", bp.BookingReference)
	}
}

func TestDecodePayload_UnknownModuleFallsBack(t *testing.T) {
	raw := []byte(`{"cruiseShip":"MS Voyager"}`)
	p, err := DecodePayload("cruise_delay", raw)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	u, ok := p.(UnknownPayload)
	if !ok {
		t.Fatalf("expected UnknownPayload, got %T", p)
	}
	if string(u.Raw) != string(raw) {
		t.Errorf("raw payload not preserved: %s", u.Raw)
	}

	out, err := EncodePayload(u)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	if string(out) != string(raw) {
		t.Errorf("unknown payload round trip lost data: %s", out)
	}
}
