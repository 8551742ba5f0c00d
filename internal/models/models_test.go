package models

import "testing"

func TestAcceptanceRate(t *testing.T) {
	w := Worker{}
	if r := w.AcceptanceRate(); r != 1.0 {
		t.Fatalf("expected 1.0 before any responses, got %f", r)
	}
	w.JobsAccepted = 3
	w.JobsDeclined = 1
	if r := w.AcceptanceRate(); r != 0.75 {
		t.Fatalf("expected 0.75, got %f", r)
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []RequestState{RequestPending, RequestAssigned, RequestEnRoute, RequestArriving, RequestArrived, RequestInProgress} {
		if s.Terminal() {
			t.Fatalf("%s wrongly terminal", s)
		}
	}
	if !RequestCompleted.Terminal() || !RequestCancelled.Terminal() {
		t.Fatal("completed/cancelled must be terminal")
	}
	if OfferOffered.Terminal() || !OfferAccepted.Terminal() {
		t.Fatal("offer terminality wrong")
	}
}
