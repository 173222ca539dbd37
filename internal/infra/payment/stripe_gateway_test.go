package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"convention-ledger/internal/domain/ports/adapter"
)

func TestStripeDirectGateway_CreateIntent(t *testing.T) {
	var gotAuth, gotIdem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/payment_intents" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotIdem = r.Header.Get("Idempotency-Key")
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("amount") != "5000" || r.PostForm.Get("currency") != "usd" {
			t.Fatalf("form = %v", r.PostForm)
		}
		if r.PostForm.Get("metadata[receipt_id]") != "r1" {
			t.Fatalf("metadata missing: %v", r.PostForm)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id": "pi_123", "amount": 5000, "status": "requires_payment_method",
			"client_secret": "cs_123",
		})
	}))
	defer srv.Close()

	g := NewStripeDirectGateway("sk_test", srv.URL)
	intent, err := g.CreateIntent(context.Background(), 5000, "registration", "pat@example.test", map[string]string{"receipt_id": "r1"})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if intent.ID != "pi_123" || intent.Status != adapter.IntentRequiresPayment || intent.ClientSecret != "cs_123" {
		t.Fatalf("intent = %+v", intent)
	}
	if gotAuth != "Bearer sk_test" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotIdem == "" {
		t.Fatalf("idempotency key missing")
	}
}

func TestStripeDirectGateway_RetrieveIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/payment_intents/pi_123" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id": "pi_123", "amount": 5000, "status": "succeeded", "latest_charge": "ch_456",
		})
	}))
	defer srv.Close()

	g := NewStripeDirectGateway("sk_test", srv.URL)
	intent, err := g.RetrieveIntent(context.Background(), "pi_123")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if intent.Status != adapter.IntentSucceeded || intent.LatestCharge != "ch_456" {
		t.Fatalf("intent = %+v", intent)
	}
}

func TestStripeDirectGateway_Refund(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/refunds" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		r.ParseForm()
		if r.PostForm.Get("charge") != "ch_456" || r.PostForm.Get("amount") != "1500" {
			t.Fatalf("form = %v", r.PostForm)
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "re_789", "status": "succeeded"})
	}))
	defer srv.Close()

	g := NewStripeDirectGateway("sk_test", srv.URL)
	refundID, err := g.Refund(context.Background(), "ch_456", 1500, "requested_by_customer")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refundID != "re_789" {
		t.Fatalf("refund id = %q", refundID)
	}
}

func TestStripeDirectGateway_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"type": "card_error", "code": "card_declined", "message": "Your card was declined."},
		})
	}))
	defer srv.Close()

	g := NewStripeDirectGateway("sk_test", srv.URL)
	_, err := g.CreateIntent(context.Background(), 5000, "x", "", nil)
	if err == nil {
		t.Fatalf("expected error")
	}
}
