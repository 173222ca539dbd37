package payment

import (
	"strings"
	"testing"
	"time"
)

func TestVerifyWebhookSignature(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
	now := time.Now()

	t.Run("valid signature passes", func(t *testing.T) {
		header := SignWebhookPayload(secret, payload, now)
		if err := VerifyWebhookSignature(secret, payload, header, 0, now); err != nil {
			t.Fatalf("verify: %v", err)
		}
	})

	t.Run("wrong secret fails", func(t *testing.T) {
		header := SignWebhookPayload("whsec_other", payload, now)
		if err := VerifyWebhookSignature(secret, payload, header, 0, now); err == nil {
			t.Fatalf("expected rejection")
		}
	})

	t.Run("tampered payload fails", func(t *testing.T) {
		header := SignWebhookPayload(secret, payload, now)
		tampered := []byte(`{"id":"evt_2","type":"payment_intent.succeeded"}`)
		if err := VerifyWebhookSignature(secret, tampered, header, 0, now); err == nil {
			t.Fatalf("expected rejection")
		}
	})

	t.Run("stale timestamp fails", func(t *testing.T) {
		old := now.Add(-10 * time.Minute)
		header := SignWebhookPayload(secret, payload, old)
		if err := VerifyWebhookSignature(secret, payload, header, 5*time.Minute, now); err == nil {
			t.Fatalf("expected replay rejection")
		}
	})

	t.Run("rotated secret extra v1 passes", func(t *testing.T) {
		header := SignWebhookPayload(secret, payload, now) + ",v1=deadbeef"
		if err := VerifyWebhookSignature(secret, payload, header, 0, now); err != nil {
			t.Fatalf("verify: %v", err)
		}
	})

	t.Run("malformed header fails", func(t *testing.T) {
		for _, header := range []string{"", "t=abc,v1=ff", "v1=ff", "t=123"} {
			if err := VerifyWebhookSignature(secret, payload, header, 0, now); err == nil {
				t.Fatalf("header %q should be rejected", header)
			}
		}
	})
}

func TestParseWebhookEvent(t *testing.T) {
	payload := []byte(`{
		"id": "evt_1",
		"type": "payment_intent.succeeded",
		"data": {"object": {"id": "pi_123", "object": "payment_intent", "status": "succeeded", "latest_charge": "ch_456"}}
	}`)
	event, err := ParseWebhookEvent(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.Type != "payment_intent.succeeded" || event.Data.Object.ID != "pi_123" || event.Data.Object.LatestCharge != "ch_456" {
		t.Fatalf("event = %+v", event)
	}

	if _, err := ParseWebhookEvent([]byte(`{"id":"evt_2"}`)); err == nil || !strings.Contains(err.Error(), "missing event type") {
		t.Fatalf("err = %v, want missing event type", err)
	}
}
