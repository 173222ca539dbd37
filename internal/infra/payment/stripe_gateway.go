package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"convention-ledger/internal/domain/ports/adapter"
)

var _ adapter.PaymentGateway = (*StripeDirectGateway)(nil)

// StripeDirectGateway implements adapter.PaymentGateway using direct HTTP
// calls against the Stripe API (form-encoded requests, JSON responses).
type StripeDirectGateway struct {
	secretKey string
	baseURL   string
	client    *http.Client
}

// NewStripeDirectGateway creates a new direct Stripe gateway. baseURL is
// overridable so tests can point it at a local server; empty means production.
func NewStripeDirectGateway(secretKey, baseURL string) *StripeDirectGateway {
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	return &StripeDirectGateway{
		secretKey: secretKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{},
	}
}

func (g *StripeDirectGateway) Name() string { return "stripe" }

// stripeIntentResponse is the subset of Stripe's PaymentIntent object we use.
type stripeIntentResponse struct {
	ID           string `json:"id"`
	Amount       int64  `json:"amount"`
	Status       string `json:"status"`
	ClientSecret string `json:"client_secret"`
	LatestCharge string `json:"latest_charge"`
	Error        *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type stripeRefundResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (g *StripeDirectGateway) CreateIntent(ctx context.Context, amount int64, description, receiptEmail string, meta map[string]string) (*adapter.PaymentIntent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amount, 10))
	form.Set("currency", "usd")
	form.Set("description", description)
	if receiptEmail != "" {
		form.Set("receipt_email", receiptEmail)
	}
	for k, v := range meta {
		form.Set("metadata["+k+"]", v)
	}

	var resp stripeIntentResponse
	// Idempotency key makes a network retry return the same intent instead
	// of authorizing twice.
	if err := g.call(ctx, "POST", "/v1/payment_intents", form, uuid.NewString(), &resp); err != nil {
		return nil, err
	}
	return intentFromResponse(&resp), nil
}

func (g *StripeDirectGateway) RetrieveIntent(ctx context.Context, intentID string) (*adapter.PaymentIntent, error) {
	var resp stripeIntentResponse
	if err := g.call(ctx, "GET", "/v1/payment_intents/"+url.PathEscape(intentID), nil, "", &resp); err != nil {
		return nil, err
	}
	return intentFromResponse(&resp), nil
}

func (g *StripeDirectGateway) CancelIntent(ctx context.Context, intentID string) error {
	var resp stripeIntentResponse
	return g.call(ctx, "POST", "/v1/payment_intents/"+url.PathEscape(intentID)+"/cancel", url.Values{}, "", &resp)
}

func (g *StripeDirectGateway) Refund(ctx context.Context, chargeID string, amount int64, reason string) (string, error) {
	form := url.Values{}
	form.Set("charge", chargeID)
	form.Set("amount", strconv.FormatInt(amount, 10))
	if reason != "" {
		form.Set("reason", reason)
	}

	var resp stripeRefundResponse
	if err := g.call(ctx, "POST", "/v1/refunds", form, uuid.NewString(), &resp); err != nil {
		return "", err
	}
	if resp.Status == "failed" || resp.Status == "canceled" {
		return "", fmt.Errorf("stripe refund %s ended %s", resp.ID, resp.Status)
	}
	return resp.ID, nil
}

func (g *StripeDirectGateway) call(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.secretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w, body: %s", err, string(raw))
	}
	if resp.StatusCode >= 400 {
		return stripeError(raw, resp.StatusCode)
	}
	return nil
}

func stripeError(raw []byte, status int) error {
	var wrapper struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Error.Message != "" {
		return fmt.Errorf("stripe error (%d %s/%s): %s", status, wrapper.Error.Type, wrapper.Error.Code, wrapper.Error.Message)
	}
	return fmt.Errorf("stripe error: http %d", status)
}

func intentFromResponse(resp *stripeIntentResponse) *adapter.PaymentIntent {
	return &adapter.PaymentIntent{
		ID:           resp.ID,
		Amount:       resp.Amount,
		Status:       adapter.IntentStatus(resp.Status),
		ClientSecret: resp.ClientSecret,
		LatestCharge: resp.LatestCharge,
	}
}
