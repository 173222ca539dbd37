package adapter

import "context"

type IntentStatus string

const (
	IntentRequiresPayment IntentStatus = "requires_payment_method"
	IntentProcessing      IntentStatus = "processing"
	IntentSucceeded       IntentStatus = "succeeded"
	IntentCanceled        IntentStatus = "canceled"
)

// PaymentIntent is the provider-agnostic view of a gateway payment intent.
type PaymentIntent struct {
	ID           string
	Amount       int64 // minor units
	Status       IntentStatus
	ClientSecret string // handed to the front end to complete the payment
	LatestCharge string // set once funds moved
}

// Reusable reports whether an existing intent can back a retried payment
// attempt instead of authorizing a second one.
func (i *PaymentIntent) Reusable(amount int64) bool {
	if i == nil {
		return false
	}
	return i.Amount == amount &&
		(i.Status == IntentRequiresPayment || i.Status == IntentProcessing)
}

// PaymentGateway is the hex port for payment providers.
//
// Operations are keyed by intent/charge id so retries are idempotent; errors
// are returned verbatim for the caller to surface.
type PaymentGateway interface {
	Name() string

	// CreateIntent authorizes a new payment of `amount` minor units and
	// returns the intent the front end completes.
	CreateIntent(ctx context.Context, amount int64, description, receiptEmail string, meta map[string]string) (*PaymentIntent, error)
	// RetrieveIntent fetches live gateway state for an intent, used to
	// detect stale or already-consumed intents before reusing them.
	RetrieveIntent(ctx context.Context, intentID string) (*PaymentIntent, error)
	// CancelIntent voids an unconfirmed intent.
	CancelIntent(ctx context.Context, intentID string) error
	// Refund returns `amount` minor units against a confirmed charge and
	// returns the provider refund id. It must not partially succeed.
	Refund(ctx context.Context, chargeID string, amount int64, reason string) (refundID string, err error)
}
