package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"convention-ledger/internal/domain"
	"convention-ledger/internal/domain/ports/adapter"
)

var _ adapter.PaymentGateway = (*NoopGateway)(nil)

// NoopGateway is an in-memory gateway for local development and tests. Intents
// succeed when Complete is called, the way a front end would finish a real
// payment.
type NoopGateway struct {
	mu      sync.Mutex
	intents map[string]*adapter.PaymentIntent
	refunds map[string]int64 // refund id -> amount
}

func NewNoopGateway() *NoopGateway {
	return &NoopGateway{
		intents: make(map[string]*adapter.PaymentIntent),
		refunds: make(map[string]int64),
	}
}

func (g *NoopGateway) Name() string { return "noop" }

func (g *NoopGateway) CreateIntent(ctx context.Context, amount int64, description, receiptEmail string, meta map[string]string) (*adapter.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent := &adapter.PaymentIntent{
		ID:           "pi_" + uuid.NewString(),
		Amount:       amount,
		Status:       adapter.IntentRequiresPayment,
		ClientSecret: "secret_" + uuid.NewString(),
	}
	g.intents[intent.ID] = intent
	copied := *intent
	return &copied, nil
}

func (g *NoopGateway) RetrieveIntent(ctx context.Context, intentID string) (*adapter.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[intentID]
	if !ok {
		return nil, fmt.Errorf("intent %s: %w", intentID, domain.ErrNotFound)
	}
	copied := *intent
	return &copied, nil
}

func (g *NoopGateway) CancelIntent(ctx context.Context, intentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[intentID]
	if !ok {
		return fmt.Errorf("intent %s: %w", intentID, domain.ErrNotFound)
	}
	if intent.Status == adapter.IntentSucceeded {
		return fmt.Errorf("intent %s already succeeded", intentID)
	}
	intent.Status = adapter.IntentCanceled
	return nil
}

func (g *NoopGateway) Refund(ctx context.Context, chargeID string, amount int64, reason string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	refundID := "re_" + uuid.NewString()
	g.refunds[refundID] = amount
	return refundID, nil
}

// Complete simulates the cardholder finishing the payment.
func (g *NoopGateway) Complete(intentID string) (chargeID string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[intentID]
	if !ok {
		return "", fmt.Errorf("intent %s: %w", intentID, domain.ErrNotFound)
	}
	if intent.Status == adapter.IntentCanceled {
		return "", fmt.Errorf("intent %s is cancelled", intentID)
	}
	if intent.LatestCharge == "" {
		intent.LatestCharge = "ch_" + uuid.NewString()
	}
	intent.Status = adapter.IntentSucceeded
	return intent.LatestCharge, nil
}
