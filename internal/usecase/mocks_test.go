package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"

	"convention-ledger/internal/domain"
	"convention-ledger/internal/domain/model"
	"convention-ledger/internal/domain/ports/adapter"
	"convention-ledger/internal/domain/ports/repository"
)

// memTxManager runs the callback directly; unit tests exercise use-case logic,
// not transaction semantics.
type memTxManager struct{}

func (m *memTxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	return fn(ctx, nil)
}

// memReceiptRepo is a small in-memory implementation used by unit tests.
type memReceiptRepo struct {
	mu       sync.Mutex
	receipts map[string]*model.Receipt
	seq      int
}

func newMemReceiptRepo() *memReceiptRepo {
	return &memReceiptRepo{receipts: make(map[string]*model.Receipt)}
}

func copyReceipt(r *model.Receipt) *model.Receipt {
	cp := *r
	cp.Items = make([]*model.ReceiptItem, len(r.Items))
	for i, item := range r.Items {
		ic := *item
		cp.Items[i] = &ic
	}
	cp.Txns = make([]*model.ReceiptTransaction, len(r.Txns))
	for i, txn := range r.Txns {
		tc := *txn
		cp.Txns[i] = &tc
	}
	return &cp
}

func (m *memReceiptRepo) Insert(ctx context.Context, tx repository.Tx, receipt *model.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.receipts[receipt.ID]; ok {
		return domain.ErrAlreadyExists
	}
	m.seq++
	receipt.InvoiceNum = 1000 + m.seq
	stored := copyReceipt(receipt)
	stored.Items = nil
	stored.Txns = nil
	m.receipts[receipt.ID] = stored
	return nil
}

func (m *memReceiptRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyReceipt(r), nil
}

func (m *memReceiptRepo) FindOpenByOwner(ctx context.Context, tx repository.Tx, ownerID, ownerKind string) (*model.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.receipts {
		if r.OwnerID == ownerID && r.OwnerKind == ownerKind && r.Closed == nil {
			return copyReceipt(r), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memReceiptRepo) Close(ctx context.Context, tx repository.Tx, receiptID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[receiptID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if r.Closed != nil {
		return false, nil
	}
	closedAt := at
	r.Closed = &closedAt
	return true, nil
}

func (m *memReceiptRepo) InsertItems(ctx context.Context, tx repository.Tx, items []*model.ReceiptItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		r, ok := m.receipts[item.ReceiptID]
		if !ok {
			return fmt.Errorf("receipt %s: %w", item.ReceiptID, domain.ErrNotFound)
		}
		ic := *item
		r.Items = append(r.Items, &ic)
	}
	return nil
}

func (m *memReceiptRepo) InsertTransaction(ctx context.Context, tx repository.Tx, txn *model.ReceiptTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[txn.ReceiptID]
	if !ok {
		return fmt.Errorf("receipt %s: %w", txn.ReceiptID, domain.ErrNotFound)
	}
	tc := *txn
	r.Txns = append(r.Txns, &tc)
	return nil
}

func (m *memReceiptRepo) FindTransactionsByIntent(ctx context.Context, tx repository.Tx, intentID string) ([]*model.ReceiptTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.ReceiptTransaction
	for _, r := range m.receipts {
		for _, txn := range r.Txns {
			if txn.IntentID == intentID {
				tc := *txn
				out = append(out, &tc)
			}
		}
	}
	return out, nil
}

func (m *memReceiptRepo) MarkTransactionsPaid(ctx context.Context, tx repository.Tx, intentID, chargeID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := 0
	for _, r := range m.receipts {
		for _, txn := range r.Txns {
			if txn.IntentID == intentID && txn.ChargeID == "" && txn.Amount > 0 {
				txn.ChargeID = chargeID
				txn.Cancelled = nil
				changed++
			}
		}
	}
	return changed, nil
}

func (m *memReceiptRepo) CancelTransaction(ctx context.Context, tx repository.Tx, txnID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.receipts {
		for _, txn := range r.Txns {
			if txn.ID == txnID {
				if txn.ChargeID != "" || txn.Cancelled != nil {
					return false, nil
				}
				cancelledAt := at
				txn.Cancelled = &cancelledAt
				return true, nil
			}
		}
	}
	return false, domain.ErrNotFound
}

func (m *memReceiptRepo) AddRefund(ctx context.Context, tx repository.Tx, txnID, refundID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.receipts {
		for _, txn := range r.Txns {
			if txn.ID == txnID {
				txn.Refunded += amount
				txn.RefundID = refundID
				return nil
			}
		}
	}
	return domain.ErrNotFound
}

func (m *memReceiptRepo) ListPendingOlderThan(ctx context.Context, tx repository.Tx, cutoff time.Time, limit int) ([]*model.ReceiptTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.ReceiptTransaction
	for _, r := range m.receipts {
		for _, txn := range r.Txns {
			if txn.PendingCharge() && txn.AddedAt.Before(cutoff) {
				tc := *txn
				out = append(out, &tc)
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// memLocker always grants the lock.
type memLocker struct {
	denied bool
}

func (l *memLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if l.denied {
		return "", domain.ErrLockNotAcquired
	}
	return "token", nil
}

func (l *memLocker) Unlock(ctx context.Context, key, token string) error { return nil }

// memGateway is an in-memory gateway with controllable intent states.
type memGateway struct {
	mu          sync.Mutex
	intents     map[string]*adapter.PaymentIntent
	created     int
	refunds     int
	refundErr   error
	retrieveErr error
}

func newMemGateway() *memGateway {
	return &memGateway{intents: make(map[string]*adapter.PaymentIntent)}
}

func (g *memGateway) Name() string { return "mem" }

func (g *memGateway) CreateIntent(ctx context.Context, amount int64, description, receiptEmail string, meta map[string]string) (*adapter.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created++
	intent := &adapter.PaymentIntent{
		ID:           fmt.Sprintf("pi_%d", g.created),
		Amount:       amount,
		Status:       adapter.IntentRequiresPayment,
		ClientSecret: fmt.Sprintf("cs_%d", g.created),
	}
	g.intents[intent.ID] = intent
	cp := *intent
	return &cp, nil
}

func (g *memGateway) RetrieveIntent(ctx context.Context, intentID string) (*adapter.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.retrieveErr != nil {
		return nil, g.retrieveErr
	}
	intent, ok := g.intents[intentID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *intent
	return &cp, nil
}

func (g *memGateway) CancelIntent(ctx context.Context, intentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if intent, ok := g.intents[intentID]; ok && intent.Status != adapter.IntentSucceeded {
		intent.Status = adapter.IntentCanceled
	}
	return nil
}

func (g *memGateway) Refund(ctx context.Context, chargeID string, amount int64, reason string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return "", g.refundErr
	}
	g.refunds++
	return fmt.Sprintf("re_%d", g.refunds), nil
}

// complete simulates the cardholder finishing the payment at the gateway.
func (g *memGateway) complete(intentID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent := g.intents[intentID]
	intent.Status = adapter.IntentSucceeded
	intent.LatestCharge = "ch_" + intentID
	return intent.LatestCharge
}
