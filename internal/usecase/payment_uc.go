package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"convention-ledger/internal/domain"
	"convention-ledger/internal/domain/model"
	"convention-ledger/internal/domain/ports/adapter"
	"convention-ledger/internal/domain/ports/repository"
	"convention-ledger/internal/infra/metrics"
)

// Locker serializes payment preparation per receipt across processes. The
// redis implementation satisfies this.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
}

// Compile-time check
var _ PaymentUseCase = (*paymentUC)(nil)

// PaymentUseCase is the facade over the external payment gateway: it shapes
// authorize/confirm/refund calls, translates gateway responses into receipt
// transactions, and keeps every operation idempotent by intent id.
type PaymentUseCase interface {
	// PreparePayment creates (or reuses, when an unexpired pending
	// transaction already exists) a gateway intent for the receipt's
	// current balance and persists the pending transaction. It does not
	// mark anything paid.
	PreparePayment(ctx context.Context, receiptID, description, receiptEmail string, who string) (*model.ReceiptTransaction, *adapter.PaymentIntent, error)
	// ConfirmPayment fetches live intent state and finalizes matching
	// transactions if the gateway reports success.
	ConfirmPayment(ctx context.Context, intentID string) ([]*model.ReceiptTransaction, error)
	// HandleIntentSucceeded marks every transaction on the intent paid.
	// Safe to call from the webhook and the synchronous flow in any order;
	// whichever arrives second is a no-op.
	HandleIntentSucceeded(ctx context.Context, intentID, chargeID string) ([]*model.ReceiptTransaction, error)
	// ProcessRefund validates and executes a gateway refund for one charged
	// transaction. Nothing is persisted here; on success the caller records
	// the refund against the receipt.
	ProcessRefund(ctx context.Context, txn *model.ReceiptTransaction, amount int64) (refundID string, err error)
	// CancelStale confirms-or-cancels pending transactions older than the
	// cutoff. Used by the reconciler.
	CancelStale(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

type paymentUC struct {
	receipts   repository.ReceiptRepository
	tm         repository.TransactionManager
	gateway    adapter.PaymentGateway
	locker     Locker
	pendingTTL time.Duration
	maxCharge  int64
	log        *zerolog.Logger
}

func NewPaymentUseCase(
	receipts repository.ReceiptRepository,
	tm repository.TransactionManager,
	gateway adapter.PaymentGateway,
	locker Locker,
	pendingTTL time.Duration,
	maxCharge int64,
	logger *zerolog.Logger,
) *paymentUC {
	if pendingTTL <= 0 {
		pendingTTL = 30 * time.Minute
	}
	if maxCharge <= 0 {
		maxCharge = 999999 // $9,999.99
	}
	return &paymentUC{
		receipts:   receipts,
		tm:         tm,
		gateway:    gateway,
		locker:     locker,
		pendingTTL: pendingTTL,
		maxCharge:  maxCharge,
		log:        logger,
	}
}

func payLockKey(receiptID string) string { return "receipt-pay:" + receiptID }

func (u *paymentUC) PreparePayment(ctx context.Context, receiptID, description, receiptEmail string, who string) (*model.ReceiptTransaction, *adapter.PaymentIntent, error) {
	token, err := u.locker.TryLock(ctx, payLockKey(receiptID), 30*time.Second)
	if err != nil {
		return nil, nil, domain.ErrLockNotAcquired
	}
	defer func() { _ = u.locker.Unlock(ctx, payLockKey(receiptID), token) }()

	// Read the receipt and any reusable pending transaction under the row
	// lock, then commit. The lock must not span the gateway call.
	var (
		amount   int64
		reusable *model.ReceiptTransaction
		stale    []*model.ReceiptTransaction
	)
	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		receipt, err := u.receipts.FindByID(ctx, tx, receiptID)
		if err != nil {
			return err
		}
		if !receipt.Open() {
			return domain.ErrReceiptClosed
		}
		amount = receipt.CurrentAmountOwed()
		if amount <= 0 {
			return domain.ErrNothingOwed
		}
		if amount > u.maxCharge {
			return domain.ErrAmountTooLarge
		}
		for _, txn := range receipt.PendingTxns() {
			if time.Since(txn.AddedAt) < u.pendingTTL && txn.Amount == amount && reusable == nil {
				reusable = txn
			} else {
				stale = append(stale, txn)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	// Double submission: hand back the existing intent instead of
	// authorizing a second charge, after checking it is still live.
	if reusable != nil {
		intent, err := u.gateway.RetrieveIntent(ctx, reusable.IntentID)
		switch {
		case err != nil:
			u.log.Warn().Err(err).Str("intent_id", reusable.IntentID).Msg("pending intent lookup failed; superseding")
			stale = append(stale, reusable)
		case intent.Status == adapter.IntentSucceeded:
			// Consumed while we weren't looking: finalize and report paid.
			if _, err := u.HandleIntentSucceeded(ctx, intent.ID, intent.LatestCharge); err != nil {
				return nil, nil, err
			}
			return nil, nil, domain.ErrNothingOwed
		case intent.Reusable(amount):
			return reusable, intent, nil
		default:
			stale = append(stale, reusable)
		}
	}

	u.supersede(ctx, stale)

	intent, err := u.gateway.CreateIntent(ctx, amount, description, receiptEmail, map[string]string{"receipt_id": receiptID})
	if err != nil {
		metrics.IncPayment("failed")
		return nil, nil, fmt.Errorf("create payment intent: %w", err)
	}

	txn := &model.ReceiptTransaction{
		ID:        uuid.NewString(),
		ReceiptID: receiptID,
		Amount:    amount,
		Desc:      description,
		Method:    model.MethodCard,
		IntentID:  intent.ID,
		Who:       who,
		AddedAt:   time.Now(),
	}
	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		receipt, err := u.receipts.FindByID(ctx, tx, receiptID)
		if err != nil {
			return err
		}
		if !receipt.Open() {
			return domain.ErrReceiptClosed
		}
		// The balance moved between our read and the gateway round trip;
		// do not record an intent for the wrong amount.
		if receipt.CurrentAmountOwed() != amount {
			return domain.ErrReceiptClosed
		}
		return u.receipts.InsertTransaction(ctx, tx, txn)
	})
	if err != nil {
		if cancelErr := u.gateway.CancelIntent(ctx, intent.ID); cancelErr != nil {
			u.log.Warn().Err(cancelErr).Str("intent_id", intent.ID).Msg("could not void orphaned intent")
		}
		return nil, nil, err
	}

	metrics.IncPayment("initiated")
	u.log.Debug().Str("receipt_id", receiptID).Str("intent_id", intent.ID).Int64("amount", amount).Msg("payment prepared")
	return txn, intent, nil
}

func (u *paymentUC) ConfirmPayment(ctx context.Context, intentID string) ([]*model.ReceiptTransaction, error) {
	intent, err := u.gateway.RetrieveIntent(ctx, intentID)
	if err != nil {
		return nil, fmt.Errorf("retrieve intent: %w", err)
	}
	switch intent.Status {
	case adapter.IntentSucceeded:
		if intent.LatestCharge == "" {
			return nil, fmt.Errorf("intent %s succeeded without a charge: %w", intentID, domain.ErrTxnNotCompleted)
		}
		return u.HandleIntentSucceeded(ctx, intentID, intent.LatestCharge)
	case adapter.IntentCanceled:
		txns, err := u.cancelByIntent(ctx, intentID)
		if err != nil {
			return nil, err
		}
		return txns, domain.ErrTxnNotCompleted
	default:
		return nil, domain.ErrTxnNotCompleted
	}
}

func (u *paymentUC) HandleIntentSucceeded(ctx context.Context, intentID, chargeID string) ([]*model.ReceiptTransaction, error) {
	var txns []*model.ReceiptTransaction
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		changed, err := u.receipts.MarkTransactionsPaid(ctx, tx, intentID, chargeID)
		if err != nil {
			return err
		}
		if changed > 0 {
			metrics.IncPayment("succeeded")
		}
		txns, err = u.receipts.FindTransactionsByIntent(ctx, tx, intentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(txns) == 0 {
		u.log.Warn().Str("intent_id", intentID).Msg("gateway confirmed an intent with no matching transactions")
		return nil, domain.ErrNotFound
	}
	return txns, nil
}

func (u *paymentUC) ProcessRefund(ctx context.Context, txn *model.ReceiptTransaction, amount int64) (string, error) {
	if txn.IntentID == "" && txn.ChargeID == "" {
		return "", fmt.Errorf("transaction %s was not taken through the gateway: %w", txn.ID, domain.ErrTxnNotCompleted)
	}
	if txn.ChargeID == "" {
		// Unconfirmed locally; the gateway may still have completed it.
		intent, err := u.gateway.RetrieveIntent(ctx, txn.IntentID)
		if err != nil {
			return "", fmt.Errorf("retrieve intent: %w", err)
		}
		if intent.Status != adapter.IntentSucceeded || intent.LatestCharge == "" {
			return "", fmt.Errorf("no record of payment %s completing: %w", txn.IntentID, domain.ErrTxnNotCompleted)
		}
		if _, err := u.HandleIntentSucceeded(ctx, txn.IntentID, intent.LatestCharge); err != nil {
			return "", err
		}
		txn.ChargeID = intent.LatestCharge
	}

	left := txn.AmountLeft()
	if left <= 0 {
		return "", domain.ErrAlreadyRefunded
	}
	if amount == 0 {
		amount = left
	}
	if amount > left {
		return "", domain.ErrRefundTooLarge
	}

	refundID, err := u.gateway.Refund(ctx, txn.ChargeID, amount, "requested_by_customer")
	if err != nil {
		metrics.IncRefund("failed")
		return "", fmt.Errorf("gateway refund of %s: %w", txn.GatewayID(), err)
	}
	metrics.IncRefund("succeeded")
	return refundID, nil
}

func (u *paymentUC) CancelStale(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	var pending []*model.ReceiptTransaction
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		var err error
		pending, err = u.receipts.ListPendingOlderThan(ctx, tx, cutoff, limit)
		return err
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return 0, err
	}

	resolved := 0
	for _, txn := range pending {
		intent, err := u.gateway.RetrieveIntent(ctx, txn.IntentID)
		if err != nil {
			u.log.Warn().Err(err).Str("intent_id", txn.IntentID).Msg("reconcile: intent lookup failed")
			continue
		}
		if intent.Status == adapter.IntentSucceeded && intent.LatestCharge != "" {
			if _, err := u.HandleIntentSucceeded(ctx, txn.IntentID, intent.LatestCharge); err != nil {
				u.log.Warn().Err(err).Str("intent_id", txn.IntentID).Msg("reconcile: finalize failed")
				continue
			}
			resolved++
			continue
		}
		if err := u.gateway.CancelIntent(ctx, txn.IntentID); err != nil {
			u.log.Warn().Err(err).Str("intent_id", txn.IntentID).Msg("reconcile: cancel intent failed")
		}
		u.cancelPending(ctx, []*model.ReceiptTransaction{txn})
		resolved++
	}
	return resolved, nil
}

func (u *paymentUC) cancelByIntent(ctx context.Context, intentID string) ([]*model.ReceiptTransaction, error) {
	var txns []*model.ReceiptTransaction
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		var err error
		txns, err = u.receipts.FindTransactionsByIntent(ctx, tx, intentID)
		if err != nil {
			return err
		}
		now := time.Now()
		for _, txn := range txns {
			if !txn.PendingCharge() {
				continue
			}
			if _, err := u.receipts.CancelTransaction(ctx, tx, txn.ID, now); err != nil {
				return err
			}
		}
		return nil
	})
	return txns, err
}

// supersede voids stale pending transactions at the gateway as well as in the
// ledger, so their old client secrets can no longer complete a charge for an
// outdated amount.
func (u *paymentUC) supersede(ctx context.Context, txns []*model.ReceiptTransaction) {
	for _, txn := range txns {
		if err := u.gateway.CancelIntent(ctx, txn.IntentID); err != nil {
			u.log.Warn().Err(err).Str("intent_id", txn.IntentID).Msg("could not void superseded intent")
		}
	}
	u.cancelPending(ctx, txns)
}

func (u *paymentUC) cancelPending(ctx context.Context, txns []*model.ReceiptTransaction) {
	if len(txns) == 0 {
		return
	}
	now := time.Now()
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		for _, txn := range txns {
			ok, err := u.receipts.CancelTransaction(ctx, tx, txn.ID, now)
			if err != nil {
				return err
			}
			if ok {
				metrics.IncPayment("cancelled")
			}
		}
		return nil
	})
	if err != nil {
		u.log.Warn().Err(err).Msg("could not cancel stale pending transactions")
	}
}
