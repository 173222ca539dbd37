package repository

import (
	"context"
	"time"

	"convention-ledger/internal/domain/model"
)

// ReceiptRepository persists receipts, their items and their transactions.
//
// Reads that take part in a reconciliation must be called inside a
// TransactionManager transaction so the receipt row is locked (FOR UPDATE)
// until the diff is committed; see ReceiptUseCase.
type ReceiptRepository interface {
	Insert(ctx context.Context, tx Tx, receipt *model.Receipt) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Receipt, error)
	// FindOpenByOwner returns the single open receipt for an owner, with
	// items and transactions loaded, or ErrNotFound.
	FindOpenByOwner(ctx context.Context, tx Tx, ownerID, ownerKind string) (*model.Receipt, error)
	// Close marks a receipt closed if it is still open. Returns false when a
	// concurrent writer closed it first (compare-and-set on the closed
	// column).
	Close(ctx context.Context, tx Tx, receiptID string, at time.Time) (bool, error)

	InsertItems(ctx context.Context, tx Tx, items []*model.ReceiptItem) error

	InsertTransaction(ctx context.Context, tx Tx, txn *model.ReceiptTransaction) error
	FindTransactionsByIntent(ctx context.Context, tx Tx, intentID string) ([]*model.ReceiptTransaction, error)
	// MarkTransactionsPaid sets the charge id on every transaction matching
	// the intent that does not already have one, clearing any cancellation.
	// Returns how many rows changed; zero means another path (webhook or
	// foreground) got there first, which callers treat as success.
	MarkTransactionsPaid(ctx context.Context, tx Tx, intentID, chargeID string) (int, error)
	// CancelTransaction cancels a transaction only while it is still
	// pending. Returns false if it was confirmed or cancelled meanwhile.
	CancelTransaction(ctx context.Context, tx Tx, txnID string, at time.Time) (bool, error)
	// AddRefund bumps the refunded running total on a charged transaction
	// and records the gateway refund id.
	AddRefund(ctx context.Context, tx Tx, txnID, refundID string, amount int64) error
	// ListPendingOlderThan returns pending transactions created before the
	// cutoff, oldest first, for the reconciler.
	ListPendingOlderThan(ctx context.Context, tx Tx, cutoff time.Time, limit int) ([]*model.ReceiptTransaction, error)
}
