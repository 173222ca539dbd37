package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound          = errors.New("entity not found")
	ErrAlreadyExists     = errors.New("entity already exists")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrReceiptExists     = errors.New("an open receipt already exists for this owner")
	ErrReceiptClosed     = errors.New("receipt was closed by a concurrent writer")
	ErrPricingIncomplete = errors.New("cannot compute a price for the current state")
	ErrBadCalculator     = errors.New("calculator violates its bucket contract")
	ErrNothingOwed       = errors.New("receipt has no balance due")
	ErrAmountTooLarge    = errors.New("amount exceeds the maximum single charge")
	ErrTxnNotCompleted   = errors.New("transaction has no confirmed charge")
	ErrAlreadyRefunded   = errors.New("transaction has already been fully refunded")
	ErrRefundTooLarge    = errors.New("refund amount exceeds what is left on the transaction")
	ErrLockNotAcquired   = errors.New("could not acquire payment lock for receipt")

	// Persistence-layer errors
	ErrInvalidExecContext = errors.New("invalid database execution context")
	ErrOperationFailed    = errors.New("database operation failed")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
)
