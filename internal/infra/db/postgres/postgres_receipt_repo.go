package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"convention-ledger/internal/domain"
	"convention-ledger/internal/domain/model"
	"convention-ledger/internal/domain/ports/repository"
)

var _ repository.ReceiptRepository = (*receiptRepo)(nil)

type receiptRepo struct{ pool *pgxpool.Pool }

func NewReceiptRepo(pool *pgxpool.Pool) *receiptRepo {
	return &receiptRepo{pool: pool}
}

const receiptCols = `id, owner_id, owner_kind, invoice_num, closed, created_at`
const itemCols = `id, receipt_id, description, amount, count, item_type, who, revert_change, added_at`
const txnCols = `id, receipt_id, amount, description, method, intent_id, charge_id, refund_id, refunded, who, cancelled, added_at`

func (r *receiptRepo) Insert(ctx context.Context, tx repository.Tx, receipt *model.Receipt) error {
	// invoice_num comes from a sequence so closed receipts keep stable,
	// human-referenceable numbers.
	const q = `
INSERT INTO receipts (id, owner_id, owner_kind, closed, created_at)
VALUES ($1,$2,$3,$4,$5)
RETURNING invoice_num;`

	row, err := pickRow(ctx, r.pool, tx, q, receipt.ID, receipt.OwnerID, receipt.OwnerKind, receipt.Closed, receipt.CreatedAt)
	if err != nil {
		return err
	}
	if err := row.Scan(&receipt.InvoiceNum); err != nil {
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *receiptRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Receipt, error) {
	q := `SELECT ` + receiptCols + ` FROM receipts WHERE id=$1`
	if _, ok := tx.(pgx.Tx); ok {
		q += " FOR UPDATE"
	}
	q += ";"
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	receipt, err := scanReceipt(row)
	if err != nil {
		return nil, err
	}
	if err := r.load(ctx, tx, receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

func (r *receiptRepo) FindOpenByOwner(ctx context.Context, tx repository.Tx, ownerID, ownerKind string) (*model.Receipt, error) {
	q := `SELECT ` + receiptCols + ` FROM receipts WHERE owner_id=$1 AND owner_kind=$2 AND closed IS NULL`
	if _, ok := tx.(pgx.Tx); ok {
		q += " FOR UPDATE"
	}
	q += ";"
	row, err := pickRow(ctx, r.pool, tx, q, ownerID, ownerKind)
	if err != nil {
		return nil, err
	}
	receipt, err := scanReceipt(row)
	if err != nil {
		return nil, err
	}
	if err := r.load(ctx, tx, receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

func (r *receiptRepo) Close(ctx context.Context, tx repository.Tx, receiptID string, at time.Time) (bool, error) {
	const q = `UPDATE receipts SET closed=$2 WHERE id=$1 AND closed IS NULL;`
	cmd, err := execSQL(ctx, r.pool, tx, q, receiptID, at)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return false, err
		}
		return false, domain.ErrOperationFailed
	}
	return cmd.RowsAffected() >= 1, nil
}

func (r *receiptRepo) InsertItems(ctx context.Context, tx repository.Tx, items []*model.ReceiptItem) error {
	const q = `
INSERT INTO receipt_items (id, receipt_id, description, amount, count, item_type, who, revert_change, added_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9);`

	for _, item := range items {
		_, err := execSQL(ctx, r.pool, tx, q,
			item.ID, item.ReceiptID, item.Desc, item.Amount, item.Count, item.Type, item.Who, item.RevertChange, item.AddedAt)
		if err != nil {
			if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
				return err
			}
			return domain.ErrOperationFailed
		}
	}
	return nil
}

func (r *receiptRepo) InsertTransaction(ctx context.Context, tx repository.Tx, txn *model.ReceiptTransaction) error {
	const q = `
INSERT INTO receipt_txns (id, receipt_id, amount, description, method, intent_id, charge_id, refund_id, refunded, who, cancelled, added_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12);`

	_, err := execSQL(ctx, r.pool, tx, q,
		txn.ID, txn.ReceiptID, txn.Amount, txn.Desc, txn.Method, txn.IntentID, txn.ChargeID, txn.RefundID, txn.Refunded, txn.Who, txn.Cancelled, txn.AddedAt)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *receiptRepo) FindTransactionsByIntent(ctx context.Context, tx repository.Tx, intentID string) ([]*model.ReceiptTransaction, error) {
	const q = `SELECT ` + txnCols + ` FROM receipt_txns WHERE intent_id=$1 ORDER BY added_at ASC, id ASC;`
	rows, err := queryRows(ctx, r.pool, tx, q, intentID)
	if err != nil {
		switch err {
		case domain.ErrInvalidArgument, domain.ErrInvalidExecContext:
			return nil, err
		default:
			return nil, domain.ErrOperationFailed
		}
	}
	defer rows.Close()
	return scanTxns(rows)
}

func (r *receiptRepo) MarkTransactionsPaid(ctx context.Context, tx repository.Tx, intentID, chargeID string) (int, error) {
	// charge_id='' guards idempotence: the webhook and the synchronous
	// confirmation race for this update and exactly one of them wins.
	const q = `
UPDATE receipt_txns
   SET charge_id=$2, cancelled=NULL
 WHERE intent_id=$1 AND charge_id='' AND amount > 0;`

	cmd, err := execSQL(ctx, r.pool, tx, q, intentID, chargeID)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return 0, err
		}
		return 0, domain.ErrOperationFailed
	}
	return int(cmd.RowsAffected()), nil
}

func (r *receiptRepo) CancelTransaction(ctx context.Context, tx repository.Tx, txnID string, at time.Time) (bool, error) {
	const q = `UPDATE receipt_txns SET cancelled=$2 WHERE id=$1 AND charge_id='' AND cancelled IS NULL;`
	cmd, err := execSQL(ctx, r.pool, tx, q, txnID, at)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return false, err
		}
		return false, domain.ErrOperationFailed
	}
	return cmd.RowsAffected() >= 1, nil
}

func (r *receiptRepo) AddRefund(ctx context.Context, tx repository.Tx, txnID, refundID string, amount int64) error {
	const q = `UPDATE receipt_txns SET refunded = refunded + $3, refund_id = $2 WHERE id=$1;`
	_, err := execSQL(ctx, r.pool, tx, q, txnID, refundID, amount)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *receiptRepo) ListPendingOlderThan(ctx context.Context, tx repository.Tx, cutoff time.Time, limit int) ([]*model.ReceiptTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT ` + txnCols + `
  FROM receipt_txns
 WHERE intent_id <> '' AND charge_id='' AND cancelled IS NULL AND amount > 0 AND added_at < $1
 ORDER BY added_at ASC LIMIT $2;`

	rows, err := queryRows(ctx, r.pool, tx, q, cutoff, limit)
	if err != nil {
		switch err {
		case domain.ErrInvalidArgument, domain.ErrInvalidExecContext:
			return nil, err
		default:
			return nil, domain.ErrOperationFailed
		}
	}
	defer rows.Close()
	return scanTxns(rows)
}

func (r *receiptRepo) load(ctx context.Context, tx repository.Tx, receipt *model.Receipt) error {
	const qi = `SELECT ` + itemCols + ` FROM receipt_items WHERE receipt_id=$1 ORDER BY added_at ASC, id ASC;`
	rows, err := queryRows(ctx, r.pool, tx, qi, receipt.ID)
	if err != nil {
		return domain.ErrOperationFailed
	}
	for rows.Next() {
		item := new(model.ReceiptItem)
		if err := rows.Scan(&item.ID, &item.ReceiptID, &item.Desc, &item.Amount, &item.Count, &item.Type, &item.Who, &item.RevertChange, &item.AddedAt); err != nil {
			rows.Close()
			return domain.ErrReadDatabaseRow
		}
		receipt.Items = append(receipt.Items, item)
	}
	rows.Close()

	const qt = `SELECT ` + txnCols + ` FROM receipt_txns WHERE receipt_id=$1 ORDER BY added_at ASC, id ASC;`
	rows, err = queryRows(ctx, r.pool, tx, qt, receipt.ID)
	if err != nil {
		return domain.ErrOperationFailed
	}
	defer rows.Close()
	txns, err := scanTxns(rows)
	if err != nil {
		return err
	}
	receipt.Txns = txns
	return nil
}

func scanReceipt(row pgx.Row) (*model.Receipt, error) {
	receipt := &model.Receipt{}
	if err := row.Scan(&receipt.ID, &receipt.OwnerID, &receipt.OwnerKind, &receipt.InvoiceNum, &receipt.Closed, &receipt.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return receipt, nil
}

func scanTxns(rows pgx.Rows) ([]*model.ReceiptTransaction, error) {
	var out []*model.ReceiptTransaction
	for rows.Next() {
		t := new(model.ReceiptTransaction)
		if err := rows.Scan(&t.ID, &t.ReceiptID, &t.Amount, &t.Desc, &t.Method, &t.IntentID, &t.ChargeID, &t.RefundID, &t.Refunded, &t.Who, &t.Cancelled, &t.AddedAt); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, t)
	}
	return out, nil
}
