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
	"convention-ledger/internal/domain/ports/repository"
	"convention-ledger/internal/infra/metrics"
	"convention-ledger/internal/pricing"
)

// Compile-time check
var _ ReceiptUseCase = (*receiptUC)(nil)

// RefundResult reports the outcome of refunding one charge group during
// cancel-and-refund. Failed groups carry their error; successful groups were
// fully persisted before the next group was attempted.
type RefundResult struct {
	ChargeID string
	Amount   int64
	RefundID string
	Err      error
}

// ReceiptUseCase is the receipt manager: it owns the one-open-receipt
// invariant and reconciles receipts against repriced entities by appending
// difference items, never by editing history.
type ReceiptUseCase interface {
	// CreateNewReceipt prices the entity and opens a receipt seeded with one
	// item per priced line. Fails with ErrReceiptExists if the entity
	// already has an open receipt.
	CreateNewReceipt(ctx context.Context, e model.Entity, who string) (*model.Receipt, error)
	// PreviewReceipt prices the entity without touching storage.
	PreviewReceipt(ctx context.Context, e model.Entity) ([]pricing.Line, error)
	// CurrentReceipt returns the owner's open receipt with items and
	// transactions loaded, or ErrNotFound.
	CurrentReceipt(ctx context.Context, ownerID, ownerKind string) (*model.Receipt, error)
	// AutoUpdateReceipt reprices the entity with the given attribute changes
	// applied and appends the difference items to the open receipt. The
	// entity itself is not modified.
	AutoUpdateReceipt(ctx context.Context, e model.Entity, changes map[string]any, who string) (*model.Receipt, error)
	// ResetReceipt closes the open receipt and opens a fresh one priced from
	// the entity's current attributes.
	ResetReceipt(ctx context.Context, e model.Entity, who string) (*model.Receipt, error)
	// CancelAndRefund refunds every completed gateway payment on the open
	// receipt, records the refunds, and closes the receipt. Partial failure
	// leaves the receipt open with the successful refunds recorded.
	CancelAndRefund(ctx context.Context, e model.Entity, excludeFees bool, who string) (*model.Receipt, []RefundResult, error)
	// RefundPayment refunds part (or, with amount 0, all) of one charge on
	// the receipt, identified by its intent, and records the refund. The
	// receipt stays open.
	RefundPayment(ctx context.Context, receiptID, intentID string, amount int64, who string) (*model.Receipt, RefundResult, error)
}

type receiptUC struct {
	receipts repository.ReceiptRepository
	tm       repository.TransactionManager
	registry *pricing.Registry
	payments PaymentUseCase
	fees     ProcessingFees
	log      *zerolog.Logger
}

// ProcessingFees reproduces the gateway's per-charge fee so cancel-and-refund
// can withhold it. Bps is basis points of the charged amount.
type ProcessingFees struct {
	Bps   int64
	Fixed int64
}

func (f ProcessingFees) Of(amount int64) int64 {
	if amount <= 0 {
		return 0
	}
	return amount*f.Bps/10000 + f.Fixed
}

func NewReceiptUseCase(
	receipts repository.ReceiptRepository,
	tm repository.TransactionManager,
	registry *pricing.Registry,
	payments PaymentUseCase,
	fees ProcessingFees,
	logger *zerolog.Logger,
) *receiptUC {
	return &receiptUC{
		receipts: receipts,
		tm:       tm,
		registry: registry,
		payments: payments,
		fees:     fees,
		log:      logger,
	}
}

func (u *receiptUC) CreateNewReceipt(ctx context.Context, e model.Entity, who string) (*model.Receipt, error) {
	lines, err := u.registry.Price(e)
	if err != nil {
		return nil, err
	}

	receipt := &model.Receipt{
		ID:        uuid.NewString(),
		OwnerID:   e.ID(),
		OwnerKind: e.Kind(),
		CreatedAt: time.Now(),
	}
	receipt.Items = buildItems(receipt.ID, lines, who)

	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		_, err := u.receipts.FindOpenByOwner(ctx, tx, e.ID(), e.Kind())
		if err == nil {
			return domain.ErrReceiptExists
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if err := u.receipts.Insert(ctx, tx, receipt); err != nil {
			return err
		}
		return u.receipts.InsertItems(ctx, tx, receipt.Items)
	})
	if err != nil {
		return nil, err
	}

	metrics.IncReceiptOpened(e.Kind())
	u.log.Info().Str("receipt_id", receipt.ID).Str("owner", e.ID()).Str("kind", e.Kind()).
		Int64("total", receipt.ItemTotal()).Msg("receipt opened")
	return receipt, nil
}

func (u *receiptUC) PreviewReceipt(ctx context.Context, e model.Entity) ([]pricing.Line, error) {
	return u.registry.Price(e)
}

func (u *receiptUC) CurrentReceipt(ctx context.Context, ownerID, ownerKind string) (*model.Receipt, error) {
	// Plain read outside any transaction; no row lock needed.
	return u.receipts.FindOpenByOwner(ctx, nil, ownerID, ownerKind)
}

func (u *receiptUC) AutoUpdateReceipt(ctx context.Context, e model.Entity, changes map[string]any, who string) (*model.Receipt, error) {
	if len(changes) == 0 {
		return u.CurrentReceipt(ctx, e.ID(), e.Kind())
	}

	oldLines, err := u.registry.Price(e)
	if err != nil {
		return nil, err
	}
	next := e.Clone()
	if err := next.Apply(changes); err != nil {
		return nil, err
	}
	newLines, err := u.registry.Price(next)
	if err != nil {
		return nil, err
	}

	revert := revertPayload(e, changes)

	// A concurrent close-and-reseed makes the first attempt fail on the CAS;
	// one retry against the replacement receipt settles it.
	var receipt *model.Receipt
	for attempt := 0; ; attempt++ {
		receipt, err = u.reconcile(ctx, e, oldLines, newLines, revert, who)
		if errors.Is(err, domain.ErrReceiptClosed) && attempt == 0 {
			continue
		}
		break
	}
	return receipt, err
}

func (u *receiptUC) reconcile(ctx context.Context, e model.Entity, oldLines, newLines []pricing.Line, revert map[string]any, who string) (*model.Receipt, error) {
	var receipt *model.Receipt
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		var err error
		receipt, err = u.receipts.FindOpenByOwner(ctx, tx, e.ID(), e.Kind())
		if err != nil {
			return err
		}

		actual := itemTotalsByDesc(receipt.Items)
		target := pricing.Totals(newLines)

		// Items already reconstruct the new price: this change was applied on
		// an earlier call (or never altered the total), so a repeat emits
		// nothing.
		if totalsEqual(actual, target) {
			return nil
		}

		// The items reconstruct neither the old nor the new priced set. If
		// money already moved on this receipt we must not rewrite what those
		// payments meant: close it and reseed from scratch.
		expected := pricing.Totals(oldLines)
		if receipt.PaymentTotal() > 0 && !totalsEqual(actual, expected) {
			return u.closeAndReseed(ctx, tx, e, receipt, newLines, who)
		}

		items := diffItems(receipt, actual, target, newLines, revert, who)
		if len(items) == 0 {
			return nil
		}
		if err := u.receipts.InsertItems(ctx, tx, items); err != nil {
			return err
		}
		receipt.Items = append(receipt.Items, items...)
		metrics.AddItemsEmitted(len(items))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// diffItems computes the difference items that move the receipt's per-line
// totals to the new priced set. Lines present in the new set are walked in
// pricing order, then leftover existing lines are cancelled in item order, so
// output is deterministic.
func diffItems(receipt *model.Receipt, actual, target map[string]int64, newLines []pricing.Line, revert map[string]any, who string) []*model.ReceiptItem {
	now := time.Now()

	var items []*model.ReceiptItem
	emit := func(desc string, delta int64) {
		typ := model.ItemPurchase
		if delta < 0 {
			typ = model.ItemCredit
		}
		items = append(items, &model.ReceiptItem{
			ID:           uuid.NewString(),
			ReceiptID:    receipt.ID,
			Desc:         desc,
			Amount:       delta,
			Count:        1,
			Type:         typ,
			Who:          who,
			RevertChange: revert,
			AddedAt:      now,
		})
	}

	seen := make(map[string]bool, len(target))
	for _, line := range newLines {
		if seen[line.Desc] {
			continue
		}
		seen[line.Desc] = true
		if delta := target[line.Desc] - actual[line.Desc]; delta != 0 {
			emit(line.Desc, delta)
		}
	}
	// Anything priced before but absent now gets cancelled outright.
	cancelled := make(map[string]bool)
	for _, item := range receipt.Items {
		if seen[item.Desc] || cancelled[item.Desc] {
			continue
		}
		cancelled[item.Desc] = true
		if actual[item.Desc] != 0 {
			emit(item.Desc, -actual[item.Desc])
		}
	}
	return items
}

func (u *receiptUC) closeAndReseed(ctx context.Context, tx repository.Tx, e model.Entity, receipt *model.Receipt, newLines []pricing.Line, who string) error {
	closed, err := u.receipts.Close(ctx, tx, receipt.ID, time.Now())
	if err != nil {
		return err
	}
	if !closed {
		return domain.ErrReceiptClosed
	}
	metrics.IncReceiptClosed("reseeded")

	fresh := &model.Receipt{
		ID:        uuid.NewString(),
		OwnerID:   e.ID(),
		OwnerKind: e.Kind(),
		CreatedAt: time.Now(),
	}
	fresh.Items = buildItems(fresh.ID, newLines, who)
	if err := u.receipts.Insert(ctx, tx, fresh); err != nil {
		return err
	}
	if err := u.receipts.InsertItems(ctx, tx, fresh.Items); err != nil {
		return err
	}

	u.log.Warn().Str("old_receipt", receipt.ID).Str("new_receipt", fresh.ID).Str("owner", e.ID()).
		Msg("receipt items diverged from pricing with payments present; reseeded")
	*receipt = *fresh
	return nil
}

func (u *receiptUC) ResetReceipt(ctx context.Context, e model.Entity, who string) (*model.Receipt, error) {
	lines, err := u.registry.Price(e)
	if err != nil {
		return nil, err
	}

	fresh := &model.Receipt{
		ID:        uuid.NewString(),
		OwnerID:   e.ID(),
		OwnerKind: e.Kind(),
		CreatedAt: time.Now(),
	}
	fresh.Items = buildItems(fresh.ID, lines, who)

	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		current, err := u.receipts.FindOpenByOwner(ctx, tx, e.ID(), e.Kind())
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if current != nil {
			closed, err := u.receipts.Close(ctx, tx, current.ID, time.Now())
			if err != nil {
				return err
			}
			if !closed {
				return domain.ErrReceiptClosed
			}
			metrics.IncReceiptClosed("reset")
		}
		if err := u.receipts.Insert(ctx, tx, fresh); err != nil {
			return err
		}
		return u.receipts.InsertItems(ctx, tx, fresh.Items)
	})
	if err != nil {
		return nil, err
	}

	metrics.IncReceiptOpened(e.Kind())
	u.log.Info().Str("receipt_id", fresh.ID).Str("owner", e.ID()).Msg("receipt reset")
	return fresh, nil
}

func (u *receiptUC) CancelAndRefund(ctx context.Context, e model.Entity, excludeFees bool, who string) (*model.Receipt, []RefundResult, error) {
	// Snapshot the charge groups under the row lock, then release it;
	// gateway refund calls must not hold database locks.
	var (
		receiptID string
		groups    []chargeGroup
	)
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		receipt, err := u.receipts.FindOpenByOwner(ctx, tx, e.ID(), e.Kind())
		if err != nil {
			return err
		}
		receiptID = receipt.ID
		groups = groupCharges(receipt, u.fees, excludeFees)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	results := make([]RefundResult, 0, len(groups))
	failed := false
	for _, g := range groups {
		res := RefundResult{ChargeID: g.chargeID, Amount: g.refundable}
		if g.refundable <= 0 {
			results = append(results, res)
			continue
		}
		res.RefundID, res.Err = u.payments.ProcessRefund(ctx, g.lead, g.refundable)
		if res.Err == nil {
			res.Err = u.recordRefund(ctx, receiptID, g, res.RefundID, who)
		}
		if res.Err != nil {
			failed = true
			u.log.Error().Err(res.Err).Str("charge_id", g.chargeID).Int64("amount", g.refundable).
				Msg("refund failed; receipt stays open")
		}
		results = append(results, res)
	}

	// Close only when every group settled; a partially refunded receipt
	// stays open so the operation can be retried.
	var receipt *model.Receipt
	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if !failed {
			if _, err := u.receipts.Close(ctx, tx, receiptID, time.Now()); err != nil {
				return err
			}
			metrics.IncReceiptClosed("cancelled")
		}
		var err error
		receipt, err = u.receipts.FindByID(ctx, tx, receiptID)
		return err
	})
	if err != nil {
		return nil, results, err
	}
	if failed {
		return receipt, results, fmt.Errorf("%d of %d refund groups failed: %w", countErrs(results), len(groups), domain.ErrOperationFailed)
	}
	return receipt, results, nil
}

// recordRefund persists one confirmed gateway refund: a negative item, a
// refund transaction, and the refunded bookkeeping on the original
// transactions, all in one database transaction.
func (u *receiptUC) recordRefund(ctx context.Context, receiptID string, g chargeGroup, refundID, who string) error {
	now := time.Now()
	return u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		item := &model.ReceiptItem{
			ID:        uuid.NewString(),
			ReceiptID: receiptID,
			Desc:      fmt.Sprintf("Refund of payment %s", g.chargeID),
			Amount:    -g.refundable,
			Count:     1,
			Type:      model.ItemCredit,
			Who:       who,
			AddedAt:   now,
		}
		if err := u.receipts.InsertItems(ctx, tx, []*model.ReceiptItem{item}); err != nil {
			return err
		}
		refundTxn := &model.ReceiptTransaction{
			ID:        uuid.NewString(),
			ReceiptID: receiptID,
			Amount:    -g.refundable,
			Desc:      fmt.Sprintf("Automatic refund of payment %s", g.chargeID),
			Method:    model.MethodCard,
			IntentID:  g.lead.IntentID,
			ChargeID:  g.chargeID,
			RefundID:  refundID,
			Who:       who,
			AddedAt:   now,
		}
		if err := u.receipts.InsertTransaction(ctx, tx, refundTxn); err != nil {
			return err
		}
		// Spread the refunded amount over the group's original payments in
		// order, so AmountLeft stays truthful per transaction.
		remaining := g.refundable
		for _, txn := range g.txns {
			if remaining <= 0 {
				break
			}
			share := txn.AmountLeft()
			if share > remaining {
				share = remaining
			}
			if share <= 0 {
				continue
			}
			if err := u.receipts.AddRefund(ctx, tx, txn.ID, refundID, share); err != nil {
				return err
			}
			txn.Refunded += share
			remaining -= share
		}
		return nil
	})
}

func (u *receiptUC) RefundPayment(ctx context.Context, receiptID, intentID string, amount int64, who string) (*model.Receipt, RefundResult, error) {
	var group *chargeGroup
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		receipt, err := u.receipts.FindByID(ctx, tx, receiptID)
		if err != nil {
			return err
		}
		for _, g := range groupCharges(receipt, u.fees, false) {
			if g.lead.IntentID == intentID {
				matched := g
				group = &matched
				break
			}
		}
		if group == nil {
			return fmt.Errorf("no completed charge for intent %s: %w", intentID, domain.ErrTxnNotCompleted)
		}
		return nil
	})
	if err != nil {
		return nil, RefundResult{}, err
	}

	if amount == 0 {
		amount = group.refundable
	}
	if amount > group.refundable {
		return nil, RefundResult{ChargeID: group.chargeID}, domain.ErrRefundTooLarge
	}

	res := RefundResult{ChargeID: group.chargeID, Amount: amount}
	res.RefundID, res.Err = u.payments.ProcessRefund(ctx, group.lead, amount)
	if res.Err == nil {
		partial := *group
		partial.refundable = amount
		res.Err = u.recordRefund(ctx, receiptID, partial, res.RefundID, who)
	}

	receipt, ferr := u.receipts.FindByID(ctx, nil, receiptID)
	if ferr != nil {
		return nil, res, ferr
	}
	if res.Err != nil {
		return receipt, res, res.Err
	}
	return receipt, res, nil
}

type chargeGroup struct {
	chargeID   string
	lead       *model.ReceiptTransaction
	txns       []*model.ReceiptTransaction
	refundable int64
}

// groupCharges buckets a receipt's completed card payments by charge id (a
// shared card swipe covers several transactions but refunds as one unit) and
// works out how much of each bucket is still refundable.
func groupCharges(receipt *model.Receipt, fees ProcessingFees, excludeFees bool) []chargeGroup {
	var groups []chargeGroup
	index := make(map[string]int)
	for _, txn := range receipt.CompletedPayments() {
		if txn.Method != model.MethodCard || txn.ChargeID == "" {
			continue
		}
		i, ok := index[txn.ChargeID]
		if !ok {
			i = len(groups)
			index[txn.ChargeID] = i
			groups = append(groups, chargeGroup{chargeID: txn.ChargeID, lead: txn})
		}
		g := &groups[i]
		g.txns = append(g.txns, txn)
		g.refundable += txn.AmountLeft()
		if excludeFees {
			g.refundable -= fees.Of(txn.Amount)
		}
	}
	for i := range groups {
		if groups[i].refundable < 0 {
			groups[i].refundable = 0
		}
	}
	return groups
}

func buildItems(receiptID string, lines []pricing.Line, who string) []*model.ReceiptItem {
	now := time.Now()
	items := make([]*model.ReceiptItem, 0, len(lines))
	for _, line := range lines {
		typ := model.ItemPurchase
		if line.Total() < 0 {
			typ = model.ItemCredit
		}
		items = append(items, &model.ReceiptItem{
			ID:        uuid.NewString(),
			ReceiptID: receiptID,
			Desc:      line.Desc,
			Amount:    line.Amount,
			Count:     line.Count,
			Type:      typ,
			Who:       who,
			AddedAt:   now,
		})
	}
	return items
}

// revertPayload captures the pre-change values of the attributes being
// changed, keyed by attribute name. Stored on each emitted difference item so
// an admin can undo the change that produced it.
func revertPayload(e model.Entity, changes map[string]any) map[string]any {
	revert := make(map[string]any, len(changes))
	for key := range changes {
		if v, ok := e.Attribute(key); ok {
			revert[key] = v
		}
	}
	return revert
}

func itemTotalsByDesc(items []*model.ReceiptItem) map[string]int64 {
	totals := make(map[string]int64, len(items))
	for _, item := range items {
		totals[item.Desc] += item.Total()
	}
	return totals
}

func totalsEqual(a, b map[string]int64) bool {
	for k, v := range a {
		if v != 0 && b[k] != v {
			return false
		}
	}
	for k, v := range b {
		if v != 0 && a[k] != v {
			return false
		}
	}
	return true
}

func countErrs(results []RefundResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
