package model

import "time"

type PaymentMethod string

const (
	MethodCard  PaymentMethod = "card"
	MethodCash  PaymentMethod = "cash"
	MethodOther PaymentMethod = "other"
)

type ItemType string

const (
	ItemPurchase ItemType = "purchase" // a charge, amount >= 0
	ItemCredit   ItemType = "credit"   // a discount, cancellation or refund line
)

// Receipt is the running ledger for one purchasing entity. Items record what
// is owed; transactions record money actually moving through the gateway.
// At most one receipt per owner is open (Closed == nil) at any time; closing
// a receipt freezes it as a historical snapshot and a fresh one takes over.
type Receipt struct {
	ID         string
	OwnerID    string
	OwnerKind  string
	InvoiceNum int
	Closed     *time.Time
	CreatedAt  time.Time

	Items []*ReceiptItem
	Txns  []*ReceiptTransaction
}

// ReceiptItem is one immutable priced line. Corrections are new items, never
// edits, so the item list doubles as an audit trail.
type ReceiptItem struct {
	ID        string
	ReceiptID string
	Desc      string
	Amount    int64 // cents; negative = credit
	Count     int
	Type      ItemType
	Who       string
	// RevertChange captures the attribute values an edit replaced, so an
	// undo flow can restore them without re-deriving the diff.
	RevertChange map[string]any
	AddedAt      time.Time
}

func (i *ReceiptItem) Total() int64 { return i.Amount * int64(i.Count) }

// ReceiptTransaction records one attempted or completed gateway operation.
// IntentID correlates with the gateway from the moment a payment is prepared;
// ChargeID is set only once the gateway confirms funds moved, and a
// transaction with a ChargeID is immutable truth that money moved.
type ReceiptTransaction struct {
	ID        string
	ReceiptID string
	Amount    int64 // cents; negative = refund
	Desc      string
	Method    PaymentMethod
	IntentID  string
	ChargeID  string
	RefundID  string
	Refunded  int64 // running total refunded against this charge, cents
	Who       string
	Cancelled *time.Time
	AddedAt   time.Time
}

// PendingCharge reports whether this transaction was initiated at the gateway
// but neither confirmed nor cancelled.
func (t *ReceiptTransaction) PendingCharge() bool {
	return t.IntentID != "" && t.ChargeID == "" && t.Cancelled == nil
}

// Completed reports whether the gateway confirmed this transaction, or it was
// taken by a method that settles immediately (cash).
func (t *ReceiptTransaction) Completed() bool {
	if t.Cancelled != nil {
		return false
	}
	return t.ChargeID != "" || t.Method != MethodCard
}

// AmountLeft is how much of a completed payment is still refundable.
func (t *ReceiptTransaction) AmountLeft() int64 { return t.Amount - t.Refunded }

// GatewayID returns the most relevant gateway correlation id.
func (t *ReceiptTransaction) GatewayID() string {
	if t.RefundID != "" {
		return t.RefundID
	}
	if t.ChargeID != "" {
		return t.ChargeID
	}
	return t.IntentID
}

func (r *Receipt) Open() bool { return r.Closed == nil }

// ItemTotal is the sum of every item line, charges minus credits.
func (r *Receipt) ItemTotal() int64 {
	var sum int64
	for _, item := range r.Items {
		sum += item.Total()
	}
	return sum
}

// PaymentTotal sums confirmed inbound payments.
func (r *Receipt) PaymentTotal() int64 {
	var sum int64
	for _, txn := range r.Txns {
		if txn.Amount > 0 && txn.Completed() {
			sum += txn.Amount
		}
	}
	return sum
}

// RefundTotal sums outbound refunds, as a positive number.
func (r *Receipt) RefundTotal() int64 {
	var sum int64
	for _, txn := range r.Txns {
		if txn.Amount < 0 && txn.Completed() {
			sum -= txn.Amount
		}
	}
	return sum
}

// TxnTotal is the net of money that actually moved.
func (r *Receipt) TxnTotal() int64 { return r.PaymentTotal() - r.RefundTotal() }

// CurrentAmountOwed is the authoritative balance due: what the items say the
// purchase costs, minus what has actually been settled.
func (r *Receipt) CurrentAmountOwed() int64 { return r.ItemTotal() - r.TxnTotal() }

// PendingTotal sums transactions initiated at the gateway but not yet
// confirmed or cancelled.
func (r *Receipt) PendingTotal() int64 {
	var sum int64
	for _, txn := range r.Txns {
		if txn.PendingCharge() {
			sum += txn.Amount
		}
	}
	return sum
}

// Paid reports whether the receipt is fully settled. Used by the notification
// layer to decide whether payment-confirmation mail should go out.
func (r *Receipt) Paid() bool { return r.CurrentAmountOwed() <= 0 && r.PendingTotal() == 0 }

// PendingTxns returns the transactions still awaiting gateway confirmation.
func (r *Receipt) PendingTxns() []*ReceiptTransaction {
	var out []*ReceiptTransaction
	for _, txn := range r.Txns {
		if txn.PendingCharge() {
			out = append(out, txn)
		}
	}
	return out
}

// CompletedPayments returns confirmed inbound payments, for refund grouping.
func (r *Receipt) CompletedPayments() []*ReceiptTransaction {
	var out []*ReceiptTransaction
	for _, txn := range r.Txns {
		if txn.Amount > 0 && txn.Completed() {
			out = append(out, txn)
		}
	}
	return out
}

// ChargeDescription is a short human summary of the open charge lines.
func (r *Receipt) ChargeDescription() string {
	desc := ""
	for _, item := range r.Items {
		if item.Amount <= 0 {
			continue
		}
		if desc != "" {
			desc += ", "
		}
		desc += item.Desc
	}
	return desc
}
