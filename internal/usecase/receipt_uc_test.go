package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"convention-ledger/internal/domain"
	"convention-ledger/internal/domain/model"
	"convention-ledger/internal/pricing"
)

func testPricingConfig() pricing.Config {
	return pricing.Config{
		BadgePrices:       map[string]int64{"attendee": 5000, "sponsor": 7000},
		PromoCodes:        map[string]int64{"TEN": 1000, "FREE": 9999},
		AgeDiscount:       1000,
		AgeDiscountMaxAge: 13,
		EventDate:         time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		TablePrices:       []int64{10000, 10000, 20000},
		GroupBadgePrice:   4000,
		DealerBadgePrice:  3000,
	}
}

type testStack struct {
	repo      *memReceiptRepo
	gateway   *memGateway
	receiptUC ReceiptUseCase
	paymentUC PaymentUseCase
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	registry := pricing.NewRegistry()
	if err := pricing.RegisterDefaults(registry, testPricingConfig()); err != nil {
		t.Fatalf("register defaults: %v", err)
	}
	repo := newMemReceiptRepo()
	gateway := newMemGateway()
	logger := zerolog.Nop()
	payUC := NewPaymentUseCase(repo, &memTxManager{}, gateway, &memLocker{}, 30*time.Minute, 999999, &logger)
	recUC := NewReceiptUseCase(repo, &memTxManager{}, registry, payUC, ProcessingFees{}, &logger)
	return &testStack{repo: repo, gateway: gateway, receiptUC: recUC, paymentUC: payUC}
}

func testAttendee() *model.Attendee {
	return &model.Attendee{AttendeeID: "att-1", FullName: "Pat Example", BadgeType: "attendee"}
}

// payInFull prepares, completes and confirms a payment of the full balance.
func payInFull(t *testing.T, s *testStack, receiptID string) *model.ReceiptTransaction {
	t.Helper()
	ctx := context.Background()
	txn, intent, err := s.paymentUC.PreparePayment(ctx, receiptID, "registration", "pat@example.test", "test")
	if err != nil {
		t.Fatalf("prepare payment: %v", err)
	}
	chargeID := s.gateway.complete(intent.ID)
	txns, err := s.paymentUC.HandleIntentSucceeded(ctx, intent.ID, chargeID)
	if err != nil {
		t.Fatalf("handle succeeded: %v", err)
	}
	if len(txns) != 1 || !txns[0].Completed() {
		t.Fatalf("expected one completed txn, got %+v", txns)
	}
	return txn
}

func TestCreateNewReceipt(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	receipt, err := s.receiptUC.CreateNewReceipt(ctx, testAttendee(), "test")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(receipt.Items) != 1 || receipt.ItemTotal() != 5000 {
		t.Fatalf("expected one 5000 item, got %d items total %d", len(receipt.Items), receipt.ItemTotal())
	}
	if receipt.CurrentAmountOwed() != 5000 {
		t.Fatalf("owed = %d, want 5000", receipt.CurrentAmountOwed())
	}

	t.Run("second create fails", func(t *testing.T) {
		if _, err := s.receiptUC.CreateNewReceipt(ctx, testAttendee(), "test"); !errors.Is(err, domain.ErrReceiptExists) {
			t.Fatalf("err = %v, want ErrReceiptExists", err)
		}
	})
}

func TestCreateNewReceipt_PricingIncomplete(t *testing.T) {
	s := newTestStack(t)
	a := testAttendee()
	a.BadgeType = "mystery"
	if _, err := s.receiptUC.CreateNewReceipt(context.Background(), a, "test"); !errors.Is(err, domain.ErrPricingIncomplete) {
		t.Fatalf("err = %v, want ErrPricingIncomplete", err)
	}
}

func TestAutoUpdateReceipt_Upgrade(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	a := testAttendee()
	if _, err := s.receiptUC.CreateNewReceipt(ctx, a, "test"); err != nil {
		t.Fatalf("create: %v", err)
	}

	receipt, err := s.receiptUC.AutoUpdateReceipt(ctx, a, map[string]any{"badge_type": "sponsor"}, "test")
	if err != nil {
		t.Fatalf("auto update: %v", err)
	}

	// Minimal diff: a single difference item, not cancel-and-replace.
	if len(receipt.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(receipt.Items))
	}
	diff := receipt.Items[1]
	if diff.Desc != "Badge" || diff.Total() != 2000 {
		t.Fatalf("diff item = %q %d, want Badge +2000", diff.Desc, diff.Total())
	}
	if receipt.ItemTotal() != 7000 {
		t.Fatalf("item total = %d, want 7000", receipt.ItemTotal())
	}
	if got, ok := diff.RevertChange["badge_type"]; !ok || got != "attendee" {
		t.Fatalf("revert payload = %v, want prior badge_type", diff.RevertChange)
	}

	t.Run("idempotent once applied", func(t *testing.T) {
		a.BadgeType = "sponsor" // the registration system persisted the change
		receipt, err := s.receiptUC.AutoUpdateReceipt(ctx, a, map[string]any{"badge_type": "sponsor"}, "test")
		if err != nil {
			t.Fatalf("auto update: %v", err)
		}
		if len(receipt.Items) != 2 {
			t.Fatalf("expected no new items, got %d", len(receipt.Items))
		}
	})
}

// A page reload or double submit replays the same change before the
// registration system has persisted it. The second call must recognize the
// receipt as already reconciled and emit nothing, even with a payment on the
// books.
func TestAutoUpdateReceipt_RepeatedChangeOnPaidReceipt(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	a := testAttendee()
	receipt, err := s.receiptUC.CreateNewReceipt(ctx, a, "test")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	payInFull(t, s, receipt.ID)

	changes := map[string]any{"badge_type": "sponsor"}
	first, err := s.receiptUC.AutoUpdateReceipt(ctx, a, changes, "test")
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if first.ID != receipt.ID || first.CurrentAmountOwed() != 2000 {
		t.Fatalf("first update: receipt %s owed %d, want %s owing 2000", first.ID, first.CurrentAmountOwed(), receipt.ID)
	}

	// Entity still carries the old badge type; only the receipt knows.
	second, err := s.receiptUC.AutoUpdateReceipt(ctx, a, changes, "test")
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if second.ID != receipt.ID {
		t.Fatalf("second identical update reseeded the receipt: %s -> %s", receipt.ID, second.ID)
	}
	if len(second.Items) != len(first.Items) {
		t.Fatalf("second identical update emitted items: %d -> %d", len(first.Items), len(second.Items))
	}
	if second.CurrentAmountOwed() != 2000 {
		t.Fatalf("owed = %d, want 2000", second.CurrentAmountOwed())
	}
	if second.PaymentTotal() != 5000 {
		t.Fatalf("payment total = %d, the original payment must stay attached", second.PaymentTotal())
	}
}

func TestAutoUpdateReceipt_RemovedLineCancels(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	a := testAttendee()
	a.ExtraDonation = 2500
	if _, err := s.receiptUC.CreateNewReceipt(ctx, a, "test"); err != nil {
		t.Fatalf("create: %v", err)
	}

	receipt, err := s.receiptUC.AutoUpdateReceipt(ctx, a, map[string]any{"extra_donation": 0}, "test")
	if err != nil {
		t.Fatalf("auto update: %v", err)
	}
	if receipt.ItemTotal() != 5000 {
		t.Fatalf("item total = %d, want 5000", receipt.ItemTotal())
	}
	last := receipt.Items[len(receipt.Items)-1]
	if last.Desc != "Extra donation" || last.Total() != -2500 {
		t.Fatalf("cancel item = %q %d, want Extra donation -2500", last.Desc, last.Total())
	}
	if last.Type != model.ItemCredit {
		t.Fatalf("cancel item type = %q, want credit", last.Type)
	}
}

// The full journey from the ledger's point of view: $50 badge, $10 promo
// credit, pay $40, then upgrade to a $70 badge and owe the $20 difference.
func TestReceiptLifecycle(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	a := testAttendee()

	receipt, err := s.receiptUC.CreateNewReceipt(ctx, a, "test")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	receipt, err = s.receiptUC.AutoUpdateReceipt(ctx, a, map[string]any{"promo_code": "TEN"}, "test")
	if err != nil {
		t.Fatalf("apply promo: %v", err)
	}
	a.PromoCode = "TEN"
	if receipt.CurrentAmountOwed() != 4000 {
		t.Fatalf("owed = %d, want 4000", receipt.CurrentAmountOwed())
	}

	payInFull(t, s, receipt.ID)
	receipt, err = s.receiptUC.CurrentReceipt(ctx, a.ID(), a.Kind())
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if !receipt.Paid() || receipt.CurrentAmountOwed() != 0 {
		t.Fatalf("after payment owed = %d paid = %v", receipt.CurrentAmountOwed(), receipt.Paid())
	}

	receipt, err = s.receiptUC.AutoUpdateReceipt(ctx, a, map[string]any{"badge_type": "sponsor"}, "test")
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	a.BadgeType = "sponsor"
	if receipt.CurrentAmountOwed() != 2000 {
		t.Fatalf("owed after upgrade = %d, want 2000", receipt.CurrentAmountOwed())
	}
	// Conservation: items reconstruct the repriced entity exactly
	// (7000 sponsor badge minus the 1000 promo credit).
	if receipt.ItemTotal() != 6000 {
		t.Fatalf("item total = %d, want 6000", receipt.ItemTotal())
	}
}

func TestAutoUpdateReceipt_ReseedsWhenItemsDiverged(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	a := testAttendee()
	receipt, err := s.receiptUC.CreateNewReceipt(ctx, a, "test")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	payInFull(t, s, receipt.ID)

	// Drift the stored items away from anything pricing can produce.
	s.repo.InsertItems(ctx, nil, []*model.ReceiptItem{{
		ID: "drift", ReceiptID: receipt.ID, Desc: "Mystery charge", Amount: 1234, Count: 1,
		Type: model.ItemPurchase, AddedAt: time.Now(),
	}})

	fresh, err := s.receiptUC.AutoUpdateReceipt(ctx, a, map[string]any{"badge_type": "sponsor"}, "test")
	if err != nil {
		t.Fatalf("auto update: %v", err)
	}
	if fresh.ID == receipt.ID {
		t.Fatalf("expected a reseeded receipt, got the same one")
	}
	if fresh.ItemTotal() != 7000 {
		t.Fatalf("reseeded total = %d, want 7000", fresh.ItemTotal())
	}
	old, err := s.repo.FindByID(ctx, nil, receipt.ID)
	if err != nil {
		t.Fatalf("find old: %v", err)
	}
	if old.Open() {
		t.Fatalf("old receipt should be closed")
	}
}

func TestResetReceipt(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	a := testAttendee()
	first, err := s.receiptUC.CreateNewReceipt(ctx, a, "test")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	a.BadgeType = "sponsor"
	fresh, err := s.receiptUC.ResetReceipt(ctx, a, "test")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if fresh.ID == first.ID {
		t.Fatalf("reset should open a new receipt")
	}
	if fresh.ItemTotal() != 7000 {
		t.Fatalf("fresh total = %d, want 7000", fresh.ItemTotal())
	}
	old, _ := s.repo.FindByID(ctx, nil, first.ID)
	if old.Open() {
		t.Fatalf("old receipt should be closed")
	}
}

func TestCancelAndRefund(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	a := testAttendee()
	receipt, err := s.receiptUC.CreateNewReceipt(ctx, a, "test")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	payInFull(t, s, receipt.ID)

	closed, results, err := s.receiptUC.CancelAndRefund(ctx, a, false, "test")
	if err != nil {
		t.Fatalf("cancel and refund: %v", err)
	}
	if len(results) != 1 || results[0].Err != nil || results[0].Amount != 5000 {
		t.Fatalf("results = %+v, want one 5000 refund", results)
	}
	if closed.Open() {
		t.Fatalf("receipt should be closed")
	}
	// Refund conservation: refunds never exceed what was paid.
	if closed.RefundTotal() != closed.PaymentTotal() {
		t.Fatalf("refunded %d of %d paid", closed.RefundTotal(), closed.PaymentTotal())
	}
	// The original positive item is untouched; a negative item records the
	// refund.
	last := closed.Items[len(closed.Items)-1]
	if last.Total() != -5000 || last.Type != model.ItemCredit {
		t.Fatalf("refund item = %+v", last)
	}
}

func TestCancelAndRefund_GatewayFailureKeepsReceiptOpen(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	a := testAttendee()
	receipt, err := s.receiptUC.CreateNewReceipt(ctx, a, "test")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	payInFull(t, s, receipt.ID)

	s.gateway.refundErr = errors.New("gateway down")
	open, results, err := s.receiptUC.CancelAndRefund(ctx, a, false, "test")
	if err == nil {
		t.Fatalf("expected error")
	}
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("results = %+v, want one failed group", results)
	}
	if !open.Open() {
		t.Fatalf("receipt must stay open after a failed refund")
	}
	if open.RefundTotal() != 0 {
		t.Fatalf("nothing should be recorded for a failed refund, got %d", open.RefundTotal())
	}
}

func TestRefundPayment_Partial(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	a := testAttendee()
	receipt, err := s.receiptUC.CreateNewReceipt(ctx, a, "test")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	txn := payInFull(t, s, receipt.ID)

	updated, res, err := s.receiptUC.RefundPayment(ctx, receipt.ID, txn.IntentID, 1500, "test")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if res.Amount != 1500 || res.RefundID == "" {
		t.Fatalf("result = %+v", res)
	}
	if updated.RefundTotal() != 1500 {
		t.Fatalf("refund total = %d, want 1500", updated.RefundTotal())
	}
	// The credit item mirrors the refund, so the receipt stays settled:
	// items 5000-1500 against 5000 paid minus 1500 refunded.
	if updated.ItemTotal() != 3500 || updated.CurrentAmountOwed() != 0 {
		t.Fatalf("item total = %d owed = %d, want 3500 and 0", updated.ItemTotal(), updated.CurrentAmountOwed())
	}

	t.Run("over-refund rejected", func(t *testing.T) {
		_, _, err := s.receiptUC.RefundPayment(ctx, receipt.ID, txn.IntentID, 4000, "test")
		if !errors.Is(err, domain.ErrRefundTooLarge) {
			t.Fatalf("err = %v, want ErrRefundTooLarge", err)
		}
	})
}

func TestPreviewReceipt(t *testing.T) {
	s := newTestStack(t)
	a := testAttendee()
	a.PromoCode = "TEN"
	lines, err := s.receiptUC.PreviewReceipt(context.Background(), a)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	var total int64
	for _, line := range lines {
		total += line.Total()
	}
	if total != 4000 {
		t.Fatalf("preview total = %d, want 4000", total)
	}
	// Nothing persisted.
	if _, err := s.receiptUC.CurrentReceipt(context.Background(), a.ID(), a.Kind()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("preview must not create a receipt, err = %v", err)
	}
}
