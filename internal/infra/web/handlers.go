package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"convention-ledger/internal/domain"
	"convention-ledger/internal/domain/model"
	"convention-ledger/internal/infra/metrics"
	"convention-ledger/internal/infra/payment"
	"convention-ledger/internal/usecase"
)

const maxBodyBytes = 1 << 16

type whoKey struct{}

func withWho(ctx context.Context, who string) context.Context {
	return context.WithValue(ctx, whoKey{}, who)
}

func who(ctx context.Context) string {
	if v := ctx.Value(whoKey{}); v != nil {
		return v.(string)
	}
	return "system"
}

// entityPayload carries a purchasing entity over the wire: the registration
// system posts the entity's current state, the ledger never stores it.
type entityPayload struct {
	Kind       string         `json:"kind"` // attendee | group
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes"`
}

func (p *entityPayload) toEntity() (model.Entity, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("entity id is required: %w", domain.ErrInvalidArgument)
	}
	var e model.Entity
	switch p.Kind {
	case model.KindAttendee:
		e = &model.Attendee{AttendeeID: p.ID}
	case model.KindGroup:
		e = &model.Group{GroupID: p.ID}
	default:
		return nil, fmt.Errorf("unknown entity kind %q: %w", p.Kind, domain.ErrInvalidArgument)
	}
	if err := e.Apply(p.Attributes); err != nil {
		return nil, err
	}
	return e, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrReceiptExists),
		errors.Is(err, domain.ErrReceiptClosed),
		errors.Is(err, domain.ErrAlreadyRefunded):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrNothingOwed),
		errors.Is(err, domain.ErrAmountTooLarge),
		errors.Is(err, domain.ErrRefundTooLarge),
		errors.Is(err, domain.ErrTxnNotCompleted),
		errors.Is(err, domain.ErrPricingIncomplete):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, domain.ErrLockNotAcquired):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	default:
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}

// ---- receipt endpoints ----

func (s *Server) receiptCreateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Entity entityPayload `json:"entity"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	e, err := req.Entity.toEntity()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	receipt, err := s.receiptUC.CreateNewReceipt(r.Context(), e, who(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receiptResponse(receipt))
}

func (s *Server) receiptPreviewHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Entity entityPayload `json:"entity"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	e, err := req.Entity.toEntity()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	lines, err := s.receiptUC.PreviewReceipt(r.Context(), e)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	type lineOut struct {
		Desc   string `json:"desc"`
		Amount int64  `json:"amount"`
		Count  int    `json:"count"`
		Total  int64  `json:"total"`
	}
	out := struct {
		Lines []lineOut `json:"lines"`
		Total int64     `json:"total"`
	}{Lines: []lineOut{}}
	for _, line := range lines {
		out.Lines = append(out.Lines, lineOut{Desc: line.Desc, Amount: line.Amount, Count: line.Count, Total: line.Total()})
		out.Total += line.Total()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) receiptCurrentHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ownerID := r.URL.Query().Get("owner_id")
	ownerKind := r.URL.Query().Get("owner_kind")
	if ownerID == "" || ownerKind == "" {
		http.Error(w, "owner_id and owner_kind are required", http.StatusBadRequest)
		return
	}
	receipt, err := s.receiptUC.CurrentReceipt(r.Context(), ownerID, ownerKind)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receiptResponse(receipt))
}

func (s *Server) receiptReconcileHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Entity  entityPayload  `json:"entity"`
		Changes map[string]any `json:"changes"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	e, err := req.Entity.toEntity()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	receipt, err := s.receiptUC.AutoUpdateReceipt(r.Context(), e, req.Changes, who(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receiptResponse(receipt))
}

func (s *Server) receiptResetHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Entity entityPayload `json:"entity"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	e, err := req.Entity.toEntity()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	receipt, err := s.receiptUC.ResetReceipt(r.Context(), e, who(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receiptResponse(receipt))
}

func (s *Server) receiptCancelHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Entity      entityPayload `json:"entity"`
		ExcludeFees bool          `json:"exclude_fees"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	e, err := req.Entity.toEntity()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	receipt, results, err := s.receiptUC.CancelAndRefund(r.Context(), e, req.ExcludeFees, who(r.Context()))
	status := http.StatusOK
	if err != nil {
		if receipt == nil {
			writeDomainError(w, err)
			return
		}
		// Partial failure: report what happened, receipt stays open.
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{
		"receipt": receiptResponse(receipt),
		"refunds": refundResults(results),
	})
}

func (s *Server) refundHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReceiptID string `json:"receipt_id"`
		IntentID  string `json:"intent_id"`
		Amount    int64  `json:"amount"` // cents; 0 = everything refundable
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	receipt, result, err := s.receiptUC.RefundPayment(r.Context(), req.ReceiptID, req.IntentID, req.Amount, who(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"receipt": receiptResponse(receipt),
		"refund": map[string]any{
			"charge_id": result.ChargeID,
			"amount":    result.Amount,
			"refund_id": result.RefundID,
		},
	})
}

func refundResults(results []usecase.RefundResult) []map[string]any {
	out := make([]map[string]any, 0, len(results))
	for _, res := range results {
		entry := map[string]any{
			"charge_id": res.ChargeID,
			"amount":    res.Amount,
			"refund_id": res.RefundID,
		}
		if res.Err != nil {
			entry["error"] = res.Err.Error()
		}
		out = append(out, entry)
	}
	return out
}

// ---- payment endpoints ----

func (s *Server) paymentPrepareHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReceiptID   string `json:"receipt_id"`
		Description string `json:"description"`
		Email       string `json:"email"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	txn, intent, err := s.paymentUC.PreparePayment(r.Context(), req.ReceiptID, req.Description, req.Email, who(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction_id": txn.ID,
		"intent_id":      intent.ID,
		"amount":         txn.Amount,
		"client_secret":  intent.ClientSecret,
	})
}

func (s *Server) paymentConfirmHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IntentID string `json:"intent_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	txns, err := s.paymentUC.ConfirmPayment(r.Context(), req.IntentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txnResponses(txns)})
}

// ---- webhook ----

func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Could not read body", http.StatusBadRequest)
		return
	}
	sig := r.Header.Get("Stripe-Signature")
	if err := payment.VerifyWebhookSignature(s.webhookSecret, body, sig, payment.DefaultSignatureTolerance, time.Now()); err != nil {
		s.log.Warn().Err(err).Msg("webhook signature rejected")
		metrics.IncWebhookEvent("unknown", "bad_signature")
		http.Error(w, "Bad signature", http.StatusBadRequest)
		return
	}
	event, err := payment.ParseWebhookEvent(body)
	if err != nil {
		http.Error(w, "Bad payload", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case "payment_intent.succeeded":
		intentID := event.Data.Object.ID
		chargeID := event.Data.Object.LatestCharge
		if _, err := s.paymentUC.HandleIntentSucceeded(r.Context(), intentID, chargeID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			// 5xx makes the gateway redeliver; the mark-paid is idempotent
			// so redelivery is safe.
			metrics.IncWebhookEvent(event.Type, "error")
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		metrics.IncWebhookEvent(event.Type, "ok")
	case "payment_intent.canceled", "payment_intent.payment_failed":
		if _, err := s.paymentUC.ConfirmPayment(r.Context(), event.Data.Object.ID); err != nil &&
			!errors.Is(err, domain.ErrTxnNotCompleted) && !errors.Is(err, domain.ErrNotFound) {
			metrics.IncWebhookEvent(event.Type, "error")
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		metrics.IncWebhookEvent(event.Type, "ok")
	default:
		metrics.IncWebhookEvent(event.Type, "ignored")
	}
	w.WriteHeader(http.StatusOK)
}

// ---- response shaping ----

func receiptResponse(receipt *model.Receipt) map[string]any {
	if receipt == nil {
		return nil
	}
	items := make([]map[string]any, 0, len(receipt.Items))
	for _, item := range receipt.Items {
		items = append(items, map[string]any{
			"id":       item.ID,
			"desc":     item.Desc,
			"amount":   item.Amount,
			"count":    item.Count,
			"total":    item.Total(),
			"type":     item.Type,
			"who":      item.Who,
			"added_at": item.AddedAt,
		})
	}
	return map[string]any{
		"id":           receipt.ID,
		"owner_id":     receipt.OwnerID,
		"owner_kind":   receipt.OwnerKind,
		"invoice_num":  receipt.InvoiceNum,
		"closed":       receipt.Closed,
		"item_total":   receipt.ItemTotal(),
		"paid_total":   receipt.PaymentTotal(),
		"refund_total": receipt.RefundTotal(),
		"amount_owed":  receipt.CurrentAmountOwed(),
		"paid":         receipt.Paid(),
		"items":        items,
		"transactions": txnResponses(receipt.Txns),
	}
}

func txnResponses(txns []*model.ReceiptTransaction) []map[string]any {
	out := make([]map[string]any, 0, len(txns))
	for _, txn := range txns {
		out = append(out, map[string]any{
			"id":         txn.ID,
			"amount":     txn.Amount,
			"desc":       txn.Desc,
			"method":     txn.Method,
			"intent_id":  txn.IntentID,
			"charge_id":  txn.ChargeID,
			"refund_id":  txn.RefundID,
			"refunded":   txn.Refunded,
			"cancelled":  txn.Cancelled,
			"completed":  txn.Completed(),
			"added_at":   txn.AddedAt,
			"gateway_id": txn.GatewayID(),
		})
	}
	return out
}
