package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"convention-ledger/internal/usecase"
)

// PaymentReconciler periodically sweeps stale pending transactions and either
// finalizes them (the gateway completed but the webhook never landed) or
// cancels them. This covers crashed processes and lost callbacks.
type PaymentReconciler struct {
	uc         usecase.PaymentUseCase
	interval   time.Duration // how often to scan
	staleAfter time.Duration // how old a pending transaction must be to touch
	log        *zerolog.Logger
}

func NewPaymentReconciler(uc usecase.PaymentUseCase, interval, staleAfter time.Duration, logger *zerolog.Logger) *PaymentReconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 45 * time.Minute
	}
	return &PaymentReconciler{uc: uc, interval: interval, staleAfter: staleAfter, log: logger}
}

func (w *PaymentReconciler) Start(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.tick(ctx)
		}
	}
}

func (w *PaymentReconciler) tick(ctx context.Context) {
	cutoff := time.Now().Add(-w.staleAfter)
	resolved, err := w.uc.CancelStale(ctx, cutoff, 200)
	if err != nil {
		w.log.Error().Err(err).Msg("payment-reconciler: sweep failed")
		return
	}
	if resolved > 0 {
		w.log.Info().Int("resolved", resolved).Msg("payment-reconciler: stale transactions resolved")
	}
}
