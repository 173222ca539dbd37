package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"convention-ledger/internal/config"
	"convention-ledger/internal/domain/ports/adapter"
	"convention-ledger/internal/infra/api"
	pg "convention-ledger/internal/infra/db/postgres"
	"convention-ledger/internal/infra/logging"
	"convention-ledger/internal/infra/metrics"
	pay "convention-ledger/internal/infra/payment"
	red "convention-ledger/internal/infra/redis"
	"convention-ledger/internal/infra/sched"
	"convention-ledger/internal/infra/web"
	"convention-ledger/internal/pricing"
	"convention-ledger/internal/usecase"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("developer mode enabled")
	}

	// ---- Postgres ----
	pool, err := pg.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis")
	}
	defer redisClient.Close()
	locker := red.NewLocker(redisClient)

	// ---- Pricing ----
	registry := pricing.NewRegistry()
	if err := pricing.RegisterDefaults(registry, cfg.Pricing); err != nil {
		logger.Fatal().Err(err).Msg("pricing")
	}

	// ---- Gateway ----
	var gateway adapter.PaymentGateway
	switch cfg.Payment.Provider {
	case "stripe":
		gateway = pay.NewStripeDirectGateway(cfg.Payment.Stripe.SecretKey, cfg.Payment.Stripe.BaseURL)
	case "noop":
		if !cfg.Runtime.Dev {
			logger.Fatal().Msg("payment.provider=noop is only allowed with -dev")
		}
		gateway = pay.NewNoopGateway()
	default:
		logger.Fatal().Str("provider", cfg.Payment.Provider).Msg("unknown payment provider")
	}
	logger.Info().Str("provider", gateway.Name()).Msg("payment gateway configured")

	// ---- Repositories and use cases ----
	receiptRepo := pg.NewReceiptRepo(pool)
	txManager := pg.NewTxManager(pool)

	paymentUC := usecase.NewPaymentUseCase(
		receiptRepo, txManager, gateway, locker,
		cfg.Payment.Stripe.PendingTTL, cfg.Payment.Stripe.MaxCharge, logger,
	)
	receiptUC := usecase.NewReceiptUseCase(
		receiptRepo, txManager, registry, paymentUC,
		usecase.ProcessingFees{Bps: cfg.Payment.ProcessingFeeBps, Fixed: cfg.Payment.ProcessingFee},
		logger,
	)

	// ---- Reconciler ----
	reconciler := sched.NewPaymentReconciler(paymentUC, cfg.Reconciler.Interval, cfg.Reconciler.StaleAfter, logger)
	go reconciler.Start(ctx)

	// ---- HTTP ----
	metrics.MustRegister()
	auth := web.NewAuthManager(cfg.Security.JWTSecret, !cfg.Runtime.Dev, "", cfg.Security.SessionTTL)
	srv := web.NewServer(receiptUC, paymentUC, auth, cfg.Security.AdminKey, cfg.Payment.Stripe.WebhookSecret, logger)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "db down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	handler := api.Chain(mux,
		api.TraceID(logger),
		api.RequestLog(logger),
		api.Recover(logger),
		api.Timeout(30*time.Second),
	)

	server := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: handler}
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server")
		}
	}()

	// ---- Shutdown ----
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	cancel()
}
