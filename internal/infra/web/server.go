package web

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"convention-ledger/internal/usecase"
)

// Server exposes the gateway webhook and the admin JSON API over net/http.
type Server struct {
	receiptUC     usecase.ReceiptUseCase
	paymentUC     usecase.PaymentUseCase
	auth          *AuthManager
	adminKey      string
	webhookSecret string
	log           *zerolog.Logger
}

func NewServer(
	receiptUC usecase.ReceiptUseCase,
	paymentUC usecase.PaymentUseCase,
	auth *AuthManager,
	adminKey string,
	webhookSecret string,
	logger *zerolog.Logger,
) *Server {
	return &Server{
		receiptUC:     receiptUC,
		paymentUC:     paymentUC,
		auth:          auth,
		adminKey:      adminKey,
		webhookSecret: webhookSecret,
		log:           logger,
	}
}

// RegisterRoutes sets up routing. The webhook endpoint authenticates by
// signature, everything else under /api/v1 by admin session.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/webhook/stripe", s.webhookHandler)
	mux.HandleFunc("/api/v1/login", s.loginHandler)

	mux.Handle("/api/v1/receipts", s.authMiddleware(post(s.receiptCreateHandler)))
	mux.Handle("/api/v1/receipts/preview", s.authMiddleware(post(s.receiptPreviewHandler)))
	mux.Handle("/api/v1/receipts/current", s.authMiddleware(http.HandlerFunc(s.receiptCurrentHandler)))
	mux.Handle("/api/v1/receipts/reconcile", s.authMiddleware(post(s.receiptReconcileHandler)))
	mux.Handle("/api/v1/receipts/reset", s.authMiddleware(post(s.receiptResetHandler)))
	mux.Handle("/api/v1/receipts/cancel", s.authMiddleware(post(s.receiptCancelHandler)))
	mux.Handle("/api/v1/receipts/refund", s.authMiddleware(post(s.refundHandler)))

	mux.Handle("/api/v1/payments", s.authMiddleware(post(s.paymentPrepareHandler)))
	mux.Handle("/api/v1/payments/confirm", s.authMiddleware(post(s.paymentConfirmHandler)))
}

func post(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	})
}

// authMiddleware requires a valid admin session (JWT, header or cookie).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.auth.ParseFromRequest(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		r = r.WithContext(withWho(r.Context(), claims.Subject))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Key  string `json:"key"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if s.adminKey == "" || subtle.ConstantTimeCompare([]byte(req.Key), []byte(s.adminKey)) != 1 {
		// A constant comparison keeps login timing independent of how much
		// of the key matched.
		time.Sleep(200 * time.Millisecond)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	subject := req.Name
	if subject == "" {
		subject = "admin"
	}
	token, err := s.auth.Mint(w, subject)
	if err != nil {
		http.Error(w, "Failed to mint session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
