// Package api exposes the merchant HTTP surface under /api/v1: payment
// endpoints for machine callers holding API keys and dashboard endpoints for
// JWT sessions.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/paykript/paykript/payments"
	"github.com/paykript/paykript/store"
	"github.com/paykript/paykript/webhook"
)

const (
	readTimeout     = 30 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 10 * time.Second
)

// PaymentService is the payment lifecycle surface served by the API.
type PaymentService interface {
	Create(ctx context.Context, merchantID int64, in payments.CreateInput) (*store.PaymentRequest, error)
	Status(ctx context.Context, merchantID, id int64) (*store.PaymentRequest, error)
	ByOrderID(ctx context.Context, merchantID int64, orderID string) (*store.PaymentRequest, error)
	List(ctx context.Context, merchantID int64, skip, limit int, status string) ([]*store.PaymentRequest, error)
	Cancel(ctx context.Context, merchantID, id int64) error
	Transactions(ctx context.Context, merchantID, paymentID int64) ([]*store.ChainTransaction, error)
	Stats(ctx context.Context, merchantID int64) (*store.Stats, error)
	QR(ctx context.Context, merchantID, id int64) (*payments.QRCode, error)
}

// Authenticator resolves Authorization headers and issues session tokens.
type Authenticator interface {
	AuthenticateAPIKey(ctx context.Context, header string) (*store.Merchant, error)
	AuthenticateToken(ctx context.Context, header string) (*store.Merchant, error)
	Login(ctx context.Context, email, password string) (string, *store.Merchant, error)
	IssueToken(m *store.Merchant) (string, error)
}

// WebhookService probes merchant endpoints and re-delivers confirmations.
type WebhookService interface {
	Test(ctx context.Context, endpoint string) webhook.ProbeResult
	Resend(ctx context.Context, p *store.PaymentRequest, tx *store.ChainTransaction) error
}

// Store is the slice of the store gateway the handlers use directly.
type Store interface {
	CreateMerchant(ctx context.Context, m *store.Merchant) error
	MerchantByEmail(ctx context.Context, email string) (*store.Merchant, error)

	CreateWallet(ctx context.Context, w *store.Wallet) error
	Wallets(ctx context.Context, merchantID int64) ([]*store.Wallet, error)
	WalletByID(ctx context.Context, merchantID, id int64) (*store.Wallet, error)
	ActivateWallet(ctx context.Context, merchantID, id int64) (*store.Wallet, error)
	DeleteWallet(ctx context.Context, merchantID, id int64) error

	CreateCredential(ctx context.Context, c *store.APICredential) error
	Credentials(ctx context.Context, merchantID int64) ([]*store.APICredential, error)
	SetCredentialActive(ctx context.Context, merchantID, id int64, active bool) error
	DeleteCredential(ctx context.Context, merchantID, id int64) error

	FirstTransaction(ctx context.Context, paymentID int64) (*store.ChainTransaction, error)
}

// Config carries the server's listen and CORS settings.
type Config struct {
	Port           int
	AllowedOrigins []string
	LiveNetwork    bool
}

// Server is the HTTP front-end. Handlers are stateless; all state lives in
// the injected services.
type Server struct {
	cfg      Config
	store    Store
	payments PaymentService
	auth     Authenticator
	hooks    WebhookService
	log      log.Logger

	srv *http.Server
}

// NewServer wires the handlers onto a /api/v1 router.
func NewServer(cfg Config, st Store, ps PaymentService, auth Authenticator, hooks WebhookService) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		payments: ps,
		auth:     auth,
		hooks:    hooks,
		log:      log.New("component", "api"),
	}
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

// Handler builds the full middleware-wrapped route tree.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	v1.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	v1.Handle("/auth/me", s.withJWT(s.handleMe)).Methods(http.MethodGet)

	// Machine surface, API-key authenticated.
	v1.Handle("/payments/create", s.withAPIKey(s.handleCreatePayment)).Methods(http.MethodPost)
	v1.Handle("/payments/status/{id:[0-9]+}", s.withAPIKey(s.handlePaymentStatus)).Methods(http.MethodGet)
	v1.Handle("/payments/by-order/{order_id}", s.withAPIKey(s.handlePaymentByOrder)).Methods(http.MethodGet)
	v1.Handle("/payments/qr/{id:[0-9]+}", s.withAPIKey(s.handlePaymentQR)).Methods(http.MethodGet)

	// Dashboard surface, JWT authenticated.
	v1.Handle("/payments/list", s.withJWT(s.handlePaymentList)).Methods(http.MethodGet)
	v1.Handle("/payments/stats", s.withJWT(s.handlePaymentStats)).Methods(http.MethodGet)
	v1.Handle("/payments/cancel/{id:[0-9]+}", s.withJWT(s.handlePaymentCancel)).Methods(http.MethodPost)
	v1.Handle("/payments/transactions/{id:[0-9]+}", s.withJWT(s.handlePaymentTransactions)).Methods(http.MethodGet)
	v1.Handle("/payments/webhook/resend/{id:[0-9]+}", s.withJWT(s.handleWebhookResend)).Methods(http.MethodPost)

	v1.Handle("/wallets", s.withJWT(s.handleCreateWallet)).Methods(http.MethodPost)
	v1.Handle("/wallets", s.withJWT(s.handleListWallets)).Methods(http.MethodGet)
	v1.Handle("/wallets/test-address", s.withJWT(s.handleTestAddress)).Methods(http.MethodPost)
	v1.Handle("/wallets/{id:[0-9]+}/activate", s.withJWT(s.handleActivateWallet)).Methods(http.MethodPut)
	v1.Handle("/wallets/{id:[0-9]+}", s.withJWT(s.handleDeleteWallet)).Methods(http.MethodDelete)

	v1.Handle("/api-keys", s.withJWT(s.handleCreateAPIKey)).Methods(http.MethodPost)
	v1.Handle("/api-keys", s.withJWT(s.handleListAPIKeys)).Methods(http.MethodGet)
	v1.Handle("/api-keys/{id:[0-9]+}", s.withJWT(s.handleUpdateAPIKey)).Methods(http.MethodPut)
	v1.Handle("/api-keys/{id:[0-9]+}", s.withJWT(s.handleDeleteAPIKey)).Methods(http.MethodDelete)

	v1.Handle("/webhooks/test", s.withJWT(s.handleWebhookTest)).Methods(http.MethodPost)

	return newCorsHandler(r, s.cfg.AllowedOrigins)
}

// newCorsHandler wraps the router with CORS when origins are configured.
// Empty origins disable cross-origin access entirely.
func newCorsHandler(h http.Handler, allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		return h
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         600,
	})
	return c.Handler(h)
}

// Start begins serving on the configured port.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("api: listening on %s: %w", s.srv.Addr, err)
	}
	s.log.Info("HTTP server started", "addr", ln.Addr())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server failed", "err", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("HTTP server shutdown incomplete", "err", err)
	}
	s.log.Info("HTTP server stopped")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
