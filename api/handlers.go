package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/paykript/paykript/auth"
	"github.com/paykript/paykript/payments"
	"github.com/paykript/paykript/store"
	"github.com/paykript/paykript/tron"
	"github.com/paykript/paykript/webhook"
)

type ctxKey int

const merchantKey ctxKey = iota

func merchantFrom(r *http.Request) *store.Merchant {
	return r.Context().Value(merchantKey).(*store.Merchant)
}

// withAPIKey admits requests carrying a valid public_id:secret bearer pair.
func (s *Server) withAPIKey(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m, err := s.auth.AuthenticateAPIKey(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			s.httpError(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), merchantKey, m)))
	})
}

// withJWT admits requests carrying a valid dashboard session token.
func (s *Server) withJWT(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m, err := s.auth.AuthenticateToken(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			s.httpError(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), merchantKey, m)))
	})
}

// httpError maps domain errors onto HTTP statuses and a uniform error body.
func (s *Server) httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var derr *tron.DerivationError
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	// Conflict-class errors report as 400, matching the validation class.
	case errors.Is(err, store.ErrNotPending),
		errors.Is(err, store.ErrWalletBusy),
		errors.Is(err, store.ErrDuplicateXPub),
		errors.Is(err, store.ErrDuplicateEmail),
		errors.Is(err, webhook.ErrNotConfirmed),
		errors.Is(err, store.ErrNoActiveWallet),
		errors.Is(err, payments.ErrInvalidAmount),
		errors.Is(err, payments.ErrMissingOrderID),
		errors.Is(err, payments.ErrAmountPrecision),
		errors.Is(err, payments.ErrBadPrefix),
		errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.As(err, &derr):
		// Derivation failures are internal faults, never merchant input.
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		s.log.Error("Request failed", "err", err)
		writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

var errBadRequest = errors.New("api: bad request")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errBadRequest
	}
	return nil
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

// --- Response shapes ---

type paymentResponse struct {
	ID              int64  `json:"id"`
	OrderID         string `json:"order_id"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	Address         string `json:"payment_address"`
	Status          string `json:"status"`
	ExpiresAt       string `json:"expires_at"`
	ConfirmedAt     string `json:"confirmed_at,omitempty"`
	CreatedAt       string `json:"created_at"`
	WebhookSent     bool   `json:"webhook_sent"`
	WebhookAttempts int    `json:"webhook_attempts"`
}

func toPaymentResponse(p *store.PaymentRequest) paymentResponse {
	out := paymentResponse{
		ID:              p.ID,
		OrderID:         p.OrderID,
		Amount:          p.Amount.String(),
		Currency:        p.Currency,
		Address:         p.Address,
		Status:          p.Status,
		ExpiresAt:       p.ExpiresAt.UTC().Format(time.RFC3339),
		CreatedAt:       p.CreatedAt.UTC().Format(time.RFC3339),
		WebhookSent:     p.WebhookSent,
		WebhookAttempts: p.WebhookAttempts,
	}
	if p.ConfirmedAt != nil {
		out.ConfirmedAt = p.ConfirmedAt.UTC().Format(time.RFC3339)
	}
	return out
}

type walletResponse struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Network      string `json:"network"`
	AddressIndex uint32 `json:"address_index"`
	IsActive     bool   `json:"is_active"`
	CreatedAt    string `json:"created_at"`
}

func toWalletResponse(w *store.Wallet) walletResponse {
	return walletResponse{
		ID:           w.ID,
		Name:         w.Name,
		Network:      w.Network,
		AddressIndex: w.AddressIndex,
		IsActive:     w.IsActive,
		CreatedAt:    w.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type transactionResponse struct {
	TxHash        string `json:"tx_hash"`
	FromAddress   string `json:"from_address"`
	Amount        string `json:"amount"`
	Network       string `json:"network"`
	Confirmations int    `json:"confirmations"`
	BlockNumber   *int64 `json:"block_number"`
	Status        string `json:"status"`
	DetectedAt    string `json:"detected_at"`
}

// --- Auth ---

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	FullName    string `json:"full_name"`
	CompanyName string `json:"company_name"`
	Phone       string `json:"phone"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.httpError(w, err)
		return
	}
	if req.Email == "" || len(req.Password) < 8 {
		s.httpError(w, errBadRequest)
		return
	}
	hash, err := auth.HashSecret(req.Password)
	if err != nil {
		s.httpError(w, err)
		return
	}
	m := &store.Merchant{
		Email:        req.Email,
		PasswordHash: hash,
		FullName:     req.FullName,
		CompanyName:  req.CompanyName,
		Phone:        req.Phone,
		Role:         store.RoleMerchant,
		IsActive:     true,
	}
	if err := s.store.CreateMerchant(r.Context(), m); err != nil {
		s.httpError(w, err)
		return
	}
	token, err := s.auth.IssueToken(m)
	if err != nil {
		s.httpError(w, err)
		return
	}
	s.log.Info("Merchant registered", "merchant", m.ID, "email", m.Email)
	writeJSON(w, http.StatusCreated, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"merchant_id":  m.ID,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.httpError(w, err)
		return
	}
	token, m, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"merchant_id":  m.ID,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	m := merchantFrom(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           m.ID,
		"email":        m.Email,
		"full_name":    m.FullName,
		"company_name": m.CompanyName,
		"role":         m.Role,
		"is_verified":  m.IsVerified,
	})
}

// --- Payments ---

type createPaymentRequest struct {
	OrderID       string `json:"order_id"`
	Amount        string `json:"amount"`
	WebhookURL    string `json:"webhook_url"`
	CustomerEmail string `json:"customer_email"`
	CustomerInfo  string `json:"customer_info"`
	Notes         string `json:"notes"`
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.httpError(w, err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		s.httpError(w, payments.ErrInvalidAmount)
		return
	}
	p, err := s.payments.Create(r.Context(), merchantFrom(r).ID, payments.CreateInput{
		OrderID:       req.OrderID,
		Amount:        amount,
		WebhookURL:    req.WebhookURL,
		CustomerEmail: req.CustomerEmail,
		CustomerInfo:  req.CustomerInfo,
		Notes:         req.Notes,
	})
	if err != nil {
		s.httpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentResponse(p))
}

func (s *Server) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	p, err := s.payments.Status(r.Context(), merchantFrom(r).ID, pathID(r))
	if err != nil {
		s.httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

func (s *Server) handlePaymentByOrder(w http.ResponseWriter, r *http.Request) {
	p, err := s.payments.ByOrderID(r.Context(), merchantFrom(r).ID, mux.Vars(r)["order_id"])
	if err != nil {
		s.httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

func (s *Server) handlePaymentList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	skip, _ := strconv.Atoi(q.Get("skip"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	list, err := s.payments.List(r.Context(), merchantFrom(r).ID, skip, limit, q.Get("status"))
	if err != nil {
		s.httpError(w, err)
		return
	}
	out := make([]paymentResponse, 0, len(list))
	for _, p := range list {
		out = append(out, toPaymentResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePaymentStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.payments.Stats(r.Context(), merchantFrom(r).ID)
	if err != nil {
		s.httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_payments":     stats.TotalPayments,
		"pending_payments":   stats.PendingPayments,
		"confirmed_payments": stats.ConfirmedPayments,
		"total_amount":       stats.TotalAmount.String(),
		"today_payments":     stats.TodayPayments,
		"today_amount":       stats.TodayAmount.String(),
	})
}

func (s *Server) handlePaymentCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.payments.Cancel(r.Context(), merchantFrom(r).ID, pathID(r)); err != nil {
		s.httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": store.PaymentFailed})
}

func (s *Server) handlePaymentQR(w http.ResponseWriter, r *http.Request) {
	qr, err := s.payments.QR(r.Context(), merchantFrom(r).ID, pathID(r))
	if err != nil {
		s.httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, qr)
}

func (s *Server) handlePaymentTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.payments.Transactions(r.Context(), merchantFrom(r).ID, pathID(r))
	if err != nil {
		s.httpError(w, err)
		return
	}
	out := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, transactionResponse{
			TxHash:        tx.TxHash,
			FromAddress:   tx.FromAddress,
			Amount:        tx.Amount.String(),
			Network:       tx.Network,
			Confirmations: tx.Confirmations,
			BlockNumber:   tx.BlockNumber,
			Status:        tx.Status,
			DetectedAt:    tx.DetectedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Wallets ---

type createWalletRequest struct {
	Name             string `json:"name"`
	XPub             string `json:"xpub"`
	Network          string `json:"network"`
	DerivationPrefix string `json:"derivation_prefix"`
}

func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	var req createWalletRequest
	if err := decodeJSON(r, &req); err != nil {
		s.httpError(w, err)
		return
	}
	if !tron.ValidateXPub(req.XPub) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid extended public key"})
		return
	}
	if req.DerivationPrefix != "" && req.DerivationPrefix != tron.DefaultDerivationPrefix {
		s.httpError(w, payments.ErrBadPrefix)
		return
	}
	// Probe derivation before accepting the wallet, so a key that parses but
	// cannot derive is rejected here instead of at first payment.
	probe, err := tron.DeriveAddress(req.XPub, 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "xpub cannot derive addresses"})
		return
	}
	if req.Network == "" {
		req.Network = "mainnet"
	}
	wallet := &store.Wallet{
		MerchantID:       merchantFrom(r).ID,
		Name:             req.Name,
		XPub:             req.XPub,
		Network:          req.Network,
		DerivationPrefix: tron.DefaultDerivationPrefix,
	}
	if err := s.store.CreateWallet(r.Context(), wallet); err != nil {
		s.httpError(w, err)
		return
	}
	s.log.Info("Wallet registered", "wallet", wallet.ID, "merchant", wallet.MerchantID)
	resp := struct {
		walletResponse
		FirstAddress string `json:"first_address"`
	}{toWalletResponse(wallet), probe}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := s.store.Wallets(r.Context(), merchantFrom(r).ID)
	if err != nil {
		s.httpError(w, err)
		return
	}
	out := make([]walletResponse, 0, len(wallets))
	for _, wal := range wallets {
		out = append(out, toWalletResponse(wal))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleActivateWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.store.ActivateWallet(r.Context(), merchantFrom(r).ID, pathID(r))
	if err != nil {
		s.httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletResponse(wallet))
}

func (s *Server) handleDeleteWallet(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteWallet(r.Context(), merchantFrom(r).ID, pathID(r)); err != nil {
		s.httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTestAddress derives an address at an arbitrary index without touching
// any wallet state, so merchants can cross-check their own derivation.
func (s *Server) handleTestAddress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		XPub  string `json:"xpub"`
		Index uint32 `json:"index"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.httpError(w, err)
		return
	}
	if !tron.ValidateXPub(req.XPub) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid extended public key"})
		return
	}
	address, err := tron.DeriveAddress(req.XPub, req.Index)
	if err != nil {
		s.httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address": address,
		"index":   req.Index,
		"valid":   tron.ValidateAddress(address),
	})
}

// --- API keys ---

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.httpError(w, err)
		return
	}
	pair, err := auth.GenerateKeyPair(s.cfg.LiveNetwork)
	if err != nil {
		s.httpError(w, err)
		return
	}
	hash, err := auth.HashSecret(pair.Secret)
	if err != nil {
		s.httpError(w, err)
		return
	}
	cred := &store.APICredential{
		MerchantID: merchantFrom(r).ID,
		Name:       req.Name,
		PublicID:   pair.PublicID,
		SecretHash: hash,
		IsActive:   true,
	}
	if err := s.store.CreateCredential(r.Context(), cred); err != nil {
		s.httpError(w, err)
		return
	}
	s.log.Info("API key created", "credential", cred.ID, "merchant", cred.MerchantID)
	// The plaintext secret is returned exactly once and never stored.
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         cred.ID,
		"name":       cred.Name,
		"public_id":  pair.PublicID,
		"api_secret": pair.Secret,
	})
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	creds, err := s.store.Credentials(r.Context(), merchantFrom(r).ID)
	if err != nil {
		s.httpError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(creds))
	for _, c := range creds {
		entry := map[string]any{
			"id":         c.ID,
			"name":       c.Name,
			"public_id":  c.PublicID,
			"is_active":  c.IsActive,
			"created_at": c.CreatedAt.UTC().Format(time.RFC3339),
		}
		if c.LastUsedAt != nil {
			entry["last_used_at"] = c.LastUsedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpdateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsActive bool `json:"is_active"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.httpError(w, err)
		return
	}
	if err := s.store.SetCredentialActive(r.Context(), merchantFrom(r).ID, pathID(r), req.IsActive); err != nil {
		s.httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": pathID(r), "is_active": req.IsActive})
}

func (s *Server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteCredential(r.Context(), merchantFrom(r).ID, pathID(r)); err != nil {
		s.httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Webhooks ---

func (s *Server) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := decodeJSON(r, &req); err != nil || req.URL == "" {
		s.httpError(w, errBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.hooks.Test(r.Context(), req.URL))
}

func (s *Server) handleWebhookResend(w http.ResponseWriter, r *http.Request) {
	p, err := s.payments.Status(r.Context(), merchantFrom(r).ID, pathID(r))
	if err != nil {
		s.httpError(w, err)
		return
	}
	tx, err := s.store.FirstTransaction(r.Context(), p.ID)
	if err != nil {
		s.httpError(w, err)
		return
	}
	if err := s.hooks.Resend(r.Context(), p, tx); err != nil {
		s.httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment_id": p.ID, "resent": true})
}
