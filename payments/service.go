// Package payments implements the merchant-facing payment request lifecycle
// on top of the store gateway and the address deriver.
package payments

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"

	"github.com/paykript/paykript/store"
	"github.com/paykript/paykript/tron"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

var (
	ErrInvalidAmount   = errors.New("payments: amount must be positive")
	ErrMissingOrderID  = errors.New("payments: order_id is required")
	ErrBadPrefix       = errors.New("payments: wallet derivation prefix is not supported")
	ErrAmountPrecision = errors.New("payments: amount exceeds 6 decimal places")
)

// Store is the slice of the store gateway the service needs.
type Store interface {
	CreatePayment(ctx context.Context, merchantID int64, p store.CreatePaymentParams, derive store.DeriveFunc) (*store.PaymentRequest, error)
	PaymentByID(ctx context.Context, merchantID, id int64) (*store.PaymentRequest, error)
	PaymentByOrderID(ctx context.Context, merchantID int64, orderID string) (*store.PaymentRequest, error)
	Payments(ctx context.Context, merchantID int64, skip, limit int, status string) ([]*store.PaymentRequest, error)
	CancelPayment(ctx context.Context, merchantID, id int64) error
	TransactionsForPayment(ctx context.Context, merchantID, paymentID int64) ([]*store.ChainTransaction, error)
	MerchantStats(ctx context.Context, merchantID int64, now time.Time) (*store.Stats, error)
}

// Service creates and queries payment requests for authenticated merchants.
type Service struct {
	store    Store
	log      log.Logger
	contract string
	timeout  time.Duration
}

// NewService builds a payment service. timeout is the window a customer has
// to pay before the request expires.
func NewService(st Store, usdtContract string, timeout time.Duration) *Service {
	return &Service{
		store:    st,
		log:      log.New("component", "payments"),
		contract: usdtContract,
		timeout:  timeout,
	}
}

// CreateInput is the merchant's request for a new payment.
type CreateInput struct {
	OrderID       string
	Amount        decimal.Decimal
	WebhookURL    string
	CustomerEmail string
	CustomerInfo  string
	Notes         string
}

// Create allocates a fresh deposit address on the merchant's active wallet
// and opens a pending payment request. Address derivation runs inside the
// allocation transaction, so a derivation failure leaves no trace.
func (s *Service) Create(ctx context.Context, merchantID int64, in CreateInput) (*store.PaymentRequest, error) {
	if in.OrderID == "" {
		return nil, ErrMissingOrderID
	}
	if !in.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if in.Amount.Exponent() < -6 {
		return nil, ErrAmountPrecision
	}

	params := store.CreatePaymentParams{
		OrderID:       in.OrderID,
		Amount:        in.Amount,
		Currency:      "USDT",
		ExpiresAt:     time.Now().UTC().Add(s.timeout),
		WebhookURL:    in.WebhookURL,
		CustomerEmail: in.CustomerEmail,
		CustomerInfo:  in.CustomerInfo,
		Notes:         in.Notes,
	}
	p, err := s.store.CreatePayment(ctx, merchantID, params, deriveAddress)
	if err != nil {
		return nil, err
	}
	s.log.Info("Payment request created", "payment", p.ID, "order", p.OrderID,
		"amount", p.Amount, "address", p.Address, "index", p.AddressIndex)
	return p, nil
}

// deriveAddress derives the deposit address for the allocated index. Wallets
// registered with a non-default derivation prefix are refused rather than
// derived differently, since the stored xPub already embeds the account path.
func deriveAddress(w *store.Wallet, index uint32) (string, error) {
	if w.DerivationPrefix != "" && w.DerivationPrefix != tron.DefaultDerivationPrefix {
		return "", ErrBadPrefix
	}
	return tron.DeriveAddress(w.XPub, index)
}

// Status returns the payment request by ID, scoped to the merchant.
func (s *Service) Status(ctx context.Context, merchantID, id int64) (*store.PaymentRequest, error) {
	return s.store.PaymentByID(ctx, merchantID, id)
}

// ByOrderID returns the most recent payment request for the merchant order.
func (s *Service) ByOrderID(ctx context.Context, merchantID int64, orderID string) (*store.PaymentRequest, error) {
	if orderID == "" {
		return nil, ErrMissingOrderID
	}
	return s.store.PaymentByOrderID(ctx, merchantID, orderID)
}

// List pages through the merchant's payment requests, newest first. An empty
// status matches all; limit is clamped to 100.
func (s *Service) List(ctx context.Context, merchantID int64, skip, limit int, status string) ([]*store.PaymentRequest, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if skip < 0 {
		skip = 0
	}
	return s.store.Payments(ctx, merchantID, skip, limit, status)
}

// Cancel transitions a pending payment to FAILED at the merchant's request.
func (s *Service) Cancel(ctx context.Context, merchantID, id int64) error {
	if err := s.store.CancelPayment(ctx, merchantID, id); err != nil {
		return err
	}
	s.log.Info("Payment cancelled", "payment", id, "merchant", merchantID)
	return nil
}

// Transactions lists the observed on-chain transfers for a payment.
func (s *Service) Transactions(ctx context.Context, merchantID, paymentID int64) ([]*store.ChainTransaction, error) {
	if _, err := s.store.PaymentByID(ctx, merchantID, paymentID); err != nil {
		return nil, err
	}
	return s.store.TransactionsForPayment(ctx, merchantID, paymentID)
}

// Stats aggregates the merchant's dashboard counters.
func (s *Service) Stats(ctx context.Context, merchantID int64) (*store.Stats, error) {
	return s.store.MerchantStats(ctx, merchantID, time.Now().UTC())
}

// QRCode carries everything a checkout page needs to render the payment QR.
type QRCode struct {
	PaymentID int64  `json:"payment_id"`
	Address   string `json:"address"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	QRData    string `json:"qr_data_uri"`
	ExpiresAt string `json:"expires_at"`
}

// QR builds the tronlink payment URI for a pending payment.
func (s *Service) QR(ctx context.Context, merchantID, id int64) (*QRCode, error) {
	p, err := s.store.PaymentByID(ctx, merchantID, id)
	if err != nil {
		return nil, err
	}
	if p.Status != store.PaymentPending {
		return nil, store.ErrNotPending
	}
	return &QRCode{
		PaymentID: p.ID,
		Address:   p.Address,
		Amount:    p.Amount.String(),
		Currency:  p.Currency,
		QRData:    tron.PaymentURI(p.Address, p.Amount.String(), s.contract),
		ExpiresAt: p.ExpiresAt.UTC().Format(time.RFC3339),
	}, nil
}
