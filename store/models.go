package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment request lifecycle. Terminal states never revert.
const (
	PaymentPending   = "pending"
	PaymentConfirmed = "confirmed"
	PaymentExpired   = "expired"
	PaymentFailed    = "failed"
)

// Chain transaction lifecycle.
const (
	TxPending   = "pending"
	TxConfirmed = "confirmed"
	TxFailed    = "failed"
)

// Merchant roles.
const (
	RoleMerchant = "merchant"
	RoleAdmin    = "admin"
)

// Merchant is a registered gateway user owning wallets, credentials and
// payment requests.
type Merchant struct {
	ID           int64
	Email        string
	PasswordHash string
	FullName     string
	CompanyName  string
	Phone        string
	Role         string
	IsActive     bool
	IsVerified   bool
	CreatedAt    time.Time
}

// Wallet stores a merchant xPub. AddressIndex is the last issued index;
// indices are never reused. At most one wallet per merchant is active.
type Wallet struct {
	ID               int64
	MerchantID       int64
	Name             string
	XPub             string
	Network          string
	DerivationPrefix string
	AddressIndex     uint32
	IsActive         bool
	CreatedAt        time.Time
}

// APICredential authenticates machine callers. The secret is stored only as
// a bcrypt hash; PublicID travels in the clear.
type APICredential struct {
	ID         int64
	MerchantID int64
	Name       string
	PublicID   string
	SecretHash string
	IsActive   bool
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// PaymentRequest is one customer order awaiting a USDT transfer to its
// dedicated deposit address.
type PaymentRequest struct {
	ID           int64
	MerchantID   int64
	WalletID     int64
	OrderID      string
	Amount       decimal.Decimal
	Currency     string
	Address      string
	AddressIndex uint32
	Status       string
	ExpiresAt    time.Time
	ConfirmedAt  *time.Time
	CreatedAt    time.Time

	WebhookURL      string
	WebhookSent     bool
	WebhookAttempts int

	CustomerEmail string
	CustomerInfo  string
	Notes         string
}

// ChainTransaction is an observed on-chain transfer linked to a payment
// request. TxHash is unique system-wide; once confirmed, amount and hash are
// immutable.
type ChainTransaction struct {
	ID               int64
	PaymentRequestID int64
	TxHash           string
	FromAddress      string
	ToAddress        string
	Amount           decimal.Decimal
	Network          string
	Contract         string
	BlockNumber      *int64
	BlockTimestamp   *time.Time
	Confirmations    int
	Status           string
	DetectedAt       time.Time
	ConfirmedAt      *time.Time
}

// Stats aggregates a merchant's dashboard numbers.
type Stats struct {
	TotalPayments     int64
	PendingPayments   int64
	ConfirmedPayments int64
	TotalAmount       decimal.Decimal
	TodayPayments     int64
	TodayAmount       decimal.Decimal
}
