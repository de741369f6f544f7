// Package store is the transactional gateway to the relational state of the
// system. It is the single source of truth: no component keeps payment state
// in memory. Every multi-step mutation runs inside one database transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Sentinel errors surfaced to the HTTP edge, which maps them to statuses.
var (
	ErrNotFound       = errors.New("store: not found")
	ErrNoActiveWallet = errors.New("store: merchant has no active wallet")
	ErrWalletBusy     = errors.New("store: wallet has pending payments")
	ErrNotPending     = errors.New("store: payment is not pending")
	ErrDuplicateXPub  = errors.New("store: xpub already registered")
	ErrDuplicateEmail = errors.New("store: email already registered")
)

const pqUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

// Store wraps a Postgres connection pool.
type Store struct {
	db  *sql.DB
	log log.Logger
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: pinging database: %w", err)
	}
	return &Store{db: db, log: log.New("component", "store")}, nil
}

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: applying schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// --- Merchants ---

// CreateMerchant inserts a merchant. The unique constraint on email is the
// only duplicate check; concurrent registrations of the same address both
// race into it and the loser gets ErrDuplicateEmail.
func (s *Store) CreateMerchant(ctx context.Context, m *Merchant) error {
	if m.Role == "" {
		m.Role = RoleMerchant
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO merchants (email, password_hash, full_name, company_name, phone, role, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		RETURNING id, is_active, is_verified, created_at`,
		m.Email, m.PasswordHash, m.FullName, m.CompanyName, m.Phone, m.Role,
	).Scan(&m.ID, &m.IsActive, &m.IsVerified, &m.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	return err
}

func (s *Store) MerchantByEmail(ctx context.Context, email string) (*Merchant, error) {
	return scanMerchant(s.db.QueryRowContext(ctx,
		merchantColumns+`WHERE email = $1`, email))
}

func (s *Store) MerchantByID(ctx context.Context, id int64) (*Merchant, error) {
	return scanMerchant(s.db.QueryRowContext(ctx,
		merchantColumns+`WHERE id = $1`, id))
}

const merchantColumns = `
	SELECT id, email, password_hash, full_name, company_name, phone, role, is_active, is_verified, created_at
	FROM merchants `

func scanMerchant(row *sql.Row) (*Merchant, error) {
	var m Merchant
	err := row.Scan(&m.ID, &m.Email, &m.PasswordHash, &m.FullName, &m.CompanyName,
		&m.Phone, &m.Role, &m.IsActive, &m.IsVerified, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// --- Wallets ---

// CreateWallet inserts a wallet as the merchant's active one, deactivating
// all siblings in the same transaction. Registering an xpub twice is
// rejected system-wide.
func (s *Store) CreateWallet(ctx context.Context, w *Wallet) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM wallets WHERE xpub = $1)`, w.XPub).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrDuplicateXPub
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE wallets SET is_active = FALSE WHERE merchant_id = $1`, w.MerchantID); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `
			INSERT INTO wallets (merchant_id, name, xpub, network, derivation_prefix, is_active)
			VALUES ($1, $2, $3, $4, $5, TRUE)
			RETURNING id, address_index, is_active, created_at`,
			w.MerchantID, w.Name, w.XPub, w.Network, w.DerivationPrefix,
		).Scan(&w.ID, &w.AddressIndex, &w.IsActive, &w.CreatedAt)
	})
}

func (s *Store) Wallets(ctx context.Context, merchantID int64) ([]*Wallet, error) {
	rows, err := s.db.QueryContext(ctx,
		walletColumns+`WHERE merchant_id = $1 ORDER BY created_at DESC`, merchantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) WalletByID(ctx context.Context, merchantID, id int64) (*Wallet, error) {
	row := s.db.QueryRowContext(ctx,
		walletColumns+`WHERE id = $1 AND merchant_id = $2`, id, merchantID)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

// ActiveWallet returns the merchant's single active wallet.
func (s *Store) ActiveWallet(ctx context.Context, merchantID int64) (*Wallet, error) {
	row := s.db.QueryRowContext(ctx,
		walletColumns+`WHERE merchant_id = $1 AND is_active`, merchantID)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveWallet
	}
	return w, err
}

// ActivateWallet makes the given wallet the merchant's active one. It
// refuses while another active wallet still has pending payments depending
// on it.
func (s *Store) ActivateWallet(ctx context.Context, merchantID, id int64) (*Wallet, error) {
	var w *Wallet
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var owned bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM wallets WHERE id = $1 AND merchant_id = $2)`,
			id, merchantID).Scan(&owned); err != nil {
			return err
		}
		if !owned {
			return ErrNotFound
		}
		var busy bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM payment_requests p
				JOIN wallets w ON w.id = p.wallet_id
				WHERE w.merchant_id = $1 AND w.is_active AND w.id <> $2 AND p.status = 'pending'
			)`, merchantID, id).Scan(&busy); err != nil {
			return err
		}
		if busy {
			return ErrWalletBusy
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE wallets SET is_active = FALSE WHERE merchant_id = $1`, merchantID); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `
			UPDATE wallets SET is_active = TRUE WHERE id = $1
			RETURNING id, merchant_id, name, xpub, network, derivation_prefix, address_index, is_active, created_at`, id)
		var err error
		w, err = scanWallet(row)
		return err
	})
	return w, err
}

// DeleteWallet removes a wallet unless pending payments still depend on it.
func (s *Store) DeleteWallet(ctx context.Context, merchantID, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var busy bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM payment_requests WHERE wallet_id = $1 AND status = 'pending')`,
			id).Scan(&busy); err != nil {
			return err
		}
		if busy {
			return ErrWalletBusy
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM wallets WHERE id = $1 AND merchant_id = $2`, id, merchantID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

const walletColumns = `
	SELECT id, merchant_id, name, xpub, network, derivation_prefix, address_index, is_active, created_at
	FROM wallets `

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWallet(row rowScanner) (*Wallet, error) {
	var w Wallet
	err := row.Scan(&w.ID, &w.MerchantID, &w.Name, &w.XPub, &w.Network,
		&w.DerivationPrefix, &w.AddressIndex, &w.IsActive, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// --- API credentials ---

func (s *Store) CreateCredential(ctx context.Context, c *APICredential) error {
	return s.db.QueryRowContext(ctx, `
		INSERT INTO api_credentials (merchant_id, name, public_id, secret_hash, is_active)
		VALUES ($1, $2, $3, $4, TRUE)
		RETURNING id, is_active, created_at`,
		c.MerchantID, c.Name, c.PublicID, c.SecretHash,
	).Scan(&c.ID, &c.IsActive, &c.CreatedAt)
}

func (s *Store) Credentials(ctx context.Context, merchantID int64) ([]*APICredential, error) {
	rows, err := s.db.QueryContext(ctx, credentialColumns+
		`WHERE merchant_id = $1 ORDER BY created_at DESC`, merchantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*APICredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CredentialByPublicID looks up an active credential. Inactive or unknown
// public ids both come back as ErrNotFound so the auth gate leaks nothing.
func (s *Store) CredentialByPublicID(ctx context.Context, publicID string) (*APICredential, error) {
	row := s.db.QueryRowContext(ctx, credentialColumns+
		`WHERE public_id = $1 AND is_active`, publicID)
	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *Store) TouchCredential(ctx context.Context, id int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_credentials SET last_used_at = $2 WHERE id = $1`, id, now)
	return err
}

func (s *Store) SetCredentialActive(ctx context.Context, merchantID, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_credentials SET is_active = $3 WHERE id = $1 AND merchant_id = $2`,
		id, merchantID, active)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteCredential(ctx context.Context, merchantID, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM api_credentials WHERE id = $1 AND merchant_id = $2`, id, merchantID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const credentialColumns = `
	SELECT id, merchant_id, name, public_id, secret_hash, is_active, last_used_at, created_at
	FROM api_credentials `

func scanCredential(row rowScanner) (*APICredential, error) {
	var (
		c    APICredential
		used sql.NullTime
	)
	err := row.Scan(&c.ID, &c.MerchantID, &c.Name, &c.PublicID, &c.SecretHash,
		&c.IsActive, &used, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if used.Valid {
		c.LastUsedAt = &used.Time
	}
	return &c, nil
}

// --- Payment requests ---

// CreatePaymentParams carries merchant input for a new payment request.
type CreatePaymentParams struct {
	OrderID       string
	Amount        decimal.Decimal
	Currency      string
	ExpiresAt     time.Time
	WebhookURL    string
	CustomerEmail string
	CustomerInfo  string
	Notes         string
}

// DeriveFunc computes the deposit address for the freshly allocated index.
// A returned error aborts the whole transaction: the index increment and the
// payment row roll back together, so no index is ever orphaned and no
// payment is persisted with a placeholder address.
type DeriveFunc func(w *Wallet, index uint32) (string, error)

// CreatePayment atomically allocates the next address index on the
// merchant's active wallet, derives the deposit address and inserts the
// payment row. Allocation uses a row-level lock so concurrent calls on one
// wallet serialize and indices come out gapless.
func (s *Store) CreatePayment(ctx context.Context, merchantID int64, p CreatePaymentParams, derive DeriveFunc) (*PaymentRequest, error) {
	var out *PaymentRequest
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, merchant_id, name, xpub, network, derivation_prefix, address_index, is_active, created_at
			FROM wallets WHERE merchant_id = $1 AND is_active
			FOR UPDATE`, merchantID)
		w, err := scanWallet(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoActiveWallet
		}
		if err != nil {
			return err
		}

		var index uint32
		if err := tx.QueryRowContext(ctx, `
			UPDATE wallets SET address_index = address_index + 1
			WHERE id = $1
			RETURNING address_index`, w.ID).Scan(&index); err != nil {
			return err
		}

		address, err := derive(w, index)
		if err != nil {
			return err
		}

		pr := &PaymentRequest{
			MerchantID:    merchantID,
			WalletID:      w.ID,
			OrderID:       p.OrderID,
			Amount:        p.Amount,
			Currency:      p.Currency,
			Address:       address,
			AddressIndex:  index,
			Status:        PaymentPending,
			ExpiresAt:     p.ExpiresAt,
			WebhookURL:    p.WebhookURL,
			CustomerEmail: p.CustomerEmail,
			CustomerInfo:  p.CustomerInfo,
			Notes:         p.Notes,
		}
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO payment_requests
				(merchant_id, wallet_id, order_id, amount, currency, address, address_index,
				 expires_at, webhook_url, customer_email, customer_info, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING id, status, created_at`,
			pr.MerchantID, pr.WalletID, pr.OrderID, pr.Amount, pr.Currency, pr.Address,
			pr.AddressIndex, pr.ExpiresAt, pr.WebhookURL, pr.CustomerEmail, pr.CustomerInfo, pr.Notes,
		).Scan(&pr.ID, &pr.Status, &pr.CreatedAt); err != nil {
			return err
		}
		out = pr
		return nil
	})
	return out, err
}

// OpenPayments lists pending, unexpired payment requests for the monitor.
func (s *Store) OpenPayments(ctx context.Context) ([]*PaymentRequest, error) {
	return s.queryPayments(ctx, paymentColumns+
		`WHERE status = 'pending' AND expires_at > now() ORDER BY created_at`)
}

// ExpiredOpenPayments lists pending payments whose window has closed.
func (s *Store) ExpiredOpenPayments(ctx context.Context) ([]*PaymentRequest, error) {
	return s.queryPayments(ctx, paymentColumns+
		`WHERE status = 'pending' AND expires_at <= now() ORDER BY created_at`)
}

func (s *Store) PaymentByID(ctx context.Context, merchantID, id int64) (*PaymentRequest, error) {
	row := s.db.QueryRowContext(ctx, paymentColumns+
		`WHERE id = $1 AND merchant_id = $2`, id, merchantID)
	return onePayment(row)
}

// Payment loads a payment without merchant scoping. Internal use only
// (webhook resend).
func (s *Store) Payment(ctx context.Context, id int64) (*PaymentRequest, error) {
	row := s.db.QueryRowContext(ctx, paymentColumns+`WHERE id = $1`, id)
	return onePayment(row)
}

func (s *Store) PaymentByOrderID(ctx context.Context, merchantID int64, orderID string) (*PaymentRequest, error) {
	row := s.db.QueryRowContext(ctx, paymentColumns+
		`WHERE order_id = $1 AND merchant_id = $2 ORDER BY created_at DESC LIMIT 1`, orderID, merchantID)
	return onePayment(row)
}

// Payments pages through a merchant's requests, newest first, optionally
// filtered by status.
func (s *Store) Payments(ctx context.Context, merchantID int64, skip, limit int, status string) ([]*PaymentRequest, error) {
	if status != "" {
		return s.queryPayments(ctx, paymentColumns+
			`WHERE merchant_id = $1 AND status = $2 ORDER BY created_at DESC OFFSET $3 LIMIT $4`,
			merchantID, status, skip, limit)
	}
	return s.queryPayments(ctx, paymentColumns+
		`WHERE merchant_id = $1 ORDER BY created_at DESC OFFSET $2 LIMIT $3`,
		merchantID, skip, limit)
}

// CancelPayment transitions PENDING to FAILED on behalf of the merchant.
// Canceling a payment in any other state is a conflict.
func (s *Store) CancelPayment(ctx context.Context, merchantID, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM payment_requests WHERE id = $1 AND merchant_id = $2 FOR UPDATE`,
			id, merchantID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if status != PaymentPending {
			return ErrNotPending
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE payment_requests SET status = 'failed' WHERE id = $1`, id)
		return err
	})
}

// ConfirmPayment transitions a pending payment to CONFIRMED and flips the
// linked transaction in the same database transaction. Idempotent: returns
// false without touching anything when the payment already left PENDING.
func (s *Store) ConfirmPayment(ctx context.Context, paymentID, txID int64, now time.Time) (bool, error) {
	var confirmed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE payment_requests SET status = 'confirmed', confirmed_at = $2
			WHERE id = $1 AND status = 'pending'`, paymentID, now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE transactions SET status = 'confirmed', confirmed_at = $2
			WHERE id = $1`, txID, now); err != nil {
			return err
		}
		confirmed = true
		return nil
	})
	return confirmed, err
}

// MarkExpired transitions PENDING to EXPIRED; a no-op for any other state.
func (s *Store) MarkExpired(ctx context.Context, paymentID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_requests SET status = 'expired'
		WHERE id = $1 AND status = 'pending'`, paymentID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RecordWebhookAttempt counts a delivery attempt; webhook_sent latches true
// on the first success and never resets.
func (s *Store) RecordWebhookAttempt(ctx context.Context, paymentID int64, success bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payment_requests
		SET webhook_attempts = webhook_attempts + 1, webhook_sent = webhook_sent OR $2
		WHERE id = $1`, paymentID, success)
	return err
}

const paymentColumns = `
	SELECT id, merchant_id, wallet_id, order_id, amount, currency, address, address_index,
	       status, expires_at, confirmed_at, created_at, webhook_url, webhook_sent,
	       webhook_attempts, customer_email, customer_info, notes
	FROM payment_requests `

func (s *Store) queryPayments(ctx context.Context, query string, args ...any) ([]*PaymentRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PaymentRequest
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func onePayment(row *sql.Row) (*PaymentRequest, error) {
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func scanPayment(row rowScanner) (*PaymentRequest, error) {
	var (
		p         PaymentRequest
		confirmed sql.NullTime
	)
	err := row.Scan(&p.ID, &p.MerchantID, &p.WalletID, &p.OrderID, &p.Amount, &p.Currency,
		&p.Address, &p.AddressIndex, &p.Status, &p.ExpiresAt, &confirmed, &p.CreatedAt,
		&p.WebhookURL, &p.WebhookSent, &p.WebhookAttempts, &p.CustomerEmail, &p.CustomerInfo, &p.Notes)
	if err != nil {
		return nil, err
	}
	if confirmed.Valid {
		p.ConfirmedAt = &confirmed.Time
	}
	return &p, nil
}

// --- Chain transactions ---

// UpsertTransaction inserts an observed transfer keyed by tx_hash, or
// refreshes the mutable fields (confirmations, block number, status) of the
// existing row. A row that already reached CONFIRMED keeps its status and
// amount untouched.
func (s *Store) UpsertTransaction(ctx context.Context, t *ChainTransaction) (*ChainTransaction, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO transactions
			(payment_request_id, tx_hash, from_address, to_address, amount, network,
			 contract, block_number, block_timestamp, confirmations, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tx_hash) DO UPDATE SET
			confirmations = EXCLUDED.confirmations,
			block_number  = COALESCE(EXCLUDED.block_number, transactions.block_number),
			status        = CASE WHEN transactions.status = 'confirmed'
			                     THEN transactions.status ELSE EXCLUDED.status END
		RETURNING id, payment_request_id, tx_hash, from_address, to_address, amount, network,
		          contract, block_number, block_timestamp, confirmations, status, detected_at, confirmed_at`,
		t.PaymentRequestID, t.TxHash, t.FromAddress, t.ToAddress, t.Amount, t.Network,
		t.Contract, nullInt64(t.BlockNumber), nullTime(t.BlockTimestamp), t.Confirmations, t.Status)
	return scanTransaction(row)
}

// TransactionsForPayment lists observed transfers for a merchant's payment,
// newest first.
func (s *Store) TransactionsForPayment(ctx context.Context, merchantID, paymentID int64) ([]*ChainTransaction, error) {
	if _, err := s.PaymentByID(ctx, merchantID, paymentID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, txColumns+
		`WHERE payment_request_id = $1 ORDER BY detected_at DESC`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ChainTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// FirstTransaction returns the earliest observed transfer for a payment,
// used by manual webhook resend.
func (s *Store) FirstTransaction(ctx context.Context, paymentID int64) (*ChainTransaction, error) {
	row := s.db.QueryRowContext(ctx, txColumns+
		`WHERE payment_request_id = $1 ORDER BY detected_at LIMIT 1`, paymentID)
	t, err := scanTransaction(row)
	if err != nil && errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

const txColumns = `
	SELECT id, payment_request_id, tx_hash, from_address, to_address, amount, network,
	       contract, block_number, block_timestamp, confirmations, status, detected_at, confirmed_at
	FROM transactions `

func scanTransaction(row rowScanner) (*ChainTransaction, error) {
	var (
		t         ChainTransaction
		blockNum  sql.NullInt64
		blockTime sql.NullTime
		confirmed sql.NullTime
	)
	err := row.Scan(&t.ID, &t.PaymentRequestID, &t.TxHash, &t.FromAddress, &t.ToAddress,
		&t.Amount, &t.Network, &t.Contract, &blockNum, &blockTime, &t.Confirmations,
		&t.Status, &t.DetectedAt, &confirmed)
	if err != nil {
		return nil, err
	}
	if blockNum.Valid {
		t.BlockNumber = &blockNum.Int64
	}
	if blockTime.Valid {
		t.BlockTimestamp = &blockTime.Time
	}
	if confirmed.Valid {
		t.ConfirmedAt = &confirmed.Time
	}
	return &t, nil
}

// --- Stats ---

// MerchantStats aggregates dashboard counters. Amounts cover confirmed
// payments only.
func (s *Store) MerchantStats(ctx context.Context, merchantID int64, now time.Time) (*Stats, error) {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var (
		st          Stats
		total       decimal.NullDecimal
		todayAmount decimal.NullDecimal
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'confirmed'),
			sum(amount) FILTER (WHERE status = 'confirmed'),
			count(*) FILTER (WHERE created_at >= $2),
			sum(amount) FILTER (WHERE status = 'confirmed' AND confirmed_at >= $2)
		FROM payment_requests WHERE merchant_id = $1`,
		merchantID, dayStart,
	).Scan(&st.TotalPayments, &st.PendingPayments, &st.ConfirmedPayments,
		&total, &st.TodayPayments, &todayAmount)
	if err != nil {
		return nil, err
	}
	if total.Valid {
		st.TotalAmount = total.Decimal
	}
	if todayAmount.Valid {
		st.TodayAmount = todayAmount.Decimal
	}
	return &st, nil
}

// --- helpers ---

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}
