package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paykript/paykript/store"
	"github.com/paykript/paykript/tron"
)

// BIP32 test vector 1 master xpub.
const testXPub = "xpub661MyMwAqRbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8NqtwybGhePY2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8"

const usdtContract = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"

// fakeStore emulates the single-transaction allocate+derive+insert flow of
// the real gateway: a derivation error rolls the index allocation back.
type fakeStore struct {
	wallet   *store.Wallet
	payments map[int64]*store.PaymentRequest
	txs      []*store.ChainTransaction
	nextID   int64
}

func newFakeStore(w *store.Wallet) *fakeStore {
	return &fakeStore{wallet: w, payments: make(map[int64]*store.PaymentRequest)}
}

func (s *fakeStore) CreatePayment(ctx context.Context, merchantID int64, p store.CreatePaymentParams, derive store.DeriveFunc) (*store.PaymentRequest, error) {
	if s.wallet == nil || !s.wallet.IsActive {
		return nil, store.ErrNoActiveWallet
	}
	index := s.wallet.AddressIndex + 1
	address, err := derive(s.wallet, index)
	if err != nil {
		return nil, err
	}
	s.wallet.AddressIndex = index
	s.nextID++
	pr := &store.PaymentRequest{
		ID:           s.nextID,
		MerchantID:   merchantID,
		WalletID:     s.wallet.ID,
		OrderID:      p.OrderID,
		Amount:       p.Amount,
		Currency:     p.Currency,
		Address:      address,
		AddressIndex: index,
		Status:       store.PaymentPending,
		ExpiresAt:    p.ExpiresAt,
		WebhookURL:   p.WebhookURL,
		CreatedAt:    time.Now().UTC(),
	}
	s.payments[pr.ID] = pr
	return pr, nil
}

func (s *fakeStore) PaymentByID(ctx context.Context, merchantID, id int64) (*store.PaymentRequest, error) {
	p, ok := s.payments[id]
	if !ok || p.MerchantID != merchantID {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) PaymentByOrderID(ctx context.Context, merchantID int64, orderID string) (*store.PaymentRequest, error) {
	for _, p := range s.payments {
		if p.MerchantID == merchantID && p.OrderID == orderID {
			return p, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *fakeStore) Payments(ctx context.Context, merchantID int64, skip, limit int, status string) ([]*store.PaymentRequest, error) {
	var out []*store.PaymentRequest
	for _, p := range s.payments {
		if p.MerchantID == merchantID && (status == "" || p.Status == status) {
			out = append(out, p)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) CancelPayment(ctx context.Context, merchantID, id int64) error {
	p, err := s.PaymentByID(ctx, merchantID, id)
	if err != nil {
		return err
	}
	if p.Status != store.PaymentPending {
		return store.ErrNotPending
	}
	p.Status = store.PaymentFailed
	return nil
}

func (s *fakeStore) TransactionsForPayment(ctx context.Context, merchantID, paymentID int64) ([]*store.ChainTransaction, error) {
	var out []*store.ChainTransaction
	for _, tx := range s.txs {
		if tx.PaymentRequestID == paymentID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *fakeStore) MerchantStats(ctx context.Context, merchantID int64, now time.Time) (*store.Stats, error) {
	return &store.Stats{TotalPayments: int64(len(s.payments))}, nil
}

func activeWallet() *store.Wallet {
	return &store.Wallet{
		ID:               7,
		MerchantID:       1,
		XPub:             testXPub,
		Network:          "mainnet",
		DerivationPrefix: tron.DefaultDerivationPrefix,
		AddressIndex:     0,
		IsActive:         true,
	}
}

func newTestService(st Store) *Service {
	return NewService(st, usdtContract, 15*time.Minute)
}

func TestCreateDerivesRealAddress(t *testing.T) {
	st := newFakeStore(activeWallet())
	svc := newTestService(st)

	p, err := svc.Create(context.Background(), 1, CreateInput{
		OrderID: "order-1",
		Amount:  decimal.RequireFromString("25.50"),
	})
	require.NoError(t, err)

	assert.True(t, tron.ValidateAddress(p.Address), "address %q must be a valid TRON address", p.Address)
	assert.Equal(t, uint32(1), p.AddressIndex)
	assert.Equal(t, store.PaymentPending, p.Status)
	assert.Equal(t, "USDT", p.Currency)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), p.ExpiresAt, 5*time.Second)

	// Consecutive payments consume consecutive indices with distinct
	// addresses.
	p2, err := svc.Create(context.Background(), 1, CreateInput{
		OrderID: "order-2",
		Amount:  decimal.RequireFromString("1"),
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), p2.AddressIndex)
	assert.NotEqual(t, p.Address, p2.Address)
}

func TestCreateValidation(t *testing.T) {
	svc := newTestService(newFakeStore(activeWallet()))

	_, err := svc.Create(context.Background(), 1, CreateInput{Amount: decimal.RequireFromString("1")})
	assert.ErrorIs(t, err, ErrMissingOrderID)

	_, err = svc.Create(context.Background(), 1, CreateInput{OrderID: "o", Amount: decimal.Zero})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Create(context.Background(), 1, CreateInput{OrderID: "o", Amount: decimal.RequireFromString("-5")})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Create(context.Background(), 1, CreateInput{OrderID: "o", Amount: decimal.RequireFromString("1.0000001")})
	assert.ErrorIs(t, err, ErrAmountPrecision)
}

func TestCreateNoActiveWallet(t *testing.T) {
	svc := newTestService(newFakeStore(nil))

	_, err := svc.Create(context.Background(), 1, CreateInput{
		OrderID: "o", Amount: decimal.RequireFromString("1"),
	})
	assert.ErrorIs(t, err, store.ErrNoActiveWallet)
}

func TestCreateDerivationFailureRollsBack(t *testing.T) {
	w := activeWallet()
	w.XPub = "xpub-not-a-key"
	st := newFakeStore(w)
	svc := newTestService(st)

	_, err := svc.Create(context.Background(), 1, CreateInput{
		OrderID: "o", Amount: decimal.RequireFromString("1"),
	})
	require.Error(t, err)
	var derr *tron.DerivationError
	assert.True(t, errors.As(err, &derr))
	assert.Empty(t, st.payments, "failed derivation must not persist a payment")
	assert.Equal(t, uint32(0), w.AddressIndex, "failed derivation must not consume an index")
}

func TestCreateRejectsForeignDerivationPrefix(t *testing.T) {
	w := activeWallet()
	w.DerivationPrefix = "m/44'/60'/0'/0"
	svc := newTestService(newFakeStore(w))

	_, err := svc.Create(context.Background(), 1, CreateInput{
		OrderID: "o", Amount: decimal.RequireFromString("1"),
	})
	assert.ErrorIs(t, err, ErrBadPrefix)
}

func TestListClampsLimit(t *testing.T) {
	st := newFakeStore(activeWallet())
	svc := newTestService(st)
	for i := 0; i < 3; i++ {
		_, err := svc.Create(context.Background(), 1, CreateInput{
			OrderID: "o", Amount: decimal.RequireFromString("1"),
		})
		require.NoError(t, err)
	}

	got, err := svc.List(context.Background(), 1, 0, 2, "")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = svc.List(context.Background(), 1, 0, 1000, "")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestCancel(t *testing.T) {
	st := newFakeStore(activeWallet())
	svc := newTestService(st)
	p, err := svc.Create(context.Background(), 1, CreateInput{
		OrderID: "o", Amount: decimal.RequireFromString("1"),
	})
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(context.Background(), 1, p.ID))
	assert.Equal(t, store.PaymentFailed, st.payments[p.ID].Status)

	assert.ErrorIs(t, svc.Cancel(context.Background(), 1, p.ID), store.ErrNotPending)
}

func TestQR(t *testing.T) {
	st := newFakeStore(activeWallet())
	svc := newTestService(st)
	p, err := svc.Create(context.Background(), 1, CreateInput{
		OrderID: "o", Amount: decimal.RequireFromString("10.50"),
	})
	require.NoError(t, err)

	qr, err := svc.QR(context.Background(), 1, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Address, qr.Address)
	assert.Equal(t, "10.5", qr.Amount)
	assert.Equal(t, tron.PaymentURI(p.Address, "10.5", usdtContract), qr.QRData)

	// Terminal payments have no QR.
	st.payments[p.ID].Status = store.PaymentExpired
	_, err = svc.QR(context.Background(), 1, p.ID)
	assert.ErrorIs(t, err, store.ErrNotPending)
}

func TestByOrderIDScopedToMerchant(t *testing.T) {
	st := newFakeStore(activeWallet())
	svc := newTestService(st)
	_, err := svc.Create(context.Background(), 1, CreateInput{
		OrderID: "order-x", Amount: decimal.RequireFromString("1"),
	})
	require.NoError(t, err)

	got, err := svc.ByOrderID(context.Background(), 1, "order-x")
	require.NoError(t, err)
	assert.Equal(t, "order-x", got.OrderID)

	_, err = svc.ByOrderID(context.Background(), 2, "order-x")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
