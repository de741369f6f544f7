// Package monitor implements the reconciliation loop that watches deposit
// addresses and drives payment state. It is the single writer of the
// PENDING -> CONFIRMED and PENDING -> EXPIRED transitions.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/paykript/paykript/store"
	"github.com/paykript/paykript/trongrid"
)

const (
	tickInterval = 30 * time.Second
	errorBackoff = 60 * time.Second
	listLimit    = 50
)

// amountTolerance is the maximum deviation between the requested and the
// observed amount, in USDT. Transfers outside it are ignored, not failed.
var amountTolerance = decimal.RequireFromString("0.01")

var (
	ticks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "paykript", Subsystem: "monitor", Name: "ticks_total",
		Help: "Completed reconciliation ticks.",
	})
	confirmedPayments = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "paykript", Subsystem: "monitor", Name: "payments_confirmed_total",
		Help: "Payments confirmed by the monitor.",
	})
	expiredPayments = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "paykript", Subsystem: "monitor", Name: "payments_expired_total",
		Help: "Payments expired by the monitor.",
	})
	paymentErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "paykript", Subsystem: "monitor", Name: "payment_errors_total",
		Help: "Per-payment reconciliation errors.",
	})
)

// Store is the slice of the store gateway the monitor drives.
type Store interface {
	OpenPayments(ctx context.Context) ([]*store.PaymentRequest, error)
	ExpiredOpenPayments(ctx context.Context) ([]*store.PaymentRequest, error)
	UpsertTransaction(ctx context.Context, t *store.ChainTransaction) (*store.ChainTransaction, error)
	ConfirmPayment(ctx context.Context, paymentID, txID int64, now time.Time) (bool, error)
	MarkExpired(ctx context.Context, paymentID int64) (bool, error)
}

// ChainClient lists TRC-20 transfers into an address. Implementations must
// degrade to an empty result on upstream failure.
type ChainClient interface {
	ListTRC20Transfers(ctx context.Context, address, contract string, limit int) []*trongrid.Transfer
}

// Notifier receives confirmation events for delivery.
type Notifier interface {
	Dispatch(payment *store.PaymentRequest, tx *store.ChainTransaction)
}

// Monitor polls the chain indexer for every open payment and applies the
// resulting state transitions.
type Monitor struct {
	store    Store
	chain    ChainClient
	notifier Notifier
	log      log.Logger

	contract      string
	requiredConfs int

	quit chan struct{}
	wg   sync.WaitGroup
}

// New builds a monitor watching the given USDT contract.
func New(st Store, chain ChainClient, notifier Notifier, contract string, requiredConfs int) *Monitor {
	return &Monitor{
		store:         st,
		chain:         chain,
		notifier:      notifier,
		log:           log.New("component", "monitor"),
		contract:      contract,
		requiredConfs: requiredConfs,
		quit:          make(chan struct{}),
	}
}

// Start launches the reconciliation loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
	m.log.Info("Blockchain monitor started", "contract", m.contract, "confirmations", m.requiredConfs)
}

// Stop terminates the loop, letting an in-flight tick drain.
func (m *Monitor) Stop() {
	close(m.quit)
	m.wg.Wait()
	m.log.Info("Blockchain monitor stopped")
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-m.quit:
			return
		case <-timer.C:
			timer.Reset(m.runTick())
		}
	}
}

// runTick executes one reconciliation pass and returns the delay until the
// next one. Unhandled errors back the loop off without terminating it.
func (m *Monitor) runTick() time.Duration {
	ctx, cancel := context.WithTimeout(context.Background(), tickInterval)
	defer cancel()

	if err := m.Tick(ctx); err != nil {
		m.log.Error("Reconciliation tick failed", "err", err)
		return errorBackoff
	}
	ticks.Inc()
	return tickInterval
}

// Tick runs one full reconciliation pass: every open payment is checked
// concurrently, all checks join, and only then are expired payments swept.
// A confirmation observed in the same tick therefore always wins over
// expiry.
func (m *Monitor) Tick(ctx context.Context) error {
	open, err := m.store.OpenPayments(ctx)
	if err != nil {
		return err
	}
	m.log.Debug("Checking open payments", "count", len(open))

	var wg sync.WaitGroup
	for _, payment := range open {
		wg.Add(1)
		go func(p *store.PaymentRequest) {
			defer wg.Done()
			if err := m.checkPayment(ctx, p); err != nil {
				paymentErrors.Inc()
				m.log.Error("Payment check failed", "payment", p.ID, "address", p.Address, "err", err)
			}
		}(payment)
	}
	wg.Wait()

	return m.sweepExpired(ctx)
}

// checkPayment matches the payment's address against observed transfers and
// applies confirmations. Errors on one payment never abort the tick.
func (m *Monitor) checkPayment(ctx context.Context, p *store.PaymentRequest) error {
	transfers := m.chain.ListTRC20Transfers(ctx, p.Address, m.contract, listLimit)
	for _, transfer := range transfers {
		if !m.matches(p, transfer) {
			continue
		}
		status := store.TxPending
		if transfer.Confirmations >= m.requiredConfs {
			status = store.TxConfirmed
		}
		ts := transfer.Timestamp
		row, err := m.store.UpsertTransaction(ctx, &store.ChainTransaction{
			PaymentRequestID: p.ID,
			TxHash:           transfer.TxHash,
			FromAddress:      transfer.From,
			ToAddress:        transfer.To,
			Amount:           transfer.Amount(),
			Network:          "tron",
			Contract:         transfer.Contract,
			BlockNumber:      transfer.BlockNumber,
			BlockTimestamp:   &ts,
			Confirmations:    transfer.Confirmations,
			Status:           status,
		})
		if err != nil {
			return err
		}

		if row.Confirmations < m.requiredConfs || p.Status != store.PaymentPending {
			continue
		}
		now := time.Now().UTC()
		confirmed, err := m.store.ConfirmPayment(ctx, p.ID, row.ID, now)
		if err != nil {
			return err
		}
		if !confirmed {
			continue // lost the race, payment already terminal
		}
		confirmedPayments.Inc()
		m.log.Info("Payment confirmed", "payment", p.ID, "order", p.OrderID,
			"amount", p.Amount, "tx", row.TxHash)

		p.Status = store.PaymentConfirmed
		p.ConfirmedAt = &now
		row.Status = store.TxConfirmed
		row.ConfirmedAt = &now
		m.notifier.Dispatch(p, row)
	}
	return nil
}

// matches applies the transfer filter: destination, token contract and
// amount within tolerance. Comparison is fixed-point decimal throughout.
func (m *Monitor) matches(p *store.PaymentRequest, t *trongrid.Transfer) bool {
	if t.To != p.Address || t.Contract != m.contract {
		return false
	}
	diff := t.Amount().Sub(p.Amount).Abs()
	return diff.Cmp(amountTolerance) <= 0
}

// sweepExpired transitions overdue pending payments to EXPIRED. MarkExpired
// is conditional on the PENDING state, so a payment confirmed earlier in
// this tick is left untouched.
func (m *Monitor) sweepExpired(ctx context.Context) error {
	expired, err := m.store.ExpiredOpenPayments(ctx)
	if err != nil {
		return err
	}
	for _, p := range expired {
		marked, err := m.store.MarkExpired(ctx, p.ID)
		if err != nil {
			m.log.Error("Expiring payment failed", "payment", p.ID, "err", err)
			continue
		}
		if marked {
			expiredPayments.Inc()
			m.log.Info("Payment expired", "payment", p.ID, "order", p.OrderID)
		}
	}
	return nil
}
