// Package webhook delivers signed payment-confirmation events to merchant
// endpoints. Delivery is at-least-once with bounded retry; the signature
// covers the exact bytes on the wire.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/paykript/paykript/store"
)

const (
	userAgent       = "PayKript-Webhook/1.0"
	deliveryTimeout = 30 * time.Second
	probeTimeout    = 15 * time.Second
	maxAttempts     = 3
)

// ErrNotConfirmed rejects a resend for a payment that never confirmed.
var ErrNotConfirmed = errors.New("webhook: payment is not confirmed")

// defaultBackoff is the wait schedule between delivery attempts.
var defaultBackoff = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}

var deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "paykript",
	Subsystem: "webhook",
	Name:      "deliveries_total",
	Help:      "Webhook delivery attempts by result.",
}, []string{"result"})

// Recorder persists webhook bookkeeping on the payment row.
type Recorder interface {
	RecordWebhookAttempt(ctx context.Context, paymentID int64, success bool) error
}

// Dispatcher signs and posts webhook events. One dispatcher serves the whole
// process; deliveries run on their own goroutines and drain on Stop.
type Dispatcher struct {
	secret   []byte
	recorder Recorder
	client   *http.Client
	probe    *http.Client
	backoff  []time.Duration
	log      log.Logger

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewDispatcher builds a dispatcher signing with the given shared secret.
func NewDispatcher(secret string, recorder Recorder) *Dispatcher {
	return &Dispatcher{
		secret:   []byte(secret),
		recorder: recorder,
		client:   &http.Client{Timeout: deliveryTimeout},
		probe:    &http.Client{Timeout: probeTimeout},
		backoff:  defaultBackoff,
		log:      log.New("component", "webhook"),
		quit:     make(chan struct{}),
	}
}

// Dispatch delivers the confirmation event asynchronously.
func (d *Dispatcher) Dispatch(payment *store.PaymentRequest, tx *store.ChainTransaction) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.SendConfirmation(context.Background(), payment, tx); err != nil {
			d.log.Warn("Webhook delivery failed", "payment", payment.ID, "err", err)
		}
	}()
}

// Stop cancels pending retries and waits for in-flight deliveries to finish.
// Undelivered webhooks keep webhook_sent=false and stay eligible for resend.
func (d *Dispatcher) Stop() {
	close(d.quit)
	d.wg.Wait()
}

// SendConfirmation posts the payment.confirmed event with up to three
// attempts. Every attempt, successful or not, is recorded on the payment.
func (d *Dispatcher) SendConfirmation(ctx context.Context, payment *store.PaymentRequest, tx *store.ChainTransaction) error {
	if payment.WebhookURL == "" {
		d.log.Debug("Payment has no webhook URL", "payment", payment.ID)
		return nil
	}
	body, headers, err := d.sign("payment.confirmed", confirmationPayload(payment, tx))
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		status, err := d.post(ctx, d.client, payment.WebhookURL, body, headers)
		success := err == nil && status >= 200 && status < 300
		if recErr := d.recorder.RecordWebhookAttempt(ctx, payment.ID, success); recErr != nil {
			d.log.Error("Recording webhook attempt failed", "payment", payment.ID, "err", recErr)
		}
		if success {
			deliveries.WithLabelValues("success").Inc()
			d.log.Info("Webhook delivered", "payment", payment.ID, "attempt", attempt+1)
			return nil
		}
		deliveries.WithLabelValues("failure").Inc()
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("endpoint returned status %d", status)
		}
		d.log.Warn("Webhook attempt failed", "payment", payment.ID, "attempt", attempt+1, "err", lastErr)

		if attempt < maxAttempts-1 {
			select {
			case <-time.After(d.backoff[attempt]):
			case <-d.quit:
				return fmt.Errorf("webhook: dispatcher stopped: %w", lastErr)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("webhook: all %d attempts failed: %w", maxAttempts, lastErr)
}

// Resend re-delivers the confirmation for an already-confirmed payment using
// its earliest observed transfer.
func (d *Dispatcher) Resend(ctx context.Context, payment *store.PaymentRequest, tx *store.ChainTransaction) error {
	if payment.Status != store.PaymentConfirmed {
		return fmt.Errorf("%w: payment %d", ErrNotConfirmed, payment.ID)
	}
	return d.SendConfirmation(ctx, payment, tx)
}

// ProbeResult reports the outcome of a merchant endpoint test.
type ProbeResult struct {
	Success        bool   `json:"success"`
	StatusCode     int    `json:"status_code,omitempty"`
	ResponseTimeMS int64  `json:"response_time_ms,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Test posts a webhook.test event with a short timeout so merchants can
// verify their endpoint and signature handling.
func (d *Dispatcher) Test(ctx context.Context, endpoint string) ProbeResult {
	payload := map[string]any{
		"event": "webhook.test",
		"data": map[string]any{
			"message": "PayKript webhook test delivery",
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   "1.0",
	}
	body, headers, err := d.sign("webhook.test", payload)
	if err != nil {
		return ProbeResult{Error: err.Error()}
	}
	start := time.Now()
	status, err := d.post(ctx, d.probe, endpoint, body, headers)
	if err != nil {
		return ProbeResult{Error: err.Error()}
	}
	return ProbeResult{
		Success:        status >= 200 && status < 300,
		StatusCode:     status,
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}
}

// sign serializes the payload canonically and computes the request headers.
// encoding/json emits map keys in lexicographic order at every nesting
// level, which is exactly the canonical form the signature covers.
func (d *Dispatcher) sign(event string, payload map[string]any) ([]byte, http.Header, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("webhook: encoding payload: %w", err)
	}
	mac := hmac.New(sha256.New, d.secret)
	mac.Write(body)

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("User-Agent", userAgent)
	headers.Set("X-PayKript-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	headers.Set("X-PayKript-Event", event)
	headers.Set("X-PayKript-Timestamp", fmt.Sprint(payload["timestamp"]))
	headers.Set("X-PayKript-Delivery", uuid.NewString())
	return body, headers, nil
}

func (d *Dispatcher) post(ctx context.Context, client *http.Client, endpoint string, body []byte, headers http.Header) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header = headers.Clone()
	res, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	res.Body.Close()
	return res.StatusCode, nil
}

// confirmationPayload builds the payment.confirmed event body. Amounts are
// strings to survive JSON number handling on the merchant side.
func confirmationPayload(p *store.PaymentRequest, tx *store.ChainTransaction) map[string]any {
	var confirmedAt any
	if p.ConfirmedAt != nil {
		confirmedAt = p.ConfirmedAt.UTC().Format(time.RFC3339)
	}
	var blockNumber any
	if tx.BlockNumber != nil {
		blockNumber = *tx.BlockNumber
	}
	return map[string]any{
		"event": "payment.confirmed",
		"data": map[string]any{
			"payment_id":      p.ID,
			"order_id":        p.OrderID,
			"amount":          p.Amount.String(),
			"currency":        p.Currency,
			"status":          p.Status,
			"payment_address": p.Address,
			"confirmed_at":    confirmedAt,
			"transaction": map[string]any{
				"tx_hash":       tx.TxHash,
				"from_address":  tx.FromAddress,
				"amount":        tx.Amount.String(),
				"confirmations": tx.Confirmations,
				"block_number":  blockNumber,
				"network":       tx.Network,
			},
			"customer_email": p.CustomerEmail,
			"notes":          p.Notes,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   "1.0",
	}
}
