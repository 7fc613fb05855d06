package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/parcelmarket/escrowd/internal/idgen"
	"github.com/parcelmarket/escrowd/internal/retry"
	"github.com/parcelmarket/escrowd/internal/validation"
)

var (
	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "notify",
		Name:      "deliveries_total",
		Help:      "Webhook delivery attempts by event type and outcome.",
	}, []string{"event_type", "outcome"})

	subscriptionsDisabled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "notify",
		Name:      "subscriptions_disabled_total",
		Help:      "Subscriptions deactivated after repeated delivery failures.",
	})
)

func init() {
	prometheus.MustRegister(deliveriesTotal, subscriptionsDisabled)
}

// maxConsecutiveFails deactivates a subscription once its endpoint has
// failed this many deliveries in a row.
const maxConsecutiveFails = 10

// Dispatcher fans events out to a wallet's active subscriptions. It
// satisfies the Notifier interface the escrow and dispute services
// accept: Notify is fire-and-forget and never blocks the caller on the
// receiving endpoint.
type Dispatcher struct {
	store   Store
	client  *http.Client
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// DispatcherOption configures the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithClient overrides the delivery HTTP client.
func WithClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) { d.client = c }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithDeliveryTimeout bounds one delivery attempt including retries.
func WithDeliveryTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = t }
}

// NewDispatcher creates a dispatcher over the subscription store.
func NewDispatcher(store Store, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  slog.Default(),
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify delivers the event to every active subscription of the wallet
// that selects the event type. Delivery runs in the background; the
// request context is not reused so an HTTP handler returning early does
// not cancel deliveries.
func (d *Dispatcher) Notify(ctx context.Context, wallet, eventType string, data map[string]interface{}) {
	wallet = validation.NormalizeAddress(wallet)
	subs, err := d.store.ListByWallet(ctx, wallet)
	if err != nil {
		d.logger.Warn("notify: list subscriptions failed", "wallet", wallet, "error", err)
		return
	}

	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Wallet:    wallet,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, sub := range subs {
		if !sub.Active || !sub.wants(eventType) {
			continue
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			d.deliver(sub, event)
		}(sub)
	}
}

// Drain waits for in-flight deliveries, used on shutdown and in tests.
func (d *Dispatcher) Drain() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(sub *Subscription, event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("notify: marshal event", "event", event.Type, "error", err)
		return
	}

	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		return d.post(ctx, sub, event, payload)
	})
	if err != nil {
		deliveriesTotal.WithLabelValues(event.Type, "failure").Inc()
		d.recordFailure(sub, err)
		return
	}
	deliveriesTotal.WithLabelValues(event.Type, "success").Inc()
	d.recordSuccess(sub)
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Escrowd-Event", event.Type)
	req.Header.Set("X-Escrowd-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Escrowd-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The endpoint rejected the payload; retrying won't change that.
		return retry.Permanent(fmt.Errorf("endpoint returned %d", resp.StatusCode))
	default:
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
}

func (d *Dispatcher) recordSuccess(sub *Subscription) {
	now := time.Now().UTC()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFails = 0
	if err := d.store.Update(context.Background(), sub); err != nil {
		d.logger.Warn("notify: record success", "subscription", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(sub *Subscription, deliveryErr error) {
	sub.LastError = deliveryErr.Error()
	sub.ConsecutiveFails++
	if sub.ConsecutiveFails >= maxConsecutiveFails {
		sub.Active = false
		subscriptionsDisabled.Inc()
		d.logger.Warn("notify: subscription disabled after repeated failures",
			"subscription", sub.ID, "wallet", sub.Wallet, "url", sub.URL)
	}
	if err := d.store.Update(context.Background(), sub); err != nil {
		d.logger.Warn("notify: record failure", "subscription", sub.ID, "error", err)
	}
	d.logger.Debug("notify: delivery failed",
		"subscription", sub.ID, "url", sub.URL, "error", deliveryErr)
}

// Sign computes the hex HMAC-SHA256 of payload under secret, the value
// carried in the X-Escrowd-Signature header.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a received signature in constant time.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
