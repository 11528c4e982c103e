package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/haasonsaas/flux/internal/observability"
)

// Signature headers on every delivery.
const (
	headerSignature = "X-Flux-Signature"
	headerEvent     = "X-Flux-Event"
)

// Sign computes the delivery signature: "sha256=" followed by the hex
// HMAC-SHA256 of the body under the webhook secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature in constant time. Receivers
// use this to authenticate Flux deliveries.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// envelope is the delivery body shape.
type envelope struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// DispatcherConfig configures delivery behavior.
type DispatcherConfig struct {
	// MaxRetries is the number of POST attempts per delivery. Default: 3.
	MaxRetries int
	// Timeout applies per attempt. Default: 10s.
	Timeout time.Duration
	// BaseBackoff is the sleep after the first failed attempt; doubled per
	// subsequent attempt. Default: 1s.
	BaseBackoff time.Duration
}

// Dispatcher fans events out to subscribed webhooks. One worker goroutine
// per matching webhook; a slow or failing endpoint never blocks the others.
type Dispatcher struct {
	store   *Store
	client  *http.Client
	cfg     DispatcherConfig
	logger  *observability.Logger
	metrics *observability.Metrics

	wg    sync.WaitGroup
	sleep func(time.Duration)
}

// NewDispatcher creates a dispatcher over the given store.
func NewDispatcher(store *Store, cfg DispatcherConfig, logger *observability.Logger, metrics *observability.Metrics) *Dispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Dispatcher{
		store:   store,
		client:  &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		sleep:   time.Sleep,
	}
}

// Dispatch delivers an event to every matching active webhook. Delivery
// happens in background workers; Dispatch itself returns after matching.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, payload map[string]any) error {
	hooks, err := d.store.ActiveForEvent(ctx, eventType)
	if err != nil {
		return err
	}
	body, err := json.Marshal(envelope{Event: eventType, Timestamp: time.Now().UTC(), Data: payload})
	if err != nil {
		return err
	}
	for _, wh := range hooks {
		d.wg.Add(1)
		go func(wh Webhook) {
			defer d.wg.Done()
			d.deliver(context.WithoutCancel(ctx), wh, eventType, body)
		}(wh)
	}
	return nil
}

// Wait blocks until all in-flight deliveries finish. Used on shutdown and
// in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// deliver performs up to MaxRetries attempts against one webhook. Every
// attempt is recorded. Each failed attempt bumps the failure counter; full
// exhaustion bumps it once more, and a counter exceeding MaxRetries
// deactivates the webhook.
func (d *Dispatcher) deliver(ctx context.Context, wh Webhook, eventType string, body []byte) {
	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		status, respBody, err := d.post(ctx, wh, eventType, body)

		record := Delivery{
			WebhookID:    wh.ID,
			EventType:    eventType,
			Payload:      string(body),
			StatusCode:   status,
			ResponseBody: respBody,
			Attempt:      attempt,
		}
		if err != nil {
			record.ResponseBody = err.Error()
		}
		if recErr := d.store.RecordDelivery(ctx, record); recErr != nil {
			d.logger.Error(ctx, "webhook delivery record failed", "webhook_id", wh.ID, "error", recErr.Error())
		}

		if err == nil && status >= 200 && status < 300 {
			d.count(eventType, "success")
			if resetErr := d.store.ResetFailures(ctx, wh.ID); resetErr != nil {
				d.logger.Error(ctx, "webhook failure reset failed", "webhook_id", wh.ID, "error", resetErr.Error())
			}
			return
		}

		d.count(eventType, "failure")
		d.logger.Warn(ctx, "webhook delivery attempt failed",
			"webhook_id", wh.ID, "event", eventType, "attempt", attempt, "status", status)
		if _, err := d.store.IncrementFailure(ctx, wh.ID); err != nil {
			d.logger.Error(ctx, "webhook failure increment failed", "webhook_id", wh.ID, "error", err.Error())
		}

		if attempt < d.cfg.MaxRetries {
			d.sleep(d.cfg.BaseBackoff * time.Duration(1<<(attempt-1)))
		}
	}

	count, err := d.store.IncrementFailure(ctx, wh.ID)
	if err != nil {
		d.logger.Error(ctx, "webhook failure increment failed", "webhook_id", wh.ID, "error", err.Error())
		return
	}
	if count > d.cfg.MaxRetries {
		if err := d.store.Deactivate(ctx, wh.ID); err != nil {
			d.logger.Error(ctx, "webhook deactivation failed", "webhook_id", wh.ID, "error", err.Error())
			return
		}
		d.logger.Warn(ctx, "webhook auto-deactivated", "webhook_id", wh.ID, "failure_count", count)
	}
}

func (d *Dispatcher) post(ctx context.Context, wh Webhook, eventType string, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEvent, eventType)
	req.Header.Set(headerSignature, Sign(wh.Secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return resp.StatusCode, string(respBody), nil
}

func (d *Dispatcher) count(eventType, status string) {
	if d.metrics != nil {
		d.metrics.WebhookDeliveryCounter.WithLabelValues(eventType, status).Inc()
	}
}
