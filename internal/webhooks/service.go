package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

const (
	// SignatureHeader carries "sha256=<hex HMAC of the body>".
	SignatureHeader = "X-Audit-Signature"
	// EventHeader carries the event type.
	EventHeader = "X-Audit-Event"
)

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Dispatcher delivers ledger events to the configured endpoints.
type Dispatcher struct {
	endpoints  []Endpoint
	httpClient *http.Client
	attempts   int
	retry      backoff.Backoff
	onMetrics  MetricsRecorder
	wg         sync.WaitGroup
	logger     *zap.Logger
}

// NewDispatcher creates a Dispatcher for endpoints.
func NewDispatcher(endpoints []Endpoint, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		attempts:   3,
		retry:      backoff.Backoff{Min: time.Second, Max: 25 * time.Second, Factor: 5, Jitter: true},
		logger:     logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (d *Dispatcher) SetMetricsRecorder(fn MetricsRecorder) {
	d.onMetrics = fn
}

// SetRetry configures the number of delivery attempts per endpoint and the
// pause before the first retry. Later pauses grow fivefold.
func (d *Dispatcher) SetRetry(attempts int, minDelay time.Duration) {
	d.attempts = attempts
	d.retry.Min = minDelay
	if d.retry.Max < minDelay {
		d.retry.Max = minDelay
	}
}

// Dispatch fans an event out to every endpoint that wants it. Deliveries run
// in the background and outlive ctx's cancellation.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("webhook: marshal event", zap.Error(err))
		return
	}

	ctx = context.WithoutCancel(ctx)
	for _, ep := range d.endpoints {
		if !ep.wants(eventType) {
			continue
		}
		d.wg.Add(1)
		go func(ep Endpoint) {
			defer d.wg.Done()
			d.deliver(ctx, ep, eventType, body)
		}(ep)
	}
}

// Wait blocks until every in-flight delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// deliver sends the event to a single endpoint with retries.
func (d *Dispatcher) deliver(ctx context.Context, ep Endpoint, eventType string, body []byte) {
	signature := Sign(body, ep.Secret)
	bo := &backoff.Backoff{Min: d.retry.Min, Max: d.retry.Max, Factor: d.retry.Factor, Jitter: d.retry.Jitter}

	for attempt := 1; attempt <= d.attempts; attempt++ {
		if attempt > 1 {
			time.Sleep(bo.Duration())
		}

		dl := d.doDelivery(ctx, ep.URL, eventType, body, signature)
		dl.Attempt = attempt
		if d.onMetrics != nil {
			d.onMetrics(dl.Success)
		}
		if dl.Success {
			return
		}

		d.logger.Warn("webhook: delivery failed",
			zap.String("url", dl.URL),
			zap.String("event", dl.EventType),
			zap.Int("attempt", dl.Attempt),
			zap.String("error", dl.ErrorMessage),
		)
	}
}

// doDelivery performs a single HTTP POST delivery.
func (d *Dispatcher) doDelivery(ctx context.Context, url, eventType string, body []byte, signature string) Delivery {
	dl := Delivery{URL: url, EventType: eventType}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		dl.ErrorMessage = err.Error()
		return dl
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, eventType)
	req.Header.Set(SignatureHeader, signature)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		dl.ErrorMessage = err.Error()
		return dl
	}
	defer resp.Body.Close()
	io.ReadAll(io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	dl.StatusCode = resp.StatusCode
	dl.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !dl.Success {
		dl.ErrorMessage = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return dl
}

// Sign computes the HMAC-SHA256 signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether header is a valid signature of body.
// Receivers call it on the raw request body.
func VerifySignature(body []byte, secret, header string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(header))
}
