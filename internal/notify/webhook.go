package notify

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
	"time"

	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Evident-Signature"

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// WebhookNotifier POSTs alerts as signed JSON.
type WebhookNotifier struct {
	url        string
	secret     string
	httpClient *http.Client
	delays     []time.Duration
	onMetrics  MetricsRecorder
	logger     *zap.Logger
}

// NewWebhookNotifier creates a WebhookNotifier. Failed deliveries are retried
// after 1s and 5s.
func NewWebhookNotifier(url, secret string, logger *zap.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		delays:     []time.Duration{0, 1 * time.Second, 5 * time.Second},
		logger:     logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (w *WebhookNotifier) SetMetricsRecorder(fn MetricsRecorder) {
	w.onMetrics = fn
}

// SetRetryDelays overrides the delay before each attempt (the first is
// normally zero).
func (w *WebhookNotifier) SetRetryDelays(delays ...time.Duration) {
	w.delays = delays
}

func (w *WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	signature := SignPayload(body, w.secret)

	var lastErr error
	for attempt, delay := range w.delays {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		lastErr = w.deliver(ctx, body, signature)
		if w.onMetrics != nil {
			w.onMetrics(lastErr == nil)
		}
		if lastErr == nil {
			return nil
		}
		w.logger.Warn("alert webhook delivery failed",
			zap.String("url", w.url),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}
	return fmt.Errorf("alert webhook: %w", lastErr)
}

func (w *WebhookNotifier) deliver(ctx context.Context, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// SignPayload computes the signature sent in SignatureHeader.
func SignPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
