package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hamzaKhattat/asterisk-lcr-router/internal/retry"
)

// WebhookSink POSTs events as JSON. Non-2xx responses are retried except for
// 4xx, which the receiver will not accept on a resend either.
type WebhookSink struct {
	url    string
	client *http.Client
	retry  retry.Config
}

func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
		retry:  retry.Default(),
	}
}

func (w *WebhookSink) Name() string { return "webhook" }

type permanentError struct{ status int }

func (e permanentError) Error() string {
	return fmt.Sprintf("webhook rejected with status %d", e.status)
}

func (w *WebhookSink) Send(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}

	cfg := w.retry
	cfg.Retryable = func(err error) bool {
		_, permanent := err.(permanentError)
		return !permanent
	}

	return retry.Do(ctx, cfg, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-LCR-Event", e.Type)
		req.Header.Set("X-LCR-Event-ID", e.ID)

		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
			return permanentError{status: resp.StatusCode}
		default:
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
	})
}
