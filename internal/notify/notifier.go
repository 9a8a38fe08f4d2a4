// Package notify posts signed run-lifecycle events to a configured
// webhook endpoint.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"
)

// Notifier delivers events to one endpoint with exponential backoff.
// A nil Notifier or one without a URL drops events silently.
type Notifier struct {
	URL         string
	Secret      string
	HTTP        *http.Client
	MaxAttempts int

	backoffFn func(int) time.Duration
}

func NewNotifierFromEnv() *Notifier {
	max := 5
	if v := os.Getenv("WEBHOOK_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			max = n
		}
	}
	return &Notifier{
		URL:         os.Getenv("WEBHOOK_URL"),
		Secret:      os.Getenv("WEBHOOK_SECRET"),
		HTTP:        &http.Client{Timeout: 5 * time.Second},
		MaxAttempts: max,
	}
}

// Emit posts one event, retrying transient failures. Delivery is
// best-effort: the final error is returned for logging, never surfaced
// to API callers.
func (n *Notifier) Emit(ctx context.Context, eventType string, data any) error {
	if n == nil || n.URL == "" {
		return nil
	}
	payload := map[string]any{
		"id":   fmt.Sprintf("evt_%d", time.Now().UnixNano()),
		"type": eventType,
		"ts":   time.Now().UTC().Format(time.RFC3339),
		"data": data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < n.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt)
			if n.backoffFn != nil {
				wait = n.backoffFn(attempt)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Event-Type", eventType)
		if n.Secret != "" {
			req.Header.Set("X-Signature", SignHMAC(n.Secret, body))
		}
		resp, err := n.HTTP.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		code := resp.StatusCode
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		if code >= 200 && code < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook endpoint returned %d", code)
		if code >= 400 && code < 500 {
			return lastErr
		}
	}
	return lastErr
}

func backoff(attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	return time.Second * time.Duration(1<<attempt)
}
