// Package notify delivers fired alert triggers to the outside world.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tidemark/internal/logger"
	"tidemark/internal/store/alertstore"
)

// LogDispatcher writes triggers to the application log. It is the
// default sink when no webhook is configured.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(_ context.Context, a alertstore.Alert, t alertstore.Trigger) error {
	logger.Infof("[alert] fired id=%d %s %s %s %.8g value=%.8g bar=%d",
		a.ID, a.Symbol, a.Interval, a.Condition, a.Threshold, t.ValueAtTrigger, t.BarTs)
	return nil
}

// Webhook POSTs each trigger as JSON to a user-configured endpoint,
// with up to 3 retries.
type Webhook struct {
	URL    string
	Client *http.Client
}

func NewWebhook(url string, timeout time.Duration) (*Webhook, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("notify: empty webhook url")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Webhook{URL: url, Client: &http.Client{Timeout: timeout}}, nil
}

func (w *Webhook) Dispatch(ctx context.Context, a alertstore.Alert, t alertstore.Trigger) error {
	payload := map[string]any{
		"alert_id":  a.ID,
		"symbol":    a.Symbol,
		"interval":  a.Interval,
		"condition": a.Condition,
		"threshold": a.Threshold,
		"value":     t.ValueAtTrigger,
		"bar_ts":    t.BarTs,
		"fired_at":  t.TriggeredAt.UTC().Format(time.RFC3339),
	}
	body, _ := json.Marshal(payload)

	var lastErr error
	for i := 0; i < 3; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := w.Client.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return lastErr
			}
			time.Sleep(time.Duration(i+1) * time.Second)
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode/100 == 2 {
			return nil
		}
		lastErr = fmt.Errorf("webhook status=%d", resp.StatusCode)
		time.Sleep(time.Duration(i+1) * time.Second)
	}
	return lastErr
}
