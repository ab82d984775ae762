package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"libattend/internal/queue"
)

// WebhookSink posts summaries and visit events as JSON to an HTTP endpoint.
type WebhookSink struct {
	URL  string
	HTTP *http.Client
}

// NewWebhookSink creates a sink with a bounded request timeout.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		URL:  url,
		HTTP: &http.Client{Timeout: 10 * time.Second},
	}
}

type envelope struct {
	Kind    string         `json:"kind"`
	Summary *Summary       `json:"summary,omitempty"`
	Event   *queue.Message `json:"event,omitempty"`
}

func (w *WebhookSink) Deliver(ctx context.Context, sum Summary) error {
	return w.post(ctx, envelope{Kind: "daily_summary", Summary: &sum})
}

func (w *WebhookSink) Notify(ctx context.Context, msg queue.Message) error {
	return w.post(ctx, envelope{Kind: "visit_event", Event: &msg})
}

// Health checks that the endpoint answers a HEAD request.
func (w *WebhookSink) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, w.URL, nil)
	if err != nil {
		return err
	}
	resp, err := w.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("webhook unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("webhook unhealthy: %s", resp.Status)
	}
	return nil
}

func (w *WebhookSink) post(ctx context.Context, payload envelope) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", payload.Kind, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook error %s: %s", resp.Status, string(bodyBytes))
	}
	return nil
}
