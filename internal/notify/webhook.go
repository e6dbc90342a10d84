package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// webhookTimeout bounds one delivery attempt; the outbox owns retries.
const webhookTimeout = 10 * time.Second

// WebhookDispatcher POSTs notifications as JSON to the recipient URL. The
// recipient field of a webhook-channel command is the target endpoint.
type WebhookDispatcher struct {
	client *http.Client
}

// NewWebhookDispatcher creates a WebhookDispatcher. client may be nil to use
// a default with a delivery timeout.
func NewWebhookDispatcher(client *http.Client) *WebhookDispatcher {
	if client == nil {
		client = &http.Client{Timeout: webhookTimeout}
	}
	return &WebhookDispatcher{client: client}
}

var _ Dispatcher = (*WebhookDispatcher)(nil)

type webhookPayload struct {
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

func (d *WebhookDispatcher) Send(ctx context.Context, recipient, message string) error {
	body, err := json.Marshal(webhookPayload{Message: message, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("WebhookDispatcher.Send: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, recipient, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("WebhookDispatcher.Send: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("WebhookDispatcher.Send: post to %s: %w", recipient, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("WebhookDispatcher.Send: %s responded %d", recipient, resp.StatusCode)
	}
	return nil
}
