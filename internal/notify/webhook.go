package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"pricewatch/internal/config"
)

// WebhookTransport posts the message as plain JSON to any HTTP endpoint.
type WebhookTransport struct {
	url     string
	enabled bool
	client  *http.Client
}

// NewWebhookTransport creates a new WebhookTransport.
func NewWebhookTransport(cfg config.WebhookConfig) *WebhookTransport {
	return &WebhookTransport{
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		client:  &http.Client{Timeout: DefaultSendTimeout},
	}
}

// Name returns the name of the transport.
func (w *WebhookTransport) Name() string {
	return "webhook"
}

// IsEnabled returns whether the transport is enabled.
func (w *WebhookTransport) IsEnabled() bool {
	return w.enabled
}

// Send posts the message.
func (w *WebhookTransport) Send(ctx context.Context, m Message) error {
	if !w.enabled {
		return nil
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}
	return postJSON(ctx, w.client, w.Name(), w.url, body)
}
