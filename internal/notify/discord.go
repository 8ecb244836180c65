package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"pricewatch/internal/config"
	apperrors "pricewatch/internal/errors"
)

// DiscordTransport posts embeds to a Discord webhook.
type DiscordTransport struct {
	url      string
	username string
	enabled  bool
	client   *http.Client
}

type discordPayload struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Fields      []Field        `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp"`
	Footer      *discordFooter `json:"footer,omitempty"`
}

type discordFooter struct {
	Text string `json:"text"`
}

// NewDiscordTransport creates a new DiscordTransport.
func NewDiscordTransport(cfg config.DiscordConfig) *DiscordTransport {
	return &DiscordTransport{
		url:      cfg.URL,
		username: cfg.Username,
		enabled:  cfg.Enabled && cfg.URL != "",
		client:   &http.Client{Timeout: DefaultSendTimeout},
	}
}

// Name returns the name of the transport.
func (d *DiscordTransport) Name() string {
	return "discord"
}

// IsEnabled returns whether the transport is enabled.
func (d *DiscordTransport) IsEnabled() bool {
	return d.enabled
}

// Send posts the message as a single embed.
func (d *DiscordTransport) Send(ctx context.Context, m Message) error {
	if !d.enabled {
		return nil
	}

	embed := discordEmbed{
		Title:       m.Title,
		Description: m.Description,
		Color:       m.Color,
		Fields:      m.Fields,
		Timestamp:   m.Timestamp.Format(time.RFC3339),
	}
	if id, ok := m.Data["alert_id"].(string); ok && id != "" {
		embed.Footer = &discordFooter{Text: "Alert " + id}
	}

	body, err := json.Marshal(discordPayload{Username: d.username, Embeds: []discordEmbed{embed}})
	if err != nil {
		return fmt.Errorf("marshaling discord payload: %w", err)
	}
	return postJSON(ctx, d.client, d.Name(), d.url, body)
}

// postJSON posts body and maps non-2xx responses to a TransportError.
func postJSON(ctx context.Context, client *http.Client, name, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "pricewatch/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return apperrors.NewTransportError(name, 0, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.NewTransportError(name, resp.StatusCode, apperrors.ErrRateLimited)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return apperrors.NewTransportError(name, resp.StatusCode, nil)
	}
	return nil
}
