package notify

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"pricewatch/internal/config"
	apperrors "pricewatch/internal/errors"
)

// TelegramTransport sends messages through a Telegram bot.
type TelegramTransport struct {
	token    string
	chatID   int64
	endpoint string
	enabled  bool
	client   *http.Client

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewTelegramTransport creates a new TelegramTransport. The bot is
// initialized on first send.
func NewTelegramTransport(cfg config.TelegramConfig) *TelegramTransport {
	return &TelegramTransport{
		token:    cfg.BotToken,
		chatID:   cfg.ChatID,
		endpoint: tgbotapi.APIEndpoint,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != 0,
		client:   &http.Client{Timeout: DefaultSendTimeout},
	}
}

// Name returns the name of the transport.
func (t *TelegramTransport) Name() string {
	return "telegram"
}

// IsEnabled returns whether the transport is enabled.
func (t *TelegramTransport) IsEnabled() bool {
	return t.enabled
}

// Send sends the message with HTML formatting.
func (t *TelegramTransport) Send(ctx context.Context, m Message) error {
	if !t.enabled {
		return nil
	}

	bot, err := t.botAPI()
	if err != nil {
		return apperrors.NewTransportError(t.Name(), 0, err)
	}

	text := fmt.Sprintf("<b>%s</b>\n\n%s", escapeHTML(m.Title), escapeHTML(plainText(m)))
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	// The bot client has no context support
	done := make(chan error, 1)
	go func() {
		_, err := bot.Send(msg)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return apperrors.NewTransportError(t.Name(), 0, ctx.Err())
	case err := <-done:
		if err != nil {
			return apperrors.NewTransportError(t.Name(), 0, err)
		}
		return nil
	}
}

func (t *TelegramTransport) botAPI() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.client)
	if err != nil {
		return nil, fmt.Errorf("initializing telegram bot: %w", err)
	}
	t.bot = bot
	return bot, nil
}
