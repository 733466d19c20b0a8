package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TelegramConfig configures the Bot API sender
type TelegramConfig struct {
	BotToken          string
	APIURL            string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// TelegramSender posts Markdown messages through the Telegram Bot API
type TelegramSender struct {
	config TelegramConfig
	client *http.Client
	guard  *guard
	logger *zap.Logger
}

// NewTelegramSender creates a Telegram sender
func NewTelegramSender(config TelegramConfig, logger *zap.Logger) *TelegramSender {
	if config.APIURL == "" {
		config.APIURL = "https://api.telegram.org"
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &TelegramSender{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		guard:  newGuard("telegram", config.RequestsPerSecond, logger),
		logger: logger,
	}
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send implements Sender; target is the chat id
func (s *TelegramSender) Send(ctx context.Context, chatID string, msg Message) error {
	if s.config.BotToken == "" {
		return ErrNotConfigured
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(s.config.APIURL, "/"), s.config.BotToken)
	body := map[string]interface{}{
		"chat_id":                  chatID,
		"text":                     msg.Text,
		"parse_mode":               "Markdown",
		"disable_web_page_preview": true,
	}

	return s.guard.do(ctx, func() error {
		raw, err := postJSON(ctx, s.client, "telegram", url, nil, body)
		if err != nil {
			return err
		}
		var resp telegramResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("failed to decode telegram response: %w", err)
		}
		if !resp.OK {
			return fmt.Errorf("telegram rejected message: %s", resp.Description)
		}
		s.logger.Debug("Telegram message sent", zap.String("chat_id", chatID))
		return nil
	})
}
