package channel

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// WhatsAppConfig configures the WhatsApp Cloud API sender
type WhatsAppConfig struct {
	APIURL            string
	PhoneNumberID     string
	AccessToken       string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// WhatsAppSender sends text messages through the WhatsApp Cloud API
type WhatsAppSender struct {
	config WhatsAppConfig
	client *http.Client
	guard  *guard
	logger *zap.Logger
}

// NewWhatsAppSender creates a WhatsApp sender
func NewWhatsAppSender(config WhatsAppConfig, logger *zap.Logger) *WhatsAppSender {
	if config.APIURL == "" {
		config.APIURL = "https://graph.facebook.com/v19.0"
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &WhatsAppSender{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		guard:  newGuard("whatsapp", config.RequestsPerSecond, logger),
		logger: logger,
	}
}

// Send implements Sender; target is an E.164 phone number
func (s *WhatsAppSender) Send(ctx context.Context, phone string, msg Message) error {
	if s.config.AccessToken == "" || s.config.PhoneNumberID == "" {
		return ErrNotConfigured
	}

	url := fmt.Sprintf("%s/%s/messages", strings.TrimRight(s.config.APIURL, "/"), s.config.PhoneNumberID)
	headers := map[string]string{"Authorization": "Bearer " + s.config.AccessToken}
	body := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                phone,
		"type":              "text",
		"text": map[string]interface{}{
			"preview_url": false,
			"body":        msg.Text,
		},
	}

	return s.guard.do(ctx, func() error {
		if _, err := postJSON(ctx, s.client, "whatsapp", url, headers, body); err != nil {
			return err
		}
		s.logger.Debug("WhatsApp message sent", zap.String("to", phone))
		return nil
	})
}
