package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTelegramSender_Send(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"ok":true,"result":{"message_id":1}}`))
	}))
	defer srv.Close()

	s := NewTelegramSender(TelegramConfig{BotToken: "TOKEN", APIURL: srv.URL}, zap.NewNop())
	require.NoError(t, s.Send(context.Background(), "12345", Message{Text: "*hello*"}))

	assert.Equal(t, "12345", got["chat_id"])
	assert.Equal(t, "*hello*", got["text"])
	assert.Equal(t, "Markdown", got["parse_mode"])
}

func TestTelegramSender_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	s := NewTelegramSender(TelegramConfig{BotToken: "TOKEN", APIURL: srv.URL}, zap.NewNop())
	err := s.Send(context.Background(), "1", Message{Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestTelegramSender_TransportErrorHidesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	apiURL := srv.URL
	srv.Close()

	s := NewTelegramSender(TelegramConfig{BotToken: "123:SECRET-TOKEN", APIURL: apiURL}, zap.NewNop())
	err := s.Send(context.Background(), "1", Message{Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram request failed")
	assert.NotContains(t, err.Error(), "SECRET-TOKEN")
	assert.NotContains(t, err.Error(), "/bot")
}

func TestSenders_NotConfigured(t *testing.T) {
	ctx := context.Background()
	assert.ErrorIs(t, NewTelegramSender(TelegramConfig{}, zap.NewNop()).Send(ctx, "1", Message{}), ErrNotConfigured)
	assert.ErrorIs(t, NewWhatsAppSender(WhatsAppConfig{}, zap.NewNop()).Send(ctx, "+79991234567", Message{}), ErrNotConfigured)
	assert.ErrorIs(t, NewSMTPSender(SMTPConfig{}, zap.NewNop()).Send(ctx, "a@example.com", Message{}), ErrNotConfigured)
}

func TestWhatsAppSender_Send(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/PHONE_ID/messages", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"messages":[{"id":"wamid.1"}]}`))
	}))
	defer srv.Close()

	s := NewWhatsAppSender(WhatsAppConfig{APIURL: srv.URL, PhoneNumberID: "PHONE_ID", AccessToken: "secret"}, zap.NewNop())
	require.NoError(t, s.Send(context.Background(), "+79991234567", Message{Text: "*Payment failed*"}))

	assert.Equal(t, "whatsapp", got["messaging_product"])
	assert.Equal(t, "+79991234567", got["to"])
	assert.Equal(t, "*Payment failed*", got["text"].(map[string]interface{})["body"])
}

func TestGuard_ServerErrorsOpenCircuit(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewWhatsAppSender(WhatsAppConfig{APIURL: srv.URL, PhoneNumberID: "id", AccessToken: "t"}, zap.NewNop())
	for i := 0; i < 5; i++ {
		var statusErr *StatusError
		require.ErrorAs(t, s.Send(context.Background(), "+79991234567", Message{}), &statusErr)
		assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	}

	err := s.Send(context.Background(), "+79991234567", Message{})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(5), atomic.LoadInt32(&hits))
}

func TestGuard_ClientErrorsKeepCircuitClosed(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewWhatsAppSender(WhatsAppConfig{APIURL: srv.URL, PhoneNumberID: "id", AccessToken: "t"}, zap.NewNop())
	for i := 0; i < 7; i++ {
		assert.Error(t, s.Send(context.Background(), "+79991234567", Message{}))
	}
	assert.Equal(t, int32(7), atomic.LoadInt32(&hits))
}

func TestBuildMessage(t *testing.T) {
	raw := string(buildMessage("noreply@jia.app", "user@example.com", Message{
		Subject: "Payment failed\r\nBcc: someone@evil.test",
		HTML:    "<p>hi</p>",
	}))

	head, body, ok := strings.Cut(raw, "\r\n\r\n")
	require.True(t, ok)
	assert.Equal(t, "<p>hi</p>", body)
	assert.Equal(t, []string{
		"From: noreply@jia.app",
		"To: user@example.com",
		"Subject: Payment failed  Bcc: someone@evil.test",
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=UTF-8",
	}, strings.Split(head, "\r\n"))
}
