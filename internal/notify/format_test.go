package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jia-app/eventbilling/internal/domain"
	"github.com/jia-app/eventbilling/internal/events"
)

func sampleEvent(opts ...events.EventOption) domain.Event {
	base := []events.EventOption{
		events.WithSource("billing"),
		events.WithTimestamp(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)),
	}
	return events.NewEvent(domain.EventSubscriptionRenewed, map[string]interface{}{
		"subscriptionId": "sub_1",
		"amount":         "9.99",
	}, append(base, opts...)...)
}

func TestFormatEmail(t *testing.T) {
	msg, err := FormatEmail(sampleEvent(), &domain.EventSubscription{Name: "Ops <team>"})
	require.NoError(t, err)

	assert.Equal(t, "[Jia] subscription.renewed", msg.Subject)
	assert.Contains(t, msg.HTML, "subscription.renewed")
	assert.Contains(t, msg.HTML, "sub_1")
	assert.Contains(t, msg.HTML, "2024-01-01T10:00:00Z")
	assert.Contains(t, msg.HTML, "Ops &lt;team&gt;")
	assert.NotContains(t, msg.HTML, "[TEST]")
}

func TestFormatTestMarker(t *testing.T) {
	ev := sampleEvent(events.WithMetadata(map[string]interface{}{"test": true}))

	email, err := FormatEmail(ev, &domain.EventSubscription{Name: "ops"})
	require.NoError(t, err)
	assert.Equal(t, "[Jia][TEST] subscription.renewed", email.Subject)
	assert.Contains(t, email.HTML, "[TEST]")

	assert.Contains(t, FormatTelegram(ev).Text, "*[TEST]*")
	assert.Contains(t, FormatWhatsApp(ev).Text, "[TEST]")
}

func TestFormatTelegramEscapesMarkdown(t *testing.T) {
	msg := FormatTelegram(sampleEvent())

	assert.Contains(t, msg.Text, "*subscription.renewed*")
	assert.Contains(t, msg.Text, "*subscriptionId:* sub\\_1")
	assert.Contains(t, msg.Text, "*amount:* 9.99")
}

func TestFormatWhatsApp(t *testing.T) {
	msg := FormatWhatsApp(sampleEvent())

	assert.Contains(t, msg.Text, "*subscription.renewed*")
	assert.Contains(t, msg.Text, "subscriptionId: sub_1")
	assert.Empty(t, msg.HTML)
}
