package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"

	"github.com/jia-app/eventbilling/internal/domain"
	"github.com/jia-app/eventbilling/internal/notify/channel"
)

var emailTemplate = template.Must(template.New("email").Parse(`<html>
<body style="font-family: Arial, sans-serif;">
    <div style="background-color: #17a2b8; color: white; padding: 20px; border-radius: 5px;">
        <h2 style="margin: 0;">{{if .Test}}[TEST] {{end}}{{.Type}}</h2>
    </div>
    <div style="padding: 20px; background-color: #f8f9fa; margin-top: 10px; border-radius: 5px;">
        <p><strong>Subscription:</strong> {{.Subscription}}</p>
        <p><strong>Event ID:</strong> {{.ID}}</p>
        <p><strong>Source:</strong> {{.Source}}</p>
        <p><strong>Time:</strong> {{.Timestamp}}</p>
        <table style="border-collapse: collapse; background-color: white;">
{{- range .Fields}}
            <tr><td style="padding: 4px 12px; font-weight: bold;">{{.Key}}</td><td style="padding: 4px 12px;">{{.Value}}</td></tr>
{{- end}}
        </table>
    </div>
</body>
</html>
`))

type field struct {
	Key   string
	Value string
}

type emailView struct {
	Type         string
	ID           string
	Source       string
	Timestamp    string
	Subscription string
	Test         bool
	Fields       []field
}

func isTest(ev domain.Event) bool {
	v, _ := ev.Metadata["test"].(bool)
	return v
}

// fields flattens data.current into sorted key/value pairs
func fields(ev domain.Event) []field {
	keys := make([]string, 0, len(ev.Data.Current))
	for k := range ev.Data.Current {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]field, 0, len(keys))
	for _, k := range keys {
		out = append(out, field{Key: k, Value: fmt.Sprint(ev.Data.Current[k])})
	}
	return out
}

func subject(ev domain.Event) string {
	if isTest(ev) {
		return fmt.Sprintf("[Jia][TEST] %s", ev.Type)
	}
	return fmt.Sprintf("[Jia] %s", ev.Type)
}

// FormatEmail renders the HTML summary sent to every email recipient
func FormatEmail(ev domain.Event, sub *domain.EventSubscription) (channel.Message, error) {
	var buf bytes.Buffer
	err := emailTemplate.Execute(&buf, emailView{
		Type:         string(ev.Type),
		ID:           ev.ID,
		Source:       ev.Source,
		Timestamp:    ev.Timestamp.UTC().Format(time.RFC3339),
		Subscription: sub.Name,
		Test:         isTest(ev),
		Fields:       fields(ev),
	})
	if err != nil {
		return channel.Message{}, fmt.Errorf("failed to render email: %w", err)
	}
	return channel.Message{Subject: subject(ev), HTML: buf.String()}, nil
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

// FormatTelegram renders a Markdown message
func FormatTelegram(ev domain.Event) channel.Message {
	var b strings.Builder
	if isTest(ev) {
		b.WriteString("*[TEST]* ")
	}
	fmt.Fprintf(&b, "*%s*\n", markdownEscaper.Replace(string(ev.Type)))
	fmt.Fprintf(&b, "*ID:* `%s`\n", ev.ID)
	fmt.Fprintf(&b, "*Time:* %s\n", ev.Timestamp.UTC().Format(time.RFC3339))
	for _, f := range fields(ev) {
		fmt.Fprintf(&b, "\n*%s:* %s", markdownEscaper.Replace(f.Key), markdownEscaper.Replace(f.Value))
	}
	return channel.Message{Subject: subject(ev), Text: b.String()}
}

// FormatWhatsApp renders plain text with WhatsApp *bold* markers
func FormatWhatsApp(ev domain.Event) channel.Message {
	var b strings.Builder
	if isTest(ev) {
		b.WriteString("[TEST] ")
	}
	fmt.Fprintf(&b, "*%s*\n", ev.Type)
	fmt.Fprintf(&b, "ID: %s\n", ev.ID)
	fmt.Fprintf(&b, "Time: %s\n", ev.Timestamp.UTC().Format(time.RFC3339))
	for _, f := range fields(ev) {
		fmt.Fprintf(&b, "\n%s: %s", f.Key, f.Value)
	}
	return channel.Message{Subject: subject(ev), Text: b.String()}
}
