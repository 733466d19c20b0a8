package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jia-app/eventbilling/internal/domain"
)

// SubscriptionRef identifies the routing rule that produced a delivery
type SubscriptionRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Payload is the JSON body posted to subscribers. Signature must stay the last
// field: the signed bytes are the body with that trailing member removed.
type Payload struct {
	Event        domain.Event    `json:"event"`
	Subscription SubscriptionRef `json:"subscription"`
	Timestamp    time.Time       `json:"timestamp"`
	Signature    string          `json:"signature,omitempty"`
}

// NewPayload builds the payload for one delivery
func NewPayload(ev domain.Event, sub SubscriptionRef, now time.Time) Payload {
	return Payload{Event: ev, Subscription: sub, Timestamp: now.UTC()}
}

// canonical returns the JSON that is signed: the payload without a signature
func (p Payload) canonical() ([]byte, error) {
	p.Signature = ""
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	return b, nil
}

// Encode returns the wire body and the signature. With an empty secret the
// body is unsigned and the signature is empty.
func Encode(p Payload, secret string) (body []byte, signature string, err error) {
	unsigned, err := p.canonical()
	if err != nil {
		return nil, "", err
	}
	if secret == "" {
		return unsigned, "", nil
	}

	signature = sign(unsigned, secret)
	p.Signature = signature
	body, err = json.Marshal(p)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal signed webhook payload: %w", err)
	}
	return body, signature, nil
}
