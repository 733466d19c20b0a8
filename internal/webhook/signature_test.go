package webhook

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jia-app/eventbilling/internal/domain"
)

func testPayload() Payload {
	ev := domain.Event{
		ID:        "evt-1",
		Type:      domain.EventSubscriptionRenewed,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Source:    "jia-platform",
		Version:   "1.0",
		Data: domain.EventData{Current: map[string]interface{}{
			"subscriptionId": "sub-1",
			"signature":      "nested values do not confuse splitting",
		}},
	}
	return NewPayload(ev, SubscriptionRef{ID: "es-1", Name: "billing hooks"},
		time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC))
}

func TestSignature_RoundTrip(t *testing.T) {
	p := testPayload()
	sig, err := GenerateSignature(p, "s3cret")
	require.NoError(t, err)
	assert.Len(t, sig, 64)

	assert.True(t, VerifySignature(p, sig, "s3cret"))
	assert.False(t, VerifySignature(p, sig, "other"))

	// the signature field itself never affects verification
	p.Signature = sig
	assert.True(t, VerifySignature(p, sig, "s3cret"))
}

func TestSignature_SingleByteMutation(t *testing.T) {
	p := testPayload()
	sig, err := GenerateSignature(p, "s3cret")
	require.NoError(t, err)

	for i := range sig {
		mutated := []byte(sig)
		if mutated[i] == 'a' {
			mutated[i] = 'b'
		} else {
			mutated[i] = 'a'
		}
		assert.False(t, VerifySignature(p, string(mutated), "s3cret"), "position %d", i)
	}

	assert.False(t, VerifySignature(p, strings.ToUpper(sig), "s3cret"))
	assert.False(t, VerifySignature(p, sig[:10], "s3cret"))
	assert.False(t, VerifySignature(p, "", "s3cret"))

	mutatedPayload := p
	mutatedPayload.Subscription.Name = "billing hookz"
	assert.False(t, VerifySignature(mutatedPayload, sig, "s3cret"))
}

func TestEncode_SignedBodyLayout(t *testing.T) {
	p := testPayload()
	body, sig, err := Encode(p, "s3cret")
	require.NoError(t, err)

	unsigned, err := json.Marshal(p)
	require.NoError(t, err)

	expected := string(unsigned[:len(unsigned)-1]) + `,"signature":"` + sig + `"}`
	assert.Equal(t, expected, string(body))

	split, embedded, err := SplitSignedBody(body)
	require.NoError(t, err)
	assert.Equal(t, string(unsigned), string(split))
	assert.Equal(t, sig, embedded)

	assert.True(t, VerifyBody(body, sig, "s3cret"))
	assert.True(t, VerifyBody(body, "", "s3cret"))
	assert.False(t, VerifyBody(body, sig, "wrong"))

	tampered := []byte(strings.Replace(string(body), "sub-1", "sub-2", 1))
	assert.False(t, VerifyBody(tampered, sig, "s3cret"))
}

func TestEncode_NoSecret(t *testing.T) {
	body, sig, err := Encode(testPayload(), "")
	require.NoError(t, err)
	assert.Empty(t, sig)
	assert.NotContains(t, string(body), `,"signature":"`)

	_, _, err = SplitSignedBody(body)
	assert.ErrorIs(t, err, ErrUnsigned)
}
