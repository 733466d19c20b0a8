package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var signatureMember = []byte(`,"signature":"`)

// ErrUnsigned is returned by SplitSignedBody for a body without a signature member
var ErrUnsigned = errors.New("webhook body carries no signature")

func sign(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateSignature returns hex(HMAC-SHA256(secret, json(payload without signature)))
func GenerateSignature(p Payload, secret string) (string, error) {
	unsigned, err := p.canonical()
	if err != nil {
		return "", err
	}
	return sign(unsigned, secret), nil
}

// VerifySignature recomputes the payload signature and compares it in constant
// time. A malformed or wrong-length signature is a failed verification.
func VerifySignature(p Payload, signature, secret string) bool {
	expected, err := GenerateSignature(p, secret)
	if err != nil {
		return false
	}
	return equalHex(expected, signature)
}

// VerifyBody checks a received body against the signature header. The signed
// bytes are recovered from the body itself, so receivers never re-encode.
func VerifyBody(body []byte, signature, secret string) bool {
	unsigned, embedded, err := SplitSignedBody(body)
	if err != nil {
		return false
	}
	if signature != "" && !equalHex(embedded, signature) {
		return false
	}
	return equalHex(sign(unsigned, secret), embedded)
}

// SplitSignedBody removes the trailing signature member from a signed body and
// returns the bytes that were signed along with the embedded signature
func SplitSignedBody(body []byte) (unsigned []byte, signature string, err error) {
	body = bytes.TrimSpace(body)
	if !bytes.HasSuffix(body, []byte(`"}`)) {
		return nil, "", ErrUnsigned
	}
	idx := bytes.LastIndex(body, signatureMember)
	if idx < 0 {
		return nil, "", ErrUnsigned
	}

	sig := body[idx+len(signatureMember) : len(body)-2]
	if _, err := hex.DecodeString(string(sig)); err != nil {
		return nil, "", ErrUnsigned
	}

	unsigned = make([]byte, 0, idx+1)
	unsigned = append(unsigned, body[:idx]...)
	unsigned = append(unsigned, '}')
	return unsigned, string(sig), nil
}

func equalHex(expected, got string) bool {
	if len(expected) != len(got) {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(got))
}
