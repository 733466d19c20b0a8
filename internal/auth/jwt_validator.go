package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// clockSkew is tolerated on iat
const clockSkew = 5 * time.Minute

// JWTValidator validates RS256 JWT tokens
type JWTValidator struct {
	publicKey *rsa.PublicKey
	issuer    string
	now       func() time.Time
}

// JWTOption configures a JWTValidator
type JWTOption func(*JWTValidator)

// WithIssuer requires the iss claim to equal issuer
func WithIssuer(issuer string) JWTOption {
	return func(v *JWTValidator) { v.issuer = issuer }
}

// WithClock replaces time.Now for expiry checks
func WithClock(now func() time.Time) JWTOption {
	return func(v *JWTValidator) { v.now = now }
}

// NewJWTValidator creates a new JWT validator from PEM string
func NewJWTValidator(publicKeyPEM string, opts ...JWTOption) (*JWTValidator, error) {
	if publicKeyPEM == "" {
		return nil, fmt.Errorf("public key PEM is required")
	}

	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block containing public key")
	}

	publicKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPublicKey, ok := publicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not an RSA key")
	}

	v := &JWTValidator{publicKey: rsaPublicKey, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// NewJWTValidatorFromFile creates a new JWT validator from a PEM file
func NewJWTValidatorFromFile(publicKeyPath string, opts ...JWTOption) (*JWTValidator, error) {
	publicKeyPEM, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key file: %w", err)
	}

	return NewJWTValidator(string(publicKeyPEM), opts...)
}

// Validate validates a JWT token and returns its principal
func (v *JWTValidator) Validate(ctx context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return Principal{}, fmt.Errorf("%w: empty token", ErrUnauthenticated)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	parsedToken, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	}, parserOpts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: failed to parse JWT token: %v", ErrUnauthenticated, err)
	}
	if !parsedToken.Valid {
		return Principal{}, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}

	claims, ok := parsedToken.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, fmt.Errorf("%w: failed to extract claims from token", ErrUnauthenticated)
	}

	userID := firstString(claims, "sub", "user_id", "userId")
	if strings.TrimSpace(userID) == "" {
		return Principal{}, fmt.Errorf("%w: user ID not found in token claims", ErrUnauthenticated)
	}

	return Principal{UserID: userID, Roles: roles(claims)}, nil
}

func firstString(claims jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		if s, ok := claims[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// roles reads "roles" as a list or "role" as a single value
func roles(claims jwt.MapClaims) []string {
	var out []string
	if list, ok := claims["roles"].([]interface{}); ok {
		for _, r := range list {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
	}
	if s, ok := claims["role"].(string); ok && s != "" {
		out = append(out, s)
	}
	return out
}
