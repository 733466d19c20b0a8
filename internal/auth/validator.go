package auth

import (
	"context"
	"errors"
	"strings"
)

// ErrUnauthenticated is returned for missing or rejected tokens
var ErrUnauthenticated = errors.New("unauthenticated")

// Principal is the caller identified by a token
type Principal struct {
	UserID string
	Roles  []string
}

// HasRole reports whether the principal carries role
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// Validator validates a bearer token
type Validator interface {
	Validate(ctx context.Context, token string) (Principal, error)
}

// ExtractTokenFromAuthHeader extracts the token from an Authorization header
func ExtractTokenFromAuthHeader(authHeader string) string {
	if authHeader == "" {
		return ""
	}

	// Handle "Bearer <token>" format
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}

	// If no Bearer prefix, assume the entire header is the token
	return authHeader
}

type principalKey struct{}

// WithPrincipal stores the caller in ctx
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller stored in ctx
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
