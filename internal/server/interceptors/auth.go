package interceptors

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/jia-app/eventbilling/internal/auth"
	"github.com/jia-app/eventbilling/internal/log"
)

// AuthInterceptor validates the bearer token in the authorization metadata
type AuthInterceptor struct {
	validator   auth.Validator
	whitelisted map[string]bool
}

// NewAuthInterceptor creates an authentication interceptor. Whitelisted
// methods are served without a token.
func NewAuthInterceptor(validator auth.Validator, whitelistedMethods []string) *AuthInterceptor {
	whitelisted := make(map[string]bool, len(whitelistedMethods))
	for _, m := range whitelistedMethods {
		whitelisted[m] = true
	}
	return &AuthInterceptor{validator: validator, whitelisted: whitelisted}
}

// Unary returns a unary interceptor for authentication
func (i *AuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if i.whitelisted[info.FullMethod] {
			return handler(ctx, req)
		}
		ctx, err := i.authenticate(ctx)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// Stream returns a stream interceptor for authentication
func (i *AuthInterceptor) Stream() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		stream grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if i.whitelisted[info.FullMethod] {
			return handler(srv, stream)
		}
		ctx, err := i.authenticate(stream.Context())
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: stream, ctx: ctx})
	}
}

func (i *AuthInterceptor) authenticate(ctx context.Context) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "metadata is not provided")
	}

	values := md.Get("authorization")
	if len(values) == 0 || values[0] == "" {
		return nil, status.Error(codes.Unauthenticated, "authorization token is not provided")
	}

	principal, err := i.validator.Validate(ctx, auth.ExtractTokenFromAuthHeader(values[0]))
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid authorization token")
	}

	ctx = auth.WithPrincipal(ctx, principal)
	return log.WithUserID(ctx, principal.UserID), nil
}
