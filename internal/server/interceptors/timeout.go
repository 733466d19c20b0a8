package interceptors

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jia-app/eventbilling/internal/log"
)

// TimeoutInterceptor bounds each call with a per-method deadline
type TimeoutInterceptor struct {
	defaultTimeout time.Duration
	methodTimeouts map[string]time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(defaultTimeout time.Duration, methodTimeouts map[string]time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{
		defaultTimeout: defaultTimeout,
		methodTimeouts: methodTimeouts,
	}
}

// Unary returns a unary interceptor for timeout handling
func (i *TimeoutInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, i.timeoutFor(info.FullMethod))
		defer cancel()

		resp, err := handler(ctx, req)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Warn(ctx, "Request timeout exceeded", zap.String("method", info.FullMethod))
			return nil, status.Error(codes.DeadlineExceeded, "request timeout exceeded")
		}
		return resp, err
	}
}

// Stream returns a stream interceptor; long-lived streams like health Watch
// are only bounded when a method timeout is configured for them
func (i *TimeoutInterceptor) Stream() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		stream grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		timeout, ok := i.methodTimeouts[info.FullMethod]
		if !ok {
			return handler(srv, stream)
		}

		ctx, cancel := context.WithTimeout(stream.Context(), timeout)
		defer cancel()

		err := handler(srv, &wrappedServerStream{ServerStream: stream, ctx: ctx})
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Warn(ctx, "Stream timeout exceeded", zap.String("method", info.FullMethod))
			return status.Error(codes.DeadlineExceeded, "stream timeout exceeded")
		}
		return err
	}
}

// timeoutFor returns the timeout for a method
func (i *TimeoutInterceptor) timeoutFor(method string) time.Duration {
	if timeout, exists := i.methodTimeouts[method]; exists {
		return timeout
	}
	return i.defaultTimeout
}
