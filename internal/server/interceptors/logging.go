package interceptors

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/jia-app/eventbilling/internal/auth"
	"github.com/jia-app/eventbilling/internal/log"
	"github.com/jia-app/eventbilling/internal/tracing"
)

// LoggingInterceptor tags each call with a request id and logs its outcome
type LoggingInterceptor struct{}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor() *LoggingInterceptor {
	return &LoggingInterceptor{}
}

// Unary returns a unary interceptor for request logging
func (i *LoggingInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		ctx = tagContext(ctx)

		resp, err := handler(ctx, req)
		finish(ctx, "gRPC request", info.FullMethod, start, err)
		return resp, err
	}
}

// Stream returns a stream interceptor for request logging
func (i *LoggingInterceptor) Stream() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		stream grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		ctx := tagContext(stream.Context())

		err := handler(srv, &wrappedServerStream{ServerStream: stream, ctx: ctx})
		finish(ctx, "gRPC stream", info.FullMethod, start, err)
		return err
	}
}

func tagContext(ctx context.Context) context.Context {
	ctx = log.WithRequestID(ctx, uuid.NewString())
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		ctx = log.WithTraceID(ctx, traceID)
	}
	if userID := userIDFrom(ctx); userID != "" {
		ctx = log.WithUserID(ctx, userID)
	}
	return ctx
}

func finish(ctx context.Context, kind, method string, start time.Time, err error) {
	duration := time.Since(start)
	st, _ := status.FromError(err)

	fields := []zap.Field{
		zap.String("method", method),
		zap.Duration("duration", duration),
		zap.String("code", st.Code().String()),
	}
	if err != nil {
		log.Error(ctx, kind+" failed", append(fields, zap.String("error", st.Message()))...)
		return
	}
	log.Debug(ctx, kind+" completed", fields...)
}

// wrappedServerStream overrides the stream context
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

// userIDFrom prefers the authenticated principal over the user_id metadata
func userIDFrom(ctx context.Context) string {
	if p, ok := auth.PrincipalFrom(ctx); ok {
		return p.UserID
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if userIDs := md.Get("user_id"); len(userIDs) > 0 {
		return userIDs[0]
	}
	return ""
}
