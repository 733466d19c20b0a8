package interceptors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/jia-app/eventbilling/internal/auth"
	"github.com/jia-app/eventbilling/internal/log"
)

type staticValidator struct{}

func (staticValidator) Validate(_ context.Context, token string) (auth.Principal, error) {
	if token != "good" {
		return auth.Principal{}, auth.ErrUnauthenticated
	}
	return auth.Principal{UserID: "user-1"}, nil
}

func withAuth(value string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", value))
}

func TestAuthInterceptor(t *testing.T) {
	interceptor := NewAuthInterceptor(staticValidator{}, []string{"/grpc.health.v1.Health/Check"})
	unary := interceptor.Unary()

	var seen auth.Principal
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		seen, _ = auth.PrincipalFrom(ctx)
		return "ok", nil
	}
	call := func(ctx context.Context, method string) error {
		_, err := unary(ctx, nil, &grpc.UnaryServerInfo{FullMethod: method}, handler)
		return err
	}

	assert.Equal(t, codes.Unauthenticated, status.Code(call(context.Background(), "/svc/Method")))
	assert.Equal(t, codes.Unauthenticated, status.Code(call(withAuth("Bearer bad"), "/svc/Method")))
	assert.NoError(t, call(context.Background(), "/grpc.health.v1.Health/Check"))

	require.NoError(t, call(withAuth("Bearer good"), "/svc/Method"))
	assert.Equal(t, "user-1", seen.UserID)
}

func TestTimeoutInterceptor(t *testing.T) {
	interceptor := NewTimeoutInterceptor(time.Hour, map[string]time.Duration{"/svc/Slow": 10 * time.Millisecond})
	unary := interceptor.Unary()

	slow := func(ctx context.Context, req interface{}) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, err := unary(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/svc/Slow"}, slow)
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))

	var deadline time.Time
	fast := func(ctx context.Context, req interface{}) (interface{}, error) {
		deadline, _ = ctx.Deadline()
		return "ok", nil
	}
	resp, err := unary(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/svc/Fast"}, fast)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.WithinDuration(t, time.Now().Add(time.Hour), deadline, time.Minute)
}

func TestLoggingInterceptorPassesThrough(t *testing.T) {
	unary := NewLoggingInterceptor().Unary()
	wantErr := status.Error(codes.NotFound, "missing")

	_, err := unary(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/svc/Get"},
		func(ctx context.Context, req interface{}) (interface{}, error) { return nil, wantErr })
	assert.Equal(t, wantErr, err)
}

func TestLoggingInterceptorTagsTraceAndRequest(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log.SetGlobal(zap.New(core))
	t.Cleanup(func() { log.SetGlobal(zap.NewNop()) })

	traceID := trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	var seenTrace, seenRequest interface{}
	unary := NewLoggingInterceptor().Unary()
	_, err := unary(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/svc/Get"},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			seenTrace = ctx.Value(log.TraceIDKey)
			seenRequest = ctx.Value(log.RequestIDKey)
			return "ok", nil
		})
	require.NoError(t, err)

	assert.Equal(t, traceID.String(), seenTrace)
	assert.NotEmpty(t, seenRequest)

	entries := logs.FilterMessage("gRPC request completed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, traceID.String(), entries[0].ContextMap()["trace_id"])
}
