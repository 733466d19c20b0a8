// Package server hosts the gRPC endpoint: the standard health service backed
// by dependency checks, plus reflection for debugging.
package server

import (
	"context"
	"net"
	"sort"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/jia-app/eventbilling/internal/auth"
	"github.com/jia-app/eventbilling/internal/config"
	"github.com/jia-app/eventbilling/internal/server/interceptors"
)

const (
	defaultRequestTimeout = 15 * time.Second
	healthCheckInterval   = 30 * time.Second
	healthCheckTimeout    = 5 * time.Second
	gracefulStopTimeout   = 30 * time.Second
)

// HealthCheck reports whether one dependency is reachable
type HealthCheck func(ctx context.Context) error

// GRPCServer represents a gRPC server
type GRPCServer struct {
	server       *grpc.Server
	config       config.GRPCConfig
	logger       *zap.Logger
	healthServer *health.Server
	checks       map[string]HealthCheck
}

// NewGRPCServer creates a gRPC server with the interceptor chain. validator
// may be nil, which disables authentication; the health service is always open.
func NewGRPCServer(cfg config.GRPCConfig, validator auth.Validator, checks map[string]HealthCheck, logger *zap.Logger) *GRPCServer {
	if logger == nil {
		logger = zap.NewNop()
	}

	recoveryOpts := []grpc_recovery.Option{
		grpc_recovery.WithRecoveryHandler(func(p interface{}) (err error) {
			logger.Error("gRPC panic recovered", zap.Any("panic", p))
			return status.Errorf(codes.Internal, "internal server error")
		}),
	}
	zapOpts := []grpc_zap.Option{
		grpc_zap.WithLevels(grpc_zap.DefaultCodeToLevel),
	}

	timeoutInterceptor := interceptors.NewTimeoutInterceptor(defaultRequestTimeout, nil)
	loggingInterceptor := interceptors.NewLoggingInterceptor()

	unaryInterceptors := []grpc.UnaryServerInterceptor{
		otelgrpc.UnaryServerInterceptor(),
		grpc_recovery.UnaryServerInterceptor(recoveryOpts...),
		grpc_zap.UnaryServerInterceptor(logger, zapOpts...),
		timeoutInterceptor.Unary(),
	}
	streamInterceptors := []grpc.StreamServerInterceptor{
		otelgrpc.StreamServerInterceptor(),
		grpc_recovery.StreamServerInterceptor(recoveryOpts...),
		grpc_zap.StreamServerInterceptor(logger, zapOpts...),
		timeoutInterceptor.Stream(),
	}
	if validator != nil {
		authInterceptor := interceptors.NewAuthInterceptor(validator, []string{
			healthpb.Health_Check_FullMethodName,
			healthpb.Health_Watch_FullMethodName,
		})
		unaryInterceptors = append(unaryInterceptors, authInterceptor.Unary())
		streamInterceptors = append(streamInterceptors, authInterceptor.Stream())
	}
	unaryInterceptors = append(unaryInterceptors, loggingInterceptor.Unary())
	streamInterceptors = append(streamInterceptors, loggingInterceptor.Stream())

	server := grpc.NewServer(
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(unaryInterceptors...)),
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(streamInterceptors...)),
	)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	// NOT_SERVING until the first dependency check passes
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	if cfg.EnableReflection {
		logger.Info("Registering gRPC reflection")
		reflection.Register(server)
	}

	return &GRPCServer{
		server:       server,
		config:       cfg,
		logger:       logger,
		healthServer: healthServer,
		checks:       checks,
	}
}

// GetServer returns the underlying gRPC server
func (s *GRPCServer) GetServer() *grpc.Server {
	return s.server
}

// StartHealthMonitoring runs the dependency checks now and then periodically
// until ctx is done
func (s *GRPCServer) StartHealthMonitoring(ctx context.Context) {
	go s.monitorHealth(ctx, healthCheckInterval)
}

func (s *GRPCServer) monitorHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.CheckDependencies(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Health monitoring stopped")
			return
		case <-ticker.C:
			s.CheckDependencies(ctx)
		}
	}
}

// CheckDependencies runs every check and sets the overall serving status
func (s *GRPCServer) CheckDependencies(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var unhealthy []string
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			s.logger.Debug("Dependency health check failed", zap.String("dependency", name), zap.Error(err))
			unhealthy = append(unhealthy, name)
		}
	}

	if len(unhealthy) == 0 {
		s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return true
	}
	s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.logger.Warn("Dependencies unhealthy, setting status to NOT_SERVING", zap.Strings("unhealthy", unhealthy))
	return false
}

// Serve listens on the configured address until ctx is done
func (s *GRPCServer) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, listener)
}

// ServeListener serves on lis until ctx is done, then stops gracefully
func (s *GRPCServer) ServeListener(ctx context.Context, lis net.Listener) error {
	s.logger.Info("gRPC server starting", zap.String("address", lis.Addr().String()))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- s.server.Serve(lis)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		s.logger.Info("gRPC server shutting down")
	}

	s.healthServer.Shutdown()
	gracefulStop := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(gracefulStop)
	}()

	select {
	case <-gracefulStop:
		s.logger.Info("gRPC server stopped gracefully")
	case <-time.After(gracefulStopTimeout):
		s.logger.Warn("Graceful shutdown timeout, forcing stop")
		s.server.Stop()
	}
	return nil
}
