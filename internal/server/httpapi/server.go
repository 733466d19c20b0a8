// Package httpapi is the administrative HTTP surface: event subscription
// management, bus introspection, billing runs and subscription lifecycle.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jia-app/eventbilling/internal/auth"
	"github.com/jia-app/eventbilling/internal/billing"
	"github.com/jia-app/eventbilling/internal/config"
	"github.com/jia-app/eventbilling/internal/domain"
	"github.com/jia-app/eventbilling/internal/events"
	"github.com/jia-app/eventbilling/internal/notify"
	"github.com/jia-app/eventbilling/internal/ratelimit"
	"github.com/jia-app/eventbilling/internal/repository"
	"github.com/jia-app/eventbilling/internal/subscription"
)

const shutdownTimeout = 30 * time.Second

// EventBus is the part of events.Bus the API exposes
type EventBus interface {
	events.Publisher
	History(limit int) []domain.Event
	Stats() events.Stats
}

// BillingRunner triggers one billing batch
type BillingRunner interface {
	RunOnce(ctx context.Context) (subscription.BatchResult, error)
}

// Lifecycle is the subscription lifecycle the API drives
type Lifecycle interface {
	Create(ctx context.Context, req subscription.CreateRequest) (*domain.Subscription, error)
	Pause(ctx context.Context, id string) (*domain.Subscription, error)
	Resume(ctx context.Context, id string) (*domain.Subscription, error)
	Cancel(ctx context.Context, id string, atPeriodEnd bool) (*domain.Subscription, error)
	ChangePlan(ctx context.Context, id, planID string) (*domain.Subscription, error)
}

// StripeWebhookParser verifies and maps inbound Stripe webhooks
type StripeWebhookParser interface {
	ParseWebhook(payload []byte, signature string, now time.Time) (billing.WebhookNotification, bool, error)
}

// Deps are the components behind the routes. Stripe, Validator and RateLimiter
// are optional: without Stripe the webhook route is not mounted, without
// Validator the admin routes are open.
type Deps struct {
	Admin         *notify.Admin
	Bus           EventBus
	Billing       BillingRunner
	Subscriptions Lifecycle
	Deliveries    repository.DeliveryLogRepository
	Stripe        StripeWebhookParser
	Factory       events.Factory
	Validator     auth.Validator
	AdminRole     string
	RateLimiter   ratelimit.Limiter
	Logger        *zap.Logger
}

// Server is the admin HTTP server
type Server struct {
	cfg    config.HTTPConfig
	deps   Deps
	engine *gin.Engine
	logger *zap.Logger
	now    func() time.Time
}

// NewServer builds the router
func NewServer(cfg config.HTTPConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{cfg: cfg, deps: deps, engine: gin.New(), logger: deps.Logger, now: time.Now}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.engine
	r.Use(recovery(s.logger), requestLogger(s.logger), requestMetrics())

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if s.deps.Stripe != nil {
		r.POST("/v1/stripe/webhook", s.stripeWebhook)
	}

	v1 := r.Group("/v1")
	if s.deps.Validator != nil {
		v1.Use(authenticate(s.deps.Validator, s.deps.AdminRole))
	}
	if s.deps.RateLimiter != nil {
		v1.Use(rateLimit(s.deps.RateLimiter))
	}

	subs := v1.Group("/event-subscriptions")
	subs.GET("", s.listEventSubscriptions)
	subs.POST("", s.createEventSubscription)
	subs.GET("/:id", s.getEventSubscription)
	subs.PUT("/:id", s.updateEventSubscription)
	subs.DELETE("/:id", s.deleteEventSubscription)
	subs.POST("/:id/test", s.testEventSubscription)

	v1.GET("/events/history", s.eventHistory)
	v1.GET("/events/stats", s.eventStats)
	v1.GET("/events/:id/deliveries", s.eventDeliveries)

	v1.POST("/billing/run", s.runBilling)

	v1.POST("/subscriptions", s.createSubscription)
	v1.POST("/subscriptions/:id/pause", s.pauseSubscription)
	v1.POST("/subscriptions/:id/resume", s.resumeSubscription)
	v1.POST("/subscriptions/:id/cancel", s.cancelSubscription)
	v1.PUT("/subscriptions/:id/plan", s.changePlan)
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve listens on the configured address until ctx is done, then shuts down
// gracefully
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Info("HTTP server starting", zap.String("address", s.cfg.Address))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Serve(listener)
	}()

	select {
	case err := <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.logger.Info("HTTP server shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("Graceful shutdown timeout, forcing close", zap.Error(err))
		return srv.Close()
	}
	s.logger.Info("HTTP server stopped gracefully")
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}
