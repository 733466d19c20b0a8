package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/jia-app/eventbilling/internal/auth"
	"github.com/jia-app/eventbilling/internal/log"
	"github.com/jia-app/eventbilling/internal/metrics"
	"github.com/jia-app/eventbilling/internal/ratelimit"
	"github.com/jia-app/eventbilling/internal/tracing"
)

const requestIDHeader = "X-Request-ID"

func recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("HTTP panic recovered",
					zap.Any("panic", p),
					zap.String("path", c.Request.URL.Path))
				metrics.RecordError("panic", "http")
				c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody("internal server error"))
			}
		}()
		c.Next()
	}
}

// requestLogger tags the request context with a request id and logs completion
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)

		ctx, span := tracing.StartSpan(c.Request.Context(), "http."+c.Request.Method,
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.path", c.Request.URL.Path))
		defer span.End()
		ctx = log.WithRequestID(ctx, requestID)
		if traceID := tracing.GetTraceID(ctx); traceID != "" {
			ctx = log.WithTraceID(ctx, traceID)
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))

		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("HTTP request failed", fields...)
			return
		}
		logger.Debug("HTTP request completed", fields...)
	}
}

func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// authenticate requires a valid bearer token carrying adminRole. An empty
// adminRole accepts any authenticated caller.
func authenticate(validator auth.Validator, adminRole string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.ExtractTokenFromAuthHeader(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("missing bearer token"))
			return
		}

		principal, err := validator.Validate(c.Request.Context(), token)
		if err != nil {
			log.Warn(c.Request.Context(), "Rejected admin token", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("invalid token"))
			return
		}
		if adminRole != "" && !principal.HasRole(adminRole) {
			c.AbortWithStatusJSON(http.StatusForbidden, errorBody("insufficient role"))
			return
		}

		ctx := auth.WithPrincipal(c.Request.Context(), principal)
		tracing.SetSpanAttributes(ctx, attribute.String("user.id", principal.UserID))
		c.Request = c.Request.WithContext(log.WithUserID(ctx, principal.UserID))
		c.Next()
	}
}

// rateLimit throttles per authenticated user, or per client address when the
// routes are open. Limiter failures let the request through.
func rateLimit(limiter ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := "ip:" + c.ClientIP()
		if principal, ok := auth.PrincipalFrom(ctx); ok && principal.UserID != "" {
			key = "user:" + principal.UserID
		}

		allowed, err := limiter.Allow(ctx, key)
		if err != nil {
			log.Warn(ctx, "Rate limit check failed, allowing request",
				zap.Error(err),
				zap.String("key", key))
			c.Next()
			return
		}
		if !allowed {
			log.Warn(ctx, "Rate limit exceeded", zap.String("key", key))
			metrics.RecordError("rate_limited", "http")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody("rate limit exceeded"))
			return
		}
		c.Next()
	}
}
