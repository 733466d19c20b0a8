package httpapi

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jia-app/eventbilling/internal/domain"
	"github.com/jia-app/eventbilling/internal/events"
	"github.com/jia-app/eventbilling/internal/log"
	"github.com/jia-app/eventbilling/internal/subscription"
)

const (
	defaultHistoryLimit = 50
	maxWebhookBody      = 64 << 10
)

// eventSubscriptionView is the response form of a subscription. The webhook
// secret is write-only: the shadowing field is always empty and omitted.
type eventSubscriptionView struct {
	*domain.EventSubscription
	WebhookSecret    string `json:"webhook_secret,omitempty"`
	HasWebhookSecret bool   `json:"has_webhook_secret"`
}

func newEventSubscriptionView(sub *domain.EventSubscription) eventSubscriptionView {
	return eventSubscriptionView{EventSubscription: sub, HasWebhookSecret: sub.WebhookSecret != ""}
}

func (s *Server) listEventSubscriptions(c *gin.Context) {
	subs, err := s.deps.Admin.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]eventSubscriptionView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, newEventSubscriptionView(sub))
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": views})
}

func (s *Server) createEventSubscription(c *gin.Context) {
	var sub domain.EventSubscription
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	created, err := s.deps.Admin.Create(c.Request.Context(), &sub)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newEventSubscriptionView(created))
}

func (s *Server) getEventSubscription(c *gin.Context) {
	sub, err := s.deps.Admin.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newEventSubscriptionView(sub))
}

func (s *Server) updateEventSubscription(c *gin.Context) {
	var sub domain.EventSubscription
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	sub.ID = c.Param("id")
	updated, err := s.deps.Admin.Update(c.Request.Context(), &sub)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newEventSubscriptionView(updated))
}

func (s *Server) deleteEventSubscription(c *gin.Context) {
	if err := s.deps.Admin.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type testRequest struct {
	EventType domain.EventType `json:"event_type"`
}

func (s *Server) testEventSubscription(c *gin.Context) {
	var req testRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorBody(err.Error()))
			return
		}
	}
	res, err := s.deps.Admin.TestSubscription(c.Request.Context(), c.Param("id"), req.EventType)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) eventHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, errorBody("limit must be a positive integer"))
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{"events": s.deps.Bus.History(limit)})
}

func (s *Server) eventStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Bus.Stats())
}

func (s *Server) eventDeliveries(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	webhooks, err := s.deps.Deliveries.ListWebhookLogs(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	channels, err := s.deps.Deliveries.ListChannelLogs(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": webhooks, "channels": channels})
}

func (s *Server) runBilling(c *gin.Context) {
	ctx := c.Request.Context()
	res, err := s.deps.Billing.RunOnce(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	log.Info(ctx, "Manual billing run completed",
		zap.Int("success", res.Success),
		zap.Int("failed", res.Failed),
		zap.Int("errors", res.Errors))
	c.JSON(http.StatusOK, res)
}

type createSubscriptionRequest struct {
	UserID          string `json:"user_id" binding:"required"`
	PlanID          string `json:"plan_id" binding:"required"`
	PaymentProvider string `json:"payment_provider" binding:"required"`
	PaymentMethod   string `json:"payment_method"`
	PaymentToken    string `json:"payment_token" binding:"required"`
}

func (s *Server) createSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	sub, err := s.deps.Subscriptions.Create(c.Request.Context(), subscription.CreateRequest{
		User:            domain.RefTo[domain.User](req.UserID),
		PlanID:          req.PlanID,
		PaymentProvider: req.PaymentProvider,
		PaymentMethod:   req.PaymentMethod,
		PaymentToken:    req.PaymentToken,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (s *Server) pauseSubscription(c *gin.Context) {
	sub, err := s.deps.Subscriptions.Pause(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newEventSubscriptionView(sub))
}

func (s *Server) resumeSubscription(c *gin.Context) {
	sub, err := s.deps.Subscriptions.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newEventSubscriptionView(sub))
}

func (s *Server) cancelSubscription(c *gin.Context) {
	atPeriodEnd := c.Query("at_period_end") == "true"
	sub, err := s.deps.Subscriptions.Cancel(c.Request.Context(), c.Param("id"), atPeriodEnd)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newEventSubscriptionView(sub))
}

type changePlanRequest struct {
	PlanID string `json:"plan_id" binding:"required"`
}

func (s *Server) changePlan(c *gin.Context) {
	var req changePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	sub, err := s.deps.Subscriptions.ChangePlan(c.Request.Context(), c.Param("id"), req.PlanID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newEventSubscriptionView(sub))
}

// stripeWebhook verifies a Stripe delivery and republishes it on the bus.
// Handler outcomes stay on the bus; only a failed publish asks Stripe to redeliver.
func (s *Server) stripeWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("failed to read body"))
		return
	}

	n, ok, err := s.deps.Stripe.ParseWebhook(payload, c.GetHeader("Stripe-Signature"), s.now())
	if err != nil {
		log.Warn(ctx, "Rejected Stripe webhook", zap.Error(err))
		c.JSON(http.StatusBadRequest, errorBody("invalid signature"))
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}

	ev := s.deps.Factory.New(n.Type, n.Data, events.WithMetadata(map[string]interface{}{
		"stripeEventId": n.StripeEventID,
	}))
	if _, err := s.deps.Bus.Publish(ctx, ev); err != nil {
		log.Error(ctx, "Failed to publish Stripe event",
			zap.String("stripe_event_id", n.StripeEventID),
			zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, errorBody("event bus unavailable"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "event_id": ev.ID})
}
