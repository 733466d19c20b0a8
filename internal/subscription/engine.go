// Package subscription runs recurring billing: the scheduled charge pass, the
// dunning state machine and explicit lifecycle changes.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/jia-app/eventbilling/internal/billing"
	"github.com/jia-app/eventbilling/internal/domain"
	"github.com/jia-app/eventbilling/internal/events"
	"github.com/jia-app/eventbilling/internal/metrics"
	"github.com/jia-app/eventbilling/internal/repository"
	"github.com/jia-app/eventbilling/internal/tracing"
)

// Config holds billing engine settings
type Config struct {
	MaxRetries    int
	BatchSize     int
	ChargeTimeout time.Duration
}

// DefaultConfig returns the production billing settings
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		BatchSize:     100,
		ChargeTimeout: 30 * time.Second,
	}
}

// BatchResult is the aggregate outcome of one billing pass
type BatchResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Errors  int `json:"errors"`
}

// Engine charges due subscriptions and drives dunning
type Engine struct {
	subscriptions repository.SubscriptionRepository
	plans         repository.PlanRepository
	orders        repository.OrderRepository
	history       repository.PaymentHistoryRepository
	gateway       billing.Gateway
	publisher     events.Publisher
	factory       events.Factory
	config        Config
	logger        *zap.Logger
	now           func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEventFactory sets the source and schema version stamped on billing events
func WithEventFactory(f events.Factory) Option {
	return func(e *Engine) { e.factory = f }
}

// NewEngine creates a billing engine. publisher may be nil, in which case
// billing outcomes are only logged.
func NewEngine(repo repository.Repository, gateway billing.Gateway, publisher events.Publisher, config Config, opts ...Option) *Engine {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.ChargeTimeout <= 0 {
		config.ChargeTimeout = DefaultConfig().ChargeTimeout
	}

	e := &Engine{
		subscriptions: repo.Subscription(),
		plans:         repo.Plan(),
		orders:        repo.Order(),
		history:       repo.PaymentHistory(),
		gateway:       gateway,
		publisher:     publisher,
		config:        config,
		logger:        zap.NewNop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
)

// terms is what a charge bills, resolved from the plan when one is attached
type terms struct {
	amount   decimal.Decimal
	currency string
	period   domain.BillingPeriod
}

// providerLister is implemented by gateways that know their providers, such as
// billing.Router
type providerLister interface {
	Providers() []string
}

// ProcessRecurringPayments charges every due subscription in one bounded batch.
// Subscriptions are processed one after another; a failure in one never stops
// the rest. The returned error is only set when candidates could not be loaded.
func (e *Engine) ProcessRecurringPayments(ctx context.Context) (BatchResult, error) {
	ctx, span := tracing.StartSpan(ctx, "billing.process_recurring_payments")
	defer span.End()

	start := time.Now()
	now := e.now()

	due, err := e.subscriptions.FindDue(ctx, repository.DueQuery{
		Now:        now,
		MaxRetries: e.config.MaxRetries,
		Limit:      e.config.BatchSize,
	})
	if err != nil {
		tracing.RecordError(span, err)
		metrics.RecordError("find_due", "billing")
		return BatchResult{}, fmt.Errorf("failed to load due subscriptions: %w", err)
	}

	var result BatchResult
	for _, sub := range due {
		o, err := e.processSafely(ctx, sub, now)
		switch {
		case err != nil:
			result.Errors++
			metrics.RecordError("charge", "billing")
			e.logger.Error("Failed to process subscription",
				zap.String("subscription_id", sub.ID),
				zap.Error(err))
		case o == outcomeSucceeded:
			result.Success++
		default:
			result.Failed++
		}
	}

	span.SetAttributes(
		attribute.Int("billing.candidates", len(due)),
		attribute.Int("billing.success", result.Success),
		attribute.Int("billing.failed", result.Failed),
		attribute.Int("billing.errors", result.Errors),
	)
	metrics.RecordBillingBatch(result.Success, result.Failed, result.Errors, time.Since(start))
	e.logger.Info("Recurring payment batch completed",
		zap.Int("candidates", len(due)),
		zap.Int("success", result.Success),
		zap.Int("failed", result.Failed),
		zap.Int("errors", result.Errors),
		zap.Duration("duration", time.Since(start)))

	return result, nil
}

func (e *Engine) processSafely(ctx context.Context, sub *domain.Subscription, now time.Time) (o outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while billing subscription: %v", r)
		}
	}()
	return e.processSubscription(ctx, sub, now)
}

func (e *Engine) processSubscription(ctx context.Context, sub *domain.Subscription, now time.Time) (outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "billing.charge_subscription",
		attribute.String("subscription.id", sub.ID),
		attribute.Int("subscription.retry_attempt", sub.PaymentRetryAttempt))
	defer span.End()

	t, err := e.resolveTerms(ctx, sub)
	if err != nil {
		tracing.RecordError(span, err)
		return 0, err
	}

	if reason := e.validate(sub, t); reason != "" {
		if err := e.markMisconfigured(ctx, sub, t, reason, now); err != nil {
			return 0, err
		}
		return outcomeFailed, nil
	}

	billingDate := now
	if sub.NextPaymentDate != nil {
		billingDate = *sub.NextPaymentDate
	}
	ref := OrderReference(sub.ID, billingDate, sub.PaymentRetryAttempt)

	res, err := e.charge(ctx, sub, t, ref)
	if err != nil {
		tracing.RecordError(span, err)
		return 0, err
	}

	if res.Succeeded() {
		if err := e.recordRenewal(ctx, sub, t, res, ref, now); err != nil {
			return 0, err
		}
		return outcomeSucceeded, nil
	}

	reason := res.ErrorMessage
	if reason == "" {
		reason = "charge status " + string(res.Status)
	}
	if err := e.recordFailure(ctx, sub, t, reason, res.PaymentID, now); err != nil {
		return 0, err
	}
	return outcomeFailed, nil
}

// resolveTerms prefers the plan's price and period over the copy on the
// subscription. A plan that no longer exists falls back to the subscription.
func (e *Engine) resolveTerms(ctx context.Context, sub *domain.Subscription) (terms, error) {
	t := terms{amount: sub.Amount, currency: sub.Currency, period: sub.Period}

	plan, ok := sub.Plan.Value()
	if !ok && !sub.Plan.IsZero() {
		loaded, err := e.plans.GetByID(ctx, sub.Plan.ID())
		switch {
		case errors.Is(err, repository.ErrNotFound):
			e.logger.Warn("Subscription plan not found, billing stored terms",
				zap.String("subscription_id", sub.ID),
				zap.String("plan_id", sub.Plan.ID()))
			return t, nil
		case err != nil:
			return terms{}, fmt.Errorf("failed to load plan %s: %w", sub.Plan.ID(), err)
		}
		plan, ok = loaded, true
	}
	if !ok {
		return t, nil
	}

	if plan.Amount.IsPositive() {
		t.amount = plan.Amount
	}
	if plan.Currency != "" {
		t.currency = plan.Currency
	}
	if plan.Period != "" {
		t.period = plan.Period
	}
	return t, nil
}

// validate returns why a subscription cannot be charged, or "" when it can
func (e *Engine) validate(sub *domain.Subscription, t terms) string {
	var missing []string
	if sub.PaymentToken == "" {
		missing = append(missing, "payment token")
	}
	if !t.amount.IsPositive() {
		missing = append(missing, "amount")
	}
	if t.currency == "" {
		missing = append(missing, "currency")
	}
	if sub.PaymentProvider == "" {
		missing = append(missing, "payment provider")
	}
	if len(missing) > 0 {
		return "missing " + strings.Join(missing, ", ")
	}

	if lister, ok := e.gateway.(providerLister); ok && !contains(lister.Providers(), strings.ToLower(sub.PaymentProvider)) {
		return fmt.Sprintf("unknown payment provider %q", sub.PaymentProvider)
	}
	if _, err := CalculateNextPaymentDate(time.Time{}, t.period); err != nil {
		return err.Error()
	}
	return ""
}

func (e *Engine) charge(ctx context.Context, sub *domain.Subscription, t terms, ref string) (billing.ChargeResult, error) {
	chargeCtx, cancel := context.WithTimeout(ctx, e.config.ChargeTimeout)
	defer cancel()

	res, err := e.gateway.Charge(chargeCtx, billing.ChargeRequest{
		Token:          sub.PaymentToken,
		Amount:         t.amount,
		Currency:       t.currency,
		OrderReference: ref,
		Provider:       sub.PaymentProvider,
		Metadata: map[string]string{
			"subscription_id": sub.ID,
			"user_id":         sub.User.ID(),
		},
	})
	if err != nil {
		metrics.RecordBillingCharge(sub.PaymentProvider, "error")
		return billing.ChargeResult{}, fmt.Errorf("gateway charge failed: %w", err)
	}
	metrics.RecordBillingCharge(sub.PaymentProvider, string(res.Status))
	return res, nil
}

func (e *Engine) recordRenewal(ctx context.Context, sub *domain.Subscription, t terms, res billing.ChargeResult, ref string, now time.Time) error {
	next, err := NextRenewalDate(sub, t.period, now)
	if err != nil {
		return err
	}

	order := &domain.Order{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		UserID:         sub.User.ID(),
		PlanID:         sub.Plan.ID(),
		Amount:         t.amount,
		Currency:       t.currency,
		Status:         domain.OrderStatusPaid,
		PaymentID:      res.PaymentID,
		Reference:      ref,
		IsRenewal:      true,
		CreatedAt:      now,
	}
	if err := e.orders.Create(ctx, order); err != nil {
		return fmt.Errorf("failed to create renewal order: %w", err)
	}

	if err := e.history.Append(ctx, &domain.SubscriptionPaymentHistory{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		OrderID:        order.ID,
		Amount:         t.amount,
		Currency:       t.currency,
		Status:         domain.PaymentStatusSuccessful,
		PaymentDate:    now,
		PaymentMethod:  sub.PaymentMethod,
		TransactionID:  res.PaymentID,
		RetryAttempt:   sub.PaymentRetryAttempt,
	}); err != nil {
		return fmt.Errorf("failed to append payment history: %w", err)
	}

	previous := sub.Status
	sub.Status = domain.SubscriptionStatusActive
	sub.NextPaymentDate = &next
	sub.LastPaymentDate = &now
	sub.PaymentRetryAttempt = 0
	sub.LastPaymentAttemptFailed = false
	sub.Amount, sub.Currency, sub.Period = t.amount, t.currency, t.period
	sub.UpdatedAt = now
	if err := e.subscriptions.Update(ctx, sub); err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if previous != sub.Status {
		metrics.RecordDunningTransition(string(previous), string(sub.Status))
	}

	e.logger.Info("Subscription renewed",
		zap.String("subscription_id", sub.ID),
		zap.String("order_id", order.ID),
		zap.String("payment_id", res.PaymentID),
		zap.Time("next_payment_date", next))

	data := subscriptionData(sub)
	data["orderId"] = order.ID
	data["paymentId"] = res.PaymentID
	e.publish(ctx, domain.EventSubscriptionRenewed, sub, data)
	return nil
}

// recordFailure advances the dunning state machine after a declined charge
func (e *Engine) recordFailure(ctx context.Context, sub *domain.Subscription, t terms, reason, paymentID string, now time.Time) error {
	e.crossCheckDunning(ctx, sub)

	attempt := sub.PaymentRetryAttempt + 1
	if err := e.history.Append(ctx, &domain.SubscriptionPaymentHistory{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		Amount:         t.amount,
		Currency:       t.currency,
		Status:         domain.PaymentStatusFailed,
		PaymentDate:    now,
		PaymentMethod:  sub.PaymentMethod,
		TransactionID:  paymentID,
		FailureReason:  reason,
		RetryAttempt:   attempt,
	}); err != nil {
		return fmt.Errorf("failed to append payment history: %w", err)
	}

	previous := sub.Status
	sub.PaymentRetryAttempt = attempt
	sub.LastPaymentAttemptFailed = true
	sub.UpdatedAt = now

	exhausted := attempt > e.config.MaxRetries
	if exhausted {
		sub.Status = domain.SubscriptionStatusCanceled
		sub.EndDate = &now
		sub.CanceledAt = &now
		sub.NextPaymentDate = nil
	} else {
		retryAt := now.Add(RetryDelay(attempt))
		sub.Status = domain.SubscriptionStatusFailed
		sub.NextPaymentDate = &retryAt
	}
	if err := e.subscriptions.Update(ctx, sub); err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	metrics.RecordDunningTransition(string(previous), string(sub.Status))

	data := subscriptionData(sub)
	data["failureReason"] = reason
	data["retryAttempt"] = attempt
	data["maxRetries"] = e.config.MaxRetries
	data["final"] = exhausted

	if exhausted {
		e.logger.Warn("Dunning exhausted, subscription canceled",
			zap.String("subscription_id", sub.ID),
			zap.Int("retry_attempt", attempt),
			zap.String("reason", reason))
		e.publish(ctx, domain.EventSubscriptionPaymentFailed, sub, data)
		e.publish(ctx, domain.EventSubscriptionCanceled, sub, subscriptionData(sub))
		return nil
	}

	data["nextRetryDate"] = sub.NextPaymentDate.UTC().Format(time.RFC3339)
	e.logger.Info("Subscription payment failed, retry scheduled",
		zap.String("subscription_id", sub.ID),
		zap.Int("retry_attempt", attempt),
		zap.Time("next_retry_date", *sub.NextPaymentDate),
		zap.String("reason", reason))
	e.publish(ctx, domain.EventSubscriptionPaymentFailed, sub, data)
	return nil
}

// markMisconfigured fails a subscription that cannot be charged without
// calling the gateway. The retry date still moves so the next pass does not
// pick it up again immediately.
func (e *Engine) markMisconfigured(ctx context.Context, sub *domain.Subscription, t terms, reason string, now time.Time) error {
	attempt := sub.PaymentRetryAttempt + 1
	retryAt := now.Add(RetryDelay(attempt))

	previous := sub.Status
	sub.Status = domain.SubscriptionStatusFailed
	sub.PaymentRetryAttempt = attempt
	sub.LastPaymentAttemptFailed = true
	sub.NextPaymentDate = &retryAt
	sub.UpdatedAt = now
	if err := e.subscriptions.Update(ctx, sub); err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if previous != sub.Status {
		metrics.RecordDunningTransition(string(previous), string(sub.Status))
	}
	metrics.RecordBillingCharge(sub.PaymentProvider, "invalid")

	if err := e.history.Append(ctx, &domain.SubscriptionPaymentHistory{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		Amount:         t.amount,
		Currency:       t.currency,
		Status:         domain.PaymentStatusFailed,
		PaymentDate:    now,
		PaymentMethod:  sub.PaymentMethod,
		FailureReason:  reason,
		RetryAttempt:   attempt,
	}); err != nil {
		e.logger.Warn("Failed to append payment history", zap.String("subscription_id", sub.ID), zap.Error(err))
	}

	e.logger.Error("Subscription cannot be charged",
		zap.String("subscription_id", sub.ID),
		zap.Int("retry_attempt", attempt),
		zap.String("reason", reason))
	return nil
}

// crossCheckDunning compares the retry counter with the trailing run of failed
// history rows. A mismatch is logged; the counter stays authoritative.
func (e *Engine) crossCheckDunning(ctx context.Context, sub *domain.Subscription) {
	rows, err := e.history.ListBySubscription(ctx, sub.ID, e.config.MaxRetries+1)
	if err != nil {
		e.logger.Warn("Failed to load payment history for dunning check",
			zap.String("subscription_id", sub.ID),
			zap.Error(err))
		return
	}

	consecutive := 0
	for _, row := range rows {
		if row.Status != domain.PaymentStatusFailed {
			break
		}
		consecutive++
	}
	if consecutive != sub.PaymentRetryAttempt {
		e.logger.Warn("Dunning counter does not match payment history",
			zap.String("subscription_id", sub.ID),
			zap.Int("retry_attempt", sub.PaymentRetryAttempt),
			zap.Int("consecutive_failures", consecutive))
	}
}

func (e *Engine) publish(ctx context.Context, eventType domain.EventType, sub *domain.Subscription, data map[string]interface{}) {
	if e.publisher == nil {
		return
	}

	opts := []events.EventOption{events.WithTimestamp(e.now())}
	if user, ok := sub.User.Value(); ok {
		opts = append(opts, events.WithContext(map[string]interface{}{
			"user": map[string]interface{}{
				"id":    user.ID,
				"email": user.Email,
				"name":  user.Name,
				"phone": user.Phone,
			},
		}))
	}

	ev := e.factory.New(eventType, data, opts...)
	if _, err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.Warn("Failed to publish billing event",
			zap.String("event_type", string(eventType)),
			zap.String("subscription_id", sub.ID),
			zap.Error(err))
	}
}

func subscriptionData(sub *domain.Subscription) map[string]interface{} {
	data := map[string]interface{}{
		"subscriptionId":  sub.ID,
		"userId":          sub.User.ID(),
		"planId":          sub.Plan.ID(),
		"status":          string(sub.Status),
		"amount":          sub.Amount,
		"currency":        sub.Currency,
		"period":          string(sub.Period),
		"paymentProvider": sub.PaymentProvider,
	}
	if sub.NextPaymentDate != nil {
		data["nextPaymentDate"] = sub.NextPaymentDate.UTC().Format(time.RFC3339)
	}
	if sub.EndDate != nil {
		data["endDate"] = sub.EndDate.UTC().Format(time.RFC3339)
	}
	return data
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
