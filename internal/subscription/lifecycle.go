package subscription

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jia-app/eventbilling/internal/billing"
	"github.com/jia-app/eventbilling/internal/domain"
	"github.com/jia-app/eventbilling/internal/metrics"
)

var (
	// ErrInvalidTransition is returned when a lifecycle call is not allowed from
	// the subscription's current status
	ErrInvalidTransition = errors.New("invalid subscription status transition")
	// ErrPlanInactive is returned when subscribing or switching to a retired plan
	ErrPlanInactive = errors.New("plan is not active")
)

var validTransitions = map[domain.SubscriptionStatus][]domain.SubscriptionStatus{
	domain.SubscriptionStatusPending:  {domain.SubscriptionStatusActive, domain.SubscriptionStatusFailed, domain.SubscriptionStatusCanceled},
	domain.SubscriptionStatusActive:   {domain.SubscriptionStatusActive, domain.SubscriptionStatusFailed, domain.SubscriptionStatusPaused, domain.SubscriptionStatusCanceled, domain.SubscriptionStatusExpired},
	domain.SubscriptionStatusFailed:   {domain.SubscriptionStatusActive, domain.SubscriptionStatusFailed, domain.SubscriptionStatusCanceled},
	domain.SubscriptionStatusPaused:   {domain.SubscriptionStatusActive, domain.SubscriptionStatusPaused, domain.SubscriptionStatusCanceled},
	domain.SubscriptionStatusCanceled: {}, // Terminal state
	domain.SubscriptionStatusExpired:  {}, // Terminal state
}

// CanTransition reports whether a subscription may move from one status to another
func CanTransition(from, to domain.SubscriptionStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func checkTransition(sub *domain.Subscription, to domain.SubscriptionStatus) error {
	if !CanTransition(sub.Status, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, sub.Status, to)
	}
	return nil
}

// CreateRequest describes a new subscription purchase
type CreateRequest struct {
	User            domain.Ref[domain.User]
	PlanID          string
	PaymentProvider string
	PaymentMethod   string
	PaymentToken    string
}

// Create stores a pending subscription and makes the single initial charge.
// Success activates it; any failure leaves it failed without scheduling
// dunning retries. A failed initial charge is not an error.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*domain.Subscription, error) {
	if req.User.IsZero() {
		return nil, fmt.Errorf("%w: user is required", billing.ErrInvalidRequest)
	}
	plan, err := e.plans.GetByID(ctx, req.PlanID)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %s: %w", req.PlanID, err)
	}
	if !plan.Active {
		return nil, fmt.Errorf("%w: %s", ErrPlanInactive, plan.ID)
	}

	now := e.now()
	sub := &domain.Subscription{
		ID:              uuid.NewString(),
		User:            req.User,
		Plan:            domain.Populated(plan),
		Status:          domain.SubscriptionStatusPending,
		PaymentProvider: req.PaymentProvider,
		PaymentMethod:   req.PaymentMethod,
		PaymentToken:    req.PaymentToken,
		Period:          plan.Period,
		Amount:          plan.Amount,
		Currency:        plan.Currency,
		StartDate:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.subscriptions.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	e.publish(ctx, domain.EventSubscriptionCreated, sub, subscriptionData(sub))

	t := terms{amount: plan.Amount, currency: plan.Currency, period: plan.Period}
	reason := e.validate(sub, t)
	var res billing.ChargeResult
	ref := OrderReference(sub.ID, now, 0)
	if reason == "" {
		res, err = e.charge(ctx, sub, t, ref)
		switch {
		case err != nil:
			reason = err.Error()
		case !res.Succeeded():
			reason = res.ErrorMessage
			if reason == "" {
				reason = "charge status " + string(res.Status)
			}
		}
	}

	if reason != "" {
		return sub, e.failInitialCharge(ctx, sub, t, reason, res.PaymentID)
	}
	return sub, e.activate(ctx, sub, t, res, ref)
}

func (e *Engine) failInitialCharge(ctx context.Context, sub *domain.Subscription, t terms, reason, paymentID string) error {
	now := e.now()
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
	}); err != nil {
		return fmt.Errorf("failed to append payment history: %w", err)
	}

	sub.Status = domain.SubscriptionStatusFailed
	sub.LastPaymentAttemptFailed = true
	sub.UpdatedAt = now
	if err := e.subscriptions.Update(ctx, sub); err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	metrics.RecordDunningTransition(string(domain.SubscriptionStatusPending), string(sub.Status))

	e.logger.Warn("Initial subscription charge failed",
		zap.String("subscription_id", sub.ID),
		zap.String("reason", reason))

	data := subscriptionData(sub)
	data["failureReason"] = reason
	data["initial"] = true
	e.publish(ctx, domain.EventSubscriptionPaymentFailed, sub, data)
	return nil
}

func (e *Engine) activate(ctx context.Context, sub *domain.Subscription, t terms, res billing.ChargeResult, ref string) error {
	now := e.now()
	next, err := CalculateNextPaymentDate(now, t.period)
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
		CreatedAt:      now,
	}
	if err := e.orders.Create(ctx, order); err != nil {
		return fmt.Errorf("failed to create order: %w", err)
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
	}); err != nil {
		return fmt.Errorf("failed to append payment history: %w", err)
	}

	sub.Status = domain.SubscriptionStatusActive
	sub.NextPaymentDate = &next
	sub.LastPaymentDate = &now
	sub.UpdatedAt = now
	if err := e.subscriptions.Update(ctx, sub); err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	metrics.RecordDunningTransition(string(domain.SubscriptionStatusPending), string(sub.Status))

	e.logger.Info("Subscription activated",
		zap.String("subscription_id", sub.ID),
		zap.String("user_id", sub.User.ID()),
		zap.String("plan_id", sub.Plan.ID()),
		zap.Time("next_payment_date", next))

	data := subscriptionData(sub)
	data["orderId"] = order.ID
	data["paymentId"] = res.PaymentID
	e.publish(ctx, domain.EventSubscriptionActivated, sub, data)
	return nil
}

// Pause stops billing. Pausing a paused subscription is a no-op.
func (e *Engine) Pause(ctx context.Context, id string) (*domain.Subscription, error) {
	sub, err := e.subscriptions.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription %s: %w", id, err)
	}
	if sub.Status == domain.SubscriptionStatusPaused {
		return sub, nil
	}
	if err := checkTransition(sub, domain.SubscriptionStatusPaused); err != nil {
		return nil, err
	}

	now := e.now()
	next, err := CalculateNextPaymentDate(now, sub.Period)
	if err != nil {
		return nil, err
	}

	previous := sub.Status
	sub.Status = domain.SubscriptionStatusPaused
	sub.PausedAt = &now
	sub.NextPaymentDate = &next
	sub.UpdatedAt = now
	if err := e.subscriptions.Update(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}
	metrics.RecordDunningTransition(string(previous), string(sub.Status))

	e.logger.Info("Subscription paused", zap.String("subscription_id", sub.ID))
	e.publish(ctx, domain.EventSubscriptionPaused, sub, subscriptionData(sub))
	return sub, nil
}

// Resume reactivates a paused subscription; the next charge is one period from now
func (e *Engine) Resume(ctx context.Context, id string) (*domain.Subscription, error) {
	sub, err := e.subscriptions.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription %s: %w", id, err)
	}
	if sub.Status != domain.SubscriptionStatusPaused {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, sub.Status, domain.SubscriptionStatusActive)
	}

	now := e.now()
	next, err := CalculateNextPaymentDate(now, sub.Period)
	if err != nil {
		return nil, err
	}

	sub.Status = domain.SubscriptionStatusActive
	sub.PausedAt = nil
	sub.NextPaymentDate = &next
	sub.PaymentRetryAttempt = 0
	sub.UpdatedAt = now
	if err := e.subscriptions.Update(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}
	metrics.RecordDunningTransition(string(domain.SubscriptionStatusPaused), string(sub.Status))

	e.logger.Info("Subscription resumed",
		zap.String("subscription_id", sub.ID),
		zap.Time("next_payment_date", next))
	e.publish(ctx, domain.EventSubscriptionResumed, sub, subscriptionData(sub))
	return sub, nil
}

// Cancel cancels a subscription now, or at the end of the paid period when
// atPeriodEnd is set on an active subscription. Canceling a canceled
// subscription returns it unchanged.
func (e *Engine) Cancel(ctx context.Context, id string, atPeriodEnd bool) (*domain.Subscription, error) {
	sub, err := e.subscriptions.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription %s: %w", id, err)
	}
	if sub.Status == domain.SubscriptionStatusCanceled {
		return sub, nil
	}
	if err := checkTransition(sub, domain.SubscriptionStatusCanceled); err != nil {
		return nil, err
	}

	now := e.now()
	sub.UpdatedAt = now

	if atPeriodEnd && sub.Status == domain.SubscriptionStatusActive {
		if sub.CancelAtPeriodEnd {
			return sub, nil
		}
		sub.CancelAtPeriodEnd = true
		if err := e.subscriptions.Update(ctx, sub); err != nil {
			return nil, fmt.Errorf("failed to update subscription: %w", err)
		}
		e.logger.Info("Subscription set to cancel at period end", zap.String("subscription_id", sub.ID))
		data := subscriptionData(sub)
		data["atPeriodEnd"] = true
		e.publish(ctx, domain.EventSubscriptionCanceled, sub, data)
		return sub, nil
	}

	previous := sub.Status
	sub.Status = domain.SubscriptionStatusCanceled
	sub.CanceledAt = &now
	sub.EndDate = &now
	sub.NextPaymentDate = nil
	if err := e.subscriptions.Update(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}
	metrics.RecordDunningTransition(string(previous), string(sub.Status))

	e.logger.Info("Subscription canceled", zap.String("subscription_id", sub.ID))
	data := subscriptionData(sub)
	data["atPeriodEnd"] = false
	e.publish(ctx, domain.EventSubscriptionCanceled, sub, data)
	return sub, nil
}

// ChangePlan points a subscription at another plan. No proration is applied;
// the next billing pass charges the new plan's price and period.
func (e *Engine) ChangePlan(ctx context.Context, id, planID string) (*domain.Subscription, error) {
	sub, err := e.subscriptions.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription %s: %w", id, err)
	}
	if sub.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: cannot change plan of a %s subscription", ErrInvalidTransition, sub.Status)
	}

	plan, err := e.plans.GetByID(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %s: %w", planID, err)
	}
	if !plan.Active {
		return nil, fmt.Errorf("%w: %s", ErrPlanInactive, plan.ID)
	}

	previousPlan := sub.Plan.ID()
	if previousPlan == plan.ID {
		return sub, nil
	}
	sub.Plan = domain.Populated(plan)
	sub.UpdatedAt = e.now()
	if err := e.subscriptions.Update(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	e.logger.Info("Subscription plan changed",
		zap.String("subscription_id", sub.ID),
		zap.String("previous_plan_id", previousPlan),
		zap.String("plan_id", plan.ID))

	data := subscriptionData(sub)
	data["previousPlanId"] = previousPlan
	e.publish(ctx, domain.EventSubscriptionPlanChanged, sub, data)
	return sub, nil
}

// ExpireEnded moves subscriptions flagged to cancel at period end into expired
// once their period has elapsed. It returns the number expired.
func (e *Engine) ExpireEnded(ctx context.Context) (int, error) {
	now := e.now()
	ended, err := e.subscriptions.FindEnded(ctx, now, e.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to load ended subscriptions: %w", err)
	}

	expired := 0
	for _, sub := range ended {
		sub.Status = domain.SubscriptionStatusExpired
		sub.EndDate = &now
		sub.NextPaymentDate = nil
		sub.UpdatedAt = now
		if err := e.subscriptions.Update(ctx, sub); err != nil {
			e.logger.Error("Failed to expire subscription",
				zap.String("subscription_id", sub.ID),
				zap.Error(err))
			continue
		}
		expired++
		metrics.RecordDunningTransition(string(domain.SubscriptionStatusActive), string(sub.Status))
		e.publish(ctx, domain.EventSubscriptionExpired, sub, subscriptionData(sub))
	}

	if expired > 0 {
		e.logger.Info("Expired ended subscriptions", zap.Int("count", expired))
	}
	return expired, nil
}
