package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jia-app/eventbilling/internal/domain"
	"github.com/jia-app/eventbilling/internal/repository"
)

const subscriptionColumns = `id, user_id, plan_id, status, payment_provider, payment_method, payment_token,
	period, amount, currency, start_date, next_payment_date, last_payment_date, end_date,
	canceled_at, paused_at, cancel_at_period_end, payment_retry_attempt,
	last_payment_attempt_failed, created_at, updated_at`

// subscriptionRepository implements repository.SubscriptionRepository
type subscriptionRepository struct {
	db querier
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var (
		sub            domain.Subscription
		userID, planID string
	)
	err := row.Scan(
		&sub.ID, &userID, &planID, &sub.Status, &sub.PaymentProvider, &sub.PaymentMethod,
		&sub.PaymentToken, &sub.Period, &sub.Amount, &sub.Currency, &sub.StartDate,
		&sub.NextPaymentDate, &sub.LastPaymentDate, &sub.EndDate, &sub.CanceledAt,
		&sub.PausedAt, &sub.CancelAtPeriodEnd, &sub.PaymentRetryAttempt,
		&sub.LastPaymentAttemptFailed, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.User = domain.RefTo[domain.User](userID)
	sub.Plan = domain.RefTo[domain.Plan](planID)
	return &sub, nil
}

func collectSubscriptions(rows pgx.Rows) ([]*domain.Subscription, error) {
	defer rows.Close()
	var subs []*domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// GetByID retrieves a subscription by ID
func (r *subscriptionRepository) GetByID(ctx context.Context, id string) (*domain.Subscription, error) {
	sub, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription by ID: %w", err)
	}
	return sub, nil
}

// Create inserts a new subscription
func (r *subscriptionRepository) Create(ctx context.Context, sub *domain.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	_, err := r.db.Exec(ctx, `INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		sub.ID, sub.User.ID(), sub.Plan.ID(), sub.Status, sub.PaymentProvider, sub.PaymentMethod,
		sub.PaymentToken, sub.Period, sub.Amount, sub.Currency, sub.StartDate,
		sub.NextPaymentDate, sub.LastPaymentDate, sub.EndDate, sub.CanceledAt, sub.PausedAt,
		sub.CancelAtPeriodEnd, sub.PaymentRetryAttempt, sub.LastPaymentAttemptFailed,
		sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// Update persists every mutable field
func (r *subscriptionRepository) Update(ctx context.Context, sub *domain.Subscription) error {
	sub.UpdatedAt = time.Now().UTC()
	tag, err := r.db.Exec(ctx, `UPDATE subscriptions SET
			plan_id = $2, status = $3, payment_provider = $4, payment_method = $5,
			payment_token = $6, period = $7, amount = $8, currency = $9,
			next_payment_date = $10, last_payment_date = $11, end_date = $12,
			canceled_at = $13, paused_at = $14, cancel_at_period_end = $15,
			payment_retry_attempt = $16, last_payment_attempt_failed = $17, updated_at = $18
		WHERE id = $1`,
		sub.ID, sub.Plan.ID(), sub.Status, sub.PaymentProvider, sub.PaymentMethod,
		sub.PaymentToken, sub.Period, sub.Amount, sub.Currency,
		sub.NextPaymentDate, sub.LastPaymentDate, sub.EndDate,
		sub.CanceledAt, sub.PausedAt, sub.CancelAtPeriodEnd,
		sub.PaymentRetryAttempt, sub.LastPaymentAttemptFailed, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// FindDue returns billing candidates ordered by next payment date
func (r *subscriptionRepository) FindDue(ctx context.Context, q repository.DueQuery) ([]*domain.Subscription, error) {
	rows, err := r.db.Query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE next_payment_date <= $1
		  AND ((status = 'active' AND NOT cancel_at_period_end)
		    OR (status = 'failed' AND payment_retry_attempt <= $2))
		ORDER BY next_payment_date, id
		LIMIT $3`,
		q.Now, q.MaxRetries, q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query due subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// FindEnded returns subscriptions whose cancel-at-period-end date has passed
func (r *subscriptionRepository) FindEnded(ctx context.Context, now time.Time, limit int) ([]*domain.Subscription, error) {
	rows, err := r.db.Query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = 'active' AND cancel_at_period_end AND next_payment_date <= $1
		ORDER BY next_payment_date, id
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query ended subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// planRepository implements repository.PlanRepository
type planRepository struct {
	db querier
}

// GetByID retrieves a plan by ID
func (r *planRepository) GetByID(ctx context.Context, id string) (domain.Plan, error) {
	var p domain.Plan
	err := r.db.QueryRow(ctx,
		`SELECT id, name, amount, currency, period, active FROM plans WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.Amount, &p.Currency, &p.Period, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Plan{}, repository.ErrNotFound
	}
	if err != nil {
		return domain.Plan{}, fmt.Errorf("failed to get plan by ID: %w", err)
	}
	return p, nil
}

// ListActive retrieves all active plans
func (r *planRepository) ListActive(ctx context.Context) ([]domain.Plan, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, name, amount, currency, period, active FROM plans WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active plans: %w", err)
	}
	defer rows.Close()

	var plans []domain.Plan
	for rows.Next() {
		var p domain.Plan
		if err := rows.Scan(&p.ID, &p.Name, &p.Amount, &p.Currency, &p.Period, &p.Active); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// Create inserts a plan
func (r *planRepository) Create(ctx context.Context, plan *domain.Plan) error {
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO plans (id, name, amount, currency, period, active) VALUES ($1, $2, $3, $4, $5, $6)`,
		plan.ID, plan.Name, plan.Amount, plan.Currency, plan.Period, plan.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}
	return nil
}

// orderRepository implements repository.OrderRepository
type orderRepository struct {
	db querier
}

// Create inserts an order
func (r *orderRepository) Create(ctx context.Context, o *domain.Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `INSERT INTO orders
		(id, subscription_id, user_id, plan_id, amount, currency, status, payment_id, reference, is_renewal, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		o.ID, o.SubscriptionID, o.UserID, o.PlanID, o.Amount, o.Currency, o.Status,
		o.PaymentID, o.Reference, o.IsRenewal, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// GetByID retrieves an order by ID
func (r *orderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	var o domain.Order
	err := r.db.QueryRow(ctx, `SELECT id, subscription_id, user_id, plan_id, amount, currency,
		status, payment_id, reference, is_renewal, created_at FROM orders WHERE id = $1`, id,
	).Scan(&o.ID, &o.SubscriptionID, &o.UserID, &o.PlanID, &o.Amount, &o.Currency,
		&o.Status, &o.PaymentID, &o.Reference, &o.IsRenewal, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order by ID: %w", err)
	}
	return &o, nil
}

// historyRepository implements repository.PaymentHistoryRepository
type historyRepository struct {
	db querier
}

// Append inserts a history row
func (r *historyRepository) Append(ctx context.Context, h *domain.SubscriptionPaymentHistory) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	_, err := r.db.Exec(ctx, `INSERT INTO subscription_payment_history
		(id, subscription_id, order_id, amount, currency, status, payment_date,
		 payment_method, transaction_id, failure_reason, retry_attempt)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		h.ID, h.SubscriptionID, h.OrderID, h.Amount, h.Currency, h.Status, h.PaymentDate,
		h.PaymentMethod, h.TransactionID, h.FailureReason, h.RetryAttempt,
	)
	if err != nil {
		return fmt.Errorf("failed to append payment history: %w", err)
	}
	return nil
}

// ListBySubscription returns rows newest first
func (r *historyRepository) ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]domain.SubscriptionPaymentHistory, error) {
	rows, err := r.db.Query(ctx, `SELECT id, subscription_id, order_id, amount, currency, status,
		payment_date, payment_method, transaction_id, failure_reason, retry_attempt
		FROM subscription_payment_history
		WHERE subscription_id = $1
		ORDER BY payment_date DESC
		LIMIT $2`,
		subscriptionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment history: %w", err)
	}
	defer rows.Close()

	var out []domain.SubscriptionPaymentHistory
	for rows.Next() {
		var h domain.SubscriptionPaymentHistory
		if err := rows.Scan(&h.ID, &h.SubscriptionID, &h.OrderID, &h.Amount, &h.Currency, &h.Status,
			&h.PaymentDate, &h.PaymentMethod, &h.TransactionID, &h.FailureReason, &h.RetryAttempt); err != nil {
			return nil, fmt.Errorf("failed to scan payment history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
