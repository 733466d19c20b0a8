package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionStatus is the lifecycle state of a billing subscription
type SubscriptionStatus string

const (
	SubscriptionStatusPending  SubscriptionStatus = "pending"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPaused   SubscriptionStatus = "paused"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	SubscriptionStatusExpired  SubscriptionStatus = "expired"
	SubscriptionStatusFailed   SubscriptionStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubscriptionStatusCanceled || s == SubscriptionStatusExpired
}

// BillingPeriod is the recurrence of a subscription charge
type BillingPeriod string

const (
	PeriodDaily     BillingPeriod = "daily"
	PeriodWeekly    BillingPeriod = "weekly"
	PeriodMonthly   BillingPeriod = "monthly"
	PeriodQuarterly BillingPeriod = "quarterly"
	PeriodYearly    BillingPeriod = "yearly"
	PeriodAnnual    BillingPeriod = "annual"
)

// User is the subscriber. Only the fields notifications need are modelled.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// RefID implements Identifiable
func (u User) RefID() string { return u.ID }

// Plan is a purchasable subscription plan
type Plan struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Period   BillingPeriod   `json:"period"`
	Active   bool            `json:"active"`
}

// RefID implements Identifiable
func (p Plan) RefID() string { return p.ID }

// Subscription is a recurring billing agreement
type Subscription struct {
	ID                       string             `json:"id"`
	User                     Ref[User]          `json:"user"`
	Plan                     Ref[Plan]          `json:"plan"`
	Status                   SubscriptionStatus `json:"status"`
	PaymentProvider          string             `json:"payment_provider"`
	PaymentMethod            string             `json:"payment_method"`
	PaymentToken             string             `json:"payment_token,omitempty"`
	Period                   BillingPeriod      `json:"period"`
	Amount                   decimal.Decimal    `json:"amount"`
	Currency                 string             `json:"currency"`
	StartDate                time.Time          `json:"start_date"`
	NextPaymentDate          *time.Time         `json:"next_payment_date,omitempty"`
	LastPaymentDate          *time.Time         `json:"last_payment_date,omitempty"`
	EndDate                  *time.Time         `json:"end_date,omitempty"`
	CanceledAt               *time.Time         `json:"canceled_at,omitempty"`
	PausedAt                 *time.Time         `json:"paused_at,omitempty"`
	CancelAtPeriodEnd        bool               `json:"cancel_at_period_end"`
	PaymentRetryAttempt      int                `json:"payment_retry_attempt"`
	LastPaymentAttemptFailed bool               `json:"last_payment_attempt_failed"`
	CreatedAt                time.Time          `json:"created_at"`
	UpdatedAt                time.Time          `json:"updated_at"`
}

// PaymentStatus is the outcome recorded in payment history
type PaymentStatus string

const (
	PaymentStatusSuccessful PaymentStatus = "successful"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusRefunded   PaymentStatus = "refunded"
	PaymentStatusPending    PaymentStatus = "pending"
)

// SubscriptionPaymentHistory is an append-only row per charge attempt
type SubscriptionPaymentHistory struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	OrderID        string          `json:"order_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         PaymentStatus   `json:"status"`
	PaymentDate    time.Time       `json:"payment_date"`
	PaymentMethod  string          `json:"payment_method"`
	TransactionID  string          `json:"transaction_id,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	RetryAttempt   int             `json:"retry_attempt"`
}

// OrderStatus is the state of a renewal order
type OrderStatus string

const (
	OrderStatusPaid    OrderStatus = "paid"
	OrderStatusPending OrderStatus = "pending"
)

// Order is the record created for every successful renewal charge
type Order struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	UserID         string          `json:"user_id"`
	PlanID         string          `json:"plan_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         OrderStatus     `json:"status"`
	PaymentID      string          `json:"payment_id"`
	Reference      string          `json:"reference"`
	IsRenewal      bool            `json:"is_renewal"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Identifiable is implemented by records that can sit behind a Ref
type Identifiable interface {
	RefID() string
}

// Ref is either a bare identifier or a populated record.
// Resolve the identifier with ID regardless of which form is held.
type Ref[T Identifiable] struct {
	id    string
	value *T
}

// RefTo returns a reference holding only an identifier
func RefTo[T Identifiable](id string) Ref[T] {
	return Ref[T]{id: id}
}

// Populated returns a reference holding the full record
func Populated[T Identifiable](v T) Ref[T] {
	return Ref[T]{id: v.RefID(), value: &v}
}

// ID resolves the identifier
func (r Ref[T]) ID() string {
	if r.value != nil {
		return (*r.value).RefID()
	}
	return r.id
}

// Value returns the populated record, if any
func (r Ref[T]) Value() (T, bool) {
	if r.value == nil {
		var zero T
		return zero, false
	}
	return *r.value, true
}

// IsZero reports whether the reference points nowhere
func (r Ref[T]) IsZero() bool {
	return r.ID() == ""
}

// MarshalJSON encodes a populated reference as the record and a bare one as its id
func (r Ref[T]) MarshalJSON() ([]byte, error) {
	if r.value != nil {
		return json.Marshal(*r.value)
	}
	return json.Marshal(r.id)
}

// UnmarshalJSON accepts either an id string or a record object
func (r *Ref[T]) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*r = Ref[T]{id: id}
		return nil
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = Populated(v)
	return nil
}
