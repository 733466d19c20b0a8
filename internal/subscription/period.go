package subscription

import (
	"errors"
	"fmt"
	"time"

	"github.com/jia-app/eventbilling/internal/domain"
)

// ErrUnsupportedPeriod is returned for a billing period the engine cannot advance
var ErrUnsupportedPeriod = errors.New("unsupported billing period")

// dunningDelays is the wait before each retry, keyed by the retry attempt
var dunningDelays = map[int]time.Duration{
	1: 24 * time.Hour,
	2: 48 * time.Hour,
	3: 72 * time.Hour,
}

// CalculateNextPaymentDate advances date by one billing period
func CalculateNextPaymentDate(date time.Time, period domain.BillingPeriod) (time.Time, error) {
	switch period {
	case domain.PeriodDaily:
		return date.AddDate(0, 0, 1), nil
	case domain.PeriodWeekly:
		return date.AddDate(0, 0, 7), nil
	case domain.PeriodMonthly:
		return date.AddDate(0, 1, 0), nil
	case domain.PeriodQuarterly:
		return date.AddDate(0, 3, 0), nil
	case domain.PeriodYearly, domain.PeriodAnnual:
		return date.AddDate(1, 0, 0), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnsupportedPeriod, period)
	}
}

// NextRenewalDate is the next due date after a successful renewal charged at
// now. An active subscription keeps its billing anchor: the period is counted
// from the date that was due. Rows recovering from dunning, and rows more than
// a period behind, are re-anchored on now.
func NextRenewalDate(sub *domain.Subscription, period domain.BillingPeriod, now time.Time) (time.Time, error) {
	if sub.Status == domain.SubscriptionStatusActive && sub.NextPaymentDate != nil {
		next, err := CalculateNextPaymentDate(*sub.NextPaymentDate, period)
		if err != nil {
			return time.Time{}, err
		}
		if next.After(now) {
			return next, nil
		}
	}
	return CalculateNextPaymentDate(now, period)
}

// RetryDelay returns the dunning delay for a retry attempt. Attempts past the
// table reuse its longest delay.
func RetryDelay(attempt int) time.Duration {
	if d, ok := dunningDelays[attempt]; ok {
		return d
	}
	if attempt < 1 {
		return dunningDelays[1]
	}
	return dunningDelays[len(dunningDelays)]
}

// OrderReference is the gateway idempotency key for one charge attempt.
// It is stable for a subscription, billing date and attempt.
func OrderReference(subscriptionID string, billingDate time.Time, attempt int) string {
	return fmt.Sprintf("sub_%s_%s_%d", subscriptionID, billingDate.UTC().Format("20060102"), attempt)
}
