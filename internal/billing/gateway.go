// Package billing is the payment gateway layer: a provider-keyed router over
// Stripe and a mock gateway.
package billing

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"
)

// ChargeStatus is the gateway-reported state of a charge
type ChargeStatus string

const (
	ChargeSucceeded      ChargeStatus = "succeeded"
	ChargeFailed         ChargeStatus = "failed"
	ChargePending        ChargeStatus = "pending"
	ChargeRequiresAction ChargeStatus = "requires_action"
)

var (
	// ErrUnknownProvider is returned when no gateway is registered for a provider
	ErrUnknownProvider = errors.New("unknown payment provider")
	// ErrInvalidRequest is returned for requests missing required fields
	ErrInvalidRequest = errors.New("invalid payment request")
)

// ChargeRequest asks a gateway to charge a stored payment token.
// OrderReference doubles as the idempotency key.
type ChargeRequest struct {
	Token          string            `json:"token"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	OrderReference string            `json:"order_reference"`
	Provider       string            `json:"provider"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Validate checks the fields every gateway needs
func (r ChargeRequest) Validate() error {
	switch {
	case r.Token == "":
		return errors.Join(ErrInvalidRequest, errors.New("payment token is required"))
	case !r.Amount.IsPositive():
		return errors.Join(ErrInvalidRequest, errors.New("amount must be positive"))
	case r.Currency == "":
		return errors.Join(ErrInvalidRequest, errors.New("currency is required"))
	case r.OrderReference == "":
		return errors.Join(ErrInvalidRequest, errors.New("order reference is required"))
	}
	return nil
}

// ChargeResult is the gateway's answer. A declined card is a result with
// ChargeFailed, not an error.
type ChargeResult struct {
	Status       ChargeStatus    `json:"status"`
	PaymentID    string          `json:"payment_id,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	RawResponse  json.RawMessage `json:"raw_response,omitempty"`
}

// Succeeded reports whether the charge captured funds
func (r ChargeResult) Succeeded() bool {
	return r.Status == ChargeSucceeded
}

// RefundRequest refunds a captured payment. A zero amount refunds in full.
type RefundRequest struct {
	PaymentID string          `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency,omitempty"`
	Provider  string          `json:"provider"`
	Reason    string          `json:"reason,omitempty"`
}

// RefundResult is the outcome of a refund
type RefundResult struct {
	Status       ChargeStatus `json:"status"`
	RefundID     string       `json:"refund_id,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// VoidRequest cancels an uncaptured payment
type VoidRequest struct {
	PaymentID string `json:"payment_id"`
	Provider  string `json:"provider"`
}

// VoidResult is the outcome of a void
type VoidResult struct {
	Status       ChargeStatus `json:"status"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// Gateway is the payment provider contract. Errors mean the call itself
// failed (transport, configuration); business declines come back as results.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
	Void(ctx context.Context, req VoidRequest) (VoidResult, error)
}
