package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"github.com/jia-app/eventbilling/internal/domain"
)

// ProviderStripe is the router key for Stripe
const ProviderStripe = "stripe"

// webhookTolerance rejects replayed Stripe webhooks older than this
const webhookTolerance = 5 * time.Minute

var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// StripeGateway charges saved payment methods off-session through PaymentIntents
type StripeGateway struct {
	api           *client.API
	webhookSecret string
	logger        *zap.Logger
}

// NewStripeGateway creates a Stripe gateway. backends may be nil for the
// default Stripe endpoints.
func NewStripeGateway(secretKey, webhookSecret string, backends *stripe.Backends, logger *zap.Logger) (*StripeGateway, error) {
	if secretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	return &StripeGateway{
		api:           client.New(secretKey, backends),
		webhookSecret: webhookSecret,
		logger:        logger,
	}, nil
}

// toMinorUnits converts a decimal amount to the integer amount Stripe expects
func toMinorUnits(amount decimal.Decimal, currency string) int64 {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(2).Round(0).IntPart()
}

// splitToken accepts either "pm_..." or "cus_...|pm_..."
func splitToken(token string) (customer, paymentMethod string) {
	if c, pm, ok := strings.Cut(token, "|"); ok {
		return c, pm
	}
	return "", token
}

// Charge creates and confirms an off-session PaymentIntent
func (s *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if err := req.Validate(); err != nil {
		return ChargeResult{}, err
	}

	customer, paymentMethod := splitToken(req.Token)
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(toMinorUnits(req.Amount, req.Currency)),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod: stripe.String(paymentMethod),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	if customer != "" {
		params.Customer = stripe.String(customer)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.OrderReference)
	params.AddMetadata("order_reference", req.OrderReference)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			res := ChargeResult{Status: ChargeFailed, ErrorMessage: stripeErr.Msg}
			if stripeErr.PaymentIntent != nil {
				res.PaymentID = stripeErr.PaymentIntent.ID
			}
			if stripeErr.DeclineCode != "" {
				res.ErrorMessage = fmt.Sprintf("%s (%s)", stripeErr.Msg, stripeErr.DeclineCode)
			}
			s.logger.Info("Stripe charge declined",
				zap.String("order_reference", req.OrderReference),
				zap.String("code", string(stripeErr.Code)),
				zap.String("decline_code", string(stripeErr.DeclineCode)))
			return res, nil
		}
		return ChargeResult{}, fmt.Errorf("failed to create Stripe payment intent: %w", err)
	}

	res := ChargeResult{PaymentID: pi.ID, Status: mapIntentStatus(pi.Status)}
	if pi.LastResponse != nil {
		res.RawResponse = json.RawMessage(pi.LastResponse.RawJSON)
	}
	if res.Status == ChargeFailed && pi.LastPaymentError != nil {
		res.ErrorMessage = pi.LastPaymentError.Msg
	}

	s.logger.Info("Stripe payment intent created",
		zap.String("payment_intent_id", pi.ID),
		zap.String("order_reference", req.OrderReference),
		zap.String("status", string(pi.Status)))
	return res, nil
}

func mapIntentStatus(status stripe.PaymentIntentStatus) ChargeStatus {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return ChargeSucceeded
	case stripe.PaymentIntentStatusProcessing:
		return ChargePending
	case stripe.PaymentIntentStatusRequiresAction, stripe.PaymentIntentStatusRequiresConfirmation:
		return ChargeRequiresAction
	default:
		return ChargeFailed
	}
}

// Refund refunds a PaymentIntent in full or in part
func (s *StripeGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if req.PaymentID == "" {
		return RefundResult{}, fmt.Errorf("%w: payment id is required", ErrInvalidRequest)
	}

	params := &stripe.RefundParams{PaymentIntent: stripe.String(req.PaymentID)}
	if req.Amount.IsPositive() {
		params.Amount = stripe.Int64(toMinorUnits(req.Amount, req.Currency))
	}
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	params.Context = ctx

	r, err := s.api.Refunds.New(params)
	if err != nil {
		return RefundResult{}, fmt.Errorf("failed to create Stripe refund: %w", err)
	}

	res := RefundResult{RefundID: r.ID}
	switch r.Status {
	case stripe.RefundStatusSucceeded:
		res.Status = ChargeSucceeded
	case stripe.RefundStatusPending:
		res.Status = ChargePending
	default:
		res.Status = ChargeFailed
		res.ErrorMessage = string(r.FailureReason)
	}
	return res, nil
}

// Void cancels a PaymentIntent that has not been captured
func (s *StripeGateway) Void(ctx context.Context, req VoidRequest) (VoidResult, error) {
	if req.PaymentID == "" {
		return VoidResult{}, fmt.Errorf("%w: payment id is required", ErrInvalidRequest)
	}

	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Cancel(req.PaymentID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeInvalidRequest {
			return VoidResult{Status: ChargeFailed, ErrorMessage: stripeErr.Msg}, nil
		}
		return VoidResult{}, fmt.Errorf("failed to cancel Stripe payment intent: %w", err)
	}
	if pi.Status != stripe.PaymentIntentStatusCanceled {
		return VoidResult{Status: ChargeFailed, ErrorMessage: "payment intent status " + string(pi.Status)}, nil
	}
	return VoidResult{Status: ChargeSucceeded}, nil
}

// WebhookNotification is a verified Stripe webhook translated to a bus event
type WebhookNotification struct {
	StripeEventID string
	Type          domain.EventType
	Data          map[string]interface{}
}

// ParseWebhook verifies the Stripe-Signature header and maps the event onto a
// domain event type. Unhandled Stripe types return ok=false.
func (s *StripeGateway) ParseWebhook(payload []byte, signature string, now time.Time) (WebhookNotification, bool, error) {
	if s.webhookSecret == "" {
		return WebhookNotification{}, false, errors.New("stripe webhook secret not configured")
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return WebhookNotification{}, false, fmt.Errorf("failed to validate webhook signature: %w", err)
	}
	if age := now.Sub(time.Unix(event.Created, 0)); age > webhookTolerance {
		return WebhookNotification{}, false, fmt.Errorf("webhook event is too old: %s", age.Round(time.Second))
	}

	var eventType domain.EventType
	switch event.Type {
	case "payment_intent.succeeded":
		eventType = domain.EventPaymentSucceeded
	case "payment_intent.payment_failed":
		eventType = domain.EventPaymentFailed
	case "charge.refunded":
		eventType = domain.EventPaymentRefunded
	default:
		s.logger.Debug("Ignoring Stripe webhook", zap.String("type", string(event.Type)))
		return WebhookNotification{}, false, nil
	}

	var object struct {
		ID            string            `json:"id"`
		Amount        int64             `json:"amount"`
		Currency      string            `json:"currency"`
		Status        string            `json:"status"`
		PaymentIntent string            `json:"payment_intent"`
		Metadata      map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(event.Data.Raw, &object); err != nil {
		return WebhookNotification{}, false, fmt.Errorf("failed to decode webhook object: %w", err)
	}

	data := map[string]interface{}{
		"provider":       ProviderStripe,
		"paymentId":      object.ID,
		"amountMinor":    object.Amount,
		"currency":       strings.ToUpper(object.Currency),
		"status":         object.Status,
		"orderReference": object.Metadata["order_reference"],
	}
	if object.PaymentIntent != "" {
		data["paymentIntentId"] = object.PaymentIntent
	}
	return WebhookNotification{StripeEventID: event.ID, Type: eventType, Data: data}, true, nil
}
