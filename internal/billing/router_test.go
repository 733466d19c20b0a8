package billing

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chargeReq(provider, token, ref string) ChargeRequest {
	return ChargeRequest{
		Token:          token,
		Amount:         decimal.RequireFromString("19.99"),
		Currency:       "USD",
		OrderReference: ref,
		Provider:       provider,
	}
}

func TestRouter_DispatchesByProvider(t *testing.T) {
	r := NewRouter(zap.NewNop())
	mock := NewMockGateway()
	r.Register(" Mock ", mock)

	res, err := r.Charge(context.Background(), chargeReq("MOCK", "tok_visa", "sub_1_20240101_0"))
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Len(t, mock.Calls(), 1)
	assert.Equal(t, []string{"mock"}, r.Providers())
}

func TestRouter_UnknownProvider(t *testing.T) {
	r := NewRouter(zap.NewNop())

	_, err := r.Charge(context.Background(), chargeReq("paypal", "tok", "ref"))
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = r.Refund(context.Background(), RefundRequest{Provider: "paypal", PaymentID: "p"})
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = r.Void(context.Background(), VoidRequest{Provider: "paypal", PaymentID: "p"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestMockGateway(t *testing.T) {
	ctx := context.Background()

	t.Run("declined token is a result", func(t *testing.T) {
		m := NewMockGateway()
		res, err := m.Charge(ctx, chargeReq("mock", "tok_decline", "ref-1"))
		require.NoError(t, err)
		assert.Equal(t, ChargeFailed, res.Status)
		assert.Equal(t, "card declined", res.ErrorMessage)
	})

	t.Run("error token fails the call", func(t *testing.T) {
		m := NewMockGateway()
		_, err := m.Charge(ctx, chargeReq("mock", "tok_error", "ref-2"))
		assert.Error(t, err)
	})

	t.Run("idempotent per order reference", func(t *testing.T) {
		m := NewMockGateway()
		first, err := m.Charge(ctx, chargeReq("mock", "tok_visa", "ref-3"))
		require.NoError(t, err)
		second, err := m.Charge(ctx, chargeReq("mock", "tok_visa", "ref-3"))
		require.NoError(t, err)
		assert.Equal(t, first.PaymentID, second.PaymentID)
		assert.Len(t, m.Calls(), 2)
	})

	t.Run("validation", func(t *testing.T) {
		m := NewMockGateway()
		req := chargeReq("mock", "", "ref-4")
		_, err := m.Charge(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidRequest)

		req = chargeReq("mock", "tok", "ref-5")
		req.Amount = decimal.Zero
		_, err = m.Charge(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("refund and void need a payment id", func(t *testing.T) {
		m := NewMockGateway()
		_, err := m.Refund(ctx, RefundRequest{})
		assert.ErrorIs(t, err, ErrInvalidRequest)
		_, err = m.Void(ctx, VoidRequest{})
		assert.ErrorIs(t, err, ErrInvalidRequest)

		rr, err := m.Refund(ctx, RefundRequest{PaymentID: "mock_pi_1"})
		require.NoError(t, err)
		assert.Equal(t, ChargeSucceeded, rr.Status)
	})
}
