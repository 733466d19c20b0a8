package billing

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ProviderMock is the router key for the mock gateway
const ProviderMock = "mock"

// MockGateway approves every charge except tokens that ask otherwise:
// a token containing "decline" is declined and one containing "error" fails
// the call. Charges are idempotent per order reference.
type MockGateway struct {
	mu      sync.Mutex
	charges map[string]ChargeResult
	calls   []ChargeRequest
}

// NewMockGateway creates a mock gateway
func NewMockGateway() *MockGateway {
	return &MockGateway{charges: make(map[string]ChargeResult)}
}

// Charge implements Gateway
func (m *MockGateway) Charge(_ context.Context, req ChargeRequest) (ChargeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)
	if prev, ok := m.charges[req.OrderReference]; ok {
		return prev, nil
	}

	if err := req.Validate(); err != nil {
		return ChargeResult{}, err
	}

	var res ChargeResult
	switch {
	case strings.Contains(req.Token, "error"):
		return ChargeResult{}, fmt.Errorf("mock gateway unavailable")
	case strings.Contains(req.Token, "decline"):
		res = ChargeResult{Status: ChargeFailed, ErrorMessage: "card declined"}
	default:
		res = ChargeResult{Status: ChargeSucceeded, PaymentID: "mock_pi_" + uuid.NewString()}
	}
	m.charges[req.OrderReference] = res
	return res, nil
}

// Refund implements Gateway
func (m *MockGateway) Refund(_ context.Context, req RefundRequest) (RefundResult, error) {
	if req.PaymentID == "" {
		return RefundResult{}, fmt.Errorf("%w: payment id is required", ErrInvalidRequest)
	}
	return RefundResult{Status: ChargeSucceeded, RefundID: "mock_re_" + uuid.NewString()}, nil
}

// Void implements Gateway
func (m *MockGateway) Void(_ context.Context, req VoidRequest) (VoidResult, error) {
	if req.PaymentID == "" {
		return VoidResult{}, fmt.Errorf("%w: payment id is required", ErrInvalidRequest)
	}
	return VoidResult{Status: ChargeSucceeded}, nil
}

// Calls returns the charge requests received so far
func (m *MockGateway) Calls() []ChargeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChargeRequest(nil), m.calls...)
}
