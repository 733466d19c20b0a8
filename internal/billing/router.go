package billing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jia-app/eventbilling/internal/metrics"
)

// Router dispatches gateway calls by provider name
type Router struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
	logger   *zap.Logger
}

// NewRouter creates an empty router
func NewRouter(logger *zap.Logger) *Router {
	return &Router{gateways: make(map[string]Gateway), logger: logger}
}

// Register adds or replaces the gateway for a provider
func (r *Router) Register(provider string, g Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[normalizeProvider(provider)] = g
}

// Providers lists the registered provider names
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Router) lookup(provider string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[normalizeProvider(provider)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	return g, nil
}

// Charge implements Gateway
func (r *Router) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	g, err := r.lookup(req.Provider)
	if err != nil {
		return ChargeResult{}, err
	}

	start := time.Now()
	res, err := g.Charge(ctx, req)
	metrics.RecordGatewayCall(normalizeProvider(req.Provider), "charge", callStatus(string(res.Status), err), time.Since(start))
	if err != nil {
		r.logger.Error("Gateway charge call failed",
			zap.String("provider", req.Provider),
			zap.String("order_reference", req.OrderReference),
			zap.Error(err))
	}
	return res, err
}

// Refund implements Gateway
func (r *Router) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	g, err := r.lookup(req.Provider)
	if err != nil {
		return RefundResult{}, err
	}

	start := time.Now()
	res, err := g.Refund(ctx, req)
	metrics.RecordGatewayCall(normalizeProvider(req.Provider), "refund", callStatus(string(res.Status), err), time.Since(start))
	return res, err
}

// Void implements Gateway
func (r *Router) Void(ctx context.Context, req VoidRequest) (VoidResult, error) {
	g, err := r.lookup(req.Provider)
	if err != nil {
		return VoidResult{}, err
	}

	start := time.Now()
	res, err := g.Void(ctx, req)
	metrics.RecordGatewayCall(normalizeProvider(req.Provider), "void", callStatus(string(res.Status), err), time.Since(start))
	return res, err
}

func normalizeProvider(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

func callStatus(status string, err error) string {
	if err != nil {
		return "error"
	}
	if status == "" {
		return "unknown"
	}
	return status
}
