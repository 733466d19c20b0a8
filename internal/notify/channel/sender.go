// Package channel holds the concrete notification senders used by the router.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxResponseBody = 64 << 10

// ErrNotConfigured is returned by a sender missing its credentials
var ErrNotConfigured = errors.New("channel sender not configured")

// Message is a notification rendered for one channel
type Message struct {
	Subject string
	// Text is the plain or Markdown body
	Text string
	// HTML is used by email when set
	HTML string
}

// Sender delivers a message to one target (an address, chat id or phone number)
type Sender interface {
	Send(ctx context.Context, target string, msg Message) error
}

// StatusError is a non-2xx answer from a provider API
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Permanent reports whether retrying the same request cannot succeed
func (e *StatusError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// guard rate limits calls to a provider and opens a circuit after repeated
// transport or server failures
type guard struct {
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func newGuard(name string, rps float64, logger *zap.Logger) *guard {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}

	return &guard{
		limiter: rate.NewLimiter(limit, burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				var statusErr *StatusError
				if errors.As(err, &statusErr) {
					return statusErr.Permanent()
				}
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("Circuit breaker state changed",
					zap.String("name", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
	}
}

func (g *guard) do(ctx context.Context, fn func() error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// postJSON posts body as JSON and returns the response body of a 2xx answer.
// Transport errors never include the endpoint, which may carry credentials.
func postJSON(ctx context.Context, client *http.Client, provider, endpoint string, headers map[string]string, body interface{}) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", provider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", provider, stripURL(err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", provider, stripURL(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return raw, &StatusError{Provider: provider, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

// stripURL drops the request URL from a *url.Error
func stripURL(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err
	}
	return err
}
