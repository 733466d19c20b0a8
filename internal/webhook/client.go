// Package webhook delivers signed event payloads to subscriber endpoints over
// HTTP with bounded retries.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jia-app/eventbilling/internal/domain"
	"github.com/jia-app/eventbilling/internal/metrics"
	"github.com/jia-app/eventbilling/internal/retry"
)

const (
	// DefaultTimeout bounds a single delivery attempt
	DefaultTimeout = 30 * time.Second
	// DefaultHeaderPrefix prefixes the event headers
	DefaultHeaderPrefix = "X-Jia"

	maxResponseBody = 64 << 10
)

var (
	// ErrTimeout is reported when an attempt exceeds its timeout
	ErrTimeout = errors.New("webhook request timed out")
	// ErrMissingURL is a configuration error and never retried
	ErrMissingURL = errors.New("webhook url is required")
)

// AttemptLogger persists every delivery attempt
type AttemptLogger interface {
	InsertWebhookLog(ctx context.Context, entry *domain.WebhookDeliveryLog) error
}

// Options control a single Send
type Options struct {
	Headers map[string]string
	// Secret enables HMAC signing when set
	Secret string
	// Timeout per attempt, DefaultTimeout when zero
	Timeout time.Duration
	// Retry overrides the client's default policy
	Retry          *retry.Policy
	SubscriptionID string
}

// Result is the outcome of a Send after all attempts
type Result struct {
	Success      bool        `json:"success"`
	StatusCode   int         `json:"status_code,omitempty"`
	Error        string      `json:"error,omitempty"`
	NoRetry      bool        `json:"no_retry"`
	Attempts     int         `json:"attempts"`
	ResponseBody interface{} `json:"response_body,omitempty"`
	Err          error       `json:"-"`
}

// Client posts webhook payloads
type Client struct {
	httpClient   *http.Client
	attempts     AttemptLogger
	headerPrefix string
	timeout      time.Duration
	policy       retry.Policy
	sleep        retry.Sleeper
	now          func() time.Time
	logger       *zap.Logger
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithAttemptLogger records each attempt
func WithAttemptLogger(l AttemptLogger) ClientOption {
	return func(c *Client) { c.attempts = l }
}

// WithHeaderPrefix sets the prefix for the event headers
func WithHeaderPrefix(prefix string) ClientOption {
	return func(c *Client) { c.headerPrefix = strings.TrimSuffix(prefix, "-") }
}

// WithTimeout sets the default per-attempt timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithPolicy sets the default retry policy
func WithPolicy(p retry.Policy) ClientOption {
	return func(c *Client) { c.policy = p }
}

// WithSleeper replaces time.Sleep between attempts
func WithSleeper(s retry.Sleeper) ClientOption {
	return func(c *Client) { c.sleep = s }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a webhook client
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient:   &http.Client{},
		headerPrefix: DefaultHeaderPrefix,
		timeout:      DefaultTimeout,
		policy:       retry.DefaultWebhookPolicy(),
		sleep:        time.Sleep,
		now:          time.Now,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send posts payload to url, retrying transient failures per the policy.
// Exhausted retries return NoRetry so callers do not retry on top.
func (c *Client) Send(ctx context.Context, url string, payload Payload, opts Options) Result {
	if strings.TrimSpace(url) == "" {
		return Result{Error: ErrMissingURL.Error(), Err: ErrMissingURL, NoRetry: true}
	}

	body, signature, err := Encode(payload, opts.Secret)
	if err != nil {
		return Result{Error: err.Error(), Err: err, NoRetry: true}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	policy := c.policy
	if opts.Retry != nil {
		policy = *opts.Retry
	}

	logger := c.logger.With(
		zap.String("url", url),
		zap.String("event_id", payload.Event.ID),
		zap.String("event_type", string(payload.Event.Type)))

	res, attempts := retry.Do(policy, c.sleep, func(attempt int) (Result, retry.Outcome) {
		r := c.attempt(ctx, url, payload, body, signature, opts, timeout, attempt)
		if r.Success {
			logger.Info("Webhook delivered", zap.Int("attempt", attempt), zap.Int("status_code", r.StatusCode))
			return r, retry.Succeeded
		}
		logger.Warn("Webhook attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("status_code", r.StatusCode),
			zap.String("error", r.Error))
		if ctx.Err() != nil {
			return r, retry.Permanent
		}
		return r, retry.Retryable
	})

	res.Attempts = attempts
	if !res.Success {
		res.NoRetry = true
		logger.Error("Webhook delivery failed", zap.Int("attempts", attempts), zap.String("error", res.Error))
	}
	return res
}

func (c *Client) attempt(ctx context.Context, url string, payload Payload, body []byte, signature string,
	opts Options, timeout time.Duration, attempt int) Result {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := c.now()
	res := c.post(attemptCtx, url, payload, body, signature, opts.Headers)
	elapsed := c.now().Sub(start)

	if res.Err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.Err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
		res.Error = res.Err.Error()
	}

	metrics.RecordWebhookAttempt(string(payload.Event.Type), res.Success, elapsed)
	c.record(ctx, url, payload, opts.SubscriptionID, attempt, res, elapsed)
	return res
}

func (c *Client) post(ctx context.Context, url string, payload Payload, body []byte, signature string,
	headers map[string]string) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{Error: err.Error(), Err: err}
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(c.headerPrefix+"-Event", string(payload.Event.Type))
	req.Header.Set(c.headerPrefix+"-Event-ID", payload.Event.ID)
	req.Header.Set(c.headerPrefix+"-Timestamp", payload.Timestamp.UTC().Format(time.RFC3339Nano))
	if signature != "" {
		req.Header.Set(c.headerPrefix+"-Signature", signature)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{Error: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("webhook endpoint returned HTTP %d", resp.StatusCode)
		return Result{StatusCode: resp.StatusCode, Error: err.Error(), Err: err}
	}
	return Result{Success: true, StatusCode: resp.StatusCode, ResponseBody: parseBody(raw)}
}

// parseBody returns decoded JSON, else the raw text, else nil
func parseBody(raw []byte) interface{} {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	return string(raw)
}

func (c *Client) record(ctx context.Context, url string, payload Payload, subscriptionID string,
	attempt int, res Result, elapsed time.Duration) {
	if c.attempts == nil {
		return
	}

	entry := &domain.WebhookDeliveryLog{
		URL:            url,
		EventID:        payload.Event.ID,
		EventType:      payload.Event.Type,
		SubscriptionID: subscriptionID,
		Attempt:        attempt,
		Status:         domain.DeliveryFailed,
		StatusCode:     res.StatusCode,
		Error:          res.Error,
		ResponseTime:   elapsed,
		CreatedAt:      c.now().UTC(),
	}
	if res.Success {
		entry.Status = domain.DeliverySuccess
		entry.ResponseBody = res.ResponseBody
	}

	if err := c.attempts.InsertWebhookLog(context.WithoutCancel(ctx), entry); err != nil {
		c.logger.Error("Failed to record webhook attempt",
			zap.String("event_id", payload.Event.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
}
