package events

import (
	"context"
	"fmt"

	"github.com/jia-app/eventbilling/internal/domain"
	"github.com/jia-app/eventbilling/internal/retry"
)

// Result is what a handler reports for one invocation.
// A failed result is retried unless NoRetry is set.
type Result struct {
	Success bool                   `json:"success"`
	Error   string                 `json:"error,omitempty"`
	NoRetry bool                   `json:"no_retry,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Ok returns a successful result
func Ok() Result {
	return Result{Success: true}
}

// Fail returns a retryable failure
func Fail(err error) Result {
	return Result{Error: errString(err)}
}

// FailPermanent returns a failure the bus must not retry
func FailPermanent(err error) Result {
	return Result{Error: errString(err), NoRetry: true}
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// Handler reacts to an event. A returned error is treated like a thrown
// exception: it becomes a failed Result and is always retryable.
type Handler interface {
	Handle(ctx context.Context, ev domain.Event) (Result, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, ev domain.Event) (Result, error)

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, ev domain.Event) (Result, error) {
	return f(ctx, ev)
}

// HandlerConfig subscribes a handler to one or more event types
type HandlerConfig struct {
	// Name labels the handler in logs and metrics
	Name       string
	EventTypes []domain.EventType
	Handler    Handler
	// Priority orders synchronous handlers, higher first
	Priority int
	// Async handlers run on their own goroutine and are never awaited by Publish
	Async bool
	Retry *retry.Policy
}

func (c HandlerConfig) label() string {
	if c.Name != "" {
		return c.Name
	}
	return fmt.Sprintf("%T", c.Handler)
}

// Registration is the handle returned by Subscribe and accepted by Unsubscribe
type Registration struct {
	config HandlerConfig
	seq    uint64
}

// Name returns the handler label
func (r *Registration) Name() string {
	return r.config.label()
}

// Execution is the outcome of running one handler for one event
type Execution struct {
	Handler  string `json:"handler"`
	Async    bool   `json:"async"`
	Attempts int    `json:"attempts"`
	Result   Result `json:"result"`
}
