// Package events is the in-process publish/subscribe core. Handlers register for
// event types with a priority and an optional retry policy; synchronous handlers
// run in priority order inside Publish and asynchronous ones run on their own
// goroutines with their results collected and logged centrally.
package events

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/jia-app/eventbilling/internal/domain"
	"github.com/jia-app/eventbilling/internal/log"
	"github.com/jia-app/eventbilling/internal/metrics"
	"github.com/jia-app/eventbilling/internal/retry"
	"github.com/jia-app/eventbilling/internal/tracing"
)

// ErrBusClosed is returned by Publish after Close
var ErrBusClosed = errors.New("event bus closed")

// Publisher is the narrow view producers depend on
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) ([]Execution, error)
}

// Stats is a snapshot of the bus counters
type Stats struct {
	TotalEvents           int64            `json:"total_events"`
	EventsByType          map[string]int64 `json:"events_by_type"`
	HandlerExecutions     int64            `json:"handler_executions"`
	HandlerFailures       int64            `json:"handler_failures"`
	AsyncPending          int64            `json:"async_pending"`
	AverageProcessingTime time.Duration    `json:"average_processing_time"`
	HandlersRegistered    int              `json:"handlers_registered"`
	HistorySize           int              `json:"history_size"`
}

type asyncOutcome struct {
	event     domain.Event
	execution Execution
}

// Bus dispatches events to registered handlers
type Bus struct {
	logger *zap.Logger
	sleep  retry.Sleeper
	now    func() time.Time

	mu          sync.RWMutex
	handlers    map[domain.EventType][]*Registration
	seq         uint64
	history     *history
	totalEvents int64
	byType      map[domain.EventType]int64
	executions  int64
	failures    int64
	pending     int64
	avgTime     time.Duration
	timedRuns   int64
	closed      bool

	inflight  sync.WaitGroup
	results   chan asyncOutcome
	collected chan struct{}
}

// Option configures a Bus
type Option func(*Bus)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithHistorySize sets the ring buffer capacity
func WithHistorySize(n int) Option {
	return func(b *Bus) { b.history = newHistory(n) }
}

// WithSleeper replaces time.Sleep between retry attempts
func WithSleeper(s retry.Sleeper) Option {
	return func(b *Bus) { b.sleep = s }
}

// WithClock replaces time.Now for processing time measurement
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// NewBus creates a bus and starts its async result collector
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		logger:    zap.NewNop(),
		sleep:     time.Sleep,
		now:       time.Now,
		handlers:  make(map[domain.EventType][]*Registration),
		history:   newHistory(DefaultHistorySize),
		byType:    make(map[domain.EventType]int64),
		results:   make(chan asyncOutcome, 64),
		collected: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.collect()
	return b
}

// Subscribe registers cfg under every listed event type. Subscribing the same
// handler twice yields two registrations and both are invoked.
func (b *Bus) Subscribe(cfg HandlerConfig) *Registration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	reg := &Registration{config: cfg, seq: b.seq}
	for _, t := range cfg.EventTypes {
		b.handlers[t] = append(b.handlers[t], reg)
	}

	b.logger.Debug("Handler subscribed",
		zap.String("handler", cfg.label()),
		zap.Int("priority", cfg.Priority),
		zap.Bool("async", cfg.Async),
		zap.Int("event_types", len(cfg.EventTypes)))
	return reg
}

// Unsubscribe removes reg from the given event types, or from every type it was
// registered for when none are given. It returns the number of entries removed.
func (b *Bus) Unsubscribe(reg *Registration, eventTypes ...domain.EventType) int {
	if reg == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(eventTypes) == 0 {
		eventTypes = reg.config.EventTypes
	}

	removed := 0
	for _, t := range eventTypes {
		regs := b.handlers[t]
		kept := regs[:0]
		for _, r := range regs {
			if r == reg {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(b.handlers, t)
		} else {
			b.handlers[t] = kept
		}
	}
	return removed
}

// Publish records ev, runs synchronous handlers in priority order and starts
// asynchronous ones without waiting for them. Handler failures never surface
// as an error; they are reported in the returned executions.
func (b *Bus) Publish(ctx context.Context, ev domain.Event) ([]Execution, error) {
	ctx, span := tracing.StartSpan(ctx, "events.Publish",
		attribute.String("event.id", ev.ID),
		attribute.String("event.type", string(ev.Type)))
	defer span.End()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.history.add(ev)
	b.totalEvents++
	b.byType[ev.Type]++
	regs := append([]*Registration(nil), b.handlers[ev.Type]...)
	asyncCount := 0
	for _, r := range regs {
		if r.config.Async {
			asyncCount++
		}
	}
	// Reserved under the lock so Close never waits on a zero group that is
	// about to grow.
	b.pending += int64(asyncCount)
	b.inflight.Add(asyncCount)
	b.mu.Unlock()

	logger := b.logger.With(zap.String("event_id", ev.ID), zap.String("event_type", string(ev.Type)))

	if len(regs) == 0 {
		logger.Debug("No handlers registered for event")
		metrics.RecordEventPublished(string(ev.Type), 0)
		return nil, nil
	}

	sort.SliceStable(regs, func(i, j int) bool {
		return regs[i].config.Priority > regs[j].config.Priority
	})

	var syncRegs, asyncRegs []*Registration
	for _, r := range regs {
		if r.config.Async {
			asyncRegs = append(asyncRegs, r)
		} else {
			syncRegs = append(syncRegs, r)
		}
	}

	b.startAsync(ctx, ev, asyncRegs)

	start := b.now()
	executions := make([]Execution, 0, len(syncRegs))
	for _, r := range syncRegs {
		exec := b.execute(ctx, ev, r)
		executions = append(executions, exec)
		b.recordExecution(exec)
		if !exec.Result.Success {
			logger.Warn("Event handler failed",
				zap.String("handler", exec.Handler),
				zap.Int("attempts", exec.Attempts),
				zap.String("error", exec.Result.Error))
		}
	}
	elapsed := b.now().Sub(start)

	b.mu.Lock()
	b.timedRuns++
	b.avgTime += (elapsed - b.avgTime) / time.Duration(b.timedRuns)
	b.mu.Unlock()

	metrics.RecordEventPublished(string(ev.Type), elapsed)
	span.SetAttributes(
		attribute.Int("handlers.sync", len(syncRegs)),
		attribute.Int("handlers.async", len(asyncRegs)))

	return executions, nil
}

func (b *Bus) startAsync(ctx context.Context, ev domain.Event, regs []*Registration) {
	if len(regs) == 0 {
		return
	}
	// Async handlers outlive the publishing request but keep its values.
	asyncCtx := context.WithoutCancel(ctx)

	for _, r := range regs {
		go func(r *Registration) {
			defer b.inflight.Done()
			b.results <- asyncOutcome{event: ev, execution: b.execute(asyncCtx, ev, r)}
		}(r)
	}
}

// collect drains async results until Close
func (b *Bus) collect() {
	defer close(b.collected)
	for out := range b.results {
		b.mu.Lock()
		b.pending--
		b.mu.Unlock()

		b.recordExecution(out.execution)
		if !out.execution.Result.Success {
			b.logger.Error("Async event handler failed",
				zap.String("event_id", out.event.ID),
				zap.String("event_type", string(out.event.Type)),
				zap.String("handler", out.execution.Handler),
				zap.Int("attempts", out.execution.Attempts),
				zap.String("error", out.execution.Result.Error))
		}
	}
}

func (b *Bus) recordExecution(exec Execution) {
	b.mu.Lock()
	b.executions++
	if !exec.Result.Success {
		b.failures++
	}
	b.mu.Unlock()

	mode := "sync"
	if exec.Async {
		mode = "async"
	}
	metrics.RecordHandlerExecution(exec.Handler, mode, exec.Result.Success)
}

// execute runs one handler, retrying per its policy
func (b *Bus) execute(ctx context.Context, ev domain.Event, r *Registration) Execution {
	cfg := r.config
	exec := Execution{Handler: cfg.label(), Async: cfg.Async}
	ctx = log.WithEventID(ctx, ev.ID)

	if cfg.Retry == nil {
		exec.Result, _ = b.invoke(ctx, ev, cfg.Handler)
		exec.Attempts = 1
		return exec
	}

	exec.Result, exec.Attempts = retry.Do(*cfg.Retry, b.sleep, func(attempt int) (Result, retry.Outcome) {
		res, thrown := b.invoke(ctx, ev, cfg.Handler)
		switch {
		case res.Success:
			return res, retry.Succeeded
		case res.NoRetry && !thrown:
			return res, retry.Permanent
		default:
			if attempt < cfg.Retry.Attempts() {
				b.logger.Debug("Retrying event handler",
					zap.String("handler", exec.Handler),
					zap.String("event_id", ev.ID),
					zap.Int("next_attempt", attempt+1),
					zap.Duration("delay", cfg.Retry.Delay(attempt+1)))
			}
			return res, retry.Retryable
		}
	})
	return exec
}

// invoke calls the handler once, converting errors and panics into failed
// results. thrown reports whether the failure came from an error or panic.
func (b *Bus) invoke(ctx context.Context, ev domain.Event, h Handler) (res Result, thrown bool) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("Event handler panicked",
				zap.String("event_id", ev.ID),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
			res = Fail(fmt.Errorf("handler panic: %v", rec))
			thrown = true
		}
	}()

	if h == nil {
		return FailPermanent(errors.New("nil handler")), false
	}

	res, err := h.Handle(ctx, ev)
	if err != nil {
		return Fail(err), true
	}
	if !res.Success && res.Error == "" {
		res.Error = "handler reported failure"
	}
	return res, false
}

// History returns up to limit recorded events, newest first
func (b *Bus) History(limit int) []domain.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.history.newest(limit)
}

// Stats returns a snapshot of the bus counters
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	byType := make(map[string]int64, len(b.byType))
	for t, n := range b.byType {
		byType[string(t)] = n
	}

	seen := make(map[*Registration]struct{})
	for _, regs := range b.handlers {
		for _, r := range regs {
			seen[r] = struct{}{}
		}
	}

	return Stats{
		TotalEvents:           b.totalEvents,
		EventsByType:          byType,
		HandlerExecutions:     b.executions,
		HandlerFailures:       b.failures,
		AsyncPending:          b.pending,
		AverageProcessingTime: b.avgTime,
		HandlersRegistered:    len(seen),
		HistorySize:           b.history.len(),
	}
}

// Close stops accepting events and waits for in-flight async handlers or ctx
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(b.results)
		<-b.collected
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for async handlers: %w", ctx.Err())
	}
}
