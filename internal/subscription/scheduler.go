package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RunLockKey is the key replicas contend on before a billing pass
const RunLockKey = "eventbilling:billing:run"

// ErrRunInProgress is returned by RunOnce when another replica holds the lock
var ErrRunInProgress = errors.New("billing run already in progress")

// Locker grants a cluster-wide lock for a TTL
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// Scheduler runs billing passes on a ticker
type Scheduler struct {
	engine   *Engine
	locker   Locker
	interval time.Duration
	lockTTL  time.Duration
	logger   *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewScheduler creates a billing scheduler. A nil locker runs every tick
// unguarded, which is only safe with a single replica.
func NewScheduler(engine *Engine, locker Locker, interval, lockTTL time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		engine:   engine,
		locker:   locker,
		interval: interval,
		lockTTL:  lockTTL,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start starts the scheduler loop
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	s.logger.Info("Starting billing scheduler", zap.Duration("interval", s.interval))

	go func() {
		defer close(s.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
					s.logger.Error("Scheduled billing run failed", zap.Error(err))
				}
			case <-s.stop:
				s.logger.Info("Stopping billing scheduler")
				return
			case <-ctx.Done():
				s.logger.Info("Billing scheduler context cancelled")
				return
			}
		}
	}()
}

// Stop stops the loop and waits for a running pass to finish
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// RunOnce takes the run lock, charges due subscriptions and expires ended ones
func (s *Scheduler) RunOnce(ctx context.Context) (BatchResult, error) {
	if s.locker != nil {
		release, ok, err := s.locker.Acquire(ctx, RunLockKey, s.lockTTL)
		if err != nil {
			return BatchResult{}, fmt.Errorf("failed to acquire billing lock: %w", err)
		}
		if !ok {
			s.logger.Debug("Billing run skipped, lock held elsewhere")
			return BatchResult{}, ErrRunInProgress
		}
		defer func() {
			// released even when the parent was cancelled
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("Failed to release billing lock", zap.Error(err))
			}
		}()
	}

	// a started pass always completes its candidate set
	runCtx := context.WithoutCancel(ctx)
	result, err := s.engine.ProcessRecurringPayments(runCtx)
	if err != nil {
		return result, err
	}
	if _, err := s.engine.ExpireEnded(runCtx); err != nil {
		s.logger.Error("Failed to expire ended subscriptions", zap.Error(err))
	}
	return result, nil
}
