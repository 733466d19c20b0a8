package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jia-app/eventbilling/internal/repository"
)

// querier is the subset of pgxpool.Pool the repositories use
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store represents the PostgreSQL store implementation
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// NewStore creates a new PostgreSQL store
func NewStore(ctx context.Context, connString string, maxConns int32) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewStoreWithPool(pool), nil
}

// NewStoreWithPool wraps an existing pool
func NewStoreWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// Pool exposes the underlying pool for migrations
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Subscription returns the subscription repository implementation
func (s *Store) Subscription() repository.SubscriptionRepository {
	return &subscriptionRepository{db: s.db}
}

// Plan returns the plan repository implementation
func (s *Store) Plan() repository.PlanRepository {
	return &planRepository{db: s.db}
}

// Order returns the order repository implementation
func (s *Store) Order() repository.OrderRepository {
	return &orderRepository{db: s.db}
}

// PaymentHistory returns the payment history repository implementation
func (s *Store) PaymentHistory() repository.PaymentHistoryRepository {
	return &historyRepository{db: s.db}
}

// EventSubscription returns the event subscription repository implementation
func (s *Store) EventSubscription() repository.EventSubscriptionRepository {
	return &eventSubscriptionRepository{db: s.db}
}

// DeliveryLog returns the delivery log repository implementation
func (s *Store) DeliveryLog() repository.DeliveryLogRepository {
	return &deliveryLogRepository{db: s.db}
}
