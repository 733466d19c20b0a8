// Package app wires configuration into the running service: stores, the
// event bus and its handlers, the billing engine and scheduler, and the
// HTTP and gRPC servers.
package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jia-app/eventbilling/internal/auth"
	"github.com/jia-app/eventbilling/internal/billing"
	"github.com/jia-app/eventbilling/internal/cache"
	"github.com/jia-app/eventbilling/internal/config"
	"github.com/jia-app/eventbilling/internal/events"
	"github.com/jia-app/eventbilling/internal/log"
	"github.com/jia-app/eventbilling/internal/migrations"
	"github.com/jia-app/eventbilling/internal/notify"
	"github.com/jia-app/eventbilling/internal/notify/channel"
	"github.com/jia-app/eventbilling/internal/ratelimit"
	"github.com/jia-app/eventbilling/internal/repository"
	"github.com/jia-app/eventbilling/internal/repository/memory"
	"github.com/jia-app/eventbilling/internal/repository/mongo"
	"github.com/jia-app/eventbilling/internal/repository/postgres"
	"github.com/jia-app/eventbilling/internal/retry"
	"github.com/jia-app/eventbilling/internal/server"
	"github.com/jia-app/eventbilling/internal/server/httpapi"
	"github.com/jia-app/eventbilling/internal/subscription"
	"github.com/jia-app/eventbilling/internal/tracing"
	"github.com/jia-app/eventbilling/internal/webhook"
)

// dataStore is a billing repository that also keeps delivery logs
type dataStore interface {
	repository.Repository
	DeliveryLog() repository.DeliveryLogRepository
}

// App represents the application
type App struct {
	config    *config.Config
	logger    *zap.Logger
	store     dataStore
	pgStore   *postgres.Store
	mongo     *mongo.Client
	cache     *cache.Cache
	kafka     *events.KafkaForwarder
	bus       *events.Bus
	engine    *subscription.Engine
	scheduler *subscription.Scheduler
	http      *httpapi.Server
	grpc      *server.GRPCServer
	tracing   func()
}

// New creates a new application instance. On error every resource opened so
// far is closed.
func New(ctx context.Context, cfg *config.Config) (a *App, err error) {
	if cfg.Log.Development {
		log.SetGlobal(log.NewDevelopment())
	} else if err := log.Init(cfg.Log.Level); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger := log.L(ctx)
	a = &App{config: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Shutdown(context.Background())
		}
	}()

	logger.Info("Initializing event billing application",
		zap.String("app_name", cfg.AppName),
		zap.String("http_address", cfg.HTTP.Address),
		zap.String("grpc_address", cfg.GRPC.Address))

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init(tracing.Config{
			ServiceName:    cfg.AppName,
			ServiceVersion: cfg.Events.SchemaVersion,
			Environment:    cfg.Tracing.Environment,
			JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
			SamplingRatio:  cfg.Tracing.SamplingRatio,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.tracing = shutdown
	}

	if err := a.initStores(ctx); err != nil {
		return nil, err
	}
	deliveryLog, err := a.deliveryLog(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		c, err := cache.NewCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis: %w", err)
		}
		a.cache = c
	} else {
		logger.Warn("Redis not configured, billing runs are not coordinated across replicas")
	}

	factory := events.Factory{Source: cfg.Events.Source, Version: cfg.Events.SchemaVersion}
	a.bus = events.NewBus(events.WithLogger(logger), events.WithHistorySize(cfg.Events.HistorySize))
	if cfg.Kafka.Enabled {
		producer, err := events.NewKafkaProducer(cfg.Kafka.Brokers, cfg.AppName)
		if err != nil {
			return nil, err
		}
		a.kafka = events.NewKafkaForwarder(producer, cfg.Kafka.Topic, logger)
		a.bus.Subscribe(a.kafka.Config())
	}

	hooks := webhook.NewClient(
		webhook.WithAttemptLogger(deliveryLog),
		webhook.WithHeaderPrefix(cfg.Webhook.HeaderPrefix),
		webhook.WithTimeout(cfg.Webhook.Timeout),
		webhook.WithPolicy(retry.Policy{
			MaxAttempts:       cfg.Webhook.MaxAttempts,
			InitialDelay:      cfg.Webhook.InitialDelay,
			BackoffMultiplier: cfg.Webhook.BackoffMultiplier,
			MaxDelay:          cfg.Webhook.MaxDelay,
		}),
		webhook.WithLogger(logger.Named("webhook")))

	router := notify.NewRouter(a.store.EventSubscription(), deliveryLog, hooks,
		append(channelOptions(cfg.Channels, logger),
			notify.WithChannelTimeout(cfg.Events.RouterTimeout),
			notify.WithLogger(logger.Named("notify")))...)
	a.bus.Subscribe(router.Config())

	gateways, stripeGateway, err := newGateways(cfg.Billing, logger)
	if err != nil {
		return nil, err
	}
	a.engine = subscription.NewEngine(a.store, gateways, a.bus, subscription.Config{
		MaxRetries:    cfg.Billing.MaxRetries,
		BatchSize:     cfg.Billing.BatchSize,
		ChargeTimeout: cfg.Billing.ChargeTimeout,
	}, subscription.WithLogger(logger.Named("billing")), subscription.WithEventFactory(factory))

	var locker subscription.Locker
	if a.cache != nil {
		locker = a.cache
	}
	a.scheduler = subscription.NewScheduler(a.engine, locker, cfg.Billing.Interval, cfg.Billing.LockTTL, logger.Named("scheduler"))

	var validator auth.Validator
	if cfg.Auth.Enabled {
		v, err := auth.NewJWTValidator(cfg.Auth.PublicKeyPEM, auth.WithIssuer(cfg.Auth.Issuer))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize jwt validator: %w", err)
		}
		validator = v
	} else {
		logger.Warn("Authentication disabled, admin API is open")
	}

	deps := httpapi.Deps{
		Admin:         notify.NewAdmin(a.store.EventSubscription(), router, factory, logger.Named("notify-admin")),
		Bus:           a.bus,
		Billing:       a.scheduler,
		Subscriptions: a.engine,
		Deliveries:    deliveryLog,
		Factory:       factory,
		Validator:     validator,
		AdminRole:     cfg.Auth.AdminRole,
		Logger:        logger.Named("http"),
	}
	if stripeGateway != nil {
		deps.Stripe = stripeGateway
	}
	if a.cache != nil && cfg.HTTP.RateLimitPerMinute > 0 {
		deps.RateLimiter = ratelimit.NewRedisLimiter(a.cache.Client(), cfg.HTTP.RateLimitPerMinute, time.Minute,
			ratelimit.WithPrefix(cfg.AppName+":ratelimit"))
	}
	a.http = httpapi.NewServer(cfg.HTTP, deps)
	a.grpc = server.NewGRPCServer(cfg.GRPC, validator, a.healthChecks(), logger.Named("grpc"))

	return a, nil
}

func (a *App) initStores(ctx context.Context) error {
	if a.config.Postgres.DSN == "" {
		a.logger.Warn("Postgres not configured, using the in-memory store")
		a.store = memory.NewStore()
		return nil
	}

	pg, err := postgres.NewStore(ctx, a.config.Postgres.DSN, a.config.Postgres.MaxConns)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.pgStore = pg
	a.store = pg
	return migrations.RunWithPool(pg.Pool(), a.config.Postgres.AutoMigrate, a.logger)
}

func (a *App) deliveryLog(ctx context.Context) (repository.DeliveryLogRepository, error) {
	switch a.config.DeliveryLog.Backend {
	case "mongo":
		client, err := mongo.Connect(ctx, a.config.Mongo.URI, a.config.Mongo.Database)
		if err != nil {
			return nil, err
		}
		a.mongo = client
		logs := client.DeliveryLogs()
		if err := logs.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		return logs, nil
	case "postgres":
		if a.pgStore == nil {
			return nil, fmt.Errorf("postgres delivery log backend requires postgres.dsn")
		}
		return a.pgStore.DeliveryLog(), nil
	default:
		return a.store.DeliveryLog(), nil
	}
}

func channelOptions(cfg config.ChannelsConfig, logger *zap.Logger) []notify.Option {
	var opts []notify.Option
	if cfg.SMTP.Host != "" {
		opts = append(opts, notify.WithEmailSender(channel.NewSMTPSender(channel.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}, logger.Named("smtp"))))
	}
	if cfg.Telegram.BotToken != "" {
		opts = append(opts, notify.WithTelegramSender(channel.NewTelegramSender(channel.TelegramConfig{
			BotToken:          cfg.Telegram.BotToken,
			APIURL:            cfg.Telegram.APIURL,
			RequestsPerSecond: cfg.Telegram.RequestsPerSecond,
		}, logger.Named("telegram"))))
	}
	if cfg.WhatsApp.AccessToken != "" && cfg.WhatsApp.PhoneNumberID != "" {
		opts = append(opts, notify.WithWhatsAppSender(channel.NewWhatsAppSender(channel.WhatsAppConfig{
			APIURL:            cfg.WhatsApp.APIURL,
			PhoneNumberID:     cfg.WhatsApp.PhoneNumberID,
			AccessToken:       cfg.WhatsApp.AccessToken,
			RequestsPerSecond: cfg.WhatsApp.RequestsPerSecond,
		}, logger.Named("whatsapp"))))
	}
	return opts
}

// newGateways registers the mock gateway for the mock provider and Stripe
// whenever a secret key is configured
func newGateways(cfg config.BillingConfig, logger *zap.Logger) (*billing.Router, *billing.StripeGateway, error) {
	router := billing.NewRouter(logger.Named("gateway"))
	if cfg.Provider == billing.ProviderMock {
		logger.Warn("Using the mock payment gateway")
		router.Register(billing.ProviderMock, billing.NewMockGateway())
	}

	var stripeGateway *billing.StripeGateway
	if cfg.StripeSecret != "" {
		g, err := billing.NewStripeGateway(cfg.StripeSecret, cfg.StripeWebhookSecret, nil, logger.Named("stripe"))
		if err != nil {
			return nil, nil, err
		}
		router.Register(billing.ProviderStripe, g)
		stripeGateway = g
	}
	return router, stripeGateway, nil
}

func (a *App) healthChecks() map[string]server.HealthCheck {
	checks := map[string]server.HealthCheck{}
	if a.pgStore != nil {
		checks["postgres"] = func(ctx context.Context) error { return a.pgStore.Pool().Ping(ctx) }
	}
	if a.cache != nil {
		checks["redis"] = a.cache.Ping
	}
	if a.mongo != nil {
		checks["mongo"] = a.mongo.Ping
	}
	return checks
}

// Run serves HTTP and gRPC and runs the billing scheduler until ctx is done
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("Starting event billing application")

	a.grpc.StartHealthMonitoring(ctx)
	a.scheduler.Start(ctx)
	defer a.scheduler.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.http.Serve(gctx); err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.grpc.Serve(gctx); err != nil {
			return fmt.Errorf("gRPC server error: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// RunBilling performs one billing pass under the run lock
func (a *App) RunBilling(ctx context.Context) (subscription.BatchResult, error) {
	return a.scheduler.RunOnce(ctx)
}

// Shutdown drains the bus and closes every resource
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down event billing application")

	if a.bus != nil {
		if err := a.bus.Close(ctx); err != nil {
			a.logger.Error("Failed to drain event bus", zap.Error(err))
		}
	}
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.logger.Error("Failed to close kafka producer", zap.Error(err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Error("Failed to close redis client", zap.Error(err))
		}
	}
	if a.mongo != nil {
		if err := a.mongo.Close(ctx); err != nil {
			a.logger.Error("Failed to disconnect mongo", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("Failed to close store", zap.Error(err))
		}
	}
	if a.tracing != nil {
		a.tracing()
	}

	a.logger.Info("Application shutdown complete")
	return nil
}

// Migrate applies pending database migrations
func Migrate(ctx context.Context, cfg *config.Config) error {
	if cfg.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required to migrate")
	}
	pg, err := postgres.NewStore(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		return err
	}
	defer pg.Close()
	return migrations.RunWithPool(pg.Pool(), true, log.L(ctx))
}

// ImportPlans loads a CSV plan catalogue into postgres
func ImportPlans(ctx context.Context, cfg *config.Config, r io.Reader) (int, []string, error) {
	if cfg.Postgres.DSN == "" {
		return 0, nil, fmt.Errorf("postgres.dsn is required to import plans")
	}
	plans, warnings, err := subscription.ReadPlansCSV(r)
	if err != nil {
		return 0, nil, err
	}
	pg, err := postgres.NewStore(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		return 0, warnings, err
	}
	defer pg.Close()
	n, err := subscription.ImportPlans(ctx, pg.Plan(), plans)
	return n, warnings, err
}
