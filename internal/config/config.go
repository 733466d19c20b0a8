package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the event billing service
type Config struct {
	AppName     string            `mapstructure:"app_name"`
	Log         LogConfig         `mapstructure:"log"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	GRPC        GRPCConfig        `mapstructure:"grpc"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	Mongo       MongoConfig       `mapstructure:"mongo"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Billing     BillingConfig     `mapstructure:"billing"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Events      EventsConfig      `mapstructure:"events"`
	Channels    ChannelsConfig    `mapstructure:"channels"`
	DeliveryLog DeliveryLogConfig `mapstructure:"delivery_log"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
	// Development switches to the colored console encoder at debug level
	Development bool `mapstructure:"development"`
}

// HTTPConfig holds the admin HTTP server configuration
type HTTPConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// RateLimitPerMinute caps admin requests per caller; 0 disables the limit
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute"`
}

// GRPCConfig holds the gRPC health server configuration
type GRPCConfig struct {
	Address          string `mapstructure:"address"`
	EnableReflection bool   `mapstructure:"enable_reflection"`
}

// PostgresConfig holds PostgreSQL configuration
type PostgresConfig struct {
	DSN         string `mapstructure:"dsn"`
	MaxConns    int32  `mapstructure:"max_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// MongoConfig holds MongoDB configuration for the delivery log backend
type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

// KafkaConfig holds configuration for forwarding bus events to Kafka
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	SamplingRatio  float64 `mapstructure:"sampling_ratio"`
	Environment    string  `mapstructure:"environment"`
}

// AuthConfig holds admin API authentication configuration
type AuthConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	PublicKeyPEM string `mapstructure:"public_key_pem"`
	Issuer       string `mapstructure:"issuer"`
	AdminRole    string `mapstructure:"admin_role"`
}

// BillingConfig holds payment gateway and billing engine configuration
type BillingConfig struct {
	Provider            string        `mapstructure:"provider"`
	StripeSecret        string        `mapstructure:"stripe_secret"`
	StripeWebhookSecret string        `mapstructure:"stripe_webhook_secret"`
	MaxRetries          int           `mapstructure:"max_retries"`
	BatchSize           int           `mapstructure:"batch_size"`
	Interval            time.Duration `mapstructure:"interval"`
	ChargeTimeout       time.Duration `mapstructure:"charge_timeout"`
	LockTTL             time.Duration `mapstructure:"lock_ttl"`
}

// WebhookConfig holds outbound webhook delivery configuration
type WebhookConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	HeaderPrefix      string        `mapstructure:"header_prefix"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
}

// EventsConfig holds event bus configuration
type EventsConfig struct {
	HistorySize   int           `mapstructure:"history_size"`
	Source        string        `mapstructure:"source"`
	SchemaVersion string        `mapstructure:"schema_version"`
	RouterTimeout time.Duration `mapstructure:"router_timeout"`
}

// ChannelsConfig holds notification sender configuration
type ChannelsConfig struct {
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	WhatsApp WhatsAppConfig `mapstructure:"whatsapp"`
}

// SMTPConfig holds email sender configuration
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	BotToken          string  `mapstructure:"bot_token"`
	APIURL            string  `mapstructure:"api_url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// WhatsAppConfig holds WhatsApp Cloud API configuration
type WhatsAppConfig struct {
	APIURL            string  `mapstructure:"api_url"`
	PhoneNumberID     string  `mapstructure:"phone_number_id"`
	AccessToken       string  `mapstructure:"access_token"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// DeliveryLogConfig selects where webhook/channel attempt logs are written
type DeliveryLogConfig struct {
	Backend string `mapstructure:"backend"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return unmarshal(v)
}

// LoadFromEnv loads configuration from environment variables only
func LoadFromEnv() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "event-billing")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("http.address", ":8080")
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.rate_limit_per_minute", 600)
	v.SetDefault("grpc.address", ":8081")
	v.SetDefault("grpc.enable_reflection", false)

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.auto_migrate", true)
	v.SetDefault("mongo.uri", "")
	v.SetDefault("mongo.database", "event_billing")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "domain-events")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("tracing.sampling_ratio", 1.0)
	v.SetDefault("tracing.environment", "development")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.admin_role", "admin")

	v.SetDefault("billing.provider", "mock")
	v.SetDefault("billing.max_retries", 3)
	v.SetDefault("billing.batch_size", 100)
	v.SetDefault("billing.interval", time.Hour)
	v.SetDefault("billing.charge_timeout", 30*time.Second)
	v.SetDefault("billing.lock_ttl", 30*time.Minute)

	v.SetDefault("webhook.timeout", 30*time.Second)
	v.SetDefault("webhook.header_prefix", "X-Jia")
	v.SetDefault("webhook.max_attempts", 3)
	v.SetDefault("webhook.initial_delay", time.Second)
	v.SetDefault("webhook.backoff_multiplier", 2.0)
	v.SetDefault("webhook.max_delay", 30*time.Second)

	v.SetDefault("events.history_size", 1000)
	v.SetDefault("events.source", "jia-platform")
	v.SetDefault("events.schema_version", "1.0")
	v.SetDefault("events.router_timeout", 2*time.Minute)

	v.SetDefault("channels.smtp.port", 587)
	v.SetDefault("channels.telegram.api_url", "https://api.telegram.org")
	v.SetDefault("channels.telegram.requests_per_second", 25.0)
	v.SetDefault("channels.whatsapp.api_url", "https://graph.facebook.com/v19.0")
	v.SetDefault("channels.whatsapp.requests_per_second", 20.0)

	v.SetDefault("delivery_log.backend", "memory")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.AppName == "" {
		return fmt.Errorf("app_name is required")
	}
	if c.HTTP.Address == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.Billing.MaxRetries < 0 {
		return fmt.Errorf("billing.max_retries must not be negative")
	}
	if c.Billing.BatchSize <= 0 {
		return fmt.Errorf("billing.batch_size must be greater than 0")
	}
	if c.Billing.Interval <= 0 {
		return fmt.Errorf("billing.interval must be greater than 0")
	}
	if c.Billing.Provider == "stripe" && c.Billing.StripeSecret == "" {
		return fmt.Errorf("billing.stripe_secret is required for the stripe provider")
	}
	if c.Webhook.MaxAttempts <= 0 {
		return fmt.Errorf("webhook.max_attempts must be greater than 0")
	}
	if c.Webhook.BackoffMultiplier < 1 {
		return fmt.Errorf("webhook.backoff_multiplier must be at least 1")
	}
	if c.Events.HistorySize <= 0 {
		return fmt.Errorf("events.history_size must be greater than 0")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	if c.Auth.Enabled && c.Auth.PublicKeyPEM == "" {
		return fmt.Errorf("auth.public_key_pem is required when auth is enabled")
	}

	switch c.DeliveryLog.Backend {
	case "memory":
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required for the postgres delivery log backend")
		}
	case "mongo":
		if c.Mongo.URI == "" {
			return fmt.Errorf("mongo.uri is required for the mongo delivery log backend")
		}
	default:
		return fmt.Errorf("unsupported delivery_log.backend: %s", c.DeliveryLog.Backend)
	}

	return nil
}
