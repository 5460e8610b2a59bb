package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Env             string        `envconfig:"APP_ENV" default:"development"`
	Addr            string        `envconfig:"HTTP_ADDR" default:":8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`

	StorageDriver string `envconfig:"STORAGE_DRIVER" default:"postgres"`
	PostgresDSN   string `envconfig:"POSTGRES_DSN" default:"host=localhost user=postgres password=postgres dbname=gear_auction sslmode=disable"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`

	KafkaBrokers       []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	NotificationsTopic string   `envconfig:"KAFKA_NOTIFICATIONS_TOPIC" default:"notifications"`
	DeadLetterTopic    string   `envconfig:"KAFKA_DEAD_LETTER_TOPIC" default:"notifications.dead-letter"`
	ConsumerGroup      string   `envconfig:"KAFKA_CONSUMER_GROUP" default:"gear-auction-mailer"`
	DeliveryRetries    int      `envconfig:"NOTIFY_DELIVERY_RETRIES" default:"5"`

	MailRelayURL    string `envconfig:"MAIL_RELAY_URL" default:"http://localhost:8025/api/send"`
	MailRelayAPIKey string `envconfig:"MAIL_RELAY_API_KEY"`
	MailFrom        string `envconfig:"MAIL_FROM" default:"auctions@gear-auction.local"`

	JWTSecret      string   `envconfig:"JWT_SECRET" required:"true"`
	AdminEmails    []string `envconfig:"ADMIN_EMAILS"`
	CronSecretHash string   `envconfig:"CRON_SECRET_HASH"`

	StripeSecretKey     string `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET"`
	Currency            string `envconfig:"PAYMENT_CURRENCY" default:"gbp"`

	AuctionTimeZone  string   `envconfig:"AUCTION_TIME_ZONE" default:"Europe/London"`
	MinBidIncrement  int64    `envconfig:"MIN_BID_INCREMENT" default:"1"`
	CommissionTiers  string   `envconfig:"COMMISSION_TIERS_FILE"`
	AncillaryFee     int64    `envconfig:"ANCILLARY_FEE" default:"0"`
	BuyerPaysFeeOn   []string `envconfig:"BUYER_PAYS_FEE_LISTINGS"`
	MaxSchemaRetries int      `envconfig:"MAX_SCHEMA_RETRIES" default:"10"`
	PublicRateLimit  int      `envconfig:"PUBLIC_RATE_LIMIT" default:"120"`
	SchedulerEnabled bool     `envconfig:"SCHEDULER_ENABLED" default:"true"`
	OTLPEndpoint     string   `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, using environment only", "error", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	slog.Info("config loaded",
		"env", cfg.Env,
		"storage_driver", cfg.StorageDriver,
		"redis_addr", cfg.RedisAddr,
		"kafka_brokers", cfg.KafkaBrokers,
		"time_zone", cfg.AuctionTimeZone)
	return &cfg, nil
}

func (c *Config) validate() error {
	c.StorageDriver = strings.ToLower(strings.TrimSpace(c.StorageDriver))
	switch c.StorageDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("JWT_SECRET must be provided")
	}
	if c.AncillaryFee < 0 {
		return errors.New("ANCILLARY_FEE must not be negative")
	}
	if c.MinBidIncrement < 1 {
		return errors.New("MIN_BID_INCREMENT must be at least 1")
	}
	if c.MaxSchemaRetries < 1 {
		return errors.New("MAX_SCHEMA_RETRIES must be at least 1")
	}
	if c.DeliveryRetries < 0 {
		return errors.New("NOTIFY_DELIVERY_RETRIES must not be negative")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c != nil && c.Env == "production"
}
