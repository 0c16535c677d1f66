package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	ServerPort  string `env:"SERVER_PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"production"`
	LogLevel    string `env:"LOG_LEVEL"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"false"`

	Database  DatabaseConfig
	Redis     RedisConfig
	Queue     QueueConfig
	RabbitMQ  RabbitMQConfig
	Graph     GraphConfig
	Consumer  ConsumerConfig
	Relay     RelayConfig
	Reconcile ReconcileConfig
	Conflicts ConflictConfig
	Auth      AuthConfig
	OTel      OTelConfig
}

type DatabaseConfig struct {
	URL string `env:"DATABASE_URL"`
}

type RedisConfig struct {
	URL string `env:"REDIS_URL"`
}

type QueueConfig struct {
	// Backend is redis, rabbitmq or memory.
	Backend       string `env:"QUEUE_BACKEND" envDefault:"redis"`
	Stream        string `env:"QUEUE_STREAM" envDefault:"graphsync:events"`
	ConsumerGroup string `env:"QUEUE_CONSUMER_GROUP" envDefault:"graphsync-consumers"`
	ConsumerName  string `env:"QUEUE_CONSUMER_NAME"`
}

type RabbitMQConfig struct {
	URL      string `env:"RABBITMQ_URL"`
	Exchange string `env:"RABBITMQ_EXCHANGE" envDefault:"graphsync"`
	Queue    string `env:"RABBITMQ_QUEUE" envDefault:"graphsync.events"`
}

type GraphConfig struct {
	// Backend is surrealdb or memory.
	Backend   string `env:"GRAPH_BACKEND" envDefault:"surrealdb"`
	URL       string `env:"SURREALDB_URL" envDefault:"ws://localhost:8000"`
	Namespace string `env:"SURREALDB_NAMESPACE" envDefault:"learning"`
	Database  string `env:"SURREALDB_DATABASE" envDefault:"graph"`
	Username  string `env:"SURREALDB_USER" envDefault:"root"`
	Password  string `env:"SURREALDB_PASSWORD"`

	BreakerMaxFailures uint32        `env:"GRAPH_BREAKER_MAX_FAILURES" envDefault:"5"`
	BreakerOpenTimeout time.Duration `env:"GRAPH_BREAKER_OPEN_TIMEOUT" envDefault:"30s"`
}

type ConsumerConfig struct {
	BatchSize         int           `env:"CONSUMER_BATCH_SIZE" envDefault:"10"`
	PollInterval      time.Duration `env:"CONSUMER_POLL_INTERVAL" envDefault:"1s"`
	ProcessingTimeout time.Duration `env:"CONSUMER_PROCESSING_TIMEOUT" envDefault:"5m"`
	DeferDelay        time.Duration `env:"CONSUMER_DEFER_DELAY" envDefault:"2s"`
	ApplyTimeout      time.Duration `env:"CONSUMER_APPLY_TIMEOUT" envDefault:"10s"`
	RetryBaseDelay    time.Duration `env:"CONSUMER_RETRY_BASE_DELAY" envDefault:"1s"`
	RetryMaxDelay     time.Duration `env:"CONSUMER_RETRY_MAX_DELAY" envDefault:"1m"`
}

type RelayConfig struct {
	Interval   time.Duration `env:"RELAY_INTERVAL" envDefault:"1s"`
	BatchSize  int           `env:"RELAY_BATCH_SIZE" envDefault:"100"`
	StuckAfter time.Duration `env:"RELAY_STUCK_AFTER" envDefault:"5m"`
	LockTTL    time.Duration `env:"RELAY_LOCK_TTL" envDefault:"30s"`
}

type ReconcileConfig struct {
	// Schedule is a cron expression with a seconds field.
	Schedule      string        `env:"RECONCILE_SCHEDULE" envDefault:"0 0 * * * *"`
	BatchSize     int           `env:"RECONCILE_BATCH_SIZE" envDefault:"100"`
	InflightGrace time.Duration `env:"RECONCILE_INFLIGHT_GRACE" envDefault:"5m"`
	RepairRate    float64       `env:"RECONCILE_REPAIR_RATE" envDefault:"50"`
	EntityTimeout time.Duration `env:"RECONCILE_ENTITY_TIMEOUT" envDefault:"10s"`
	LockTTL       time.Duration `env:"RECONCILE_LOCK_TTL" envDefault:"30m"`
}

type ConflictConfig struct {
	// StrategyOverrides maps an entity type to its default resolution method,
	// e.g. "concept:MERGE,learning_path:SOURCE_WINS".
	StrategyOverrides map[string]string `env:"CONFLICT_STRATEGY_OVERRIDES"`
}

type AuthConfig struct {
	JWTSecret string        `env:"JWT_SECRET"`
	JWTExpiry time.Duration `env:"JWT_EXPIRY" envDefault:"24h"`
}

type OTelConfig struct {
	ExporterEndpoint string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName      string  `env:"OTEL_SERVICE_NAME" envDefault:"graphsync"`
	SamplingRate     float64 `env:"OTEL_SAMPLING_RATE" envDefault:"1.0"`
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.Redis.URL == "" {
		return errors.New("REDIS_URL is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	switch c.Queue.Backend {
	case "redis", "memory":
	case "rabbitmq":
		if c.RabbitMQ.URL == "" {
			return errors.New("RABBITMQ_URL is required")
		}
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", c.Queue.Backend)
	}

	switch c.Graph.Backend {
	case "surrealdb":
		if c.Graph.URL == "" {
			return errors.New("SURREALDB_URL is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown GRAPH_BACKEND %q", c.Graph.Backend)
	}

	if c.Consumer.BatchSize <= 0 {
		return errors.New("CONSUMER_BATCH_SIZE must be positive")
	}
	if c.Reconcile.BatchSize <= 0 {
		return errors.New("RECONCILE_BATCH_SIZE must be positive")
	}
	if c.Reconcile.RepairRate <= 0 {
		return errors.New("RECONCILE_REPAIR_RATE must be positive")
	}
	return nil
}
