package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	ServiceName string `envconfig:"SERVICE_NAME" default:"fulfillment"`
	Env         string `envconfig:"ENV" default:"dev"`

	// AMQPURL selects the broker. Empty runs the in-memory bus, for
	// local development without RabbitMQ.
	AMQPURL         string        `envconfig:"AMQP_URL" default:""`
	ConnectAttempts int           `envconfig:"CONNECT_ATTEMPTS" default:"5"`
	ConnectBackoff  time.Duration `envconfig:"CONNECT_BACKOFF" default:"2s"`
	MaxRetries      int           `envconfig:"MAX_RETRIES" default:"3"`

	// RedisAddr selects the dead-letter store. Empty keeps dead letters
	// in memory.
	RedisAddr string `envconfig:"REDIS_ADDR" default:""`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":2112"`

	OutboxPollInterval time.Duration `envconfig:"OUTBOX_POLL_INTERVAL" default:"200ms"`
	OutboxBatchSize    int           `envconfig:"OUTBOX_BATCH_SIZE" default:"64"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
