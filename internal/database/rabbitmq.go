package database

import (
	"fmt"
	"net/url"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

func NewRabbitMQConnection(amqpURL string, logger *zap.Logger) (*amqp.Connection, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("error connecting to rabbitmq at %s: %w", redactURL(amqpURL), err)
	}

	logger.Info("rabbitmq connection created", zap.String("url", redactURL(amqpURL)))

	return conn, nil
}

// redactURL drops credentials before a URL reaches logs or errors.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}
