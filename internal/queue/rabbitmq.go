package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/graphsync/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultConfirmTimeout = 5 * time.Second
	getPollInterval       = 100 * time.Millisecond
)

var ErrPublishNacked = errors.New("broker rejected the message")

// amqpChannel is the subset of *amqp.Channel the transport uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Close() error
}

type RabbitMQConfig struct {
	Exchange       string
	Queue          string
	ConfirmTimeout time.Duration
}

func (c RabbitMQConfig) dlx() string        { return c.Exchange + ".dlx" }
func (c RabbitMQConfig) dlq() string        { return c.Queue + ".dlq" }
func (c RabbitMQConfig) delayQueue() string { return c.Queue + ".delay" }

// RabbitMQTransport publishes with confirms to a durable direct exchange.
// Delayed requeues sit in a TTL queue that dead-letters back to the main
// exchange; rejected messages dead-letter to a DLX bound to the DLQ.
type RabbitMQTransport struct {
	ch       amqpChannel
	conn     *amqp.Connection
	cfg      RabbitMQConfig
	confirms chan amqp.Confirmation

	publishMu sync.Mutex
}

func NewRabbitMQTransport(conn *amqp.Connection, cfg RabbitMQConfig) (*RabbitMQTransport, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	t, err := newRabbitMQTransport(ch, cfg)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	t.conn = conn
	return t, nil
}

func newRabbitMQTransport(ch amqpChannel, cfg RabbitMQConfig) (*RabbitMQTransport, error) {
	if cfg.Exchange == "" || cfg.Queue == "" {
		return nil, errors.New("exchange and queue are required")
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}

	if err := declareTopology(ch, cfg); err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	return &RabbitMQTransport{ch: ch, cfg: cfg, confirms: confirms}, nil
}

func declareTopology(ch amqpChannel, cfg RabbitMQConfig) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.dlx(), amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": cfg.dlx(),
	}); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.Queue, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	if _, err := ch.QueueDeclare(cfg.dlq(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq: %w", err)
	}
	if err := ch.QueueBind(cfg.dlq(), "", cfg.dlx(), false, nil); err != nil {
		return fmt.Errorf("bind dlq: %w", err)
	}

	if _, err := ch.QueueDeclare(cfg.delayQueue(), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    cfg.Exchange,
		"x-dead-letter-routing-key": cfg.Queue,
	}); err != nil {
		return fmt.Errorf("declare delay queue: %w", err)
	}
	return nil
}

func (t *RabbitMQTransport) Publish(ctx context.Context, event *models.SyncEvent) (string, error) {
	body, err := Encode(event)
	if err != nil {
		return "", err
	}
	id := event.EventID.String()
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := t.publishAndWait(ctx, t.cfg.Exchange, t.cfg.Queue, msg); err != nil {
		return "", err
	}
	return id, nil
}

func (t *RabbitMQTransport) publishAndWait(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	t.publishMu.Lock()
	defer t.publishMu.Unlock()

	if err := t.ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	timeout := time.NewTimer(t.cfg.ConfirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-t.confirms:
		if !ok {
			return ErrTransportClosed
		}
		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}
		return nil
	case <-timeout.C:
		return errors.New("publisher confirm timed out")
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

func (t *RabbitMQTransport) Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)

	var out []Delivery
	for len(out) < max {
		msg, ok, err := t.ch.Get(t.cfg.Queue, false)
		if err != nil {
			return out, fmt.Errorf("failed to get message: %w", err)
		}
		if ok {
			out = append(out, toRabbitDelivery(msg))
			continue
		}
		if len(out) > 0 || !time.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(getPollInterval):
		}
	}
	return out, nil
}

func (t *RabbitMQTransport) Ack(_ context.Context, d Delivery) error {
	if err := t.ch.Ack(d.tag, false); err != nil {
		return fmt.Errorf("failed to ack %s: %w", d.ID, err)
	}
	return nil
}

func (t *RabbitMQTransport) Requeue(ctx context.Context, d Delivery, delay time.Duration) error {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    d.EventID.String(),
		Timestamp:    time.Now().UTC(),
		Body:         d.Body,
	}

	exchange, key := t.cfg.Exchange, t.cfg.Queue
	if delay > 0 {
		exchange, key = "", t.cfg.delayQueue()
		msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}
	if err := t.publishAndWait(ctx, exchange, key, msg); err != nil {
		return fmt.Errorf("failed to requeue %s: %w", d.ID, err)
	}
	return t.Ack(ctx, d)
}

// DeadLetter rejects the delivery; the broker routes it through the DLX.
func (t *RabbitMQTransport) DeadLetter(_ context.Context, d Delivery, _ string) error {
	if err := t.ch.Nack(d.tag, false, false); err != nil {
		return fmt.Errorf("failed to dead-letter %s: %w", d.ID, err)
	}
	return nil
}

func (t *RabbitMQTransport) Close() error {
	err := t.ch.Close()
	if t.conn != nil {
		if cerr := t.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func toRabbitDelivery(msg amqp.Delivery) Delivery {
	id := msg.MessageId
	eventID, err := uuid.Parse(id)
	if err != nil {
		eventID = eventIDOf(msg.Body)
	}
	if id == "" {
		id = strconv.FormatUint(msg.DeliveryTag, 10)
	}
	return Delivery{ID: id, EventID: eventID, Body: msg.Body, tag: msg.DeliveryTag}
}
