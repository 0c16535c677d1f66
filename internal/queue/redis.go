package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prudhvinik1/graphsync/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	fieldEventID = "event_id"
	fieldBody    = "body"
	fieldReason  = "reason"

	promoteBatch = 100
)

type RedisStreamConfig struct {
	Stream   string
	Group    string
	Consumer string
	// ClaimIdle is how long a delivery may stay unacknowledged before another
	// consumer takes it over.
	ClaimIdle time.Duration
}

// RedisStreamTransport uses a stream with a consumer group. Delayed messages
// wait in a sorted set scored by due time and are promoted on Receive; dead
// letters go to a separate stream.
type RedisStreamTransport struct {
	client *redis.Client
	cfg    RedisStreamConfig
}

func NewRedisStreamTransport(ctx context.Context, client *redis.Client, cfg RedisStreamConfig) (*RedisStreamTransport, error) {
	if cfg.Stream == "" || cfg.Group == "" || cfg.Consumer == "" {
		return nil, errors.New("stream, group and consumer are required")
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = 5 * time.Minute
	}

	err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return &RedisStreamTransport{client: client, cfg: cfg}, nil
}

func (t *RedisStreamTransport) delayedKey() string { return t.cfg.Stream + ":delayed" }

func (t *RedisStreamTransport) deadKey() string { return t.cfg.Stream + ":dead" }

func (t *RedisStreamTransport) Publish(ctx context.Context, event *models.SyncEvent) (string, error) {
	body, err := Encode(event)
	if err != nil {
		return "", err
	}
	return t.add(ctx, event.EventID.String(), body)
}

func (t *RedisStreamTransport) add(ctx context.Context, eventID string, body []byte) (string, error) {
	id, err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.cfg.Stream,
		Values: map[string]interface{}{
			fieldEventID: eventID,
			fieldBody:    string(body),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to add message to stream: %w", err)
	}
	return id, nil
}

func (t *RedisStreamTransport) Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	if err := t.promoteDue(ctx); err != nil {
		return nil, err
	}

	claimed, _, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   t.cfg.Stream,
		Group:    t.cfg.Group,
		Consumer: t.cfg.Consumer,
		MinIdle:  t.cfg.ClaimIdle,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to claim idle messages: %w", err)
	}

	out := toDeliveries(claimed)
	if len(out) >= max {
		return out, nil
	}

	block := time.Duration(-1)
	if wait > 0 && len(out) == 0 {
		block = wait
	}
	streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    t.cfg.Group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{t.cfg.Stream, ">"},
		Count:    int64(max - len(out)),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("failed to read from stream: %w", err)
	}
	for _, s := range streams {
		out = append(out, toDeliveries(s.Messages)...)
	}
	return out, nil
}

// promoteDue moves due delayed messages onto the stream. ZREM decides which
// consumer promotes a member when several race.
func (t *RedisStreamTransport) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := t.client.ZRangeByScore(ctx, t.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read delayed messages: %w", err)
	}

	for _, member := range due {
		removed, err := t.client.ZRem(ctx, t.delayedKey(), member).Result()
		if err != nil {
			return fmt.Errorf("failed to take delayed message: %w", err)
		}
		if removed == 0 {
			continue
		}
		body := []byte(member)
		if _, err := t.add(ctx, eventIDOf(body).String(), body); err != nil {
			return err
		}
	}
	return nil
}

func (t *RedisStreamTransport) Ack(ctx context.Context, d Delivery) error {
	pipe := t.client.TxPipeline()
	pipe.XAck(ctx, t.cfg.Stream, t.cfg.Group, d.ID)
	pipe.XDel(ctx, t.cfg.Stream, d.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack %s: %w", d.ID, err)
	}
	return nil
}

func (t *RedisStreamTransport) Requeue(ctx context.Context, d Delivery, delay time.Duration) error {
	if delay <= 0 {
		if _, err := t.add(ctx, d.EventID.String(), d.Body); err != nil {
			return err
		}
		return t.Ack(ctx, d)
	}

	due := float64(time.Now().Add(delay).UnixMilli())
	if err := t.client.ZAdd(ctx, t.delayedKey(), redis.Z{Score: due, Member: string(d.Body)}).Err(); err != nil {
		return fmt.Errorf("failed to schedule %s: %w", d.ID, err)
	}
	return t.Ack(ctx, d)
}

func (t *RedisStreamTransport) DeadLetter(ctx context.Context, d Delivery, reason string) error {
	err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.deadKey(),
		Values: map[string]interface{}{
			fieldEventID: d.EventID.String(),
			fieldBody:    string(d.Body),
			fieldReason:  reason,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to dead-letter %s: %w", d.ID, err)
	}
	return t.Ack(ctx, d)
}

// Close leaves the client open; it belongs to the caller.
func (t *RedisStreamTransport) Close() error { return nil }

func toDeliveries(messages []redis.XMessage) []Delivery {
	out := make([]Delivery, 0, len(messages))
	for _, m := range messages {
		body, _ := m.Values[fieldBody].(string)
		out = append(out, Delivery{
			ID:      m.ID,
			EventID: eventIDOf([]byte(body)),
			Body:    []byte(body),
		})
	}
	return out
}
