package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/prudhvinik1/graphsync/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	presenceKeyPrefix = "graphsync:consumer:"
	presenceTTL       = 60 * time.Second // Consumer is considered gone after 60 seconds without heartbeat
)

type RedisConsumerPresenceRepository struct {
	client *redis.Client
}

func NewRedisConsumerPresenceRepository(client *redis.Client) *RedisConsumerPresenceRepository {
	return &RedisConsumerPresenceRepository{client: client}
}

// Heartbeat sets or refreshes the presence of a consumer with automatic TTL.
// Consumers call this once per poll cycle.
func (r *RedisConsumerPresenceRepository) Heartbeat(ctx context.Context, presence *models.ConsumerPresence) error {
	presence.LastSeen = time.Now().UTC()

	data, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	err = r.client.Set(ctx, presenceKey(presence.ConsumerID), data, presenceTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}

	return nil
}

// ListActive returns every consumer whose heartbeat has not expired.
func (r *RedisConsumerPresenceRepository) ListActive(ctx context.Context) ([]*models.ConsumerPresence, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, presenceKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan presence keys: %w", err)
	}
	if len(keys) == 0 {
		return []*models.ConsumerPresence{}, nil
	}

	// MGet retrieves every key in one round trip
	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get bulk presence: %w", err)
	}

	consumers := make([]*models.ConsumerPresence, 0, len(results))
	for _, result := range results {
		// Key expired between SCAN and MGET
		data, ok := result.(string)
		if !ok {
			continue
		}

		var presence models.ConsumerPresence
		if err := json.Unmarshal([]byte(data), &presence); err != nil {
			continue
		}
		consumers = append(consumers, &presence)
	}

	sort.Slice(consumers, func(i, j int) bool { return consumers[i].ConsumerID < consumers[j].ConsumerID })
	return consumers, nil
}

func (r *RedisConsumerPresenceRepository) Remove(ctx context.Context, consumerID string) error {
	err := r.client.Del(ctx, presenceKey(consumerID)).Err()
	if err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}

	return nil
}

// Helper: build Redis key for presence
func presenceKey(consumerID string) string {
	return presenceKeyPrefix + consumerID
}
