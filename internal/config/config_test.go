package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/graphsync")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("JWT_SECRET", "secret")
}

func TestLoadConfig_Defaults(t *testing.T) {
	// ARRANGE
	setRequired(t)

	// ACT
	cfg, err := LoadConfig()

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "redis", cfg.Queue.Backend)
	assert.Equal(t, "surrealdb", cfg.Graph.Backend)
	assert.Equal(t, 10, cfg.Consumer.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.Reconcile.InflightGrace)
	assert.Equal(t, 24*time.Hour, cfg.Auth.JWTExpiry)
	assert.Empty(t, cfg.Conflicts.StrategyOverrides)
}

func TestLoadConfig_StrategyOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("CONFLICT_STRATEGY_OVERRIDES", "concept:MERGE,learning_path:SOURCE_WINS")

	cfg, err := LoadConfig()

	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"concept":       "MERGE",
		"learning_path": "SOURCE_WINS",
	}, cfg.Conflicts.StrategyOverrides)
}

func TestLoadConfig_RequiredFields(t *testing.T) {
	cases := map[string]string{
		"DATABASE_URL": "DATABASE_URL is required",
		"REDIS_URL":    "REDIS_URL is required",
		"JWT_SECRET":   "JWT_SECRET is required",
	}

	for key, msg := range cases {
		t.Run(key, func(t *testing.T) {
			setRequired(t)
			t.Setenv(key, "")

			_, err := LoadConfig()

			require.Error(t, err)
			assert.Equal(t, msg, err.Error())
		})
	}
}

func TestLoadConfig_RabbitMQNeedsURL(t *testing.T) {
	setRequired(t)
	t.Setenv("QUEUE_BACKEND", "rabbitmq")

	_, err := LoadConfig()

	assert.EqualError(t, err, "RABBITMQ_URL is required")
}

func TestLoadConfig_UnknownBackend(t *testing.T) {
	setRequired(t)
	t.Setenv("GRAPH_BACKEND", "neo4j")

	_, err := LoadConfig()

	assert.Error(t, err)
}
