// Package app wires configuration into the running sync components shared by
// the server and syncctl.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/prudhvinik1/graphsync/internal/api"
	"github.com/prudhvinik1/graphsync/internal/backoff"
	"github.com/prudhvinik1/graphsync/internal/config"
	"github.com/prudhvinik1/graphsync/internal/database"
	"github.com/prudhvinik1/graphsync/internal/entities"
	"github.com/prudhvinik1/graphsync/internal/graph"
	"github.com/prudhvinik1/graphsync/internal/lock"
	"github.com/prudhvinik1/graphsync/internal/queue"
	"github.com/prudhvinik1/graphsync/internal/repositories"
	"github.com/prudhvinik1/graphsync/internal/services"
	"github.com/prudhvinik1/graphsync/internal/tracing"
)

type App struct {
	Config *config.Config
	Logger *zap.Logger

	Pool      *pgxpool.Pool
	Redis     *redis.Client
	Graph     graph.Store
	Transport queue.Transport
	Registry  *entities.Registry
	Locker    lock.Locker

	Publisher  *services.Publisher
	Relay      *services.Relay
	Consumer   *services.Consumer
	Resolver   *services.ConflictResolver
	Reconciler *services.Reconciler
	Monitor    *services.Monitor
	Auth       *services.OperatorAuth

	closers []func(ctx context.Context) error
}

// New connects every backing service named in cfg. On error, whatever was
// already opened is closed again.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	shutdownTracing, err := tracing.Setup(ctx, cfg.OTel, logger)
	if err != nil {
		return nil, err
	}
	a.onClose(shutdownTracing)

	registry, err := entities.DefaultRegistry()
	if err != nil {
		return nil, err
	}
	if err := registry.ApplyStrategyOverrides(cfg.Conflicts.StrategyOverrides); err != nil {
		return nil, fmt.Errorf("invalid CONFLICT_STRATEGY_OVERRIDES: %w", err)
	}
	a.Registry = registry

	if a.Pool, err = database.NewPostgresPool(ctx, cfg.Database.URL, logger); err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { a.Pool.Close(); return nil })

	if a.Redis, err = database.NewRedisClient(ctx, cfg.Redis.URL, logger); err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return a.Redis.Close() })
	a.Locker = lock.NewRedisLocker(a.Redis)

	// The stream consumer and the presence record must share one name.
	if cfg.Queue.ConsumerName == "" {
		cfg.Queue.ConsumerName = services.DefaultConsumerName()
	}

	if a.Graph, err = newGraphStore(ctx, cfg, registry, logger); err != nil {
		return nil, err
	}
	a.onClose(a.Graph.Close)

	if a.Transport, err = newTransport(ctx, cfg, a.Redis, logger); err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return a.Transport.Close() })

	a.wireServices()
	return a, nil
}

func (a *App) wireServices() {
	cfg := a.Config

	events := repositories.NewPostgresSyncEventRepository(a.Pool)
	statuses := repositories.NewPostgresSyncStatusRepository(a.Pool)
	conflicts := repositories.NewPostgresConflictRepository(a.Pool)
	runs := repositories.NewPostgresReconciliationRunRepository(a.Pool)
	source := repositories.NewPostgresSourceRepository(a.Pool, a.Registry)
	presence := repositories.NewRedisConsumerPresenceRepository(a.Redis)

	a.Publisher = services.NewPublisher(a.Pool, events, statuses, a.Registry, a.Logger)
	a.Relay = services.NewRelay(events, a.Transport, a.Locker, services.RelayConfig{
		Interval:   cfg.Relay.Interval,
		BatchSize:  cfg.Relay.BatchSize,
		StuckAfter: cfg.Relay.StuckAfter,
		LockTTL:    cfg.Relay.LockTTL,
	}, a.Logger)
	a.Publisher.OnCommit(a.Relay.Notify)

	a.Resolver = services.NewConflictResolver(conflicts, statuses, source, a.Graph, a.Registry, a.Logger)
	a.Consumer = services.NewConsumer(a.Transport, events, statuses, presence, a.Graph, a.Registry, a.Resolver, services.ConsumerConfig{
		ConsumerID:        cfg.Queue.ConsumerName,
		Transport:         cfg.Queue.Backend,
		BatchSize:         cfg.Consumer.BatchSize,
		PollInterval:      cfg.Consumer.PollInterval,
		ProcessingTimeout: cfg.Consumer.ProcessingTimeout,
		DeferDelay:        cfg.Consumer.DeferDelay,
		ApplyTimeout:      cfg.Consumer.ApplyTimeout,
		Retry: backoff.Policy{
			Base:   cfg.Consumer.RetryBaseDelay,
			Max:    cfg.Consumer.RetryMaxDelay,
			Jitter: true,
		},
	}, a.Logger)

	a.Reconciler = services.NewReconciler(events, statuses, runs, source, a.Graph, a.Registry, a.Publisher, a.Resolver, a.Locker, services.ReconcilerConfig{
		BatchSize:     cfg.Reconcile.BatchSize,
		InflightGrace: cfg.Reconcile.InflightGrace,
		RepairRate:    cfg.Reconcile.RepairRate,
		EntityTimeout: cfg.Reconcile.EntityTimeout,
		LockTTL:       cfg.Reconcile.LockTTL,
	}, a.Logger)

	a.Monitor = services.NewMonitor(events, statuses, conflicts, runs, presence, cfg.Relay.StuckAfter)
	a.Auth = services.NewOperatorAuth(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry)
}

func newGraphStore(ctx context.Context, cfg *config.Config, registry *entities.Registry, logger *zap.Logger) (graph.Store, error) {
	var store graph.Store
	switch cfg.Graph.Backend {
	case "memory":
		logger.Warn("using in-memory graph store; state is lost on exit")
		store = graph.NewMemoryStore()
	default:
		db, err := database.NewSurrealDB(ctx, database.SurrealConfig{
			URL:       cfg.Graph.URL,
			Namespace: cfg.Graph.Namespace,
			Database:  cfg.Graph.Database,
			Username:  cfg.Graph.Username,
			Password:  cfg.Graph.Password,
		}, logger)
		if err != nil {
			return nil, err
		}
		store = graph.NewSurrealStore(db, registry)
	}

	return graph.NewBreakerStore(store, graph.BreakerConfig{
		MaxFailures: cfg.Graph.BreakerMaxFailures,
		OpenTimeout: cfg.Graph.BreakerOpenTimeout,
	}, logger), nil
}

func newTransport(ctx context.Context, cfg *config.Config, client *redis.Client, logger *zap.Logger) (queue.Transport, error) {
	switch cfg.Queue.Backend {
	case "memory":
		logger.Warn("using in-memory queue; only this process sees published events")
		return queue.NewMemoryTransport(), nil
	case "rabbitmq":
		conn, err := database.NewRabbitMQConnection(cfg.RabbitMQ.URL, logger)
		if err != nil {
			return nil, err
		}
		t, err := queue.NewRabbitMQTransport(conn, queue.RabbitMQConfig{
			Exchange: cfg.RabbitMQ.Exchange,
			Queue:    cfg.RabbitMQ.Queue,
		})
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to set up rabbitmq transport: %w", err)
		}
		return t, nil
	default:
		return queue.NewRedisStreamTransport(ctx, client, queue.RedisStreamConfig{
			Stream:   cfg.Queue.Stream,
			Group:    cfg.Queue.ConsumerGroup,
			Consumer: cfg.Queue.ConsumerName,
		})
	}
}

func (a *App) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// HealthChecks reports reachability of each backing store.
func (a *App) HealthChecks() map[string]api.Checker {
	return map[string]api.Checker{
		"postgres": a.Pool.Ping,
		"redis":    func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() },
		"graph":    a.Graph.Ping,
	}
}

// APIDeps collects what the operational HTTP API serves.
func (a *App) APIDeps() api.Deps {
	return api.Deps{
		Monitor:    a.Monitor,
		Resolver:   a.Resolver,
		Reconciler: a.Reconciler,
		Auth:       a.Auth,
		Checks:     a.HealthChecks(),
		Logger:     a.Logger,
	}
}
