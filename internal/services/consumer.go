package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/graphsync/internal/backoff"
	"github.com/prudhvinik1/graphsync/internal/entities"
	"github.com/prudhvinik1/graphsync/internal/graph"
	"github.com/prudhvinik1/graphsync/internal/metrics"
	"github.com/prudhvinik1/graphsync/internal/models"
	"github.com/prudhvinik1/graphsync/internal/queue"
	"github.com/prudhvinik1/graphsync/internal/repositories"
	"github.com/prudhvinik1/graphsync/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ConsumerConfig struct {
	ConsumerID        string
	Transport         string
	BatchSize         int
	PollInterval      time.Duration
	ProcessingTimeout time.Duration
	DeferDelay        time.Duration
	ApplyTimeout      time.Duration
	Retry             backoff.Policy
}

// BatchResult counts what one ProcessBatch cycle did with its deliveries.
type BatchResult struct {
	Received     int
	Completed    int
	Skipped      int
	Conflicts    int
	Deferred     int
	Retried      int
	Failed       int
	Discarded    int
	DeadLettered int
	// Unacked deliveries are left for the transport to redeliver.
	Unacked int
}

func (r *BatchResult) add(o outcome) {
	switch o {
	case outcomeCompleted:
		r.Completed++
	case outcomeSkipped:
		r.Skipped++
	case outcomeConflict:
		r.Conflicts++
	case outcomeDeferred:
		r.Deferred++
	case outcomeRetried:
		r.Retried++
	case outcomeFailed:
		r.Failed++
	case outcomeDiscarded:
		r.Discarded++
	case outcomeDeadLettered:
		r.DeadLettered++
	case outcomeUnacked:
		r.Unacked++
	}
}

type outcome string

const (
	outcomeCompleted    outcome = "completed"
	outcomeSkipped      outcome = "skipped"
	outcomeConflict     outcome = "conflict"
	outcomeDeferred     outcome = "deferred"
	outcomeRetried      outcome = "retried"
	outcomeFailed       outcome = "failed"
	outcomeDiscarded    outcome = "duplicate"
	outcomeDeadLettered outcome = "dead_lettered"
	outcomeUnacked      outcome = "unacked"
)

// Consumer applies queued events to the graph store. Every delivery ends in
// an outbox transition followed by an ack, a requeue or a dead-letter; a
// delivery is acknowledged only after its transition is stored.
type Consumer struct {
	transport queue.Transport
	events    repositories.SyncEventRepository
	statuses  repositories.SyncStatusRepository
	presence  repositories.ConsumerPresenceRepository
	graph     graph.Store
	registry  *entities.Registry
	resolver  *ConflictResolver
	cfg       ConsumerConfig
	logger    *zap.Logger

	processed atomic.Int64
	startedAt time.Time
}

func NewConsumer(
	transport queue.Transport,
	events repositories.SyncEventRepository,
	statuses repositories.SyncStatusRepository,
	presence repositories.ConsumerPresenceRepository,
	store graph.Store,
	registry *entities.Registry,
	resolver *ConflictResolver,
	cfg ConsumerConfig,
	logger *zap.Logger,
) *Consumer {
	if cfg.ConsumerID == "" {
		cfg.ConsumerID = DefaultConsumerName()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 5 * time.Minute
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 10 * time.Second
	}
	return &Consumer{
		transport: transport,
		events:    events,
		statuses:  statuses,
		presence:  presence,
		graph:     store,
		registry:  registry,
		resolver:  resolver,
		cfg:       cfg,
		logger:    logger.Named("consumer").With(zap.String("consumer_id", cfg.ConsumerID)),
		startedAt: time.Now().UTC(),
	}
}

func (c *Consumer) ID() string { return c.cfg.ConsumerID }

// Run consumes until ctx is cancelled. The delivery in hand is finished
// first; anything received but unacked is redelivered by the transport.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started",
		zap.Int("batch_size", c.cfg.BatchSize),
		zap.Duration("poll_interval", c.cfg.PollInterval))

	for {
		if ctx.Err() != nil {
			c.shutdown()
			return nil
		}

		result, err := c.ProcessBatch(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Error("consumer cycle failed", zap.Error(err))
		}
		if result.Received > 0 && err == nil {
			continue
		}

		if serr := backoff.SleepWithContext(ctx, c.cfg.PollInterval); serr != nil {
			c.shutdown()
			return nil
		}
	}
}

func (c *Consumer) shutdown() {
	c.heartbeat(context.Background(), models.PresenceDraining)
	if c.presence != nil {
		if err := c.presence.Remove(context.Background(), c.cfg.ConsumerID); err != nil {
			c.logger.Warn("failed to remove consumer presence", zap.Error(err))
		}
	}
	c.logger.Info("consumer stopped", zap.Int64("processed", c.processed.Load()))
}

// ProcessBatch runs one receive cycle.
func (c *Consumer) ProcessBatch(ctx context.Context) (BatchResult, error) {
	var result BatchResult

	c.heartbeat(ctx, models.PresenceIdle)

	deliveries, err := c.transport.Receive(ctx, c.cfg.BatchSize, c.cfg.PollInterval)
	if err != nil {
		if ctx.Err() != nil {
			return result, nil
		}
		return result, fmt.Errorf("failed to receive: %w", err)
	}
	result.Received = len(deliveries)
	if len(deliveries) == 0 {
		return result, nil
	}

	c.heartbeat(ctx, models.PresenceBusy)

	// In-flight deliveries finish even when ctx is cancelled mid-batch.
	work := context.WithoutCancel(ctx)
	for i, d := range deliveries {
		if i > 0 && ctx.Err() != nil {
			result.Unacked += len(deliveries) - i
			break
		}
		o, err := c.handleDelivery(work, d)
		if err != nil {
			c.logger.Error("delivery left unacknowledged",
				zap.String("delivery_id", d.ID),
				zap.String("event_id", d.EventID.String()),
				zap.Error(err))
			o = outcomeUnacked
		}
		result.add(o)
		c.processed.Add(1)
	}
	return result, nil
}

func (c *Consumer) heartbeat(ctx context.Context, status models.PresenceStatus) {
	if c.presence == nil {
		return
	}
	err := c.presence.Heartbeat(ctx, &models.ConsumerPresence{
		ConsumerID: c.cfg.ConsumerID,
		Hostname:   hostname(),
		Transport:  c.cfg.Transport,
		Status:     status,
		Processed:  c.processed.Load(),
		StartedAt:  c.startedAt,
	})
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("heartbeat failed", zap.Error(err))
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, d queue.Delivery) (outcome, error) {
	ctx, span := tracing.Tracer().Start(ctx, "consumer.handle", trace.WithAttributes(
		attribute.String("delivery_id", d.ID),
		attribute.String("event_id", d.EventID.String()),
	))
	defer span.End()

	log := c.logger.With(zap.String("delivery_id", d.ID), zap.String("event_id", d.EventID.String()))

	if d.EventID == uuid.Nil {
		log.Warn("undecodable message")
		return c.deadLetter(ctx, d, "undecodable message", "")
	}

	stored, err := c.events.GetByID(ctx, d.EventID)
	if errors.Is(err, repositories.ErrNotFound) {
		log.Warn("message references an unknown event")
		return c.deadLetter(ctx, d, "unknown event", "")
	}
	if err != nil {
		return "", fmt.Errorf("failed to load event: %w", err)
	}

	switch {
	case stored.Status.IsTerminal():
		log.Debug("duplicate delivery of a finished event", zap.String("status", string(stored.Status)))
		return outcomeDiscarded, c.ack(ctx, d)
	case stored.Status == models.StatusPending:
		// The relay enqueued the row but has not marked it yet.
		return outcomeDeferred, c.transport.Requeue(ctx, d, c.cfg.DeferDelay)
	}

	event, err := c.events.MarkProcessing(ctx, d.EventID, c.cfg.ProcessingTimeout)
	if errors.Is(err, repositories.ErrTransitionRejected) {
		log.Debug("event claimed by another consumer")
		return outcomeUnacked, nil
	}
	if errors.Is(err, repositories.ErrNotFound) {
		return c.deadLetter(ctx, d, "unknown event", "")
	}
	if err != nil {
		return "", fmt.Errorf("failed to claim event: %w", err)
	}

	span.SetAttributes(
		attribute.String("entity", event.Ref().String()),
		attribute.Int64("source_version", event.SourceVersion))

	o, err := c.process(ctx, d, event)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.EventsProcessed.WithLabelValues(string(event.EntityType), string(o)).Inc()
	return o, err
}

func (c *Consumer) process(ctx context.Context, d queue.Delivery, event *models.SyncEvent) (outcome, error) {
	ref := event.Ref()
	log := c.logger.With(
		zap.String("event_id", event.EventID.String()),
		zap.String("event_type", string(event.EventType)),
		zap.String("entity", ref.String()),
		zap.Int64("source_version", event.SourceVersion))

	handler, err := c.registry.Handler(event.EventType, event.EntityType)
	if err != nil {
		log.Info("no handler for event, skipping")
		if err := c.events.MarkSkipped(ctx, event.EventID, err.Error()); err != nil {
			return "", err
		}
		c.refreshPending(ctx, ref)
		return outcomeSkipped, c.ack(ctx, d)
	}

	payload, err := handler.Decode(event.Payload)
	if err != nil {
		return c.fail(ctx, d, event, err, "schema")
	}

	applyCtx, cancel := context.WithTimeout(ctx, c.cfg.ApplyTimeout)
	result, err := c.decideAndApply(applyCtx, event, payload)
	cancel()

	switch {
	case err == nil:
	case models.IsOrderingDeferral(err):
		log.Debug("earlier version not applied yet, deferring", zap.Error(err))
		if err := c.events.Release(ctx, event.EventID, err.Error()); err != nil {
			return "", err
		}
		metrics.EventDeferrals.WithLabelValues(string(event.EntityType)).Inc()
		return outcomeDeferred, c.transport.Requeue(ctx, d, c.cfg.DeferDelay)
	case models.IsVersionConflict(err):
		return c.conflict(ctx, d, event, payload, err)
	case models.IsSchemaError(err):
		return c.fail(ctx, d, event, err, "schema")
	default:
		return c.retry(ctx, d, event, err)
	}

	switch result {
	case outcomeSuperseded:
		log.Debug("target already at a newer version, skipping")
		if err := c.events.MarkSkipped(ctx, event.EventID, "superseded by a newer version"); err != nil {
			return "", err
		}
		c.refreshPending(ctx, ref)
		return outcomeSkipped, c.ack(ctx, d)
	default:
		if err := c.events.MarkCompleted(ctx, event.EventID); err != nil {
			return "", err
		}
		c.refreshPending(ctx, ref)
		c.observeLatency(event)
		if result == outcomeAlreadyApplied {
			log.Debug("event already reflected in target")
		} else {
			log.Debug("event applied")
		}
		return outcomeCompleted, c.ack(ctx, d)
	}
}

func (c *Consumer) conflict(ctx context.Context, d queue.Delivery, event *models.SyncEvent, payload *entities.Payload, cause error) (outcome, error) {
	ref := event.Ref()
	def := payload.Definition

	target, _, err := readTarget(ctx, c.graph, c.statuses, def, ref)
	if err != nil {
		return c.retry(ctx, d, event, err)
	}

	eventID := event.EventID
	conflict, err := c.resolver.Detect(ctx, DetectInput{
		Ref:           ref,
		SourceVersion: event.SourceVersion,
		TargetVersion: target.version,
		SourceData:    payload.Fields,
		TargetData:    target.data(),
		EventID:       &eventID,
		DetectedBy:    models.DetectedByConsumer,
	})
	if err != nil {
		return c.retry(ctx, d, event, err)
	}

	c.logger.Warn("version conflict detected",
		zap.String("event_id", event.EventID.String()),
		zap.String("entity", ref.String()),
		zap.String("conflict_id", conflict.ID.String()),
		zap.Error(cause))

	if err := c.events.MarkSkipped(ctx, event.EventID, cause.Error()); err != nil {
		return "", err
	}
	c.refreshPending(ctx, ref)
	return outcomeConflict, c.ack(ctx, d)
}

// retry applies the counter-guarded retry transition and requeues with
// backoff, or fails the event once max_retries is reached.
func (c *Consumer) retry(ctx context.Context, d queue.Delivery, event *models.SyncEvent, cause error) (outcome, error) {
	next, attempt := event.RetryOutcome()
	if next == models.StatusFailed {
		return c.failWith(ctx, d, event, cause, "max_retries", func() error {
			return c.events.MarkRetry(ctx, event.EventID, event.RetryCount, next, cause.Error())
		})
	}

	if err := c.events.MarkRetry(ctx, event.EventID, event.RetryCount, next, cause.Error()); err != nil {
		return "", err
	}
	c.recordError(ctx, event.Ref(), cause)
	metrics.EventRetries.WithLabelValues(string(event.EntityType)).Inc()

	delay := c.cfg.Retry.Delay(event.RetryCount)
	c.logger.Warn("transient failure, retrying",
		zap.String("event_id", event.EventID.String()),
		zap.String("entity", event.Ref().String()),
		zap.Int("retry_count", attempt),
		zap.Int("max_retries", event.MaxRetries),
		zap.Duration("delay", delay),
		zap.Error(cause))
	return outcomeRetried, c.transport.Requeue(ctx, d, delay)
}

func (c *Consumer) fail(ctx context.Context, d queue.Delivery, event *models.SyncEvent, cause error, reason string) (outcome, error) {
	return c.failWith(ctx, d, event, cause, reason, func() error {
		return c.events.MarkFailed(ctx, event.EventID, cause.Error())
	})
}

func (c *Consumer) failWith(ctx context.Context, d queue.Delivery, event *models.SyncEvent, cause error, reason string, transition func() error) (outcome, error) {
	if err := transition(); err != nil {
		return "", err
	}
	c.recordError(ctx, event.Ref(), cause)

	metrics.EventsFailed.WithLabelValues(string(event.EntityType), reason).Inc()
	c.logger.Error("event failed",
		zap.String("event_id", event.EventID.String()),
		zap.String("entity", event.Ref().String()),
		zap.String("reason", reason),
		zap.Int("retry_count", event.RetryCount),
		zap.Error(cause))

	if _, err := c.deadLetter(ctx, d, reason, cause.Error()); err != nil {
		return "", err
	}
	return outcomeFailed, nil
}

func (c *Consumer) deadLetter(ctx context.Context, d queue.Delivery, reason, detail string) (outcome, error) {
	if detail != "" {
		reason = reason + ": " + detail
	}
	if err := c.transport.DeadLetter(ctx, d, reason); err != nil {
		return "", fmt.Errorf("failed to dead-letter: %w", err)
	}
	metrics.DeadLetters.WithLabelValues(deadLetterLabel(reason)).Inc()
	return outcomeDeadLettered, nil
}

func (c *Consumer) ack(ctx context.Context, d queue.Delivery) error {
	if err := c.transport.Ack(ctx, d); err != nil {
		return fmt.Errorf("failed to ack: %w", err)
	}
	return nil
}

func (c *Consumer) recordError(ctx context.Context, ref models.EntityRef, cause error) {
	err := c.statuses.RecordError(ctx, ref, cause.Error())
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		c.logger.Warn("failed to record sync error", zap.String("entity", ref.String()), zap.Error(err))
	}
}

func (c *Consumer) refreshPending(ctx context.Context, ref models.EntityRef) {
	if err := c.statuses.RefreshPending(ctx, ref); err != nil {
		c.logger.Warn("failed to refresh pending flag", zap.String("entity", ref.String()), zap.Error(err))
	}
}

func (c *Consumer) observeLatency(event *models.SyncEvent) {
	metrics.ProcessingLatency.WithLabelValues(string(event.EntityType)).Observe(time.Since(event.CreatedAt).Seconds())
}

// deadLetterLabel keeps the metric label set small.
func deadLetterLabel(reason string) string {
	for _, known := range []string{"undecodable message", "unknown event", "schema", "max_retries"} {
		if strings.HasPrefix(reason, known) {
			return known
		}
	}
	return "other"
}

// DefaultConsumerName identifies this process when no consumer name is configured.
func DefaultConsumerName() string {
	return fmt.Sprintf("%s-%s", hostname(), uuid.NewString()[:8])
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
