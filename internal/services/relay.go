package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prudhvinik1/graphsync/internal/backoff"
	"github.com/prudhvinik1/graphsync/internal/lock"
	"github.com/prudhvinik1/graphsync/internal/metrics"
	"github.com/prudhvinik1/graphsync/internal/models"
	"github.com/prudhvinik1/graphsync/internal/queue"
	"github.com/prudhvinik1/graphsync/internal/repositories"
	"go.uber.org/zap"
)

const (
	relayLockName       = "relay"
	defaultRelayLockTTL = 30 * time.Second
)

type RelayConfig struct {
	Interval   time.Duration
	BatchSize  int
	StuckAfter time.Duration
	// PublishAttempts bounds the in-call retries for one event.
	PublishAttempts int
	Backoff         backoff.Policy
	// LockTTL bounds one dispatch pass. Publishing stops with a fifth of it
	// left; the remaining rows wait for the next pass.
	LockTTL time.Duration
}

func (c RelayConfig) publishBudget() time.Duration {
	return c.LockTTL - c.LockTTL/5
}

type DispatchResult struct {
	Published int
	Failed    int
	Stuck     int64
	// Skipped is set when another instance holds the relay lock.
	Skipped bool
}

// Relay moves committed PENDING outbox rows onto the queue.
type Relay struct {
	events    repositories.SyncEventRepository
	transport queue.Transport
	locker    lock.Locker
	cfg       RelayConfig
	logger    *zap.Logger

	wake chan struct{}
}

func NewRelay(events repositories.SyncEventRepository, transport queue.Transport, locker lock.Locker, cfg RelayConfig, logger *zap.Logger) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PublishAttempts <= 0 {
		cfg.PublishAttempts = 3
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = backoff.Policy{Base: 100 * time.Millisecond, Max: 2 * time.Second, Jitter: true}
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultRelayLockTTL
	}
	return &Relay{
		events:    events,
		transport: transport,
		locker:    locker,
		cfg:       cfg,
		logger:    logger.Named("relay"),
		wake:      make(chan struct{}, 1),
	}
}

// Notify wakes Run for an immediate dispatch. It never blocks.
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("relay started", zap.Duration("interval", r.cfg.Interval))

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		result, err := r.DispatchOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("relay dispatch failed", zap.Error(err))
		}
		// A full batch means more rows are probably waiting.
		if err == nil && result.Published == r.cfg.BatchSize {
			continue
		}

		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return nil
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// DispatchOnce publishes one batch of PENDING rows in creation order.
func (r *Relay) DispatchOnce(ctx context.Context) (DispatchResult, error) {
	var result DispatchResult

	unlock, ok, err := r.locker.TryLock(ctx, relayLockName, r.cfg.LockTTL)
	if err != nil {
		return result, err
	}
	if !ok {
		result.Skipped = true
		return result, nil
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("failed to release relay lock", zap.Error(err))
		}
	}()

	// No publish may outlive the lock, or a second relay could take it and
	// send the same rows.
	publishCtx, cancel := context.WithTimeout(ctx, r.cfg.publishBudget())
	defer cancel()

	pending, err := r.events.ListPending(ctx, r.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("failed to list pending events: %w", err)
	}

	for i, event := range pending {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if publishCtx.Err() != nil {
			r.logger.Debug("relay lock budget spent, deferring rest of batch",
				zap.Int("remaining", len(pending)-i))
			break
		}
		if r.dispatch(publishCtx, event) {
			result.Published++
		} else {
			result.Failed++
		}
	}

	stuck, err := r.events.CountStuckPending(ctx, r.cfg.StuckAfter)
	if err != nil {
		r.logger.Warn("failed to count stuck events", zap.Error(err))
	} else {
		result.Stuck = stuck
		metrics.StuckPending.Set(float64(stuck))
		if stuck > 0 {
			r.logger.Warn("outbox events stuck in PENDING",
				zap.Int64("count", stuck),
				zap.Duration("older_than", r.cfg.StuckAfter))
		}
	}

	if result.Published > 0 || result.Failed > 0 {
		r.logger.Debug("relay batch dispatched",
			zap.Int("published", result.Published),
			zap.Int("failed", result.Failed))
	}
	return result, nil
}

func (r *Relay) dispatch(ctx context.Context, event *models.SyncEvent) bool {
	log := r.logger.With(
		zap.String("event_id", event.EventID.String()),
		zap.String("entity", event.Ref().String()))

	var (
		messageID string
		err       error
	)
	for attempt := 0; attempt < r.cfg.PublishAttempts; attempt++ {
		if attempt > 0 {
			if serr := r.cfg.Backoff.Sleep(ctx, attempt-1); serr != nil {
				err = serr
				break
			}
		}
		messageID, err = r.transport.Publish(ctx, event)
		if err == nil {
			break
		}
		log.Warn("failed to enqueue event", zap.Int("attempt", attempt+1), zap.Error(err))
	}

	if err != nil {
		metrics.EventsPublished.WithLabelValues("failed").Inc()
		if rerr := r.events.RecordPublishFailure(context.WithoutCancel(ctx), event.EventID, err.Error()); rerr != nil {
			log.Error("failed to record publish failure", zap.Error(rerr))
		}
		return false
	}

	if err := r.events.MarkPublished(context.WithoutCancel(ctx), event.EventID, messageID); err != nil {
		// The message is on the queue either way; consumers de-duplicate.
		if errors.Is(err, repositories.ErrTransitionRejected) {
			log.Debug("event already left PENDING")
			return true
		}
		log.Error("event enqueued but not marked published", zap.Error(err))
		return false
	}

	metrics.EventsPublished.WithLabelValues("published").Inc()
	return true
}
