// Package scheduler runs periodic jobs, reconciliation among them, on cron
// schedules with a seconds field.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prudhvinik1/graphsync/internal/models"
	"github.com/prudhvinik1/graphsync/internal/services"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultTaskTimeout = time.Hour

// TaskFunc is one scheduled unit of work.
type TaskFunc func(ctx context.Context) error

// Scheduler wraps robfig/cron. Overlapping runs of the same task are skipped.
type Scheduler struct {
	cron        *cron.Cron
	logger      *zap.Logger
	taskTimeout time.Duration

	mu    sync.Mutex
	tasks map[string]cron.EntryID
	base  context.Context
}

func New(logger *zap.Logger, taskTimeout time.Duration) *Scheduler {
	if taskTimeout <= 0 {
		taskTimeout = defaultTaskTimeout
	}
	return &Scheduler{
		cron:        cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:      logger.Named("scheduler"),
		taskTimeout: taskTimeout,
		tasks:       make(map[string]cron.EntryID),
		base:        context.Background(),
	}
}

// AddCronTask registers task under name, replacing any task of that name.
// Schedule format: "second minute hour day-of-month month day-of-week".
func (s *Scheduler) AddCronTask(name, schedule string, task TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.tasks[name]; ok {
		s.cron.Remove(id)
		delete(s.tasks, name)
	}

	id, err := s.cron.AddFunc(schedule, func() { s.runTask(name, task) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", schedule, name, err)
	}
	s.tasks[name] = id

	s.logger.Info("scheduled task added", zap.String("name", name), zap.String("schedule", schedule))
	return nil
}

// Next reports when name runs next.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Run starts the cron loop and blocks until ctx is cancelled, then waits for
// running tasks to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.base = ctx
	count := len(s.tasks)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("tasks", count))

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) runTask(name string, task TaskFunc) {
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(base, s.taskTimeout)
	defer cancel()

	started := time.Now()
	s.logger.Debug("running scheduled task", zap.String("name", name))

	if err := task(ctx); err != nil {
		s.logger.Error("scheduled task failed",
			zap.String("name", name),
			zap.Duration("duration", time.Since(started)),
			zap.Error(err))
		return
	}
	s.logger.Debug("scheduled task completed",
		zap.String("name", name),
		zap.Duration("duration", time.Since(started)))
}

type Reconciliation interface {
	RunFullReconciliation(ctx context.Context, opts services.ReconcileOptions) (*models.ReconciliationRun, error)
}

// ReconcileTask runs a full reconciliation. A run already held by another
// instance is not an error.
func ReconcileTask(r Reconciliation, logger *zap.Logger) TaskFunc {
	return func(ctx context.Context) error {
		run, err := r.RunFullReconciliation(ctx, services.ReconcileOptions{})
		if errors.Is(err, services.ErrReconciliationRunning) {
			logger.Info("reconciliation already running elsewhere, skipping")
			return nil
		}
		if err != nil {
			return err
		}
		logger.Info("scheduled reconciliation finished",
			zap.String("run_id", run.ID.String()),
			zap.Int("inconsistencies", run.InconsistenciesFound))
		return nil
	}
}
