package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/graphsync/internal/models"
	"github.com/prudhvinik1/graphsync/internal/repositories"
)

const latencyWindow = time.Hour

type Stats struct {
	EventsByStatus       map[models.EventStatus]int64 `json:"events_by_status"`
	Pending              int64                        `json:"pending"`
	Failed               int64                        `json:"failed"`
	StuckPending         int64                        `json:"stuck_pending"`
	UnsyncedEntities     int64                        `json:"unsynced_entities"`
	OpenConflicts        int64                        `json:"open_conflicts"`
	AvgProcessingLatency time.Duration                `json:"avg_processing_latency_ns"`
	Consumers            []*models.ConsumerPresence   `json:"consumers"`
	LastRun              *models.ReconciliationRun    `json:"last_run,omitempty"`
}

// Monitor answers the operational queries behind /v1/stats and syncctl.
type Monitor struct {
	events     repositories.SyncEventRepository
	statuses   repositories.SyncStatusRepository
	conflicts  repositories.ConflictRepository
	runs       repositories.ReconciliationRunRepository
	presence   repositories.ConsumerPresenceRepository
	stuckAfter time.Duration
}

func NewMonitor(
	events repositories.SyncEventRepository,
	statuses repositories.SyncStatusRepository,
	conflicts repositories.ConflictRepository,
	runs repositories.ReconciliationRunRepository,
	presence repositories.ConsumerPresenceRepository,
	stuckAfter time.Duration,
) *Monitor {
	return &Monitor{
		events:     events,
		statuses:   statuses,
		conflicts:  conflicts,
		runs:       runs,
		presence:   presence,
		stuckAfter: stuckAfter,
	}
}

func (m *Monitor) Stats(ctx context.Context) (*Stats, error) {
	counts, err := m.events.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		EventsByStatus: counts,
		Pending:        counts[models.StatusPending],
		Failed:         counts[models.StatusFailed],
		Consumers:      []*models.ConsumerPresence{},
	}

	if stats.StuckPending, err = m.events.CountStuckPending(ctx, m.stuckAfter); err != nil {
		return nil, err
	}
	if stats.UnsyncedEntities, err = m.statuses.CountUnsynced(ctx); err != nil {
		return nil, err
	}
	if stats.OpenConflicts, err = m.conflicts.CountOpen(ctx); err != nil {
		return nil, err
	}
	if stats.AvgProcessingLatency, err = m.events.AverageProcessingLatency(ctx, time.Now().Add(-latencyWindow)); err != nil {
		return nil, err
	}

	if m.presence != nil {
		consumers, err := m.presence.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		stats.Consumers = consumers
	}

	runs, err := m.runs.ListRecent(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) > 0 {
		stats.LastRun = runs[0]
	}
	return stats, nil
}

func (m *Monitor) ListEvents(ctx context.Context, status models.EventStatus, limit int) ([]*models.SyncEvent, error) {
	return m.events.ListByStatus(ctx, status, limit)
}

func (m *Monitor) Event(ctx context.Context, eventID uuid.UUID) (*models.SyncEvent, error) {
	return m.events.GetByID(ctx, eventID)
}

func (m *Monitor) Trace(ctx context.Context, correlationID uuid.UUID) ([]*models.SyncEvent, error) {
	return m.events.ListByCorrelationID(ctx, correlationID)
}

func (m *Monitor) EntityStatus(ctx context.Context, ref models.EntityRef) (*models.SyncStatus, error) {
	return m.statuses.Get(ctx, ref)
}

func (m *Monitor) PendingEntities(ctx context.Context, limit int) ([]*models.SyncStatus, error) {
	return m.statuses.ListPending(ctx, limit)
}

func (m *Monitor) Conflicts(ctx context.Context, status models.ResolutionStatus, limit int) ([]*models.SyncConflict, error) {
	if status == "" {
		return m.conflicts.ListOpen(ctx, limit)
	}
	return m.conflicts.ListByStatus(ctx, status, limit)
}

func (m *Monitor) Conflict(ctx context.Context, id uuid.UUID) (*models.SyncConflict, error) {
	return m.conflicts.GetByID(ctx, id)
}

func (m *Monitor) Runs(ctx context.Context, limit int) ([]*models.ReconciliationRun, error) {
	return m.runs.ListRecent(ctx, limit)
}

func (m *Monitor) Run(ctx context.Context, id uuid.UUID) (*models.ReconciliationRun, error) {
	run, err := m.runs.GetByID(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("reconciliation run %s: %w", id, err)
	}
	return run, err
}
