package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prudhvinik1/graphsync/internal/models"
)

// SyncEventRepository is the outbox. Each status method is guarded by the
// status it transitions from and returns ErrTransitionRejected when the row
// has moved on.
type SyncEventRepository interface {
	CreateWithTx(ctx context.Context, tx pgx.Tx, event *models.SyncEvent) error
	GetByID(ctx context.Context, eventID uuid.UUID) (*models.SyncEvent, error)
	ListByCorrelationID(ctx context.Context, correlationID uuid.UUID) ([]*models.SyncEvent, error)
	ListByStatus(ctx context.Context, status models.EventStatus, limit int) ([]*models.SyncEvent, error)
	ListNonTerminalForEntity(ctx context.Context, ref models.EntityRef) ([]*models.SyncEvent, error)

	// ListPending returns up to limit PENDING rows in creation order.
	ListPending(ctx context.Context, limit int) ([]*models.SyncEvent, error)
	MarkPublished(ctx context.Context, eventID uuid.UUID, messageID string) error
	RecordPublishFailure(ctx context.Context, eventID uuid.UUID, errMsg string) error

	// MarkProcessing claims a PUBLISHED row, or a PROCESSING row whose claim
	// is older than reclaimAfter.
	MarkProcessing(ctx context.Context, eventID uuid.UUID, reclaimAfter time.Duration) (*models.SyncEvent, error)
	MarkCompleted(ctx context.Context, eventID uuid.UUID) error
	MarkSkipped(ctx context.Context, eventID uuid.UUID, reason string) error
	MarkFailed(ctx context.Context, eventID uuid.UUID, errMsg string) error
	// MarkRetry applies the counter-guarded retry transition: it only matches
	// while the row still has expectedRetryCount.
	MarkRetry(ctx context.Context, eventID uuid.UUID, expectedRetryCount int, next models.EventStatus, errMsg string) error
	// Release hands a PROCESSING row back to PUBLISHED without counting a retry.
	Release(ctx context.Context, eventID uuid.UUID, reason string) error
	// SupersedeStale skips the PUBLISHED and PROCESSING rows of ref that have
	// been idle longer than olderThan and returns how many it closed.
	SupersedeStale(ctx context.Context, ref models.EntityRef, olderThan time.Duration, reason string) (int64, error)

	CountByStatus(ctx context.Context) (map[models.EventStatus]int64, error)
	CountStuckPending(ctx context.Context, olderThan time.Duration) (int64, error)
	AverageProcessingLatency(ctx context.Context, since time.Time) (time.Duration, error)
}

type SyncStatusRepository interface {
	Get(ctx context.Context, ref models.EntityRef) (*models.SyncStatus, error)
	// EnsureWithTx creates the row on the first event for an entity and
	// raises source_version, inside the publishing transaction.
	EnsureWithTx(ctx context.Context, tx pgx.Tx, ref models.EntityRef, sourceVersion int64) error
	RecordSynced(ctx context.Context, ref models.EntityRef, version int64, checksum string) error
	RecordError(ctx context.Context, ref models.EntityRef, errMsg string) error
	RecordConflict(ctx context.Context, ref models.EntityRef) error
	ClearConflict(ctx context.Context, ref models.EntityRef) error
	RecordReconciled(ctx context.Context, ref models.EntityRef, sourceVersion int64, synced bool) error
	RefreshPending(ctx context.Context, ref models.EntityRef) error
	ListPending(ctx context.Context, limit int) ([]*models.SyncStatus, error)
	CountUnsynced(ctx context.Context) (int64, error)
}

type ConflictRepository interface {
	Create(ctx context.Context, conflict *models.SyncConflict) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.SyncConflict, error)
	// GetOpen returns the newest DETECTED or MANUAL_REVIEW conflict.
	GetOpen(ctx context.Context, ref models.EntityRef) (*models.SyncConflict, error)
	ListByStatus(ctx context.Context, status models.ResolutionStatus, limit int) ([]*models.SyncConflict, error)
	ListOpen(ctx context.Context, limit int) ([]*models.SyncConflict, error)
	// UpdateResolution persists a closed conflict, guarded by the status it
	// was read with.
	UpdateResolution(ctx context.Context, conflict *models.SyncConflict, previous models.ResolutionStatus) error
	CountOpen(ctx context.Context) (int64, error)
}

type ReconciliationRunRepository interface {
	Create(ctx context.Context, run *models.ReconciliationRun) error
	Update(ctx context.Context, run *models.ReconciliationRun) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ReconciliationRun, error)
	ListRecent(ctx context.Context, limit int) ([]*models.ReconciliationRun, error)
}

// SourceRecord is the authoritative state of one entity in the relational store.
type SourceRecord struct {
	Ref     models.EntityRef
	Version int64
	Data    map[string]any
}

// SourceRepository reads and, for TARGET_WINS resolutions, writes the business
// tables of registered entity types.
type SourceRepository interface {
	Get(ctx context.Context, ref models.EntityRef) (*SourceRecord, error)
	// ListIDs pages through every id known for entityType, in the source table
	// or in sync_status, in ascending order after afterID.
	ListIDs(ctx context.Context, entityType models.EntityType, afterID string, limit int) ([]string, error)
	WriteBack(ctx context.Context, ref models.EntityRef, fields map[string]any, version int64) error
}

type ConsumerPresenceRepository interface {
	Heartbeat(ctx context.Context, presence *models.ConsumerPresence) error
	ListActive(ctx context.Context) ([]*models.ConsumerPresence, error)
	Remove(ctx context.Context, consumerID string) error
}
