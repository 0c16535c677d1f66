package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/graphsync/internal/models"
	"github.com/prudhvinik1/graphsync/internal/utils"
)

const eventColumns = `event_id, correlation_id, event_type, entity_id, entity_type, payload, source_version,
	status, retry_count, max_retries, repair, COALESCE(message_id, ''), publish_attempts, COALESCE(last_error, ''),
	created_at, published_at, processing_started_at, completed_at`

const nonTerminalStatuses = `('PENDING', 'PUBLISHED', 'PROCESSING')`

type rowScanner interface {
	Scan(dest ...any) error
}

type PostgresSyncEventRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresSyncEventRepository(pool *pgxpool.Pool) *PostgresSyncEventRepository {
	return &PostgresSyncEventRepository{pool: pool}
}

// CreateWithTx inserts the outbox row inside the caller's transaction so it
// commits or rolls back with the business write.
func (r *PostgresSyncEventRepository) CreateWithTx(ctx context.Context, tx pgx.Tx, event *models.SyncEvent) error {
	query := `INSERT INTO sync_event_log
	          (event_id, correlation_id, event_type, entity_id, entity_type, payload, source_version,
	           status, retry_count, max_retries, repair, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := tx.Exec(ctx, query,
		event.EventID,
		event.CorrelationID,
		string(event.EventType),
		event.EntityID,
		string(event.EntityType),
		[]byte(event.Payload),
		event.SourceVersion,
		string(event.Status),
		event.RetryCount,
		event.MaxRetries,
		event.Repair,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync event: %w", err)
	}
	return nil
}

func (r *PostgresSyncEventRepository) GetByID(ctx context.Context, eventID uuid.UUID) (*models.SyncEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM sync_event_log WHERE event_id = $1`

	event, err := scanEvent(r.pool.QueryRow(ctx, query, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync event: %w", err)
	}
	return event, nil
}

func (r *PostgresSyncEventRepository) ListByCorrelationID(ctx context.Context, correlationID uuid.UUID) ([]*models.SyncEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM sync_event_log
	          WHERE correlation_id = $1
	          ORDER BY created_at ASC`

	return r.queryEvents(ctx, query, correlationID)
}

func (r *PostgresSyncEventRepository) ListByStatus(ctx context.Context, status models.EventStatus, limit int) ([]*models.SyncEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM sync_event_log
	          WHERE status = $1
	          ORDER BY created_at ASC
	          LIMIT $2`

	return r.queryEvents(ctx, query, string(status), limit)
}

func (r *PostgresSyncEventRepository) ListPending(ctx context.Context, limit int) ([]*models.SyncEvent, error) {
	return r.ListByStatus(ctx, models.StatusPending, limit)
}

func (r *PostgresSyncEventRepository) ListNonTerminalForEntity(ctx context.Context, ref models.EntityRef) ([]*models.SyncEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM sync_event_log
	          WHERE entity_type = $1 AND entity_id = $2 AND status IN ` + nonTerminalStatuses + `
	          ORDER BY source_version ASC, created_at ASC`

	return r.queryEvents(ctx, query, string(ref.Type), ref.ID)
}

func (r *PostgresSyncEventRepository) MarkPublished(ctx context.Context, eventID uuid.UUID, messageID string) error {
	query := `UPDATE sync_event_log
	          SET status = 'PUBLISHED', message_id = $2, published_at = now(), last_error = NULL
	          WHERE event_id = $1 AND status = 'PENDING'`

	return r.transition(ctx, "mark event published", query, eventID, messageID)
}

// RecordPublishFailure keeps the row PENDING for the next relay pass.
func (r *PostgresSyncEventRepository) RecordPublishFailure(ctx context.Context, eventID uuid.UUID, errMsg string) error {
	query := `UPDATE sync_event_log
	          SET publish_attempts = publish_attempts + 1, last_error = $2
	          WHERE event_id = $1 AND status = 'PENDING'`

	return r.transition(ctx, "record publish failure", query, eventID, utils.TruncateError(errMsg))
}

func (r *PostgresSyncEventRepository) MarkProcessing(ctx context.Context, eventID uuid.UUID, reclaimAfter time.Duration) (*models.SyncEvent, error) {
	query := `UPDATE sync_event_log
	          SET status = 'PROCESSING', processing_started_at = now()
	          WHERE event_id = $1
	            AND (status = 'PUBLISHED'
	                 OR (status = 'PROCESSING' AND processing_started_at < now() - make_interval(secs => $2)))
	          RETURNING ` + eventColumns

	event, err := scanEvent(r.pool.QueryRow(ctx, query, eventID, reclaimAfter.Seconds()))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetByID(ctx, eventID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrTransitionRejected
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark event processing: %w", err)
	}
	return event, nil
}

func (r *PostgresSyncEventRepository) MarkCompleted(ctx context.Context, eventID uuid.UUID) error {
	query := `UPDATE sync_event_log
	          SET status = 'COMPLETED', completed_at = now(), last_error = NULL
	          WHERE event_id = $1 AND status = 'PROCESSING'`

	return r.transition(ctx, "mark event completed", query, eventID)
}

func (r *PostgresSyncEventRepository) MarkSkipped(ctx context.Context, eventID uuid.UUID, reason string) error {
	query := `UPDATE sync_event_log
	          SET status = 'SKIPPED', completed_at = now(), last_error = $2
	          WHERE event_id = $1 AND status = 'PROCESSING'`

	return r.transition(ctx, "mark event skipped", query, eventID, utils.TruncateError(reason))
}

func (r *PostgresSyncEventRepository) MarkFailed(ctx context.Context, eventID uuid.UUID, errMsg string) error {
	query := `UPDATE sync_event_log
	          SET status = 'FAILED', completed_at = now(), last_error = $2
	          WHERE event_id = $1 AND status = 'PROCESSING'`

	return r.transition(ctx, "mark event failed", query, eventID, utils.TruncateError(errMsg))
}

func (r *PostgresSyncEventRepository) MarkRetry(ctx context.Context, eventID uuid.UUID, expectedRetryCount int, next models.EventStatus, errMsg string) error {
	if next != models.StatusPublished && next != models.StatusFailed {
		return fmt.Errorf("%w: retry cannot move to %s", models.ErrInvalidTransition, next)
	}

	query := `UPDATE sync_event_log
	          SET status = $3,
	              retry_count = retry_count + 1,
	              last_error = $4,
	              processing_started_at = NULL,
	              completed_at = CASE WHEN $3 = 'FAILED' THEN now() ELSE NULL END
	          WHERE event_id = $1 AND status = 'PROCESSING' AND retry_count = $2`

	return r.transition(ctx, "mark event retry", query, eventID, expectedRetryCount, string(next), utils.TruncateError(errMsg))
}

func (r *PostgresSyncEventRepository) Release(ctx context.Context, eventID uuid.UUID, reason string) error {
	query := `UPDATE sync_event_log
	          SET status = 'PUBLISHED', processing_started_at = NULL, last_error = $2
	          WHERE event_id = $1 AND status = 'PROCESSING'`

	return r.transition(ctx, "release event", query, eventID, utils.TruncateError(reason))
}

// SupersedeStale closes rows whose queue message can no longer be relied on.
// A PROCESSING row also needs an old claim so a live consumer keeps its event.
func (r *PostgresSyncEventRepository) SupersedeStale(ctx context.Context, ref models.EntityRef, olderThan time.Duration, reason string) (int64, error) {
	query := `UPDATE sync_event_log
	          SET status = 'SKIPPED', completed_at = now(), last_error = $4
	          WHERE entity_type = $1 AND entity_id = $2
	            AND status IN ('PUBLISHED', 'PROCESSING')
	            AND created_at < now() - make_interval(secs => $3)
	            AND (processing_started_at IS NULL OR processing_started_at < now() - make_interval(secs => $3))`

	result, err := r.pool.Exec(ctx, query, string(ref.Type), ref.ID, olderThan.Seconds(), utils.TruncateError(reason))
	if err != nil {
		return 0, fmt.Errorf("failed to supersede stale events: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *PostgresSyncEventRepository) CountByStatus(ctx context.Context) (map[models.EventStatus]int64, error) {
	query := `SELECT status, COUNT(*) FROM sync_event_log GROUP BY status`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.EventStatus]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan event count: %w", err)
		}
		counts[models.EventStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event counts: %w", err)
	}
	return counts, nil
}

func (r *PostgresSyncEventRepository) CountStuckPending(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `SELECT COUNT(*) FROM sync_event_log
	          WHERE status = 'PENDING' AND created_at < now() - make_interval(secs => $1)`

	var count int64
	if err := r.pool.QueryRow(ctx, query, olderThan.Seconds()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count stuck events: %w", err)
	}
	return count, nil
}

// AverageProcessingLatency averages created_at -> completed_at over events
// completed since the given time.
func (r *PostgresSyncEventRepository) AverageProcessingLatency(ctx context.Context, since time.Time) (time.Duration, error) {
	query := `SELECT COALESCE(EXTRACT(EPOCH FROM AVG(completed_at - created_at)), 0)::float8
	          FROM sync_event_log
	          WHERE status = 'COMPLETED' AND completed_at >= $1`

	var seconds float64
	if err := r.pool.QueryRow(ctx, query, since).Scan(&seconds); err != nil {
		return 0, fmt.Errorf("failed to compute processing latency: %w", err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func (r *PostgresSyncEventRepository) transition(ctx context.Context, op, query string, args ...any) error {
	result, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if result.RowsAffected() == 0 {
		return ErrTransitionRejected
	}
	return nil
}

func (r *PostgresSyncEventRepository) queryEvents(ctx context.Context, query string, args ...any) ([]*models.SyncEvent, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync events: %w", err)
	}
	defer rows.Close()

	var events []*models.SyncEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync events: %w", err)
	}
	return events, nil
}

func scanEvent(row rowScanner) (*models.SyncEvent, error) {
	var event models.SyncEvent
	var eventType, entityType, status string
	var payload []byte

	err := row.Scan(
		&event.EventID,
		&event.CorrelationID,
		&eventType,
		&event.EntityID,
		&entityType,
		&payload,
		&event.SourceVersion,
		&status,
		&event.RetryCount,
		&event.MaxRetries,
		&event.Repair,
		&event.MessageID,
		&event.PublishAttempts,
		&event.LastError,
		&event.CreatedAt,
		&event.PublishedAt,
		&event.ProcessingStartedAt,
		&event.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	event.EventType = models.EventType(eventType)
	event.EntityType = models.EntityType(entityType)
	event.Status = models.EventStatus(status)
	event.Payload = payload
	return &event, nil
}
