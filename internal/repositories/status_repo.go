package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/graphsync/internal/models"
	"github.com/prudhvinik1/graphsync/internal/utils"
)

const statusColumns = `entity_id, entity_type, is_synced, last_synced_at, last_synced_version, source_version,
	target_version, target_checksum, has_pending_changes, has_conflict, conflict_count, COALESCE(last_error, ''),
	last_reconciled_at, created_at, updated_at`

// pendingExpr recomputes has_pending_changes from the outbox so the flag can
// never disagree with the event log.
const pendingExpr = `EXISTS (SELECT 1 FROM sync_event_log e
	WHERE e.entity_type = sync_status.entity_type AND e.entity_id = sync_status.entity_id
	  AND e.status IN ` + nonTerminalStatuses + `)`

type PostgresSyncStatusRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresSyncStatusRepository(pool *pgxpool.Pool) *PostgresSyncStatusRepository {
	return &PostgresSyncStatusRepository{pool: pool}
}

func (r *PostgresSyncStatusRepository) Get(ctx context.Context, ref models.EntityRef) (*models.SyncStatus, error) {
	query := `SELECT ` + statusColumns + ` FROM sync_status WHERE entity_type = $1 AND entity_id = $2`

	status, err := scanStatus(r.pool.QueryRow(ctx, query, string(ref.Type), ref.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync status: %w", err)
	}
	return status, nil
}

// EnsureWithTx must run after the outbox insert in the same transaction so the
// pending flag sees the new event.
func (r *PostgresSyncStatusRepository) EnsureWithTx(ctx context.Context, tx pgx.Tx, ref models.EntityRef, sourceVersion int64) error {
	query := `INSERT INTO sync_status (entity_type, entity_id, source_version, has_pending_changes, is_synced)
	          VALUES ($1, $2, $3, true, false)
	          ON CONFLICT (entity_type, entity_id) DO UPDATE
	          SET source_version = EXCLUDED.source_version,
	              has_pending_changes = true,
	              is_synced = false,
	              updated_at = now()
	          WHERE sync_status.source_version <= EXCLUDED.source_version
	          RETURNING entity_id`

	var id string
	err := tx.QueryRow(ctx, query, string(ref.Type), ref.ID, sourceVersion).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrStaleSourceVersion
	}
	if err != nil {
		return fmt.Errorf("failed to upsert sync status: %w", err)
	}
	return nil
}

func (r *PostgresSyncStatusRepository) RecordSynced(ctx context.Context, ref models.EntityRef, version int64, checksum string) error {
	query := `INSERT INTO sync_status (entity_type, entity_id, source_version, target_version, target_checksum,
	                                   last_synced_version, last_synced_at, is_synced)
	          VALUES ($1, $2, $3, $3, $4, $3, now(), true)
	          ON CONFLICT (entity_type, entity_id) DO UPDATE
	          SET source_version = GREATEST(sync_status.source_version, EXCLUDED.source_version),
	              target_version = EXCLUDED.target_version,
	              target_checksum = EXCLUDED.target_checksum,
	              last_synced_version = EXCLUDED.last_synced_version,
	              last_synced_at = now(),
	              is_synced = GREATEST(sync_status.source_version, EXCLUDED.source_version) <= EXCLUDED.target_version,
	              last_error = NULL,
	              updated_at = now()`

	if _, err := r.pool.Exec(ctx, query, string(ref.Type), ref.ID, version, checksum); err != nil {
		return fmt.Errorf("failed to record sync: %w", err)
	}
	return r.RefreshPending(ctx, ref)
}

func (r *PostgresSyncStatusRepository) RecordError(ctx context.Context, ref models.EntityRef, errMsg string) error {
	query := `UPDATE sync_status
	          SET last_error = $3, is_synced = false, has_pending_changes = ` + pendingExpr + `, updated_at = now()
	          WHERE entity_type = $1 AND entity_id = $2`

	return r.exec(ctx, "record sync error", query, string(ref.Type), ref.ID, utils.TruncateError(errMsg))
}

func (r *PostgresSyncStatusRepository) RecordConflict(ctx context.Context, ref models.EntityRef) error {
	query := `INSERT INTO sync_status (entity_type, entity_id, has_conflict, conflict_count, is_synced)
	          VALUES ($1, $2, true, 1, false)
	          ON CONFLICT (entity_type, entity_id) DO UPDATE
	          SET has_conflict = true,
	              conflict_count = sync_status.conflict_count + 1,
	              is_synced = false,
	              updated_at = now()`

	if _, err := r.pool.Exec(ctx, query, string(ref.Type), ref.ID); err != nil {
		return fmt.Errorf("failed to record conflict: %w", err)
	}
	return nil
}

// ClearConflict drops has_conflict unless another open conflict remains.
func (r *PostgresSyncStatusRepository) ClearConflict(ctx context.Context, ref models.EntityRef) error {
	query := `UPDATE sync_status
	          SET has_conflict = EXISTS (SELECT 1 FROM sync_conflicts c
	                  WHERE c.entity_type = sync_status.entity_type AND c.entity_id = sync_status.entity_id
	                    AND c.resolution_status IN ('DETECTED', 'MANUAL_REVIEW')),
	              updated_at = now()
	          WHERE entity_type = $1 AND entity_id = $2`

	return r.exec(ctx, "clear conflict", query, string(ref.Type), ref.ID)
}

func (r *PostgresSyncStatusRepository) RecordReconciled(ctx context.Context, ref models.EntityRef, sourceVersion int64, synced bool) error {
	query := `INSERT INTO sync_status (entity_type, entity_id, source_version, is_synced, last_reconciled_at)
	          VALUES ($1, $2, $3, $4, now())
	          ON CONFLICT (entity_type, entity_id) DO UPDATE
	          SET source_version = GREATEST(sync_status.source_version, EXCLUDED.source_version),
	              is_synced = EXCLUDED.is_synced,
	              last_reconciled_at = now(),
	              updated_at = now()`

	if _, err := r.pool.Exec(ctx, query, string(ref.Type), ref.ID, sourceVersion, synced); err != nil {
		return fmt.Errorf("failed to record reconciliation: %w", err)
	}
	return r.RefreshPending(ctx, ref)
}

func (r *PostgresSyncStatusRepository) RefreshPending(ctx context.Context, ref models.EntityRef) error {
	query := `UPDATE sync_status
	          SET has_pending_changes = ` + pendingExpr + `, updated_at = now()
	          WHERE entity_type = $1 AND entity_id = $2`

	_, err := r.pool.Exec(ctx, query, string(ref.Type), ref.ID)
	if err != nil {
		return fmt.Errorf("failed to refresh pending flag: %w", err)
	}
	return nil
}

func (r *PostgresSyncStatusRepository) ListPending(ctx context.Context, limit int) ([]*models.SyncStatus, error) {
	query := `SELECT ` + statusColumns + ` FROM sync_status
	          WHERE has_pending_changes
	          ORDER BY updated_at ASC
	          LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending statuses: %w", err)
	}
	defer rows.Close()

	var statuses []*models.SyncStatus
	for rows.Next() {
		status, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync status: %w", err)
		}
		statuses = append(statuses, status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync statuses: %w", err)
	}
	return statuses, nil
}

func (r *PostgresSyncStatusRepository) CountUnsynced(ctx context.Context) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sync_status WHERE NOT is_synced`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsynced entities: %w", err)
	}
	return count, nil
}

func (r *PostgresSyncStatusRepository) exec(ctx context.Context, op, query string, args ...any) error {
	result, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanStatus(row rowScanner) (*models.SyncStatus, error) {
	var status models.SyncStatus
	var entityType string

	err := row.Scan(
		&status.EntityID,
		&entityType,
		&status.IsSynced,
		&status.LastSyncedAt,
		&status.LastSyncedVersion,
		&status.SourceVersion,
		&status.TargetVersion,
		&status.TargetChecksum,
		&status.HasPendingChanges,
		&status.HasConflict,
		&status.ConflictCount,
		&status.LastError,
		&status.LastReconciledAt,
		&status.CreatedAt,
		&status.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	status.EntityType = models.EntityType(entityType)
	return &status, nil
}
