package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/graphsync/internal/models"
)

const conflictColumns = `id, entity_id, entity_type, source_version, target_version, source_data, target_data,
	difference_summary, resolution_status, resolution_method, event_id, detected_by,
	COALESCE(resolved_by, ''), COALESCE(resolution_notes, ''), detected_at, resolved_at`

const openConflictStatuses = `('DETECTED', 'MANUAL_REVIEW')`

type PostgresConflictRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresConflictRepository(pool *pgxpool.Pool) *PostgresConflictRepository {
	return &PostgresConflictRepository{pool: pool}
}

func (r *PostgresConflictRepository) Create(ctx context.Context, conflict *models.SyncConflict) error {
	summary, err := json.Marshal(conflict.DifferenceSummary)
	if err != nil {
		return fmt.Errorf("failed to encode difference summary: %w", err)
	}
	if conflict.DifferenceSummary == nil {
		summary = []byte("[]")
	}

	query := `INSERT INTO sync_conflicts
	          (id, entity_id, entity_type, source_version, target_version, source_data, target_data,
	           difference_summary, resolution_status, event_id, detected_by, detected_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = r.pool.Exec(ctx, query,
		conflict.ID,
		conflict.EntityID,
		string(conflict.EntityType),
		conflict.SourceVersion,
		conflict.TargetVersion,
		nullableJSON(conflict.SourceData),
		nullableJSON(conflict.TargetData),
		summary,
		string(conflict.ResolutionStatus),
		conflict.EventID,
		conflict.DetectedBy,
		conflict.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create conflict: %w", err)
	}
	return nil
}

func (r *PostgresConflictRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE id = $1`

	conflict, err := scanConflict(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	return conflict, nil
}

func (r *PostgresConflictRepository) GetOpen(ctx context.Context, ref models.EntityRef) (*models.SyncConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts
	          WHERE entity_type = $1 AND entity_id = $2 AND resolution_status IN ` + openConflictStatuses + `
	          ORDER BY detected_at DESC
	          LIMIT 1`

	conflict, err := scanConflict(r.pool.QueryRow(ctx, query, string(ref.Type), ref.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open conflict: %w", err)
	}
	return conflict, nil
}

func (r *PostgresConflictRepository) ListByStatus(ctx context.Context, status models.ResolutionStatus, limit int) ([]*models.SyncConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts
	          WHERE resolution_status = $1
	          ORDER BY detected_at ASC
	          LIMIT $2`

	return r.queryConflicts(ctx, query, string(status), limit)
}

func (r *PostgresConflictRepository) ListOpen(ctx context.Context, limit int) ([]*models.SyncConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts
	          WHERE resolution_status IN ` + openConflictStatuses + `
	          ORDER BY detected_at ASC
	          LIMIT $1`

	return r.queryConflicts(ctx, query, limit)
}

func (r *PostgresConflictRepository) UpdateResolution(ctx context.Context, conflict *models.SyncConflict, previous models.ResolutionStatus) error {
	var method *string
	if conflict.ResolutionMethod != nil {
		m := string(*conflict.ResolutionMethod)
		method = &m
	}

	query := `UPDATE sync_conflicts
	          SET resolution_status = $2,
	              resolution_method = $3,
	              resolved_by = NULLIF($4, ''),
	              resolution_notes = NULLIF($5, ''),
	              resolved_at = $6
	          WHERE id = $1 AND resolution_status = $7`

	result, err := r.pool.Exec(ctx, query,
		conflict.ID,
		string(conflict.ResolutionStatus),
		method,
		conflict.ResolvedBy,
		conflict.ResolutionNotes,
		conflict.ResolvedAt,
		string(previous),
	)
	if err != nil {
		return fmt.Errorf("failed to update conflict resolution: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrTransitionRejected
	}
	return nil
}

func (r *PostgresConflictRepository) CountOpen(ctx context.Context) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM sync_conflicts WHERE resolution_status IN ` + openConflictStatuses
	if err := r.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count open conflicts: %w", err)
	}
	return count, nil
}

func (r *PostgresConflictRepository) queryConflicts(ctx context.Context, query string, args ...any) ([]*models.SyncConflict, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*models.SyncConflict
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, conflict)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}

func scanConflict(row rowScanner) (*models.SyncConflict, error) {
	var conflict models.SyncConflict
	var entityType, status string
	var method *string
	var sourceData, targetData, summary []byte

	err := row.Scan(
		&conflict.ID,
		&conflict.EntityID,
		&entityType,
		&conflict.SourceVersion,
		&conflict.TargetVersion,
		&sourceData,
		&targetData,
		&summary,
		&status,
		&method,
		&conflict.EventID,
		&conflict.DetectedBy,
		&conflict.ResolvedBy,
		&conflict.ResolutionNotes,
		&conflict.DetectedAt,
		&conflict.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}

	conflict.EntityType = models.EntityType(entityType)
	conflict.ResolutionStatus = models.ResolutionStatus(status)
	if method != nil {
		m := models.ResolutionMethod(*method)
		conflict.ResolutionMethod = &m
	}
	conflict.SourceData = sourceData
	conflict.TargetData = targetData
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &conflict.DifferenceSummary); err != nil {
			return nil, fmt.Errorf("failed to decode difference summary: %w", err)
		}
	}
	return &conflict, nil
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
