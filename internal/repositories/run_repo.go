package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/graphsync/internal/models"
)

const runColumns = `id, entity_types, entity_ids, batch_size, entities_checked, inconsistencies_found,
	repairs_emitted, conflicts_found, conflicts_resolved, conflicts_escalated, status, COALESCE(error, ''),
	started_at, completed_at`

type PostgresReconciliationRunRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresReconciliationRunRepository(pool *pgxpool.Pool) *PostgresReconciliationRunRepository {
	return &PostgresReconciliationRunRepository{pool: pool}
}

func (r *PostgresReconciliationRunRepository) Create(ctx context.Context, run *models.ReconciliationRun) error {
	query := `INSERT INTO reconciliation_runs (id, entity_types, entity_ids, batch_size, status, started_at)
	          VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.pool.Exec(ctx, query,
		run.ID,
		nonNil(run.EntityTypes),
		nonNil(run.EntityIDs),
		run.BatchSize,
		string(run.Status),
		run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create reconciliation run: %w", err)
	}
	return nil
}

// Update persists the counters and, once finished, the final status.
func (r *PostgresReconciliationRunRepository) Update(ctx context.Context, run *models.ReconciliationRun) error {
	query := `UPDATE reconciliation_runs
	          SET entities_checked = $2,
	              inconsistencies_found = $3,
	              repairs_emitted = $4,
	              conflicts_found = $5,
	              conflicts_resolved = $6,
	              conflicts_escalated = $7,
	              status = $8,
	              error = NULLIF($9, ''),
	              completed_at = $10
	          WHERE id = $1`

	result, err := r.pool.Exec(ctx, query,
		run.ID,
		run.EntitiesChecked,
		run.InconsistenciesFound,
		run.RepairsEmitted,
		run.ConflictsFound,
		run.ConflictsResolved,
		run.ConflictsEscalated,
		string(run.Status),
		run.Error,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update reconciliation run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresReconciliationRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ReconciliationRun, error) {
	query := `SELECT ` + runColumns + ` FROM reconciliation_runs WHERE id = $1`

	run, err := scanRun(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reconciliation run: %w", err)
	}
	return run, nil
}

func (r *PostgresReconciliationRunRepository) ListRecent(ctx context.Context, limit int) ([]*models.ReconciliationRun, error) {
	query := `SELECT ` + runColumns + ` FROM reconciliation_runs ORDER BY started_at DESC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconciliation runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.ReconciliationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reconciliation runs: %w", err)
	}
	return runs, nil
}

func scanRun(row rowScanner) (*models.ReconciliationRun, error) {
	var run models.ReconciliationRun
	var status string

	err := row.Scan(
		&run.ID,
		&run.EntityTypes,
		&run.EntityIDs,
		&run.BatchSize,
		&run.EntitiesChecked,
		&run.InconsistenciesFound,
		&run.RepairsEmitted,
		&run.ConflictsFound,
		&run.ConflictsResolved,
		&run.ConflictsEscalated,
		&status,
		&run.Error,
		&run.StartedAt,
		&run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	return &run, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
