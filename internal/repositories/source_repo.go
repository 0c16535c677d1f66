package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/graphsync/internal/entities"
	"github.com/prudhvinik1/graphsync/internal/models"
	"github.com/prudhvinik1/graphsync/internal/utils"
)

// PostgresSourceRepository reads the business tables named by the entity
// registry. Every table is expected to carry an id and a version column.
type PostgresSourceRepository struct {
	pool     *pgxpool.Pool
	registry *entities.Registry
}

func NewPostgresSourceRepository(pool *pgxpool.Pool, registry *entities.Registry) *PostgresSourceRepository {
	return &PostgresSourceRepository{pool: pool, registry: registry}
}

func (r *PostgresSourceRepository) Get(ctx context.Context, ref models.EntityRef) (*SourceRecord, error) {
	def, err := r.registry.Definition(ref.Type)
	if err != nil {
		return nil, err
	}

	table := pgx.Identifier{def.SourceTable}.Sanitize()
	query := `SELECT t.version, jsonb_strip_nulls(to_jsonb(t) - 'id' - 'version')
	          FROM ` + table + ` t
	          WHERE t.id::text = $1`

	var version int64
	var raw []byte
	err = r.pool.QueryRow(ctx, query, ref.ID).Scan(&version, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", def.SourceTable, err)
	}

	data, err := utils.DecodeObject(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s row: %w", def.SourceTable, err)
	}

	return &SourceRecord{
		Ref:     ref,
		Version: version,
		Data:    def.SourceFields(data),
	}, nil
}

func (r *PostgresSourceRepository) ListIDs(ctx context.Context, entityType models.EntityType, afterID string, limit int) ([]string, error) {
	def, err := r.registry.Definition(entityType)
	if err != nil {
		return nil, err
	}

	table := pgx.Identifier{def.SourceTable}.Sanitize()
	query := `SELECT id FROM (
	              SELECT t.id::text AS id FROM ` + table + ` t
	              UNION
	              SELECT s.entity_id AS id FROM sync_status s WHERE s.entity_type = $1
	          ) ids
	          WHERE id > $2
	          ORDER BY id ASC
	          LIMIT $3`

	rows, err := r.pool.Query(ctx, query, string(entityType), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s ids: %w", def.SourceTable, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ids: %w", err)
	}
	return ids, nil
}

// WriteBack overwrites the source-owned columns of one row from fields and
// raises its version to at least version. Columns absent from fields are
// cleared.
func (r *PostgresSourceRepository) WriteBack(ctx context.Context, ref models.EntityRef, fields map[string]any, version int64) error {
	def, err := r.registry.Definition(ref.Type)
	if err != nil {
		return err
	}

	columns := def.SourceColumns()
	if len(columns) == 0 {
		return fmt.Errorf("%s has no writable columns", def.Type)
	}

	raw, err := json.Marshal(def.SourceFields(fields))
	if err != nil {
		return fmt.Errorf("failed to encode write-back fields: %w", err)
	}

	sets := make([]string, 0, len(columns)+1)
	for _, col := range columns {
		ident := pgx.Identifier{col}.Sanitize()
		sets = append(sets, ident+" = r."+ident)
	}
	sets = append(sets, "version = GREATEST(t.version, $3)")

	table := pgx.Identifier{def.SourceTable}.Sanitize()
	query := `UPDATE ` + table + ` t
	          SET ` + strings.Join(sets, ", ") + `
	          FROM jsonb_populate_record(NULL::` + table + `, $1::jsonb) r
	          WHERE t.id::text = $2`

	result, err := r.pool.Exec(ctx, query, raw, ref.ID, version)
	if err != nil {
		return fmt.Errorf("failed to write back %s: %w", def.SourceTable, err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
