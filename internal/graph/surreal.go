package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/prudhvinik1/graphsync/internal/entities"
	"github.com/prudhvinik1/graphsync/internal/models"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// surrealDocument is the stored shape of every synchronized record. Edges
// additionally carry in/out, which SurrealDB manages.
type surrealDocument struct {
	Version   int64          `json:"version"`
	Deleted   bool           `json:"deleted"`
	Data      map[string]any `json:"data"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SurrealStore keeps concepts and learning paths as documents and concept
// relationships as graph edges between concept documents.
type SurrealStore struct {
	db       *surrealdb.DB
	registry *entities.Registry
}

func NewSurrealStore(db *surrealdb.DB, registry *entities.Registry) *SurrealStore {
	return &SurrealStore{db: db, registry: registry}
}

func (s *SurrealStore) Get(ctx context.Context, ref models.EntityRef) (*Record, error) {
	def, err := s.registry.Definition(ref.Type)
	if err != nil {
		return nil, err
	}

	query := "SELECT version, deleted, data, updated_at FROM $rid"
	params := map[string]any{"rid": surrealmodels.NewRecordID(def.GraphTable, ref.ID)}

	result, err := surrealdb.Query[[]surrealDocument](ctx, s.db, query, params)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ref, err)
	}
	if result == nil || len(*result) == 0 {
		return nil, ErrRecordNotFound
	}
	first := (*result)[0]
	if first.Status != "OK" {
		return nil, fmt.Errorf("failed to read %s: status %s", ref, first.Status)
	}
	if len(first.Result) == 0 {
		return nil, ErrRecordNotFound
	}

	doc := first.Result[0]
	if doc.Data == nil {
		doc.Data = map[string]any{}
	}
	return &Record{
		Ref:       ref,
		Version:   doc.Version,
		Deleted:   doc.Deleted,
		Data:      doc.Data,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

func (s *SurrealStore) Put(ctx context.Context, record *Record) error {
	def, err := s.registry.Definition(record.Ref.Type)
	if err != nil {
		return err
	}

	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	doc := map[string]any{
		"version":    record.Version,
		"deleted":    record.Deleted,
		"data":       record.Data,
		"updated_at": updatedAt,
	}
	rid := surrealmodels.NewRecordID(def.GraphTable, record.Ref.ID)

	if def.Kind == entities.KindEdge {
		return s.putEdge(ctx, def, rid, record, doc)
	}

	query := "UPSERT $rid CONTENT $doc"
	params := map[string]any{"rid": rid, "doc": doc}
	if err := s.exec(ctx, query, params); err != nil {
		return fmt.Errorf("failed to write %s: %w", record.Ref, err)
	}
	return nil
}

// putEdge replaces the edge so a changed endpoint never leaves the old
// relation behind.
func (s *SurrealStore) putEdge(ctx context.Context, def *entities.Definition, rid surrealmodels.RecordID, record *Record, doc map[string]any) error {
	from, ok := record.Data[def.From.Field].(string)
	if !ok || from == "" {
		return fmt.Errorf("edge %s is missing %s", record.Ref, def.From.Field)
	}
	to, ok := record.Data[def.To.Field].(string)
	if !ok || to == "" {
		return fmt.Errorf("edge %s is missing %s", record.Ref, def.To.Field)
	}

	doc["id"] = rid
	doc["in"] = surrealmodels.NewRecordID(def.From.GraphTable, from)
	doc["out"] = surrealmodels.NewRecordID(def.To.GraphTable, to)

	query := fmt.Sprintf(`BEGIN TRANSACTION;
DELETE $rid;
INSERT RELATION INTO %s $doc;
COMMIT TRANSACTION;`, def.GraphTable)

	params := map[string]any{"rid": rid, "doc": doc}
	if err := s.exec(ctx, query, params); err != nil {
		return fmt.Errorf("failed to write edge %s: %w", record.Ref, err)
	}
	return nil
}

func (s *SurrealStore) Delete(ctx context.Context, ref models.EntityRef) error {
	def, err := s.registry.Definition(ref.Type)
	if err != nil {
		return err
	}

	params := map[string]any{"rid": surrealmodels.NewRecordID(def.GraphTable, ref.ID)}
	if err := s.exec(ctx, "DELETE $rid", params); err != nil {
		return fmt.Errorf("failed to delete %s: %w", ref, err)
	}
	return nil
}

func (s *SurrealStore) Ping(ctx context.Context) error {
	if err := s.exec(ctx, "RETURN true", nil); err != nil {
		return fmt.Errorf("surrealdb ping failed: %w", err)
	}
	return nil
}

func (s *SurrealStore) Close(ctx context.Context) error {
	return s.db.Close(ctx)
}

func (s *SurrealStore) exec(ctx context.Context, query string, params map[string]any) error {
	result, err := surrealdb.Query[any](ctx, s.db, query, params)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	for _, stmt := range *result {
		if stmt.Status != "OK" {
			return fmt.Errorf("statement failed with status %s: %v", stmt.Status, stmt.Result)
		}
	}
	return nil
}
