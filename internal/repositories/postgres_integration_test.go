//go:build integration

package repositories

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/prudhvinik1/graphsync/internal/database"
	"github.com/prudhvinik1/graphsync/internal/entities"
	"github.com/prudhvinik1/graphsync/internal/models"
)

const businessTables = `
CREATE TABLE concepts (
    id                TEXT PRIMARY KEY,
    name              TEXT NOT NULL,
    description       TEXT,
    subject           TEXT,
    difficulty        TEXT,
    tags              TEXT[],
    estimated_minutes INT,
    version           BIGINT NOT NULL DEFAULT 1
);
CREATE TABLE learning_paths (
    id          TEXT PRIMARY KEY,
    title       TEXT NOT NULL,
    description TEXT,
    level       TEXT,
    concept_ids TEXT[],
    published   BOOLEAN,
    version     BIGINT NOT NULL DEFAULT 1
);
CREATE TABLE concept_relationships (
    id                TEXT PRIMARY KEY,
    from_id           TEXT NOT NULL,
    to_id             TEXT NOT NULL,
    relationship_type TEXT NOT NULL,
    weight            DOUBLE PRECISION,
    version           BIGINT NOT NULL DEFAULT 1
);`

// getTestPool starts a disposable Postgres, applies the sync migrations and
// creates the business tables the default registry reads.
func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("graphsync"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	pool, err := database.NewPostgresPool(ctx, dsn, logger)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, database.NewMigrator(pool, logger).Up(ctx))
	_, err = pool.Exec(ctx, businessTables)
	require.NoError(t, err)
	return pool
}

func createEvent(t *testing.T, pool *pgxpool.Pool, ref models.EntityRef, version int64) *models.SyncEvent {
	t.Helper()
	ctx := context.Background()

	event, err := models.NewSyncEvent(models.EventContentCreated, ref, json.RawMessage(`{"name":"Graphs"}`), uuid.Nil, version)
	require.NoError(t, err)

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	require.NoError(t, NewPostgresSyncEventRepository(pool).CreateWithTx(ctx, tx, event))
	require.NoError(t, NewPostgresSyncStatusRepository(pool).EnsureWithTx(ctx, tx, ref, version))
	require.NoError(t, tx.Commit(ctx))
	return event
}

func TestPostgresRepositories(t *testing.T) {
	pool := getTestPool(t)

	t.Run("outbox lifecycle", func(t *testing.T) { testOutboxLifecycle(t, pool) })
	t.Run("retry guard", func(t *testing.T) { testRetryGuard(t, pool) })
	t.Run("supersede stale", func(t *testing.T) { testSupersedeStale(t, pool) })
	t.Run("stale source version", func(t *testing.T) { testStaleSourceVersion(t, pool) })
	t.Run("sync status", func(t *testing.T) { testSyncStatus(t, pool) })
	t.Run("conflicts", func(t *testing.T) { testConflicts(t, pool) })
	t.Run("reconciliation runs", func(t *testing.T) { testRuns(t, pool) })
	t.Run("source tables", func(t *testing.T) { testSource(t, pool) })
}

// testOutboxLifecycle walks one event PENDING -> PUBLISHED -> PROCESSING -> COMPLETED
func testOutboxLifecycle(t *testing.T, pool *pgxpool.Pool) {
	// ARRANGE
	ctx := context.Background()
	repo := NewPostgresSyncEventRepository(pool)
	ref := models.NewEntityRef(models.EntityConcept, "lifecycle-"+uuid.NewString())
	event := createEvent(t, pool, ref, 1)

	// ACT & ASSERT
	pending, err := repo.ListPending(ctx, 100)
	require.NoError(t, err)
	assert.Contains(t, eventIDs(pending), event.EventID)

	require.NoError(t, repo.RecordPublishFailure(ctx, event.EventID, "broker unreachable"))
	got, err := repo.GetByID(ctx, event.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.PublishAttempts)

	require.NoError(t, repo.MarkPublished(ctx, event.EventID, "1-0"))
	assert.ErrorIs(t, repo.MarkPublished(ctx, event.EventID, "1-1"), ErrTransitionRejected)

	claimed, err := repo.MarkProcessing(ctx, event.EventID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, claimed.Status)
	assert.NotNil(t, claimed.ProcessingStartedAt)

	_, err = repo.MarkProcessing(ctx, event.EventID, time.Minute)
	assert.ErrorIs(t, err, ErrTransitionRejected, "a fresh claim must not be taken over")

	require.NoError(t, repo.MarkCompleted(ctx, event.EventID))
	got, err = repo.GetByID(ctx, event.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Empty(t, got.LastError)
	assert.NotNil(t, got.CompletedAt)

	nonTerminal, err := repo.ListNonTerminalForEntity(ctx, ref)
	require.NoError(t, err)
	assert.Empty(t, nonTerminal)

	trace, err := repo.ListByCorrelationID(ctx, event.CorrelationID)
	require.NoError(t, err)
	require.Len(t, trace, 1)

	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.MarkProcessing(ctx, uuid.New(), time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testRetryGuard(t *testing.T, pool *pgxpool.Pool) {
	ctx := context.Background()
	repo := NewPostgresSyncEventRepository(pool)
	event := createEvent(t, pool, models.NewEntityRef(models.EntityConcept, "retry-"+uuid.NewString()), 1)

	require.NoError(t, repo.MarkPublished(ctx, event.EventID, "1-0"))
	_, err := repo.MarkProcessing(ctx, event.EventID, time.Minute)
	require.NoError(t, err)

	require.NoError(t, repo.MarkRetry(ctx, event.EventID, 0, models.StatusPublished, "graph down"))

	_, err = repo.MarkProcessing(ctx, event.EventID, time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, repo.MarkRetry(ctx, event.EventID, 0, models.StatusPublished, "stale counter"), ErrTransitionRejected)
	assert.ErrorIs(t, repo.MarkRetry(ctx, event.EventID, 1, models.StatusCompleted, "bad target"), models.ErrInvalidTransition)

	require.NoError(t, repo.MarkRetry(ctx, event.EventID, 1, models.StatusFailed, "graph still down"))
	got, err := repo.GetByID(ctx, event.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "graph still down", got.LastError)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counts[models.StatusFailed], int64(1))
}

func testSupersedeStale(t *testing.T, pool *pgxpool.Pool) {
	ctx := context.Background()
	repo := NewPostgresSyncEventRepository(pool)
	ref := models.NewEntityRef(models.EntityConcept, "stale-"+uuid.NewString())

	published := createEvent(t, pool, ref, 1)
	require.NoError(t, repo.MarkPublished(ctx, published.EventID, "1-0"))
	pending := createEvent(t, pool, ref, 2)

	closed, err := repo.SupersedeStale(ctx, ref, time.Hour, "superseded")
	require.NoError(t, err)
	assert.Zero(t, closed, "young rows are left alone")

	closed, err = repo.SupersedeStale(ctx, ref, 0, "superseded")
	require.NoError(t, err)
	assert.Equal(t, int64(1), closed)

	got, err := repo.GetByID(ctx, published.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSkipped, got.Status)
	assert.Equal(t, "superseded", got.LastError)
	assert.NotNil(t, got.CompletedAt)

	got, err = repo.GetByID(ctx, pending.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status, "PENDING rows stay with the relay")
}

func testStaleSourceVersion(t *testing.T, pool *pgxpool.Pool) {
	ctx := context.Background()
	ref := models.NewEntityRef(models.EntityConcept, "stale-"+uuid.NewString())
	createEvent(t, pool, ref, 3)

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	err = NewPostgresSyncStatusRepository(pool).EnsureWithTx(ctx, tx, ref, 2)
	assert.ErrorIs(t, err, ErrStaleSourceVersion)
}

func testSyncStatus(t *testing.T, pool *pgxpool.Pool) {
	ctx := context.Background()
	repo := NewPostgresSyncStatusRepository(pool)
	events := NewPostgresSyncEventRepository(pool)
	ref := models.NewEntityRef(models.EntityLearningPath, "status-"+uuid.NewString())
	event := createEvent(t, pool, ref, 2)

	status, err := repo.Get(ctx, ref)
	require.NoError(t, err)
	assert.True(t, status.HasPendingChanges)
	assert.False(t, status.IsSynced)
	assert.Equal(t, int64(2), status.SourceVersion)

	require.NoError(t, events.MarkPublished(ctx, event.EventID, "1-0"))
	_, err = events.MarkProcessing(ctx, event.EventID, time.Minute)
	require.NoError(t, err)
	require.NoError(t, events.MarkCompleted(ctx, event.EventID))
	require.NoError(t, repo.RecordSynced(ctx, ref, 2, "abc123"))

	status, err = repo.Get(ctx, ref)
	require.NoError(t, err)
	assert.True(t, status.IsSynced)
	assert.False(t, status.HasPendingChanges)
	assert.Equal(t, int64(2), status.TargetVersion)
	assert.Equal(t, "abc123", status.TargetChecksum)
	assert.NotNil(t, status.LastSyncedAt)

	require.NoError(t, repo.RecordConflict(ctx, ref))
	status, err = repo.Get(ctx, ref)
	require.NoError(t, err)
	assert.True(t, status.HasConflict)
	assert.Equal(t, 1, status.ConflictCount)

	require.NoError(t, repo.ClearConflict(ctx, ref))
	status, err = repo.Get(ctx, ref)
	require.NoError(t, err)
	assert.False(t, status.HasConflict, "no open conflict row exists")

	require.NoError(t, repo.RecordError(ctx, ref, "graph write failed"))
	status, err = repo.Get(ctx, ref)
	require.NoError(t, err)
	assert.False(t, status.IsSynced)
	assert.Equal(t, "graph write failed", status.LastError)

	unsynced, err := repo.CountUnsynced(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, unsynced, int64(1))

	_, err = repo.Get(ctx, models.NewEntityRef(models.EntityConcept, "missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func testConflicts(t *testing.T, pool *pgxpool.Pool) {
	ctx := context.Background()
	repo := NewPostgresConflictRepository(pool)
	ref := models.NewEntityRef(models.EntityConcept, "conflict-"+uuid.NewString())

	conflict := &models.SyncConflict{
		ID:            uuid.New(),
		EntityID:      ref.ID,
		EntityType:    ref.Type,
		SourceVersion: 3,
		TargetVersion: 4,
		SourceData:    json.RawMessage(`{"name":"Graphs"}`),
		TargetData:    json.RawMessage(`{"name":"Trees"}`),
		DifferenceSummary: []models.FieldDifference{
			{Field: "name", SourceValue: "Graphs", TargetValue: "Trees"},
		},
		ResolutionStatus: models.ResolutionDetected,
		DetectedBy:       models.DetectedByReconciliation,
		DetectedAt:       time.Now().UTC(),
	}
	require.NoError(t, repo.Create(ctx, conflict))

	open, err := repo.GetOpen(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, conflict.ID, open.ID)
	require.Len(t, open.DifferenceSummary, 1)
	assert.Equal(t, "name", open.DifferenceSummary[0].Field)
	assert.JSONEq(t, `{"name":"Trees"}`, string(open.TargetData))

	require.NoError(t, open.Close(models.MethodManualReview, "alice", "needs a look", time.Now()))
	require.NoError(t, repo.UpdateResolution(ctx, open, models.ResolutionDetected))
	assert.ErrorIs(t, repo.UpdateResolution(ctx, open, models.ResolutionDetected), ErrTransitionRejected)

	inReview, err := repo.ListByStatus(ctx, models.ResolutionManualReview, 10)
	require.NoError(t, err)
	assert.Contains(t, conflictIDs(inReview), conflict.ID)

	require.NoError(t, open.Close(models.MethodIgnore, "alice", "", time.Now()))
	require.NoError(t, repo.UpdateResolution(ctx, open, models.ResolutionManualReview))

	_, err = repo.GetOpen(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := repo.GetByID(ctx, conflict.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionIgnored, got.ResolutionStatus)
	assert.Equal(t, "needs a look", got.ResolutionNotes)
	assert.NotNil(t, got.ResolvedAt)
}

func testRuns(t *testing.T, pool *pgxpool.Pool) {
	ctx := context.Background()
	repo := NewPostgresReconciliationRunRepository(pool)

	run := models.NewReconciliationRun([]string{"concept"}, nil, 50)
	require.NoError(t, repo.Create(ctx, run))

	run.EntitiesChecked = 12
	run.RepairsEmitted = 2
	run.Finish(nil)
	require.NoError(t, repo.Update(ctx, run))

	got, err := repo.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, got.Status)
	assert.Equal(t, 12, got.EntitiesChecked)
	assert.Equal(t, []string{"concept"}, got.EntityTypes)
	assert.Empty(t, got.EntityIDs)
	assert.NotNil(t, got.CompletedAt)

	recent, err := repo.ListRecent(ctx, 5)
	require.NoError(t, err)
	require.NotEmpty(t, recent)
	assert.Equal(t, run.ID, recent[0].ID)

	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func testSource(t *testing.T, pool *pgxpool.Pool) {
	ctx := context.Background()
	registry, err := entities.DefaultRegistry()
	require.NoError(t, err)
	repo := NewPostgresSourceRepository(pool, registry)

	_, err = pool.Exec(ctx, `INSERT INTO concepts (id, name, description, tags, estimated_minutes, version)
	                         VALUES ('src-1', 'Graphs', 'nodes and edges', '{math,cs}', 30, 4),
	                                ('src-2', 'Trees', NULL, NULL, NULL, 1)`)
	require.NoError(t, err)

	src, err := repo.Get(ctx, models.NewEntityRef(models.EntityConcept, "src-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), src.Version)
	assert.Equal(t, "Graphs", src.Data["name"])
	assert.Equal(t, []any{"math", "cs"}, src.Data["tags"])
	assert.NotContains(t, src.Data, "id")
	assert.NotContains(t, src.Data, "version")

	sparse, err := repo.Get(ctx, models.NewEntityRef(models.EntityConcept, "src-2"))
	require.NoError(t, err)
	assert.NotContains(t, sparse.Data, "description", "null columns are dropped")

	_, err = repo.Get(ctx, models.NewEntityRef(models.EntityConcept, "absent"))
	assert.ErrorIs(t, err, ErrNotFound)

	// ids known only to sync_status are listed so deletes can be reconciled
	createEvent(t, pool, models.NewEntityRef(models.EntityConcept, "src-0-deleted"), 1)
	ids, err := repo.ListIDs(ctx, models.EntityConcept, "src-", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"src-0-deleted", "src-1", "src-2"}, ids)

	page, err := repo.ListIDs(ctx, models.EntityConcept, "src-1", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"src-2"}, page)

	ref := models.NewEntityRef(models.EntityConcept, "src-1")
	err = repo.WriteBack(ctx, ref, map[string]any{"name": "Graph Theory", "centrality": 0.9}, 6)
	require.NoError(t, err)

	src, err = repo.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(6), src.Version)
	assert.Equal(t, "Graph Theory", src.Data["name"])
	assert.NotContains(t, src.Data, "description", "columns absent from the write-back are cleared")

	err = repo.WriteBack(ctx, models.NewEntityRef(models.EntityConcept, "absent"), map[string]any{"name": "x"}, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func eventIDs(events []*models.SyncEvent) []uuid.UUID {
	ids := make([]uuid.UUID, len(events))
	for i, e := range events {
		ids[i] = e.EventID
	}
	return ids
}

func conflictIDs(conflicts []*models.SyncConflict) []uuid.UUID {
	ids := make([]uuid.UUID, len(conflicts))
	for i, c := range conflicts {
		ids[i] = c.ID
	}
	return ids
}
