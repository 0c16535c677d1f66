package services

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prudhvinik1/graphsync/internal/graph"
	"github.com/prudhvinik1/graphsync/internal/lock"
	"github.com/prudhvinik1/graphsync/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func (h *harness) reconcile(opts ReconcileOptions) *models.ReconciliationRun {
	h.t.Helper()
	run, err := h.reconciler.RunFullReconciliation(context.Background(), opts)
	require.NoError(h.t, err)
	require.Equal(h.t, models.RunCompleted, run.Status)
	return run
}

// TestReconciler_RepairsAfterConsumerCrash tests that an event lost mid-processing is repaired and its row closed
func TestReconciler_RepairsAfterConsumerCrash(t *testing.T) {
	// ARRANGE
	h := newHarness(t)
	ctx := context.Background()
	ref := conceptRef("c-1")
	id := h.write(models.EventContentCreated, ref, 1, map[string]any{"name": "Recursion"})

	_, err := h.relay.DispatchOnce(ctx)
	require.NoError(t, err)
	_, err = h.events.MarkProcessing(ctx, id, time.Minute)
	require.NoError(t, err)

	// The consumer dies after claiming: the delivery is gone and nothing
	// reached the graph.
	deliveries, err := h.transport.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.NoError(t, h.transport.Ack(ctx, deliveries[0]))
	h.events.age(id, 2*time.Hour)

	// ACT
	run := h.reconcile(ReconcileOptions{})
	h.drain()

	// ASSERT
	assert.Equal(t, 1, run.RepairsEmitted)
	assert.Equal(t, 1, run.InconsistenciesFound)

	target := h.target(ref)
	require.NotNil(t, target)
	assert.Equal(t, int64(1), target.Version)
	assert.Equal(t, "Recursion", target.Data["name"])

	events := h.events.forEntity(ref)
	require.Len(t, events, 2)
	assert.True(t, events[1].Repair)
	assert.Equal(t, models.StatusCompleted, events[1].Status)

	original, err := h.events.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSkipped, original.Status)
	assert.Equal(t, supersededReason, original.LastError)

	status := h.status(ref)
	assert.True(t, status.IsSynced)
	assert.False(t, status.HasPendingChanges)

	again := h.reconcile(ReconcileOptions{})
	assert.Zero(t, again.InconsistenciesFound)
	assert.False(t, h.status(ref).HasPendingChanges)

	// A late redelivery of the original finds a finished row.
	_, err = h.transport.Publish(ctx, original)
	require.NoError(t, err)
	result := h.drain()
	assert.Equal(t, 1, result.Discarded)
	assert.Equal(t, int64(1), h.target(ref).Version)
}

// TestReconciler_ClosesEventWithLostMessage tests that a PUBLISHED row whose message vanished stops counting as pending
func TestReconciler_ClosesEventWithLostMessage(t *testing.T) {
	// ARRANGE
	h := newHarness(t)
	ctx := context.Background()
	ref := conceptRef("c-1")
	h.write(models.EventContentCreated, ref, 1, map[string]any{"name": "Graphs"})
	h.drain()

	id := h.write(models.EventContentUpdated, ref, 2, map[string]any{"name": "Graph Theory"})
	_, err := h.relay.DispatchOnce(ctx)
	require.NoError(t, err)
	deliveries, err := h.transport.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.NoError(t, h.transport.Ack(ctx, deliveries[0]))
	h.events.age(id, 2*time.Hour)
	require.True(t, h.status(ref).HasPendingChanges)

	// ACT
	run := h.reconcile(ReconcileOptions{})
	h.drain()

	// ASSERT
	assert.Equal(t, 1, run.RepairsEmitted)
	lost, err := h.events.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSkipped, lost.Status)

	target := h.target(ref)
	assert.Equal(t, int64(2), target.Version)
	assert.Equal(t, "Graph Theory", target.Data["name"])

	status := h.status(ref)
	assert.True(t, status.IsSynced)
	assert.False(t, status.HasPendingChanges)
}

// TestReconciler_ClosesEventAppliedBeforeCrash tests that a consistent entity has its abandoned claim closed without a repair
func TestReconciler_ClosesEventAppliedBeforeCrash(t *testing.T) {
	// ARRANGE
	h := newHarness(t)
	ctx := context.Background()
	ref := conceptRef("c-1")
	id := h.write(models.EventContentCreated, ref, 1, map[string]any{"name": "Trees"})

	_, err := h.relay.DispatchOnce(ctx)
	require.NoError(t, err)
	deliveries, err := h.transport.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.NoError(t, h.transport.Ack(ctx, deliveries[0]))

	// The graph write lands, then the consumer dies before finishing the row.
	claimed, err := h.events.MarkProcessing(ctx, id, time.Minute)
	require.NoError(t, err)
	handler, err := h.registry.Handler(claimed.EventType, claimed.EntityType)
	require.NoError(t, err)
	payload, err := handler.Decode(claimed.Payload)
	require.NoError(t, err)
	_, err = h.consumer.decideAndApply(ctx, claimed, payload)
	require.NoError(t, err)
	h.events.age(id, 2*time.Hour)
	require.True(t, h.status(ref).HasPendingChanges)

	// ACT
	run := h.reconcile(ReconcileOptions{})

	// ASSERT
	assert.Zero(t, run.InconsistenciesFound)
	assert.Zero(t, run.RepairsEmitted)
	assert.Len(t, h.events.forEntity(ref), 1)

	event, err := h.events.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSkipped, event.Status)

	status := h.status(ref)
	assert.True(t, status.IsSynced)
	assert.False(t, status.HasPendingChanges)
}

// TestReconciler_TargetWithoutStatusIsConflict tests that a graph record the engine never wrote is settled as a conflict in the same run
func TestReconciler_TargetWithoutStatusIsConflict(t *testing.T) {
	// ARRANGE
	h := newHarness(t)
	ctx := context.Background()
	ref := conceptRef("c-1")
	h.source.put(ref, 2, map[string]any{"name": "Graph Theory"})
	require.NoError(t, h.graph.Put(ctx, &graph.Record{Ref: ref, Version: 1, Data: map[string]any{"name": "Graphs"}}))

	// ACT
	run := h.reconcile(ReconcileOptions{})
	result := h.drain()

	// ASSERT
	assert.Equal(t, 1, run.ConflictsFound)
	assert.Equal(t, 1, run.ConflictsResolved)
	assert.Zero(t, run.RepairsEmitted)
	assert.Zero(t, result.Conflicts)

	open, err := h.resolver.HasConflict(ctx, ref)
	require.NoError(t, err)
	assert.False(t, open)

	target := h.target(ref)
	assert.Equal(t, int64(2), target.Version)
	assert.Equal(t, "Graph Theory", target.Data["name"])

	status := h.status(ref)
	assert.True(t, status.IsSynced)
	assert.False(t, status.HasConflict)
}

// TestReconciler_Converges tests that one run plus draining leaves nothing for a second run
func TestReconciler_Converges(t *testing.T) {
	// ARRANGE
	h := newHarness(t)
	ctx := context.Background()

	synced := conceptRef("c-1")
	h.write(models.EventContentCreated, synced, 1, map[string]any{"name": "Synced"})

	stale := conceptRef("c-3")
	h.write(models.EventContentCreated, stale, 1, map[string]any{"name": "Old", "subject": "cs"})
	h.drain()

	// Writes that never produced an event.
	neverSent := conceptRef("c-2")
	h.source.put(neverSent, 1, map[string]any{"name": "Orphan"})
	h.source.put(stale, 2, map[string]any{"name": "New"})
	edge := models.NewEntityRef(models.EntityRelationship, "r-1")
	h.source.put(edge, 1, map[string]any{"from_id": "c-1", "to_id": "c-2", "relationship_type": "prerequisite_of"})

	// ACT
	first := h.reconcile(ReconcileOptions{})
	h.drain()
	second := h.reconcile(ReconcileOptions{})

	// ASSERT
	assert.Equal(t, 4, first.EntitiesChecked)
	assert.Equal(t, 3, first.InconsistenciesFound)
	assert.Equal(t, 3, first.RepairsEmitted)
	assert.Zero(t, first.ConflictsFound)

	assert.Equal(t, 4, second.EntitiesChecked)
	assert.Zero(t, second.InconsistenciesFound)
	assert.Zero(t, second.RepairsEmitted)

	assert.Equal(t, "Orphan", h.target(neverSent).Data["name"])
	updated := h.target(stale)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "New", updated.Data["name"])
	assert.NotContains(t, updated.Data, "subject", "a repair replaces the whole source-owned state")
	assert.Equal(t, "prerequisite_of", h.target(edge).Data["relationship_type"])

	for _, ref := range []models.EntityRef{synced, neverSent, stale, edge} {
		status := h.status(ref)
		assert.True(t, status.IsSynced, ref.String())
		assert.NotNil(t, status.LastReconciledAt, ref.String())
	}

	stored, err := h.runs.GetByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
}

func TestReconciler_TombstonesDeletedSource(t *testing.T) {
	h := newHarness(t)
	ref := conceptRef("c-1")
	h.write(models.EventContentCreated, ref, 1, map[string]any{"name": "Gone"})
	h.drain()
	h.source.remove(ref)

	run := h.reconcile(ReconcileOptions{})
	h.drain()

	assert.Equal(t, 1, run.RepairsEmitted)
	target := h.target(ref)
	require.NotNil(t, target)
	assert.True(t, target.Deleted)
	assert.Equal(t, int64(2), target.Version)

	events := h.events.forEntity(ref)
	assert.Equal(t, models.EventContentDeleted, events[len(events)-1].EventType)

	again := h.reconcile(ReconcileOptions{})
	assert.Zero(t, again.InconsistenciesFound)
}

// TestReconciler_ResolvesTargetDivergence tests that an out-of-band graph edit becomes a conflict settled by the default strategy
func TestReconciler_ResolvesTargetDivergence(t *testing.T) {
	// ARRANGE
	h := newHarness(t)
	ctx := context.Background()
	ref := conceptRef("c-1")
	h.write(models.EventContentCreated, ref, 1, map[string]any{"name": "Source"})
	h.drain()
	require.NoError(t, h.graph.Put(ctx, &graph.Record{Ref: ref, Version: 1, Data: map[string]any{"name": "Edited in graph"}}))

	// ACT
	run := h.reconcile(ReconcileOptions{})

	// ASSERT
	assert.Equal(t, 1, run.ConflictsFound)
	assert.Equal(t, 1, run.ConflictsResolved)
	assert.Zero(t, run.ConflictsEscalated)
	assert.Zero(t, run.RepairsEmitted)

	detected, err := h.conflicts.ListByStatus(ctx, models.ResolutionDetected, 0)
	require.NoError(t, err)
	assert.Empty(t, detected)
	resolved, err := h.conflicts.ListByStatus(ctx, models.ResolutionResolved, 0)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, models.DetectedByReconciliation, resolved[0].DetectedBy)
	assert.Equal(t, systemResolver, resolved[0].ResolvedBy)

	assert.Equal(t, "Source", h.target(ref).Data["name"])
	status := h.status(ref)
	assert.False(t, status.HasConflict)
	assert.True(t, status.IsSynced)
}

func TestReconciler_SkipsEntitiesWithOpenConflict(t *testing.T) {
	h := newHarness(t)
	ref := conceptRef("c-1")
	seedConflict(t, h, ref, 2, 2, map[string]any{"name": "A"}, map[string]any{"name": "B"})
	_, err := h.resolver.ResolveConflict(context.Background(), ref, models.MethodManualReview, "bob", "")
	require.NoError(t, err)

	run := h.reconcile(ReconcileOptions{})

	assert.Equal(t, 1, run.EntitiesChecked)
	assert.Zero(t, run.InconsistenciesFound)
	assert.Equal(t, "B", h.target(ref).Data["name"])
}

func TestReconciler_SkipsYoungInflightEvents(t *testing.T) {
	h := newHarness(t)
	ref := conceptRef("c-1")
	h.write(models.EventContentCreated, ref, 1, map[string]any{"name": "In flight"})

	run := h.reconcile(ReconcileOptions{})

	assert.Equal(t, 1, run.EntitiesChecked)
	assert.Zero(t, run.InconsistenciesFound)
	assert.Len(t, h.events.forEntity(ref), 1, "no repair while the pipeline is still working")
}

func TestReconciler_ExplicitIDs(t *testing.T) {
	h := newHarness(t)
	h.write(models.EventContentCreated, conceptRef("c-1"), 1, map[string]any{"name": "A"})
	h.write(models.EventContentCreated, conceptRef("c-2"), 1, map[string]any{"name": "B"})
	h.drain()

	run := h.reconcile(ReconcileOptions{
		EntityTypes: []models.EntityType{models.EntityConcept},
		EntityIDs:   []string{"c-1", "ghost"},
	})

	assert.Equal(t, 1, run.EntitiesChecked, "ids neither store knows are not counted")
	assert.Equal(t, []string{"concept"}, run.EntityTypes)
	assert.Equal(t, []string{"c-1", "ghost"}, run.EntityIDs)
}

func TestReconciler_RejectsUnknownEntityType(t *testing.T) {
	h := newHarness(t)

	_, err := h.reconciler.RunFullReconciliation(context.Background(), ReconcileOptions{
		EntityTypes: []models.EntityType{"course"},
	})

	assert.ErrorIs(t, err, ErrEntityNotSynchronized)
	assert.Empty(t, h.runs.runs)
}

func TestReconciler_SavesProgressPerBatch(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"c-1", "c-2", "c-3"} {
		h.source.put(conceptRef(id), 1, map[string]any{"name": id})
	}

	run := h.reconcile(ReconcileOptions{})

	assert.Equal(t, 3, run.EntitiesChecked)
	// Two concept batches, the conflict pass and the final save.
	assert.Equal(t, 4, h.runs.updates)
}

func TestReconciler_SingleRunAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := lock.NewRedisLocker(client)

	h := newHarness(t)
	ctx := context.Background()
	reconciler := NewReconciler(h.events, h.statuses, h.runs, h.source, h.store, h.registry, h.publisher, h.resolver,
		locker, ReconcilerConfig{}, zaptest.NewLogger(t))

	unlock, ok, err := locker.TryLock(ctx, reconcileLockName, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = reconciler.RunFullReconciliation(ctx, ReconcileOptions{})
	assert.ErrorIs(t, err, ErrReconciliationRunning)

	require.NoError(t, unlock(ctx))
	run, err := reconciler.RunFullReconciliation(ctx, ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
}
