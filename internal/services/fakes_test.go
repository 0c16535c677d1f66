package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prudhvinik1/graphsync/internal/entities"
	"github.com/prudhvinik1/graphsync/internal/graph"
	"github.com/prudhvinik1/graphsync/internal/lock"
	"github.com/prudhvinik1/graphsync/internal/models"
	"github.com/prudhvinik1/graphsync/internal/queue"
	"github.com/prudhvinik1/graphsync/internal/repositories"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeTx stands in for a database transaction. Repository fakes write
// through immediately; the tx only records how it ended.
type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

type fakeDB struct {
	txs []*fakeTx
}

func (d *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	tx := &fakeTx{}
	d.txs = append(d.txs, tx)
	return tx, nil
}

type fakeEventRepo struct {
	mu     sync.Mutex
	events map[uuid.UUID]*models.SyncEvent
	order  []uuid.UUID
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{events: make(map[uuid.UUID]*models.SyncEvent)}
}

func copyEvent(e *models.SyncEvent) *models.SyncEvent {
	out := *e
	return &out
}

func (r *fakeEventRepo) CreateWithTx(_ context.Context, _ pgx.Tx, event *models.SyncEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[event.EventID] = copyEvent(event)
	r.order = append(r.order, event.EventID)
	return nil
}

func (r *fakeEventRepo) GetByID(_ context.Context, id uuid.UUID) (*models.SyncEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return copyEvent(e), nil
}

func (r *fakeEventRepo) filter(match func(*models.SyncEvent) bool, limit int) []*models.SyncEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.SyncEvent
	for _, id := range r.order {
		e := r.events[id]
		if match(e) {
			out = append(out, copyEvent(e))
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out
}

func (r *fakeEventRepo) ListByCorrelationID(_ context.Context, correlationID uuid.UUID) ([]*models.SyncEvent, error) {
	return r.filter(func(e *models.SyncEvent) bool { return e.CorrelationID == correlationID }, 0), nil
}

func (r *fakeEventRepo) ListByStatus(_ context.Context, status models.EventStatus, limit int) ([]*models.SyncEvent, error) {
	return r.filter(func(e *models.SyncEvent) bool { return e.Status == status }, limit), nil
}

func (r *fakeEventRepo) ListNonTerminalForEntity(_ context.Context, ref models.EntityRef) ([]*models.SyncEvent, error) {
	return r.filter(func(e *models.SyncEvent) bool { return e.Ref() == ref && !e.Status.IsTerminal() }, 0), nil
}

func (r *fakeEventRepo) ListPending(ctx context.Context, limit int) ([]*models.SyncEvent, error) {
	return r.ListByStatus(ctx, models.StatusPending, limit)
}

// transition mirrors the guarded UPDATEs of the Postgres repository.
func (r *fakeEventRepo) transition(id uuid.UUID, guard func(*models.SyncEvent) bool, apply func(*models.SyncEvent)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return repositories.ErrNotFound
	}
	if !guard(e) {
		return repositories.ErrTransitionRejected
	}
	apply(e)
	return nil
}

func inStatus(s models.EventStatus) func(*models.SyncEvent) bool {
	return func(e *models.SyncEvent) bool { return e.Status == s }
}

func (r *fakeEventRepo) MarkPublished(_ context.Context, id uuid.UUID, messageID string) error {
	return r.transition(id, inStatus(models.StatusPending), func(e *models.SyncEvent) {
		now := time.Now().UTC()
		e.Status = models.StatusPublished
		e.MessageID = messageID
		e.PublishedAt = &now
		e.PublishAttempts++
	})
}

func (r *fakeEventRepo) RecordPublishFailure(_ context.Context, id uuid.UUID, errMsg string) error {
	return r.transition(id, inStatus(models.StatusPending), func(e *models.SyncEvent) {
		e.PublishAttempts++
		e.LastError = errMsg
	})
}

func (r *fakeEventRepo) MarkProcessing(_ context.Context, id uuid.UUID, reclaimAfter time.Duration) (*models.SyncEvent, error) {
	var claimed *models.SyncEvent
	err := r.transition(id, func(e *models.SyncEvent) bool {
		if e.Status == models.StatusPublished {
			return true
		}
		return e.Status == models.StatusProcessing && e.ProcessingStartedAt != nil &&
			time.Since(*e.ProcessingStartedAt) > reclaimAfter
	}, func(e *models.SyncEvent) {
		now := time.Now().UTC()
		e.Status = models.StatusProcessing
		e.ProcessingStartedAt = &now
		claimed = copyEvent(e)
	})
	return claimed, err
}

func (r *fakeEventRepo) finish(id uuid.UUID, status models.EventStatus, errMsg string) error {
	return r.transition(id, inStatus(models.StatusProcessing), func(e *models.SyncEvent) {
		now := time.Now().UTC()
		e.Status = status
		e.CompletedAt = &now
		if errMsg != "" {
			e.LastError = errMsg
		}
	})
}

func (r *fakeEventRepo) MarkCompleted(_ context.Context, id uuid.UUID) error {
	return r.finish(id, models.StatusCompleted, "")
}

func (r *fakeEventRepo) MarkSkipped(_ context.Context, id uuid.UUID, reason string) error {
	return r.finish(id, models.StatusSkipped, reason)
}

func (r *fakeEventRepo) MarkFailed(_ context.Context, id uuid.UUID, errMsg string) error {
	return r.finish(id, models.StatusFailed, errMsg)
}

func (r *fakeEventRepo) MarkRetry(_ context.Context, id uuid.UUID, expectedRetryCount int, next models.EventStatus, errMsg string) error {
	return r.transition(id, func(e *models.SyncEvent) bool {
		return e.Status == models.StatusProcessing && e.RetryCount == expectedRetryCount
	}, func(e *models.SyncEvent) {
		e.Status = next
		e.RetryCount++
		e.LastError = errMsg
		if next == models.StatusFailed {
			now := time.Now().UTC()
			e.CompletedAt = &now
		}
	})
}

func (r *fakeEventRepo) Release(_ context.Context, id uuid.UUID, reason string) error {
	return r.transition(id, inStatus(models.StatusProcessing), func(e *models.SyncEvent) {
		e.Status = models.StatusPublished
		e.LastError = reason
	})
}

func (r *fakeEventRepo) SupersedeStale(_ context.Context, ref models.EntityRef, olderThan time.Duration, reason string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, e := range r.events {
		if e.Ref() != ref || (e.Status != models.StatusPublished && e.Status != models.StatusProcessing) {
			continue
		}
		if time.Since(e.CreatedAt) <= olderThan {
			continue
		}
		if e.ProcessingStartedAt != nil && time.Since(*e.ProcessingStartedAt) <= olderThan {
			continue
		}
		now := time.Now().UTC()
		e.Status = models.StatusSkipped
		e.CompletedAt = &now
		e.LastError = reason
		n++
	}
	return n, nil
}

func (r *fakeEventRepo) CountByStatus(context.Context) (map[models.EventStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[models.EventStatus]int64{}
	for _, e := range r.events {
		out[e.Status]++
	}
	return out, nil
}

func (r *fakeEventRepo) CountStuckPending(_ context.Context, olderThan time.Duration) (int64, error) {
	stuck := r.filter(func(e *models.SyncEvent) bool {
		return e.Status == models.StatusPending && time.Since(e.CreatedAt) > olderThan
	}, 0)
	return int64(len(stuck)), nil
}

func (r *fakeEventRepo) AverageProcessingLatency(_ context.Context, since time.Time) (time.Duration, error) {
	done := r.filter(func(e *models.SyncEvent) bool {
		return e.CompletedAt != nil && e.CompletedAt.After(since)
	}, 0)
	if len(done) == 0 {
		return 0, nil
	}
	var total time.Duration
	for _, e := range done {
		total += e.CompletedAt.Sub(e.CreatedAt)
	}
	return total / time.Duration(len(done)), nil
}

// age moves an event's creation time into the past.
func (r *fakeEventRepo) age(id uuid.UUID, by time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.events[id]
	e.CreatedAt = e.CreatedAt.Add(-by)
	if e.ProcessingStartedAt != nil {
		started := e.ProcessingStartedAt.Add(-by)
		e.ProcessingStartedAt = &started
	}
}

func (r *fakeEventRepo) forEntity(ref models.EntityRef) []*models.SyncEvent {
	return r.filter(func(e *models.SyncEvent) bool { return e.Ref() == ref }, 0)
}

type fakeStatusRepo struct {
	mu       sync.Mutex
	statuses map[models.EntityRef]*models.SyncStatus
	events   *fakeEventRepo
}

func newFakeStatusRepo(events *fakeEventRepo) *fakeStatusRepo {
	return &fakeStatusRepo{statuses: make(map[models.EntityRef]*models.SyncStatus), events: events}
}

func (r *fakeStatusRepo) pending(ref models.EntityRef) bool {
	return len(r.events.filter(func(e *models.SyncEvent) bool {
		return e.Ref() == ref && !e.Status.IsTerminal()
	}, 1)) > 0
}

func (r *fakeStatusRepo) row(ref models.EntityRef) *models.SyncStatus {
	s, ok := r.statuses[ref]
	if !ok {
		now := time.Now().UTC()
		s = &models.SyncStatus{EntityID: ref.ID, EntityType: ref.Type, CreatedAt: now}
		r.statuses[ref] = s
	}
	s.UpdatedAt = time.Now().UTC()
	return s
}

func (r *fakeStatusRepo) Get(_ context.Context, ref models.EntityRef) (*models.SyncStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.statuses[ref]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	out := *s
	return &out, nil
}

func (r *fakeStatusRepo) EnsureWithTx(_ context.Context, _ pgx.Tx, ref models.EntityRef, sourceVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.statuses[ref]; ok && s.SourceVersion > sourceVersion {
		return repositories.ErrStaleSourceVersion
	}
	s := r.row(ref)
	s.SourceVersion = sourceVersion
	s.HasPendingChanges = true
	s.IsSynced = false
	return nil
}

func (r *fakeStatusRepo) RecordSynced(_ context.Context, ref models.EntityRef, version int64, checksum string) error {
	pending := r.pending(ref)
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.row(ref)
	now := time.Now().UTC()
	s.SourceVersion = max(s.SourceVersion, version)
	s.TargetVersion = version
	s.TargetChecksum = checksum
	s.LastSyncedVersion = version
	s.LastSyncedAt = &now
	s.IsSynced = s.SourceVersion <= version
	s.LastError = ""
	s.HasPendingChanges = pending
	return nil
}

func (r *fakeStatusRepo) RecordError(_ context.Context, ref models.EntityRef, errMsg string) error {
	pending := r.pending(ref)
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.statuses[ref]
	if !ok {
		return repositories.ErrNotFound
	}
	s.LastError = errMsg
	s.IsSynced = false
	s.HasPendingChanges = pending
	return nil
}

func (r *fakeStatusRepo) RecordConflict(_ context.Context, ref models.EntityRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.row(ref)
	s.HasConflict = true
	s.ConflictCount++
	s.IsSynced = false
	return nil
}

func (r *fakeStatusRepo) ClearConflict(_ context.Context, ref models.EntityRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.statuses[ref]
	if !ok {
		return repositories.ErrNotFound
	}
	s.HasConflict = false
	return nil
}

func (r *fakeStatusRepo) RecordReconciled(_ context.Context, ref models.EntityRef, sourceVersion int64, synced bool) error {
	pending := r.pending(ref)
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.row(ref)
	now := time.Now().UTC()
	s.SourceVersion = max(s.SourceVersion, sourceVersion)
	s.IsSynced = synced
	s.LastReconciledAt = &now
	s.HasPendingChanges = pending
	return nil
}

func (r *fakeStatusRepo) RefreshPending(_ context.Context, ref models.EntityRef) error {
	pending := r.pending(ref)
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.statuses[ref]; ok {
		s.HasPendingChanges = pending
	}
	return nil
}

func (r *fakeStatusRepo) ListPending(_ context.Context, limit int) ([]*models.SyncStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.SyncStatus
	for _, s := range r.statuses {
		if s.HasPendingChanges {
			c := *s
			out = append(out, &c)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeStatusRepo) CountUnsynced(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.statuses {
		if !s.IsSynced {
			n++
		}
	}
	return n, nil
}

func (r *fakeStatusRepo) ids(entityType models.EntityType) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for ref := range r.statuses {
		if ref.Type == entityType {
			out = append(out, ref.ID)
		}
	}
	return out
}

type fakeConflictRepo struct {
	mu        sync.Mutex
	conflicts []*models.SyncConflict
}

func copyConflict(c *models.SyncConflict) *models.SyncConflict {
	out := *c
	return &out
}

func (r *fakeConflictRepo) Create(_ context.Context, c *models.SyncConflict) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts = append(r.conflicts, copyConflict(c))
	return nil
}

func (r *fakeConflictRepo) GetByID(_ context.Context, id uuid.UUID) (*models.SyncConflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conflicts {
		if c.ID == id {
			return copyConflict(c), nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (r *fakeConflictRepo) GetOpen(_ context.Context, ref models.EntityRef) (*models.SyncConflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.conflicts) - 1; i >= 0; i-- {
		c := r.conflicts[i]
		if c.Ref() == ref && c.ResolutionStatus.IsOpen() {
			return copyConflict(c), nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (r *fakeConflictRepo) ListByStatus(_ context.Context, status models.ResolutionStatus, limit int) ([]*models.SyncConflict, error) {
	return r.list(func(c *models.SyncConflict) bool { return c.ResolutionStatus == status }, limit), nil
}

func (r *fakeConflictRepo) ListOpen(_ context.Context, limit int) ([]*models.SyncConflict, error) {
	return r.list(func(c *models.SyncConflict) bool { return c.ResolutionStatus.IsOpen() }, limit), nil
}

func (r *fakeConflictRepo) list(match func(*models.SyncConflict) bool, limit int) []*models.SyncConflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.SyncConflict
	for _, c := range r.conflicts {
		if match(c) {
			out = append(out, copyConflict(c))
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out
}

func (r *fakeConflictRepo) UpdateResolution(_ context.Context, c *models.SyncConflict, previous models.ResolutionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.conflicts {
		if existing.ID != c.ID {
			continue
		}
		if existing.ResolutionStatus != previous {
			return repositories.ErrTransitionRejected
		}
		r.conflicts[i] = copyConflict(c)
		return nil
	}
	return repositories.ErrNotFound
}

func (r *fakeConflictRepo) CountOpen(ctx context.Context) (int64, error) {
	open, _ := r.ListOpen(ctx, 0)
	return int64(len(open)), nil
}

type fakeRunRepo struct {
	mu   sync.Mutex
	runs []*models.ReconciliationRun
	// updates counts Update calls, i.e. progress saves.
	updates int
}

func (r *fakeRunRepo) Create(_ context.Context, run *models.ReconciliationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *run
	r.runs = append(r.runs, &c)
	return nil
}

func (r *fakeRunRepo) Update(_ context.Context, run *models.ReconciliationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
	for i, existing := range r.runs {
		if existing.ID == run.ID {
			c := *run
			r.runs[i] = &c
			return nil
		}
	}
	return repositories.ErrNotFound
}

func (r *fakeRunRepo) GetByID(_ context.Context, id uuid.UUID) (*models.ReconciliationRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, run := range r.runs {
		if run.ID == id {
			c := *run
			return &c, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (r *fakeRunRepo) ListRecent(_ context.Context, limit int) ([]*models.ReconciliationRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ReconciliationRun
	for i := len(r.runs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		c := *r.runs[i]
		out = append(out, &c)
	}
	return out, nil
}

// fakeSourceRepo is the business tables of the relational store.
type fakeSourceRepo struct {
	mu       sync.Mutex
	rows     map[models.EntityRef]*repositories.SourceRecord
	statuses *fakeStatusRepo
}

func newFakeSourceRepo(statuses *fakeStatusRepo) *fakeSourceRepo {
	return &fakeSourceRepo{rows: make(map[models.EntityRef]*repositories.SourceRecord), statuses: statuses}
}

func (r *fakeSourceRepo) put(ref models.EntityRef, version int64, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[ref] = &repositories.SourceRecord{Ref: ref, Version: version, Data: data}
}

func (r *fakeSourceRepo) remove(ref models.EntityRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, ref)
}

func (r *fakeSourceRepo) Get(_ context.Context, ref models.EntityRef) (*repositories.SourceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[ref]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	data := make(map[string]any, len(row.Data))
	for k, v := range row.Data {
		data[k] = v
	}
	return &repositories.SourceRecord{Ref: ref, Version: row.Version, Data: data}, nil
}

func (r *fakeSourceRepo) ListIDs(_ context.Context, entityType models.EntityType, afterID string, limit int) ([]string, error) {
	seen := map[string]bool{}
	for _, id := range r.statuses.ids(entityType) {
		seen[id] = true
	}
	r.mu.Lock()
	for ref := range r.rows {
		if ref.Type == entityType {
			seen[ref.ID] = true
		}
	}
	r.mu.Unlock()

	var ids []string
	for id := range seen {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *fakeSourceRepo) WriteBack(_ context.Context, ref models.EntityRef, fields map[string]any, version int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[ref]
	if !ok {
		return repositories.ErrNotFound
	}
	for k, v := range fields {
		row.Data[k] = v
	}
	row.Version = max(row.Version, version)
	return nil
}

// flakyStore fails the next n graph calls with a network-style error.
type flakyStore struct {
	graph.Store
	mu       sync.Mutex
	failures int
	calls    int
}

var errGraphDown = errors.New("connection refused")

func (s *flakyStore) fail() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errGraphDown
	}
	return nil
}

func (s *flakyStore) Get(ctx context.Context, ref models.EntityRef) (*graph.Record, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	return s.Store.Get(ctx, ref)
}

func (s *flakyStore) Put(ctx context.Context, record *graph.Record) error {
	if err := s.fail(); err != nil {
		return err
	}
	return s.Store.Put(ctx, record)
}

// harness wires the whole pipeline over in-memory backends.
type harness struct {
	t          *testing.T
	db         *fakeDB
	events     *fakeEventRepo
	statuses   *fakeStatusRepo
	conflicts  *fakeConflictRepo
	runs       *fakeRunRepo
	source     *fakeSourceRepo
	graph      *graph.MemoryStore
	store      graph.Store
	transport  *queue.MemoryTransport
	registry   *entities.Registry
	publisher  *Publisher
	relay      *Relay
	consumer   *Consumer
	resolver   *ConflictResolver
	reconciler *Reconciler
}

type harnessOption func(*harness)

func withStore(wrap func(graph.Store) graph.Store) harnessOption {
	return func(h *harness) { h.store = wrap(h.graph) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	registry, err := entities.DefaultRegistry()
	require.NoError(t, err)

	h := &harness{
		t:         t,
		db:        &fakeDB{},
		events:    newFakeEventRepo(),
		conflicts: &fakeConflictRepo{},
		runs:      &fakeRunRepo{},
		graph:     graph.NewMemoryStore(),
		transport: queue.NewMemoryTransport(),
		registry:  registry,
	}
	h.statuses = newFakeStatusRepo(h.events)
	h.source = newFakeSourceRepo(h.statuses)
	h.store = h.graph
	for _, opt := range opts {
		opt(h)
	}
	t.Cleanup(func() { _ = h.transport.Close() })

	h.publisher = NewPublisher(h.db, h.events, h.statuses, registry, logger)
	h.relay = NewRelay(h.events, h.transport, lock.NoopLocker{}, RelayConfig{BatchSize: 100, StuckAfter: time.Minute}, logger)
	h.publisher.OnCommit(h.relay.Notify)
	h.resolver = NewConflictResolver(h.conflicts, h.statuses, h.source, h.store, registry, logger)
	h.consumer = NewConsumer(h.transport, h.events, h.statuses, nil, h.store, registry, h.resolver, ConsumerConfig{
		ConsumerID:        "test-consumer",
		BatchSize:         10,
		PollInterval:      10 * time.Millisecond,
		ProcessingTimeout: time.Minute,
		ApplyTimeout:      time.Second,
	}, logger)
	h.reconciler = NewReconciler(h.events, h.statuses, h.runs, h.source, h.store, registry, h.publisher, h.resolver,
		lock.NoopLocker{}, ReconcilerConfig{BatchSize: 2, InflightGrace: time.Minute, RepairRate: 1000}, logger)
	return h
}

// write simulates a business write: the source row changes and the event is
// published in the same transaction.
func (h *harness) write(eventType models.EventType, ref models.EntityRef, version int64, data map[string]any) uuid.UUID {
	h.t.Helper()
	if data == nil {
		data = map[string]any{}
	}
	if eventType.IsDelete() {
		h.source.remove(ref)
	} else {
		current := map[string]any{}
		if row, err := h.source.Get(context.Background(), ref); err == nil {
			current = row.Data
		}
		for k, v := range data {
			current[k] = v
		}
		h.source.put(ref, version, current)
	}

	tx, _ := h.db.Begin(context.Background())
	id, err := h.publisher.Publish(context.Background(), tx, PublishRequest{
		EventType:     eventType,
		EntityType:    ref.Type,
		EntityID:      ref.ID,
		Payload:       mustJSON(h.t, data),
		SourceVersion: version,
	})
	require.NoError(h.t, err)
	require.NoError(h.t, tx.Commit(context.Background()))
	h.publisher.Committed()
	return id
}

// drain relays and consumes until the queue is empty.
func (h *harness) drain() BatchResult {
	h.t.Helper()
	ctx := context.Background()
	var total BatchResult
	for i := 0; i < 20; i++ {
		_, err := h.relay.DispatchOnce(ctx)
		require.NoError(h.t, err)
		if h.transport.Ready() == 0 {
			return total
		}
		result, err := h.consumer.ProcessBatch(ctx)
		require.NoError(h.t, err)
		total.Completed += result.Completed
		total.Skipped += result.Skipped
		total.Conflicts += result.Conflicts
		total.Deferred += result.Deferred
		total.Retried += result.Retried
		total.Failed += result.Failed
		total.Discarded += result.Discarded
		total.DeadLettered += result.DeadLettered
	}
	return total
}

func (h *harness) target(ref models.EntityRef) *graph.Record {
	h.t.Helper()
	rec, err := h.graph.Get(context.Background(), ref)
	if errors.Is(err, graph.ErrRecordNotFound) {
		return nil
	}
	require.NoError(h.t, err)
	return rec
}

func (h *harness) status(ref models.EntityRef) *models.SyncStatus {
	h.t.Helper()
	s, err := h.statuses.Get(context.Background(), ref)
	require.NoError(h.t, err)
	return s
}
