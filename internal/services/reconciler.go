package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prudhvinik1/graphsync/internal/entities"
	"github.com/prudhvinik1/graphsync/internal/graph"
	"github.com/prudhvinik1/graphsync/internal/lock"
	"github.com/prudhvinik1/graphsync/internal/metrics"
	"github.com/prudhvinik1/graphsync/internal/models"
	"github.com/prudhvinik1/graphsync/internal/repositories"
	"github.com/prudhvinik1/graphsync/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	reconcileLockName = "reconciliation"
	supersededReason  = "superseded by reconciliation"
)

var ErrReconciliationRunning = errors.New("a reconciliation run is already in progress")

type ReconcilerConfig struct {
	BatchSize     int
	InflightGrace time.Duration
	// RepairRate caps repair events per second.
	RepairRate    float64
	EntityTimeout time.Duration
	LockTTL       time.Duration
}

type ReconcileOptions struct {
	EntityTypes []models.EntityType
	EntityIDs   []string
	BatchSize   int
}

type entityVerdict int

const (
	verdictUnknown entityVerdict = iota
	verdictSkipped
	verdictConsistent
	verdictRepaired
	verdictConflict
)

// Reconciler compares both stores entity by entity and feeds whatever
// disagrees back through the publish pipeline or the conflict resolver. It
// never writes the graph itself.
type Reconciler struct {
	events    repositories.SyncEventRepository
	statuses  repositories.SyncStatusRepository
	runs      repositories.ReconciliationRunRepository
	source    repositories.SourceRepository
	graph     graph.Store
	registry  *entities.Registry
	publisher *Publisher
	resolver  *ConflictResolver
	locker    lock.Locker
	cfg       ReconcilerConfig
	logger    *zap.Logger

	limiter *rate.Limiter
}

func NewReconciler(
	events repositories.SyncEventRepository,
	statuses repositories.SyncStatusRepository,
	runs repositories.ReconciliationRunRepository,
	source repositories.SourceRepository,
	store graph.Store,
	registry *entities.Registry,
	publisher *Publisher,
	resolver *ConflictResolver,
	locker lock.Locker,
	cfg ReconcilerConfig,
	logger *zap.Logger,
) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RepairRate <= 0 {
		cfg.RepairRate = 50
	}
	if cfg.EntityTimeout <= 0 {
		cfg.EntityTimeout = 10 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	if cfg.InflightGrace <= 0 {
		cfg.InflightGrace = 5 * time.Minute
	}
	burst := max(int(cfg.RepairRate), 1)

	return &Reconciler{
		events:    events,
		statuses:  statuses,
		runs:      runs,
		source:    source,
		graph:     store,
		registry:  registry,
		publisher: publisher,
		resolver:  resolver,
		locker:    locker,
		cfg:       cfg,
		logger:    logger.Named("reconciler"),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RepairRate), burst),
	}
}

// RunFullReconciliation walks every selected entity once. Only one run is
// active cluster-wide; a second caller gets ErrReconciliationRunning.
func (r *Reconciler) RunFullReconciliation(ctx context.Context, opts ReconcileOptions) (*models.ReconciliationRun, error) {
	types, err := r.selectTypes(opts.EntityTypes)
	if err != nil {
		return nil, err
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = r.cfg.BatchSize
	}

	unlock, ok, err := r.locker.TryLock(ctx, reconcileLockName, r.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrReconciliationRunning
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("failed to release reconciliation lock", zap.Error(err))
		}
	}()

	ctx, span := tracing.Tracer().Start(ctx, "reconciler.run")
	defer span.End()

	run := models.NewReconciliationRun(typeNames(types), opts.EntityIDs, batchSize)
	if err := r.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create reconciliation run: %w", err)
	}
	span.SetAttributes(attribute.String("run_id", run.ID.String()))

	log := r.logger.With(zap.String("run_id", run.ID.String()))
	log.Info("reconciliation started",
		zap.Strings("entity_types", run.EntityTypes),
		zap.Int("entity_ids", len(opts.EntityIDs)),
		zap.Int("batch_size", batchSize))

	runErr := r.walk(ctx, run, types, opts.EntityIDs, batchSize)
	if runErr == nil {
		runErr = r.resolvePending(ctx, run, batchSize)
	}

	run.Finish(runErr)
	if err := r.runs.Update(context.WithoutCancel(ctx), run); err != nil {
		log.Error("failed to finalize reconciliation run", zap.Error(err))
	}

	metrics.ReconciliationRuns.WithLabelValues(string(run.Status)).Inc()
	metrics.ReconciliationDuration.Observe(run.Duration().Seconds())

	fields := []zap.Field{
		zap.String("status", string(run.Status)),
		zap.Int("checked", run.EntitiesChecked),
		zap.Int("inconsistencies", run.InconsistenciesFound),
		zap.Int("repairs", run.RepairsEmitted),
		zap.Int("conflicts", run.ConflictsFound),
		zap.Int("resolved", run.ConflictsResolved),
		zap.Int("escalated", run.ConflictsEscalated),
		zap.Duration("duration", run.Duration()),
	}
	if runErr != nil {
		log.Error("reconciliation failed", append(fields, zap.Error(runErr))...)
		return run, runErr
	}
	log.Info("reconciliation completed", fields...)
	return run, nil
}

func (r *Reconciler) selectTypes(requested []models.EntityType) ([]models.EntityType, error) {
	if len(requested) == 0 {
		return r.registry.Types(), nil
	}
	for _, t := range requested {
		if _, err := r.registry.Definition(t); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrEntityNotSynchronized, t)
		}
	}
	return requested, nil
}

func (r *Reconciler) walk(ctx context.Context, run *models.ReconciliationRun, types []models.EntityType, ids []string, batchSize int) error {
	for _, entityType := range types {
		def, err := r.registry.Definition(entityType)
		if err != nil {
			return err
		}

		if len(ids) > 0 {
			for start := 0; start < len(ids); start += batchSize {
				end := min(start+batchSize, len(ids))
				if err := r.reconcileBatch(ctx, run, def, ids[start:end], true); err != nil {
					return err
				}
			}
			continue
		}

		after := ""
		for {
			batch, err := r.source.ListIDs(ctx, entityType, after, batchSize)
			if err != nil {
				return fmt.Errorf("failed to list %s ids: %w", entityType, err)
			}
			if len(batch) == 0 {
				break
			}
			if err := r.reconcileBatch(ctx, run, def, batch, false); err != nil {
				return err
			}
			after = batch[len(batch)-1]
			if len(batch) < batchSize {
				break
			}
		}
	}
	return nil
}

func (r *Reconciler) reconcileBatch(ctx context.Context, run *models.ReconciliationRun, def *entities.Definition, ids []string, explicit bool) error {
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		ref := models.NewEntityRef(def.Type, id)

		entityCtx, cancel := context.WithTimeout(ctx, r.cfg.EntityTimeout)
		verdict, err := r.reconcileEntity(entityCtx, def, ref, explicit)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("failed to reconcile entity", zap.String("entity", ref.String()), zap.Error(err))
			if rerr := r.statuses.RecordError(ctx, ref, err.Error()); rerr != nil && !errors.Is(rerr, repositories.ErrNotFound) {
				r.logger.Warn("failed to record sync error", zap.String("entity", ref.String()), zap.Error(rerr))
			}
		}

		switch verdict {
		case verdictUnknown:
			if err == nil {
				continue
			}
		case verdictRepaired:
			run.InconsistenciesFound++
			run.RepairsEmitted++
			metrics.ReconciliationRepairs.WithLabelValues(string(def.Type)).Inc()
		case verdictConflict:
			run.InconsistenciesFound++
			run.ConflictsFound++
		}
		run.EntitiesChecked++
	}

	if err := r.runs.Update(ctx, run); err != nil {
		return fmt.Errorf("failed to save run progress: %w", err)
	}
	return nil
}

// reconcileEntity returns verdictUnknown for an id neither store knows.
func (r *Reconciler) reconcileEntity(ctx context.Context, def *entities.Definition, ref models.EntityRef, explicit bool) (entityVerdict, error) {
	open, err := r.resolver.HasConflict(ctx, ref)
	if err != nil {
		return verdictSkipped, err
	}
	if open {
		return verdictSkipped, nil
	}

	inflight, err := r.events.ListNonTerminalForEntity(ctx, ref)
	if err != nil {
		return verdictSkipped, fmt.Errorf("failed to list in-flight events: %w", err)
	}
	// Past this point every non-terminal event is stale: its message was lost
	// or its consumer died.
	for _, event := range inflight {
		if time.Since(event.CreatedAt) < r.cfg.InflightGrace {
			return verdictSkipped, nil
		}
	}
	stale := len(inflight) > 0

	src, err := r.source.Get(ctx, ref)
	if errors.Is(err, repositories.ErrNotFound) {
		src = nil
	} else if err != nil {
		return verdictSkipped, fmt.Errorf("failed to read source: %w", err)
	}

	target, status, err := readTarget(ctx, r.graph, r.statuses, def, ref)
	if err != nil {
		return verdictSkipped, err
	}
	if explicit && src == nil && target.record == nil && status == nil {
		return verdictUnknown, nil
	}

	var sourceChecksum string
	if src != nil {
		if sourceChecksum, err = def.Checksum(src.Data); err != nil {
			return verdictSkipped, err
		}
	}

	targetLive := target.record.Live()
	switch {
	case src == nil && !targetLive:
		return verdictConsistent, r.markConsistent(ctx, ref, target, status, stale)
	case src != nil && targetLive && src.Version == target.version && sourceChecksum == target.checksum:
		return verdictConsistent, r.markConsistent(ctx, ref, target, status, stale)
	}

	if status.TargetDiverged(target.version, target.checksum) {
		return r.conflict(ctx, ref, src, target)
	}

	if src == nil {
		version := target.version + 1
		if status != nil {
			version = max(version, status.SourceVersion)
		}
		return r.repair(ctx, ref, deleteEventType(def), json.RawMessage(`{}`), version, stale)
	}

	if src.Version <= target.version {
		// Same or older version with different content: the source changed
		// without a new version, which only an operator can settle.
		return r.conflict(ctx, ref, src, target)
	}

	eventType, payload, err := repairSnapshot(def, src.Data, targetLive)
	if err != nil {
		return verdictSkipped, err
	}
	return r.repair(ctx, ref, eventType, payload, src.Version, stale)
}

func (r *Reconciler) markConsistent(ctx context.Context, ref models.EntityRef, target targetView, status *models.SyncStatus, stale bool) error {
	if stale {
		if err := r.supersede(ctx, ref); err != nil {
			return err
		}
	}

	sourceVersion := target.version
	if status != nil {
		sourceVersion = max(sourceVersion, status.SourceVersion)
	}
	if err := r.statuses.RecordSynced(ctx, ref, target.version, target.checksum); err != nil {
		return err
	}
	return r.statuses.RecordReconciled(ctx, ref, sourceVersion, sourceVersion <= target.version)
}

func (r *Reconciler) conflict(ctx context.Context, ref models.EntityRef, src *repositories.SourceRecord, target targetView) (entityVerdict, error) {
	in := DetectInput{
		Ref:           ref,
		TargetVersion: target.version,
		DetectedBy:    models.DetectedByReconciliation,
	}
	if target.record.Live() {
		in.TargetData = target.record.Data
	}
	if src != nil {
		in.SourceVersion = src.Version
		in.SourceData = src.Data
	}
	if _, err := r.resolver.Detect(ctx, in); err != nil {
		return verdictSkipped, err
	}
	if err := r.statuses.RecordReconciled(ctx, ref, in.SourceVersion, false); err != nil {
		return verdictConflict, err
	}
	return verdictConflict, nil
}

func (r *Reconciler) repair(ctx context.Context, ref models.EntityRef, eventType models.EventType, payload json.RawMessage, version int64, stale bool) (entityVerdict, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return verdictSkipped, err
	}

	eventID, err := r.publisher.PublishRepair(ctx, PublishRequest{
		EventType:     eventType,
		EntityType:    ref.Type,
		EntityID:      ref.ID,
		Payload:       payload,
		SourceVersion: version,
	})
	if err != nil {
		return verdictSkipped, fmt.Errorf("failed to publish repair: %w", err)
	}

	r.logger.Info("repair event emitted",
		zap.String("entity", ref.String()),
		zap.String("event_id", eventID.String()),
		zap.String("event_type", string(eventType)),
		zap.Int64("source_version", version))

	// The repair carries the full state, so the stale events have nothing
	// left to deliver.
	if stale {
		if err := r.supersede(ctx, ref); err != nil {
			return verdictRepaired, err
		}
	}
	if err := r.statuses.RecordReconciled(ctx, ref, version, false); err != nil {
		return verdictRepaired, err
	}
	return verdictRepaired, nil
}

// supersede closes the stale events of ref so has_pending_changes can clear.
func (r *Reconciler) supersede(ctx context.Context, ref models.EntityRef) error {
	closed, err := r.events.SupersedeStale(ctx, ref, r.cfg.InflightGrace, supersededReason)
	if err != nil {
		return err
	}
	if closed > 0 {
		r.logger.Info("stale events superseded",
			zap.String("entity", ref.String()),
			zap.Int64("events", closed))
	}
	return nil
}

// resolvePending drains DETECTED conflicts so none outlives the run.
func (r *Reconciler) resolvePending(ctx context.Context, run *models.ReconciliationRun, batchSize int) error {
	ctx, span := tracing.Tracer().Start(ctx, "reconciler.resolve_pending", trace.WithAttributes(
		attribute.String("run_id", run.ID.String())))
	defer span.End()

	for {
		resolved, escalated, err := r.resolver.ResolvePending(ctx, batchSize)
		run.ConflictsResolved += resolved
		run.ConflictsEscalated += escalated
		if err != nil {
			return fmt.Errorf("failed to resolve pending conflicts: %w", err)
		}
		if uerr := r.runs.Update(ctx, run); uerr != nil {
			return fmt.Errorf("failed to save run progress: %w", uerr)
		}
		if resolved+escalated < batchSize {
			return nil
		}
	}
}

func deleteEventType(def *entities.Definition) models.EventType {
	if def.Kind == entities.KindEdge {
		return models.EventRelationshipDeleted
	}
	return models.EventContentDeleted
}

// repairSnapshot builds the full-state payload of a repair event. Update
// payloads cannot carry identity fields, so they are dropped there.
func repairSnapshot(def *entities.Definition, data map[string]any, targetLive bool) (models.EventType, json.RawMessage, error) {
	eventType := models.EventContentCreated
	fields := def.SourceFields(data)

	switch {
	case def.Kind == entities.KindEdge:
		eventType = models.EventRelationshipCreated
	case targetLive:
		eventType = models.EventContentUpdated
		for _, f := range def.Fields {
			if f.Identity {
				delete(fields, f.Name)
			}
		}
	}

	payload, err := json.Marshal(fields)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode repair payload: %w", err)
	}
	return eventType, payload, nil
}

func typeNames(types []models.EntityType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
