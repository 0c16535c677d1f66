package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/graphsync/internal/entities"
	"github.com/prudhvinik1/graphsync/internal/graph"
	"github.com/prudhvinik1/graphsync/internal/metrics"
	"github.com/prudhvinik1/graphsync/internal/models"
	"github.com/prudhvinik1/graphsync/internal/repositories"
	"go.uber.org/zap"
)

const systemResolver = "system"

var (
	ErrNoOpenConflict   = errors.New("no open conflict for entity")
	ErrMergeUnsupported = errors.New("MERGE is not supported for relationship edges")
	ErrTargetMissing    = errors.New("target record is missing")
	ErrAlreadyInReview  = errors.New("conflict is already under manual review")
)

type DetectInput struct {
	Ref           models.EntityRef
	SourceVersion int64
	TargetVersion int64
	SourceData    map[string]any
	TargetData    map[string]any
	EventID       *uuid.UUID
	DetectedBy    string
}

// ConflictResolver records disagreements between the stores and settles them
// with one of the resolution strategies.
type ConflictResolver struct {
	conflicts repositories.ConflictRepository
	statuses  repositories.SyncStatusRepository
	source    repositories.SourceRepository
	graph     graph.Store
	registry  *entities.Registry
	logger    *zap.Logger
}

func NewConflictResolver(
	conflicts repositories.ConflictRepository,
	statuses repositories.SyncStatusRepository,
	source repositories.SourceRepository,
	store graph.Store,
	registry *entities.Registry,
	logger *zap.Logger,
) *ConflictResolver {
	return &ConflictResolver{
		conflicts: conflicts,
		statuses:  statuses,
		source:    source,
		graph:     store,
		registry:  registry,
		logger:    logger.Named("conflict_resolver"),
	}
}

func (r *ConflictResolver) HasConflict(ctx context.Context, ref models.EntityRef) (bool, error) {
	conflict, err := r.GetConflict(ctx, ref)
	if err != nil {
		return false, err
	}
	return conflict != nil, nil
}

// GetConflict returns the newest open conflict for ref, or nil.
func (r *ConflictResolver) GetConflict(ctx context.Context, ref models.EntityRef) (*models.SyncConflict, error) {
	conflict, err := r.conflicts.GetOpen(ctx, ref)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	return conflict, nil
}

func (r *ConflictResolver) ListOpen(ctx context.Context, limit int) ([]*models.SyncConflict, error) {
	return r.conflicts.ListOpen(ctx, limit)
}

// Detect records a conflict for in.Ref. While one is open it is returned
// instead of creating another.
func (r *ConflictResolver) Detect(ctx context.Context, in DetectInput) (*models.SyncConflict, error) {
	existing, err := r.GetConflict(ctx, in.Ref)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	def, err := r.registry.Definition(in.Ref.Type)
	if err != nil {
		return nil, err
	}

	sourceData, err := json.Marshal(nonNilMap(in.SourceData))
	if err != nil {
		return nil, fmt.Errorf("failed to encode source snapshot: %w", err)
	}
	targetData, err := json.Marshal(nonNilMap(in.TargetData))
	if err != nil {
		return nil, fmt.Errorf("failed to encode target snapshot: %w", err)
	}

	conflict := &models.SyncConflict{
		ID:                uuid.New(),
		EntityID:          in.Ref.ID,
		EntityType:        in.Ref.Type,
		SourceVersion:     in.SourceVersion,
		TargetVersion:     in.TargetVersion,
		SourceData:        sourceData,
		TargetData:        targetData,
		DifferenceSummary: def.Diff(in.SourceData, in.TargetData),
		ResolutionStatus:  models.ResolutionDetected,
		EventID:           in.EventID,
		DetectedBy:        in.DetectedBy,
		DetectedAt:        time.Now().UTC(),
	}
	if err := r.conflicts.Create(ctx, conflict); err != nil {
		return nil, fmt.Errorf("failed to record conflict: %w", err)
	}
	if err := r.statuses.RecordConflict(ctx, in.Ref); err != nil {
		return nil, err
	}

	metrics.ConflictsDetected.WithLabelValues(string(in.Ref.Type), in.DetectedBy).Inc()
	r.logger.Warn("conflict detected",
		zap.String("conflict_id", conflict.ID.String()),
		zap.String("entity", in.Ref.String()),
		zap.Int64("source_version", in.SourceVersion),
		zap.Int64("target_version", in.TargetVersion),
		zap.String("detected_by", in.DetectedBy),
		zap.Int("differences", len(conflict.DifferenceSummary)))
	return conflict, nil
}

// ResolveConflict settles the open conflict of ref with method.
func (r *ConflictResolver) ResolveConflict(ctx context.Context, ref models.EntityRef, method models.ResolutionMethod, resolvedBy, notes string) (*models.SyncConflict, error) {
	if !method.IsValid() {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidResolution, method)
	}
	conflict, err := r.GetConflict(ctx, ref)
	if err != nil {
		return nil, err
	}
	if conflict == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoOpenConflict, ref)
	}
	if err := r.resolve(ctx, conflict, method, resolvedBy, notes); err != nil {
		return nil, err
	}
	return conflict, nil
}

// ResolvePending settles up to limit DETECTED conflicts with their type's
// default strategy. A strategy that fails escalates to MANUAL_REVIEW so no
// conflict is left DETECTED.
func (r *ConflictResolver) ResolvePending(ctx context.Context, limit int) (resolved, escalated int, err error) {
	pending, err := r.conflicts.ListByStatus(ctx, models.ResolutionDetected, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list detected conflicts: %w", err)
	}

	for _, conflict := range pending {
		method := models.MethodManualReview
		if def, err := r.registry.Definition(conflict.EntityType); err == nil {
			method = def.DefaultStrategy
		}

		if method != models.MethodManualReview {
			err := r.resolve(ctx, conflict, method, systemResolver, "")
			if err == nil {
				resolved++
				continue
			}
			if errors.Is(err, repositories.ErrTransitionRejected) {
				continue
			}
			r.logger.Warn("automatic resolution failed, escalating",
				zap.String("conflict_id", conflict.ID.String()),
				zap.String("entity", conflict.Ref().String()),
				zap.String("method", string(method)),
				zap.Error(err))
			err = r.resolve(ctx, conflict, models.MethodManualReview, systemResolver,
				fmt.Sprintf("%s failed: %v", method, err))
			if err != nil {
				return resolved, escalated, err
			}
			escalated++
			continue
		}

		if err := r.resolve(ctx, conflict, models.MethodManualReview, systemResolver, ""); err != nil {
			return resolved, escalated, err
		}
		escalated++
	}
	return resolved, escalated, nil
}

func (r *ConflictResolver) resolve(ctx context.Context, conflict *models.SyncConflict, method models.ResolutionMethod, resolvedBy, notes string) error {
	if !conflict.ResolutionStatus.IsOpen() {
		return fmt.Errorf("%w: %s", models.ErrConflictAlreadyClosed, conflict.ResolutionStatus)
	}
	if method == models.MethodManualReview && conflict.ResolutionStatus == models.ResolutionManualReview {
		return ErrAlreadyInReview
	}

	def, err := r.registry.Definition(conflict.EntityType)
	if err != nil {
		return err
	}

	switch method {
	case models.MethodLastWriteWins:
		if conflict.SourceVersion >= conflict.TargetVersion {
			err = r.sourceWins(ctx, def, conflict.Ref())
		} else {
			err = r.targetWins(ctx, def, conflict.Ref(), conflict.SourceVersion)
		}
	case models.MethodSourceWins:
		err = r.sourceWins(ctx, def, conflict.Ref())
	case models.MethodTargetWins:
		err = r.targetWins(ctx, def, conflict.Ref(), conflict.SourceVersion)
	case models.MethodMerge:
		err = r.merge(ctx, def, conflict.Ref())
	case models.MethodManualReview, models.MethodIgnore:
	default:
		err = fmt.Errorf("%w: %q", models.ErrInvalidResolution, method)
	}
	if err != nil {
		return fmt.Errorf("failed to apply %s: %w", method, err)
	}

	previous := conflict.ResolutionStatus
	if err := conflict.Close(method, resolvedBy, notes, time.Now().UTC()); err != nil {
		return err
	}
	if err := r.conflicts.UpdateResolution(ctx, conflict, previous); err != nil {
		return err
	}
	if conflict.ResolutionStatus != models.ResolutionManualReview {
		if err := r.statuses.ClearConflict(ctx, conflict.Ref()); err != nil && !errors.Is(err, repositories.ErrNotFound) {
			return err
		}
	}

	metrics.ConflictsResolved.WithLabelValues(string(conflict.EntityType), string(method)).Inc()
	r.logger.Info("conflict resolved",
		zap.String("conflict_id", conflict.ID.String()),
		zap.String("entity", conflict.Ref().String()),
		zap.String("method", string(method)),
		zap.String("status", string(conflict.ResolutionStatus)),
		zap.String("resolved_by", resolvedBy))
	return nil
}

// sourceWins writes the live source row to the graph at the source version.
// A source row that no longer exists deletes the target.
func (r *ConflictResolver) sourceWins(ctx context.Context, def *entities.Definition, ref models.EntityRef) error {
	target, err := r.readTarget(ctx, ref)
	if err != nil {
		return err
	}

	src, err := r.source.Get(ctx, ref)
	if errors.Is(err, repositories.ErrNotFound) {
		return r.deleteTarget(ctx, def, ref, target)
	}
	if err != nil {
		return fmt.Errorf("failed to read source: %w", err)
	}

	var current map[string]any
	if target != nil {
		current = target.Data
	}
	data := def.Overlay(src.Data, current)
	return r.writeTarget(ctx, def, ref, src.Version, data)
}

// targetWins writes the target's source-owned fields back to the relational
// row and aligns both versions.
func (r *ConflictResolver) targetWins(ctx context.Context, def *entities.Definition, ref models.EntityRef, sourceVersion int64) error {
	target, err := r.readTarget(ctx, ref)
	if err != nil {
		return err
	}
	if !target.Live() {
		return fmt.Errorf("%w: %s", ErrTargetMissing, ref)
	}

	version := max(sourceVersion, target.Version)
	if src, err := r.source.Get(ctx, ref); err == nil {
		version = max(version, src.Version)
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("failed to read source: %w", err)
	}

	if err := r.source.WriteBack(ctx, ref, def.SourceFields(target.Data), version); err != nil {
		return fmt.Errorf("failed to write back to source: %w", err)
	}
	return r.writeTarget(ctx, def, ref, version, target.Data)
}

// merge takes source-owned fields from the source, keeping source-owned
// fields only the target has, and graph-owned fields from the target. The
// merged content is written to both stores.
func (r *ConflictResolver) merge(ctx context.Context, def *entities.Definition, ref models.EntityRef) error {
	if def.Kind == entities.KindEdge {
		return ErrMergeUnsupported
	}

	target, err := r.readTarget(ctx, ref)
	if err != nil {
		return err
	}
	src, err := r.source.Get(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to read source: %w", err)
	}

	merged := map[string]any{}
	version := src.Version
	if target.Live() {
		merged = def.SourceFields(target.Data)
		version = max(version, target.Version)
	}
	for k, v := range def.SourceFields(src.Data) {
		merged[k] = v
	}

	if !def.Contains(src.Data, merged) || version > src.Version {
		if err := r.source.WriteBack(ctx, ref, merged, version); err != nil {
			return fmt.Errorf("failed to write back to source: %w", err)
		}
	}

	var current map[string]any
	if target != nil {
		current = target.Data
	}
	return r.writeTarget(ctx, def, ref, version, def.Overlay(merged, current))
}

func (r *ConflictResolver) readTarget(ctx context.Context, ref models.EntityRef) (*graph.Record, error) {
	target, err := r.graph.Get(ctx, ref)
	if errors.Is(err, graph.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return target, nil
}

func (r *ConflictResolver) writeTarget(ctx context.Context, def *entities.Definition, ref models.EntityRef, version int64, data map[string]any) error {
	record := &graph.Record{Ref: ref, Version: version, Data: data, UpdatedAt: time.Now().UTC()}
	if err := r.graph.Put(ctx, record); err != nil {
		return err
	}
	checksum, err := def.Checksum(data)
	if err != nil {
		return err
	}
	return r.statuses.RecordSynced(ctx, ref, version, checksum)
}

func (r *ConflictResolver) deleteTarget(ctx context.Context, def *entities.Definition, ref models.EntityRef, target *graph.Record) error {
	var version int64
	if status, err := r.statuses.Get(ctx, ref); err == nil {
		version = max(status.SourceVersion, status.TargetVersion)
	}
	if target != nil {
		version = max(version, target.Version)
	}

	if def.DeletePolicy == entities.DeleteHard || target == nil {
		if err := r.graph.Delete(ctx, ref); err != nil {
			return err
		}
	} else {
		tombstone := target.Clone()
		tombstone.Deleted = true
		tombstone.Version = version
		tombstone.UpdatedAt = time.Now().UTC()
		if err := r.graph.Put(ctx, tombstone); err != nil {
			return err
		}
	}
	return r.statuses.RecordSynced(ctx, ref, version, "")
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
