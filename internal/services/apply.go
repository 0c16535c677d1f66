package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prudhvinik1/graphsync/internal/entities"
	"github.com/prudhvinik1/graphsync/internal/graph"
	"github.com/prudhvinik1/graphsync/internal/models"
	"github.com/prudhvinik1/graphsync/internal/repositories"
)

type applyOutcome int

const (
	outcomeApplied applyOutcome = iota
	outcomeAlreadyApplied
	outcomeSuperseded
)

// targetView is what the graph holds for an entity, measured the same way
// SyncStatus records it.
type targetView struct {
	record   *graph.Record
	version  int64
	checksum string
}

func (v targetView) data() map[string]any {
	if v.record == nil || v.record.Data == nil {
		return map[string]any{}
	}
	return v.record.Data
}

// readTarget loads the graph record and the sync status of ref. An absent
// record reports the version last recorded in SyncStatus.
func readTarget(ctx context.Context, store graph.Store, statuses repositories.SyncStatusRepository, def *entities.Definition, ref models.EntityRef) (targetView, *models.SyncStatus, error) {
	var view targetView

	record, err := store.Get(ctx, ref)
	switch {
	case errors.Is(err, graph.ErrRecordNotFound):
	case err != nil:
		return view, nil, asTransient("graph read", err)
	default:
		view.record = record
		view.version = record.Version
	}

	status, err := statuses.Get(ctx, ref)
	if errors.Is(err, repositories.ErrNotFound) {
		status = nil
	} else if err != nil {
		return view, nil, asTransient("sync status read", err)
	}

	if view.record == nil && status != nil {
		view.version = status.TargetVersion
	}
	if view.record.Live() {
		checksum, err := def.Checksum(view.record.Data)
		if err != nil {
			return view, nil, err
		}
		view.checksum = checksum
	}
	return view, status, nil
}

// decideAndApply orders event against the target state and applies it when
// it is the next version for the entity.
func (c *Consumer) decideAndApply(ctx context.Context, event *models.SyncEvent, payload *entities.Payload) (applyOutcome, error) {
	def := payload.Definition
	ref := event.Ref()

	target, status, err := readTarget(ctx, c.graph, c.statuses, def, ref)
	if err != nil {
		return 0, err
	}

	t, v := target.version, event.SourceVersion
	diverged := status.TargetDiverged(target.version, target.checksum)

	switch {
	case t > v && diverged:
		return 0, c.versionConflict(ref, v, t, "target moved ahead outside the pipeline")
	case t > v:
		return outcomeSuperseded, nil
	case t == v:
		if reflected(def, payload, event.Repair, target) {
			if err := c.statuses.RecordSynced(ctx, ref, t, target.checksum); err != nil {
				return 0, asTransient("record sync", err)
			}
			return outcomeAlreadyApplied, nil
		}
		return 0, c.versionConflict(ref, v, t, "same version, different content")
	case event.Repair:
		if diverged {
			return 0, c.versionConflict(ref, v, t, "target written outside the pipeline")
		}
	case t < v-1:
		return 0, &models.OrderingDeferral{Ref: ref, EventVersion: v, TargetVersion: t}
	case diverged:
		return 0, c.versionConflict(ref, v, t, "target written outside the pipeline")
	}

	checksum, err := c.write(ctx, def, event, payload, target)
	if err != nil {
		return 0, err
	}
	if err := c.statuses.RecordSynced(ctx, ref, v, checksum); err != nil {
		return 0, asTransient("record sync", err)
	}
	return outcomeApplied, nil
}

func (c *Consumer) versionConflict(ref models.EntityRef, expected, found int64, reason string) error {
	return &models.VersionConflictError{Ref: ref, ExpectedVersion: expected - 1, TargetVersion: found, Reason: reason}
}

// reflected reports whether the target already holds the effect of the event.
func reflected(def *entities.Definition, payload *entities.Payload, repair bool, target targetView) bool {
	if payload.Operation == entities.OpDelete {
		return !target.record.Live()
	}
	if !target.record.Live() {
		return false
	}
	if payload.Operation == entities.OpMerge && !repair {
		return def.Contains(target.data(), payload.Fields)
	}
	checksum, err := def.Checksum(payload.Fields)
	return err == nil && checksum == target.checksum
}

// write stores the event's effect at version v and returns the checksum to
// record, empty when the entity is gone from the graph.
func (c *Consumer) write(ctx context.Context, def *entities.Definition, event *models.SyncEvent, payload *entities.Payload, target targetView) (string, error) {
	ref := event.Ref()
	now := time.Now().UTC()

	if payload.Operation == entities.OpDelete {
		if def.DeletePolicy == entities.DeleteHard {
			if err := c.graph.Delete(ctx, ref); err != nil {
				return "", asTransient("graph delete", err)
			}
			return "", nil
		}
		tombstone := &graph.Record{Ref: ref, Version: event.SourceVersion, Deleted: true, Data: target.data(), UpdatedAt: now}
		if err := c.graph.Put(ctx, tombstone); err != nil {
			return "", asTransient("graph tombstone", err)
		}
		return "", nil
	}

	var data map[string]any
	switch {
	case event.Repair || payload.Operation == entities.OpUpsert:
		data = def.Overlay(payload.Fields, target.data())
	default:
		current := target.data()
		if !target.record.Live() {
			current = def.GraphFields(current)
		}
		data = def.MergeInto(current, payload.Fields)
	}

	record := &graph.Record{Ref: ref, Version: event.SourceVersion, Data: data, UpdatedAt: now}
	if err := c.graph.Put(ctx, record); err != nil {
		return "", asTransient("graph write", err)
	}

	checksum, err := def.Checksum(data)
	if err != nil {
		return "", fmt.Errorf("failed to checksum %s: %w", ref, err)
	}
	return checksum, nil
}

// asTransient keeps typed errors intact and marks everything else retryable.
func asTransient(op string, err error) error {
	if models.IsTransient(err) || models.IsSchemaError(err) {
		return err
	}
	return models.NewTransientIOError(op, err)
}
