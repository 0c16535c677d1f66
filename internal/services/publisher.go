package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prudhvinik1/graphsync/internal/entities"
	"github.com/prudhvinik1/graphsync/internal/metrics"
	"github.com/prudhvinik1/graphsync/internal/models"
	"github.com/prudhvinik1/graphsync/internal/repositories"
	"github.com/prudhvinik1/graphsync/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	ErrEntityNotSynchronized = errors.New("entity type is not synchronized")
	ErrStaleSourceVersion    = errors.New("source version is older than the recorded one")
)

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PublishRequest struct {
	EventType     models.EventType
	EntityType    models.EntityType
	EntityID      string
	Payload       json.RawMessage
	CorrelationID uuid.UUID
	SourceVersion int64

	repair bool
}

// Publisher writes outbox rows inside the business transaction that produced
// the change. The relay ships them afterwards.
type Publisher struct {
	db       TxBeginner
	events   repositories.SyncEventRepository
	statuses repositories.SyncStatusRepository
	registry *entities.Registry
	logger   *zap.Logger

	notify func()
}

func NewPublisher(
	db TxBeginner,
	events repositories.SyncEventRepository,
	statuses repositories.SyncStatusRepository,
	registry *entities.Registry,
	logger *zap.Logger,
) *Publisher {
	return &Publisher{
		db:       db,
		events:   events,
		statuses: statuses,
		registry: registry,
		logger:   logger.Named("publisher"),
	}
}

// OnCommit registers a hook run after an outbox row is known to be committed.
// The server points it at Relay.Notify.
func (p *Publisher) OnCommit(fn func()) {
	p.notify = fn
}

// Committed tells the publisher the caller's transaction committed.
func (p *Publisher) Committed() {
	if p.notify != nil {
		p.notify()
	}
}

// Publish validates req and records it in tx. A returned error means tx must
// be rolled back along with the business write.
func (p *Publisher) Publish(ctx context.Context, tx pgx.Tx, req PublishRequest) (uuid.UUID, error) {
	ctx, span := tracing.Tracer().Start(ctx, "publisher.publish", trace.WithAttributes(
		attribute.String("event_type", string(req.EventType)),
		attribute.String("entity_type", string(req.EntityType)),
		attribute.String("entity_id", req.EntityID),
	))
	defer span.End()

	ref := models.NewEntityRef(req.EntityType, req.EntityID)
	event, err := models.NewSyncEvent(req.EventType, ref, req.Payload, req.CorrelationID, req.SourceVersion)
	if err != nil {
		return uuid.Nil, err
	}
	event.Repair = req.repair

	if _, err := p.registry.Definition(ref.Type); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrEntityNotSynchronized, ref.Type)
	}
	handler, err := p.registry.Handler(event.EventType, ref.Type)
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := handler.Decode(event.Payload); err != nil {
		return uuid.Nil, err
	}

	if err := p.events.CreateWithTx(ctx, tx, event); err != nil {
		return uuid.Nil, fmt.Errorf("failed to write outbox event: %w", err)
	}
	if err := p.statuses.EnsureWithTx(ctx, tx, ref, event.SourceVersion); err != nil {
		if errors.Is(err, repositories.ErrStaleSourceVersion) {
			return uuid.Nil, fmt.Errorf("%w: %s at version %d", ErrStaleSourceVersion, ref, event.SourceVersion)
		}
		return uuid.Nil, fmt.Errorf("failed to update sync status: %w", err)
	}

	metrics.EventsPublished.WithLabelValues("recorded").Inc()
	p.logger.Debug("outbox event recorded",
		zap.String("event_id", event.EventID.String()),
		zap.String("event_type", string(event.EventType)),
		zap.String("entity", ref.String()),
		zap.Int64("source_version", event.SourceVersion),
		zap.Bool("repair", event.Repair))

	return event.EventID, nil
}

func (p *Publisher) PublishContentCreated(ctx context.Context, tx pgx.Tx, entityID string, entityType models.EntityType, payload json.RawMessage, correlationID uuid.UUID, sourceVersion int64) (uuid.UUID, error) {
	return p.publish(ctx, tx, models.EventContentCreated, entityID, entityType, payload, correlationID, sourceVersion)
}

func (p *Publisher) PublishContentUpdated(ctx context.Context, tx pgx.Tx, entityID string, entityType models.EntityType, payload json.RawMessage, correlationID uuid.UUID, sourceVersion int64) (uuid.UUID, error) {
	return p.publish(ctx, tx, models.EventContentUpdated, entityID, entityType, payload, correlationID, sourceVersion)
}

func (p *Publisher) PublishContentDeleted(ctx context.Context, tx pgx.Tx, entityID string, entityType models.EntityType, payload json.RawMessage, correlationID uuid.UUID, sourceVersion int64) (uuid.UUID, error) {
	return p.publish(ctx, tx, models.EventContentDeleted, entityID, entityType, payload, correlationID, sourceVersion)
}

func (p *Publisher) PublishRelationshipCreated(ctx context.Context, tx pgx.Tx, entityID string, payload json.RawMessage, correlationID uuid.UUID, sourceVersion int64) (uuid.UUID, error) {
	return p.publish(ctx, tx, models.EventRelationshipCreated, entityID, models.EntityRelationship, payload, correlationID, sourceVersion)
}

func (p *Publisher) PublishRelationshipDeleted(ctx context.Context, tx pgx.Tx, entityID string, payload json.RawMessage, correlationID uuid.UUID, sourceVersion int64) (uuid.UUID, error) {
	return p.publish(ctx, tx, models.EventRelationshipDeleted, entityID, models.EntityRelationship, payload, correlationID, sourceVersion)
}

func (p *Publisher) publish(ctx context.Context, tx pgx.Tx, eventType models.EventType, entityID string, entityType models.EntityType, payload json.RawMessage, correlationID uuid.UUID, sourceVersion int64) (uuid.UUID, error) {
	return p.Publish(ctx, tx, PublishRequest{
		EventType:     eventType,
		EntityType:    entityType,
		EntityID:      entityID,
		Payload:       payload,
		CorrelationID: correlationID,
		SourceVersion: sourceVersion,
	})
}

// PublishRepair records a reconciliation snapshot in its own transaction.
func (p *Publisher) PublishRepair(ctx context.Context, req PublishRequest) (uuid.UUID, error) {
	req.repair = true

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	eventID, err := p.Publish(ctx, tx, req)
	if err != nil {
		return uuid.Nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("failed to commit repair event: %w", err)
	}

	p.Committed()
	return eventID, nil
}
