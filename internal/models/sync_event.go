package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxRetries = 3
	// MaxPayloadBytes caps the serialized payload stored in the outbox.
	MaxPayloadBytes = 1 << 20
)

type EventType string

const (
	EventContentCreated      EventType = "CONTENT_CREATED"
	EventContentUpdated      EventType = "CONTENT_UPDATED"
	EventContentDeleted      EventType = "CONTENT_DELETED"
	EventRelationshipCreated EventType = "RELATIONSHIP_CREATED"
	EventRelationshipDeleted EventType = "RELATIONSHIP_DELETED"
	EventUserCreated         EventType = "USER_CREATED"
	EventUserUpdated         EventType = "USER_UPDATED"
	EventUserDeleted         EventType = "USER_DELETED"
)

func (t EventType) IsValid() bool {
	switch t {
	case EventContentCreated, EventContentUpdated, EventContentDeleted,
		EventRelationshipCreated, EventRelationshipDeleted,
		EventUserCreated, EventUserUpdated, EventUserDeleted:
		return true
	}
	return false
}

func (t EventType) IsDelete() bool {
	return t == EventContentDeleted || t == EventRelationshipDeleted || t == EventUserDeleted
}

type EventStatus string

const (
	StatusPending    EventStatus = "PENDING"
	StatusPublished  EventStatus = "PUBLISHED"
	StatusProcessing EventStatus = "PROCESSING"
	StatusCompleted  EventStatus = "COMPLETED"
	StatusFailed     EventStatus = "FAILED"
	StatusSkipped    EventStatus = "SKIPPED"
)

func (s EventStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusPublished, StatusProcessing, StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

func (s EventStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

func ParseEventStatus(s string) (EventStatus, error) {
	status := EventStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidEventStatus, s)
	}
	return status, nil
}

type SyncEvent struct {
	EventID             uuid.UUID       `json:"event_id"`
	CorrelationID       uuid.UUID       `json:"correlation_id"`
	EventType           EventType       `json:"event_type"`
	EntityID            string          `json:"entity_id"`
	EntityType          EntityType      `json:"entity_type"`
	Payload             json.RawMessage `json:"payload"`
	SourceVersion       int64           `json:"source_version"`
	Status              EventStatus     `json:"status"`
	RetryCount          int             `json:"retry_count"`
	MaxRetries          int             `json:"max_retries"`
	Repair              bool            `json:"repair"`
	MessageID           string          `json:"message_id,omitempty"`
	PublishAttempts     int             `json:"publish_attempts"`
	LastError           string          `json:"last_error,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	PublishedAt         *time.Time      `json:"published_at,omitempty"`
	ProcessingStartedAt *time.Time      `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
}

// NewSyncEvent builds a PENDING event and validates everything that can be
// checked without the entity registry.
func NewSyncEvent(eventType EventType, ref EntityRef, payload json.RawMessage, correlationID uuid.UUID, sourceVersion int64) (*SyncEvent, error) {
	if !eventType.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEventType, eventType)
	}
	if ref.IsZero() {
		return nil, ErrEntityRefRequired
	}
	if sourceVersion < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSourceVersion, sourceVersion)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if len(payload) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	if !json.Valid(payload) {
		return nil, ErrInvalidPayload
	}
	if correlationID == uuid.Nil {
		correlationID = uuid.New()
	}

	return &SyncEvent{
		EventID:       uuid.New(),
		CorrelationID: correlationID,
		EventType:     eventType,
		EntityID:      ref.ID,
		EntityType:    ref.Type,
		Payload:       payload,
		SourceVersion: sourceVersion,
		Status:        StatusPending,
		MaxRetries:    DefaultMaxRetries,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

func (e *SyncEvent) Ref() EntityRef {
	return EntityRef{Type: e.EntityType, ID: e.EntityID}
}

// RetryOutcome is the transition a transient failure moves a PROCESSING event
// to: back to PUBLISHED with one more retry, or FAILED once max_retries is hit.
func (e *SyncEvent) RetryOutcome() (EventStatus, int) {
	next := e.RetryCount + 1
	if next >= e.MaxRetries {
		return StatusFailed, next
	}
	return StatusPublished, next
}

// ProcessingLatency is the time from outbox insert to terminal status.
func (e *SyncEvent) ProcessingLatency() (time.Duration, bool) {
	if e.CompletedAt == nil {
		return 0, false
	}
	return e.CompletedAt.Sub(e.CreatedAt), true
}
