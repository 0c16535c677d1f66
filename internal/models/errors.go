package models

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidEventType        = errors.New("invalid event type")
	ErrInvalidEventStatus      = errors.New("invalid event status")
	ErrInvalidTransition       = errors.New("invalid event status transition")
	ErrEntityRefRequired       = errors.New("entity type and entity id are required")
	ErrInvalidSourceVersion    = errors.New("source version must be positive")
	ErrInvalidPayload          = errors.New("payload must be valid JSON")
	ErrPayloadTooLarge         = errors.New("payload exceeds maximum size")
	ErrInvalidResolution       = errors.New("invalid resolution method")
	ErrInvalidResolutionStatus = errors.New("invalid resolution status")
	ErrConflictAlreadyClosed   = errors.New("conflict is already resolved or ignored")
)

// TransientIOError marks a failure talking to the queue or a datastore. The
// event stays re-deliverable and is retried with backoff.
type TransientIOError struct {
	Op  string
	Err error
}

func NewTransientIOError(op string, err error) *TransientIOError {
	return &TransientIOError{Op: op, Err: err}
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("transient i/o failure during %s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// SchemaError marks a payload that cannot be mapped onto the target entity
// shape. Never retried.
type SchemaError struct {
	EventType  EventType
	EntityType EntityType
	Reason     string
	Err        error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error for %s/%s: %s", e.EventType, e.EntityType, e.Reason)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// VersionConflictError means the target holds a state the event cannot be
// applied on top of without overwriting an independent write.
type VersionConflictError struct {
	Ref             EntityRef
	ExpectedVersion int64
	TargetVersion   int64
	Reason          string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected target version %d, found %d (%s)",
		e.Ref, e.ExpectedVersion, e.TargetVersion, e.Reason)
}

// OrderingDeferral means an earlier version of the entity has not reached the
// target yet.
type OrderingDeferral struct {
	Ref           EntityRef
	EventVersion  int64
	TargetVersion int64
}

func (e *OrderingDeferral) Error() string {
	return fmt.Sprintf("event version %d for %s arrived before target reached version %d",
		e.EventVersion, e.Ref, e.EventVersion-1)
}

func IsTransient(err error) bool {
	var t *TransientIOError
	return errors.As(err, &t)
}

func IsSchemaError(err error) bool {
	var s *SchemaError
	return errors.As(err, &s)
}

func IsVersionConflict(err error) bool {
	var v *VersionConflictError
	return errors.As(err, &v)
}

func IsOrderingDeferral(err error) bool {
	var d *OrderingDeferral
	return errors.As(err, &d)
}
