package repositories

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrTransitionRejected is returned when a guarded update matched no row
	// because another worker already moved the record on.
	ErrTransitionRejected = errors.New("status transition rejected: record was modified concurrently")
	// ErrStaleSourceVersion is returned when a publish would lower the source
	// version already recorded for an entity.
	ErrStaleSourceVersion = errors.New("source version is older than the recorded version")
)
