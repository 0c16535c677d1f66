package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ResolutionStatus string

const (
	ResolutionDetected     ResolutionStatus = "DETECTED"
	ResolutionResolved     ResolutionStatus = "RESOLVED"
	ResolutionManualReview ResolutionStatus = "MANUAL_REVIEW"
	ResolutionIgnored      ResolutionStatus = "IGNORED"
)

// IsOpen reports whether the conflict still blocks the entity.
func (s ResolutionStatus) IsOpen() bool {
	return s == ResolutionDetected || s == ResolutionManualReview
}

func ParseResolutionStatus(s string) (ResolutionStatus, error) {
	status := ResolutionStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch status {
	case ResolutionDetected, ResolutionResolved, ResolutionManualReview, ResolutionIgnored:
		return status, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidResolutionStatus, s)
}

type ResolutionMethod string

const (
	MethodLastWriteWins ResolutionMethod = "LAST_WRITE_WINS"
	MethodSourceWins    ResolutionMethod = "SOURCE_WINS"
	MethodTargetWins    ResolutionMethod = "TARGET_WINS"
	MethodManualReview  ResolutionMethod = "MANUAL_REVIEW"
	MethodMerge         ResolutionMethod = "MERGE"
	MethodIgnore        ResolutionMethod = "IGNORE"
)

func (m ResolutionMethod) IsValid() bool {
	switch m {
	case MethodLastWriteWins, MethodSourceWins, MethodTargetWins, MethodManualReview, MethodMerge, MethodIgnore:
		return true
	}
	return false
}

// ResultingStatus is the conflict status a successful resolution with m leaves behind.
func (m ResolutionMethod) ResultingStatus() ResolutionStatus {
	switch m {
	case MethodManualReview:
		return ResolutionManualReview
	case MethodIgnore:
		return ResolutionIgnored
	default:
		return ResolutionResolved
	}
}

func ParseResolutionMethod(s string) (ResolutionMethod, error) {
	m := ResolutionMethod(strings.ToUpper(strings.TrimSpace(s)))
	if !m.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidResolution, s)
	}
	return m, nil
}

const (
	DetectedByConsumer       = "consumer"
	DetectedByReconciliation = "reconciliation"
)

type FieldDifference struct {
	Field       string `json:"field"`
	SourceValue any    `json:"source_value,omitempty"`
	TargetValue any    `json:"target_value,omitempty"`
}

type SyncConflict struct {
	ID                uuid.UUID         `json:"id"`
	EntityID          string            `json:"entity_id"`
	EntityType        EntityType        `json:"entity_type"`
	SourceVersion     int64             `json:"source_version"`
	TargetVersion     int64             `json:"target_version"`
	SourceData        json.RawMessage   `json:"source_data"`
	TargetData        json.RawMessage   `json:"target_data"`
	DifferenceSummary []FieldDifference `json:"difference_summary"`
	ResolutionStatus  ResolutionStatus  `json:"resolution_status"`
	ResolutionMethod  *ResolutionMethod `json:"resolution_method,omitempty"`
	EventID           *uuid.UUID        `json:"event_id,omitempty"`
	DetectedBy        string            `json:"detected_by"`
	ResolvedBy        string            `json:"resolved_by,omitempty"`
	ResolutionNotes   string            `json:"resolution_notes,omitempty"`
	DetectedAt        time.Time         `json:"detected_at"`
	ResolvedAt        *time.Time        `json:"resolved_at,omitempty"`
}

func (c *SyncConflict) Ref() EntityRef {
	return EntityRef{Type: c.EntityType, ID: c.EntityID}
}

// Close records the outcome of a resolution attempt on the conflict.
func (c *SyncConflict) Close(method ResolutionMethod, resolvedBy, notes string, at time.Time) error {
	if !c.ResolutionStatus.IsOpen() {
		return fmt.Errorf("%w: %s", ErrConflictAlreadyClosed, c.ResolutionStatus)
	}
	m := method
	c.ResolutionMethod = &m
	c.ResolutionStatus = method.ResultingStatus()
	c.ResolvedBy = resolvedBy
	if notes != "" {
		c.ResolutionNotes = notes
	}
	if c.ResolutionStatus != ResolutionManualReview {
		c.ResolvedAt = &at
	}
	return nil
}
