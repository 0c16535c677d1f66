package models

import "time"

type SyncStatus struct {
	EntityID          string     `json:"entity_id"`
	EntityType        EntityType `json:"entity_type"`
	IsSynced          bool       `json:"is_synced"`
	LastSyncedAt      *time.Time `json:"last_synced_at,omitempty"`
	LastSyncedVersion int64      `json:"last_synced_version"`
	SourceVersion     int64      `json:"source_version"`
	TargetVersion     int64      `json:"target_version"`
	// TargetChecksum is empty when the entity was absent at the target after
	// the last write the engine made.
	TargetChecksum    string     `json:"target_checksum"`
	HasPendingChanges bool       `json:"has_pending_changes"`
	HasConflict       bool       `json:"has_conflict"`
	ConflictCount     int        `json:"conflict_count"`
	LastError         string     `json:"last_error,omitempty"`
	LastReconciledAt  *time.Time `json:"last_reconciled_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (s *SyncStatus) Ref() EntityRef {
	return EntityRef{Type: s.EntityType, ID: s.EntityID}
}

// TargetDiverged reports whether the observed target state differs from what
// the engine last wrote there. Without a status row the engine never wrote
// the entity, so anything present at the target diverged.
func (s *SyncStatus) TargetDiverged(targetVersion int64, targetChecksum string) bool {
	if s == nil {
		return targetVersion > 0 || targetChecksum != ""
	}
	if targetVersion > s.TargetVersion {
		return true
	}
	return targetVersion == s.TargetVersion && targetChecksum != s.TargetChecksum
}
