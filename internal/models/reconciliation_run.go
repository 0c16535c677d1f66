package models

import (
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

type ReconciliationRun struct {
	ID                   uuid.UUID  `json:"id"`
	EntityTypes          []string   `json:"entity_types"`
	EntityIDs            []string   `json:"entity_ids"`
	BatchSize            int        `json:"batch_size"`
	EntitiesChecked      int        `json:"entities_checked"`
	InconsistenciesFound int        `json:"inconsistencies_found"`
	RepairsEmitted       int        `json:"repairs_emitted"`
	ConflictsFound       int        `json:"conflicts_found"`
	ConflictsResolved    int        `json:"conflicts_resolved"`
	ConflictsEscalated   int        `json:"conflicts_escalated"`
	Status               RunStatus  `json:"status"`
	Error                string     `json:"error,omitempty"`
	StartedAt            time.Time  `json:"started_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}

func NewReconciliationRun(entityTypes, entityIDs []string, batchSize int) *ReconciliationRun {
	return &ReconciliationRun{
		ID:          uuid.New(),
		EntityTypes: entityTypes,
		EntityIDs:   entityIDs,
		BatchSize:   batchSize,
		Status:      RunRunning,
		StartedAt:   time.Now().UTC(),
	}
}

func (r *ReconciliationRun) Finish(runErr error) {
	now := time.Now().UTC()
	r.CompletedAt = &now
	if runErr != nil {
		r.Status = RunFailed
		r.Error = runErr.Error()
		return
	}
	r.Status = RunCompleted
}

func (r *ReconciliationRun) Duration() time.Duration {
	if r.CompletedAt == nil {
		return time.Since(r.StartedAt)
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
