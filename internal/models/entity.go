package models

import "fmt"

type EntityType string

const (
	EntityConcept      EntityType = "concept"
	EntityLearningPath EntityType = "learning_path"
	EntityRelationship EntityType = "concept_relationship"
)

// EntityRef identifies one synchronized entity across both stores.
type EntityRef struct {
	Type EntityType `json:"entity_type"`
	ID   string     `json:"entity_id"`
}

func NewEntityRef(entityType EntityType, id string) EntityRef {
	return EntityRef{Type: entityType, ID: id}
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s:%s", r.Type, r.ID)
}

func (r EntityRef) IsZero() bool {
	return r.Type == "" || r.ID == ""
}
