package entities

import (
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/prudhvinik1/graphsync/internal/models"
)

var levels = []any{"beginner", "intermediate", "advanced"}

// Concept is a node for one educational concept.
func Concept() *Definition {
	return &Definition{
		Type:        models.EntityConcept,
		SourceTable: "concepts",
		GraphTable:  "concept",
		Kind:        KindNode,
		Fields: []Field{
			{Name: "name", Required: true, Schema: &jsonschema.Schema{Type: "string", MinLength: intPtr(1)}},
			{Name: "description", Schema: &jsonschema.Schema{Type: "string"}},
			{Name: "subject", Schema: &jsonschema.Schema{Type: "string"}},
			{Name: "difficulty", Schema: &jsonschema.Schema{Type: "string", Enum: levels}},
			{Name: "tags", Schema: &jsonschema.Schema{Type: "array", Items: &jsonschema.Schema{Type: "string"}}},
			{Name: "estimated_minutes", Schema: &jsonschema.Schema{Type: "integer", Minimum: float64Ptr(0)}},
			{Name: "centrality", Owner: OwnedByGraph, Schema: &jsonschema.Schema{Type: "number"}},
			{Name: "recommendation_score", Owner: OwnedByGraph, Schema: &jsonschema.Schema{Type: "number"}},
		},
		DeletePolicy:    DeleteTombstone,
		DefaultStrategy: models.MethodLastWriteWins,
	}
}

// LearningPath is a node for an ordered path through concepts.
func LearningPath() *Definition {
	return &Definition{
		Type:        models.EntityLearningPath,
		SourceTable: "learning_paths",
		GraphTable:  "learning_path",
		Kind:        KindNode,
		Fields: []Field{
			{Name: "title", Required: true, Schema: &jsonschema.Schema{Type: "string", MinLength: intPtr(1)}},
			{Name: "description", Schema: &jsonschema.Schema{Type: "string"}},
			{Name: "level", Schema: &jsonschema.Schema{Type: "string", Enum: levels}},
			{Name: "concept_ids", Schema: &jsonschema.Schema{Type: "array", Items: &jsonschema.Schema{Type: "string"}}},
			{Name: "published", Schema: &jsonschema.Schema{Type: "boolean"}},
			{Name: "popularity", Owner: OwnedByGraph, Schema: &jsonschema.Schema{Type: "number"}},
		},
		DeletePolicy:    DeleteTombstone,
		DefaultStrategy: models.MethodLastWriteWins,
	}
}

// ConceptRelationship is a directed edge between two concepts.
func ConceptRelationship() *Definition {
	return &Definition{
		Type:        models.EntityRelationship,
		SourceTable: "concept_relationships",
		GraphTable:  "relates",
		Kind:        KindEdge,
		Fields: []Field{
			{Name: "from_id", Required: true, Identity: true, Schema: &jsonschema.Schema{Type: "string", MinLength: intPtr(1)}},
			{Name: "to_id", Required: true, Identity: true, Schema: &jsonschema.Schema{Type: "string", MinLength: intPtr(1)}},
			{Name: "relationship_type", Required: true, Identity: true, Schema: &jsonschema.Schema{
				Type: "string",
				Enum: []any{"prerequisite_of", "related_to", "part_of"},
			}},
			{Name: "weight", Schema: &jsonschema.Schema{Type: "number", Minimum: float64Ptr(0)}},
		},
		From:            &Endpoint{Field: "from_id", GraphTable: "concept"},
		To:              &Endpoint{Field: "to_id", GraphTable: "concept"},
		DeletePolicy:    DeleteHard,
		DefaultStrategy: models.MethodSourceWins,
	}
}

// DefaultRegistry registers every synchronized entity type.
func DefaultRegistry() (*Registry, error) {
	r := NewRegistry()
	for _, def := range []*Definition{Concept(), LearningPath(), ConceptRelationship()} {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}
