// Package entities describes the synchronized entity types: where they live in
// each store, which fields each store owns, and how their payloads validate.
package entities

import (
	"fmt"
	"sort"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/prudhvinik1/graphsync/internal/models"
	"github.com/prudhvinik1/graphsync/internal/utils"
)

type Kind string

const (
	KindNode Kind = "node"
	KindEdge Kind = "edge"
)

type DeletePolicy string

const (
	DeleteTombstone DeletePolicy = "tombstone"
	DeleteHard      DeletePolicy = "hard"
)

// FieldOwner says which store is authoritative for a field.
type FieldOwner int

const (
	OwnedBySource FieldOwner = iota
	// OwnedByGraph fields are computed on the graph side and never travel in
	// event payloads.
	OwnedByGraph
)

type Field struct {
	Name   string
	Schema *jsonschema.Schema
	Owner  FieldOwner
	// Required fields must be present in create payloads.
	Required bool
	// Identity fields are fixed at creation and rejected in update payloads.
	Identity bool
}

// Endpoint names the payload field holding one end of an edge and the graph
// table of the node it points at.
type Endpoint struct {
	Field      string
	GraphTable string
}

type Definition struct {
	Type            models.EntityType
	SourceTable     string
	GraphTable      string
	Kind            Kind
	Fields          []Field
	DeletePolicy    DeletePolicy
	DefaultStrategy models.ResolutionMethod
	From            *Endpoint
	To              *Endpoint
}

func (d *Definition) validate() error {
	if d.Type == "" || d.SourceTable == "" || d.GraphTable == "" {
		return fmt.Errorf("entity definition requires type, source table and graph table")
	}
	if d.Kind == KindEdge && (d.From == nil || d.To == nil) {
		return fmt.Errorf("edge entity %s requires both endpoints", d.Type)
	}
	if !d.DefaultStrategy.IsValid() || d.DefaultStrategy == models.MethodIgnore {
		return fmt.Errorf("entity %s has invalid default strategy %q", d.Type, d.DefaultStrategy)
	}
	seen := map[string]bool{}
	for _, f := range d.Fields {
		if seen[f.Name] {
			return fmt.Errorf("entity %s declares field %q twice", d.Type, f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

func (d *Definition) field(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// SourceFields keeps only the source-owned keys of data.
func (d *Definition) SourceFields(data map[string]any) map[string]any {
	return d.filter(data, OwnedBySource)
}

// GraphFields keeps only the graph-owned keys of data.
func (d *Definition) GraphFields(data map[string]any) map[string]any {
	return d.filter(data, OwnedByGraph)
}

func (d *Definition) filter(data map[string]any, owner FieldOwner) map[string]any {
	out := make(map[string]any)
	for k, v := range data {
		f, ok := d.field(k)
		if !ok || f.Owner != owner || v == nil {
			continue
		}
		out[k] = v
	}
	return out
}

// Checksum is the content checksum compared between stores. Graph-owned
// fields never take part.
func (d *Definition) Checksum(data map[string]any) (string, error) {
	return utils.ContentChecksum(string(d.Type), d.SourceFields(data))
}

// Overlay builds the state to store at the graph from a full source snapshot,
// keeping whatever graph-owned fields the target already carries.
func (d *Definition) Overlay(source, target map[string]any) map[string]any {
	out := d.SourceFields(source)
	for k, v := range d.GraphFields(target) {
		out[k] = v
	}
	return out
}

// MergeInto applies a partial update to current. A nil value clears the field.
func (d *Definition) MergeInto(current, patch map[string]any) map[string]any {
	out := make(map[string]any, len(current)+len(patch))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// SourceColumns lists the relational columns the engine may write back.
func (d *Definition) SourceColumns() []string {
	var cols []string
	for _, f := range d.Fields {
		if f.Owner == OwnedBySource && !f.Identity {
			cols = append(cols, f.Name)
		}
	}
	sort.Strings(cols)
	return cols
}

// Diff lists the source-owned fields whose values differ between a and b.
func (d *Definition) Diff(source, target map[string]any) []models.FieldDifference {
	s, _ := utils.NormalizeJSON(d.SourceFields(source))
	t, _ := utils.NormalizeJSON(d.SourceFields(target))

	keys := make(map[string]struct{}, len(s)+len(t))
	for k := range s {
		keys[k] = struct{}{}
	}
	for k := range t {
		keys[k] = struct{}{}
	}

	var diffs []models.FieldDifference
	for k := range keys {
		if jsonEqual(s[k], t[k]) {
			continue
		}
		diffs = append(diffs, models.FieldDifference{Field: k, SourceValue: s[k], TargetValue: t[k]})
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Field < diffs[j].Field })
	return diffs
}

// Contains reports whether every key of patch already holds the same value in
// state, with nil meaning "absent".
func (d *Definition) Contains(state, patch map[string]any) bool {
	s, err := utils.NormalizeJSON(state)
	if err != nil {
		return false
	}
	p, err := utils.NormalizeJSON(patch)
	if err != nil {
		return false
	}
	for k, v := range p {
		current, ok := s[k]
		if v == nil {
			if ok && current != nil {
				return false
			}
			continue
		}
		if !ok || !jsonEqual(current, v) {
			return false
		}
	}
	return true
}
