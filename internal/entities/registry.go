package entities

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/prudhvinik1/graphsync/internal/models"
	"github.com/prudhvinik1/graphsync/internal/utils"
)

var (
	ErrUnknownEntityType = errors.New("entity type is not synchronized")
	ErrNoHandler         = errors.New("no handler registered for event")
	ErrDuplicateEntity   = errors.New("entity type already registered")
)

// Operation is what a handler does to the graph.
type Operation string

const (
	OpUpsert Operation = "upsert"
	OpMerge  Operation = "merge"
	OpDelete Operation = "delete"
)

// Payload is a decoded event body that passed its schema.
type Payload struct {
	EventType  models.EventType
	Definition *Definition
	Operation  Operation
	Fields     map[string]any
}

// Handler validates and classifies the payloads of one (event type, entity
// type) combination.
type Handler struct {
	EventType  models.EventType
	Definition *Definition
	Operation  Operation
	schema     *jsonschema.Resolved
}

// Decode validates raw against the handler schema.
func (h *Handler) Decode(raw json.RawMessage) (*Payload, error) {
	fields, err := utils.DecodeObject(raw)
	if err != nil {
		return nil, h.schemaError(err.Error(), err)
	}
	if err := h.schema.Validate(fields); err != nil {
		return nil, h.schemaError(err.Error(), err)
	}

	return &Payload{
		EventType:  h.EventType,
		Definition: h.Definition,
		Operation:  h.Operation,
		Fields:     fields,
	}, nil
}

func (h *Handler) schemaError(reason string, err error) error {
	return &models.SchemaError{
		EventType:  h.EventType,
		EntityType: h.Definition.Type,
		Reason:     reason,
		Err:        err,
	}
}

type handlerKey struct {
	eventType  models.EventType
	entityType models.EntityType
}

// Registry holds the synchronized entity definitions and their handlers.
type Registry struct {
	mu       sync.RWMutex
	defs     map[models.EntityType]*Definition
	handlers map[handlerKey]*Handler
}

func NewRegistry() *Registry {
	return &Registry{
		defs:     make(map[models.EntityType]*Definition),
		handlers: make(map[handlerKey]*Handler),
	}
}

// Register adds def and builds one handler per event type it accepts.
func (r *Registry) Register(def *Definition) error {
	if err := def.validate(); err != nil {
		return err
	}

	built := make(map[handlerKey]*Handler)
	for eventType, op := range operationsFor(def.Kind) {
		schema, err := payloadSchema(def, op).Resolve(nil)
		if err != nil {
			return fmt.Errorf("failed to resolve %s schema for %s: %w", eventType, def.Type, err)
		}
		built[handlerKey{eventType, def.Type}] = &Handler{
			EventType:  eventType,
			Definition: def,
			Operation:  op,
			schema:     schema,
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Type]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateEntity, def.Type)
	}
	r.defs[def.Type] = def
	for k, h := range built {
		r.handlers[k] = h
	}
	return nil
}

func operationsFor(kind Kind) map[models.EventType]Operation {
	if kind == KindEdge {
		return map[models.EventType]Operation{
			models.EventRelationshipCreated: OpUpsert,
			models.EventContentUpdated:      OpMerge,
			models.EventRelationshipDeleted: OpDelete,
		}
	}
	return map[models.EventType]Operation{
		models.EventContentCreated: OpUpsert,
		models.EventContentUpdated: OpMerge,
		models.EventContentDeleted: OpDelete,
	}
}

func (r *Registry) Definition(entityType models.EntityType) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
	return def, nil
}

func (r *Registry) Handler(eventType models.EventType, entityType models.EntityType) (*Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[handlerKey{eventType, entityType}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoHandler, eventType, entityType)
	}
	return h, nil
}

// Types returns the registered entity types in a stable order.
func (r *Registry) Types() []models.EntityType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]models.EntityType, 0, len(r.defs))
	for t := range r.defs {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// SetDefaultStrategy overrides the automatic conflict strategy of one type.
func (r *Registry) SetDefaultStrategy(entityType models.EntityType, method models.ResolutionMethod) error {
	if !method.IsValid() || method == models.MethodIgnore {
		return fmt.Errorf("%w: %q", models.ErrInvalidResolution, method)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.defs[entityType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
	if method == models.MethodMerge && def.Kind == KindEdge {
		return fmt.Errorf("%w: MERGE is not supported for %s", models.ErrInvalidResolution, entityType)
	}
	def.DefaultStrategy = method
	return nil
}

// ApplyStrategyOverrides parses "entity_type=METHOD" pairs from configuration.
func (r *Registry) ApplyStrategyOverrides(overrides map[string]string) error {
	for entityType, raw := range overrides {
		method, err := models.ParseResolutionMethod(raw)
		if err != nil {
			return err
		}
		if err := r.SetDefaultStrategy(models.EntityType(strings.TrimSpace(entityType)), method); err != nil {
			return err
		}
	}
	return nil
}

func payloadSchema(def *Definition, op Operation) *jsonschema.Schema {
	if op == OpDelete {
		// Delete payloads carry optional context only.
		return &jsonschema.Schema{Type: "object"}
	}

	props := make(map[string]*jsonschema.Schema)
	var required []string
	for _, f := range def.Fields {
		if f.Owner != OwnedBySource {
			continue
		}
		if op == OpMerge && f.Identity {
			continue
		}
		props[f.Name] = fieldSchema(f, op)
		if op == OpUpsert && f.Required {
			required = append(required, f.Name)
		}
	}
	sort.Strings(required)

	schema := &jsonschema.Schema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
	}
	if op == OpMerge {
		schema.MinProperties = intPtr(1)
	}
	return schema
}

// fieldSchema lets optional fields carry null, which clears them on merge.
func fieldSchema(f Field, op Operation) *jsonschema.Schema {
	if f.Required {
		return f.Schema
	}
	return &jsonschema.Schema{AnyOf: []*jsonschema.Schema{f.Schema, {Type: "null"}}}
}

func jsonEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func intPtr(v int) *int { return &v }

func float64Ptr(v float64) *float64 { return &v }
