// Package schema validates operation payloads against per-entity-type JSON
// schemas before they are enqueued. Validation is opt-in: entity types
// without a registered schema pass through untouched.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/vitalsync/vitalsync/internal/store"
)

// ValidationErrorItem is one schema violation inside a payload.
type ValidationErrorItem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// Registry holds compiled schemas keyed by entity type.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*gojsonschema.Schema
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*gojsonschema.Schema)}
}

// Register compiles and installs a schema for an entity type, replacing any
// previous one.
func (r *Registry) Register(entityType, schemaJSON string) error {
	if strings.TrimSpace(schemaJSON) == "" {
		return fmt.Errorf("empty schema for entity type %q", entityType)
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("compile schema for %q: %w", entityType, err)
	}
	r.mu.Lock()
	r.schemas[entityType] = compiled
	r.mu.Unlock()
	return nil
}

// Has reports whether a schema is registered for the entity type.
func (r *Registry) Has(entityType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[entityType]
	return ok
}

// Validate checks a payload against the entity type's schema. A violation
// is returned as a SCHEMA-coded error; the operation must not be enqueued.
func (r *Registry) Validate(entityType string, payload map[string]any) error {
	r.mu.RLock()
	compiled := r.schemas[entityType]
	r.mu.RUnlock()
	if compiled == nil {
		return nil
	}

	res, err := compiled.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return fmt.Errorf("validate %s payload: %w", entityType, err)
	}
	if res.Valid() {
		return nil
	}

	items := make([]ValidationErrorItem, 0, len(res.Errors()))
	for _, item := range res.Errors() {
		items = append(items, ValidationErrorItem{
			Path:    item.Field(),
			Message: item.Description(),
			Value:   item.Value(),
		})
	}
	detail, _ := json.Marshal(items)
	return store.NewSchemaError(
		fmt.Sprintf("%s payload rejected: %s", entityType, detail), nil)
}
