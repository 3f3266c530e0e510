// Package schema holds the registry of record schemas and keeps the
// schemas persisted in the engine in step with the ones the binary was
// built with.
package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	cerrors "github.com/cachedb/cachedb/internal/errors"
	"github.com/cachedb/cachedb/pkg/types"
)

// Registry is the set of schemas known to the process. Schemas are
// validated on registration and never change afterwards.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*types.Schema
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*types.Schema)}
}

// Register validates s and adds it to the registry.
func (r *Registry) Register(s *types.Schema) error {
	if s == nil {
		return types.ErrSchemaRequired
	}
	if err := s.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schemas[s.Name]; exists {
		return cerrors.NewValidationError(cerrors.CodeInvalidSchema,
			fmt.Sprintf("schema %q is already registered", s.Name))
	}
	r.schemas[s.Name] = s
	r.order = append(r.order, s.Name)
	return nil
}

// MustRegister is Register for schemas compiled into the binary.
func (r *Registry) MustRegister(schemas ...*types.Schema) *Registry {
	for _, s := range schemas {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

// Get returns the named schema.
func (r *Registry) Get(name string) (*types.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	return s, ok
}

// Names returns the schema names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// All returns the schemas in registration order.
func (r *Registry) All() []*types.Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Schema, len(r.order))
	for i, name := range r.order {
		out[i] = r.schemas[name]
	}
	return out
}

// Len returns the number of registered schemas.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// schemaFile is the on-disk form of a schema definitions file.
type schemaFile struct {
	Schemas []*types.Schema `json:"schemas" yaml:"schemas"`
}

// LoadFile reads schema definitions from a YAML or JSON file. The schemas
// are validated but not registered.
func LoadFile(path string) ([]*types.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}

	var file schemaFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse schema file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse schema file: %w", err)
		}
	}

	for _, s := range file.Schemas {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	return file.Schemas, nil
}
