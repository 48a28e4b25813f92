package core

import (
	"fmt"
	"slices"

	"lobkit/pkg/domain"
)

// Module contributes entity models to a schema. Each module becomes a
// partition holding the entity types it registered.
type Module interface {
	Name() string
	Register(registry *domain.Registry) error
}

// ModuleFunc adapts a registration function into a Module.
type ModuleFunc struct {
	ModuleName string
	Fn         func(registry *domain.Registry) error
}

// Name implements Module.
func (m ModuleFunc) Name() string { return m.ModuleName }

// Register implements Module.
func (m ModuleFunc) Register(registry *domain.Registry) error { return m.Fn(registry) }

// Schema is the frozen set of entity models and their partitions.
type Schema struct {
	Registry   *domain.Registry
	modules    []string
	partitions map[string][]domain.EntityType
}

// NewSchema registers every module in order, freezes the registry and checks
// that every declared relation resolves.
func NewSchema(modules ...Module) (*Schema, error) {
	s := &Schema{
		Registry:   domain.NewRegistry(),
		partitions: make(map[string][]domain.EntityType, len(modules)),
	}
	for _, m := range modules {
		name := m.Name()
		if _, dup := s.partitions[name]; dup {
			return nil, &domain.ConfigError{Op: "schema", Entity: name, Reason: "module already registered"}
		}
		before := len(s.Registry.Names())
		if err := m.Register(s.Registry); err != nil {
			return nil, fmt.Errorf("register module %s: %w", name, err)
		}
		s.partitions[name] = s.Registry.Names()[before:]
		s.modules = append(s.modules, name)
	}
	s.Registry.Freeze()
	if _, err := s.Registry.Links(); err != nil {
		return nil, err
	}
	return s, nil
}

// Modules lists module names in registration order.
func (s *Schema) Modules() []string { return slices.Clone(s.modules) }

// Partition returns the entity types registered by a module.
func (s *Schema) Partition(module string) ([]domain.EntityType, bool) {
	p, ok := s.partitions[module]
	return slices.Clone(p), ok
}

// PartitionOf returns the module that registered entity.
func (s *Schema) PartitionOf(entity domain.EntityType) (string, bool) {
	for _, m := range s.modules {
		if slices.Contains(s.partitions[m], entity) {
			return m, true
		}
	}
	return "", false
}
