package domain

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
)

// Registry holds entity metadata. Models are registered during composition;
// the first read freezes the registry and every later Register fails.
type Registry struct {
	mu     sync.RWMutex
	frozen atomic.Bool
	models map[reflect.Type]any
	infos  map[EntityType]ModelInfo
	order  []EntityType
}

// NewRegistry constructs an empty, writable registry.
func NewRegistry() *Registry {
	return &Registry{
		models: make(map[reflect.Type]any),
		infos:  make(map[EntityType]ModelInfo),
	}
}

// Register records the model for T. Each type and each model name may be
// registered exactly once.
func Register[T any](r *Registry, model Model[T]) error {
	if err := model.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return &ConfigError{Op: "register", Entity: string(model.Name), Reason: "registry already in use", Err: ErrRegistryFrozen}
	}
	typ := reflect.TypeFor[T]()
	if _, exists := r.models[typ]; exists {
		return &ConfigError{Op: "register", Entity: string(model.Name), Reason: fmt.Sprintf("type %s already registered", typ)}
	}
	if _, exists := r.infos[model.Name]; exists {
		return &ConfigError{Op: "register", Entity: string(model.Name), Reason: "name already registered"}
	}
	m := model
	m.Key = append([]string(nil), model.Key...)
	m.Properties = append([]Property[T](nil), model.Properties...)
	m.Relations = append([]Relation(nil), model.Relations...)
	m.Nested = append([]Nested[T](nil), model.Nested...)
	r.models[typ] = &m
	r.infos[m.Name] = m.Info()
	r.order = append(r.order, m.Name)
	return nil
}

// MustRegister panics on registration failure. Intended for package-level
// module wiring where a failure is a programming error.
func MustRegister[T any](r *Registry, model Model[T]) {
	if err := Register(r, model); err != nil {
		panic(err)
	}
}

// ModelOf returns the registered model for T and freezes the registry.
func ModelOf[T any](r *Registry) (*Model[T], error) {
	r.Freeze()
	r.mu.RLock()
	defer r.mu.RUnlock()
	typ := reflect.TypeFor[T]()
	m, ok := r.models[typ]
	if !ok {
		return nil, &ConfigError{Op: "lookup", Entity: typ.String(), Reason: "entity type is not registered"}
	}
	return m.(*Model[T]), nil
}

// Info returns the type-erased metadata for an entity name.
func (r *Registry) Info(name EntityType) (ModelInfo, bool) {
	r.Freeze()
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.infos[name]
	return info, ok
}

// TypeName is the stable identifier recorded for a Go type: its package path
// and name, with pointers unwrapped.
func TypeName(typ reflect.Type) string {
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.PkgPath() == "" {
		return typ.String()
	}
	return typ.PkgPath() + "." + typ.Name()
}

// InfoOf returns the type-erased metadata for a Go type.
func (r *Registry) InfoOf(typ reflect.Type) (ModelInfo, bool) {
	r.Freeze()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, info := range r.infos {
		if info.Type == typ {
			return info, true
		}
	}
	return ModelInfo{}, false
}

// Infos lists every registered model in registration order.
func (r *Registry) Infos() []ModelInfo {
	r.Freeze()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelInfo, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.infos[name])
	}
	return out
}

// Names lists registered model names in registration order without
// freezing the registry.
func (r *Registry) Names() []EntityType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]EntityType(nil), r.order...)
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() { r.frozen.Store(true) }

// Frozen reports whether the registry accepts registrations.
func (r *Registry) Frozen() bool { return r.frozen.Load() }

// Link is a relation resolved to its dependent and principal sides.
type Link struct {
	Relation       Relation
	Dependent      EntityType
	DependentProps []string
	Principal      EntityType
	PrincipalProps []string
}

// Resolve turns a relation owned by owner into a Link.
func (r *Registry) Resolve(owner EntityType, rel Relation) (Link, error) {
	ownerInfo, ok := r.Info(owner)
	if !ok {
		return Link{}, &ConfigError{Op: "resolve", Entity: string(owner), Reason: "entity type is not registered"}
	}
	targetInfo, ok := r.Info(rel.Target)
	if !ok {
		return Link{}, &ConfigError{Op: "resolve", Entity: string(owner), Reason: fmt.Sprintf("relation %q targets unregistered %q", rel.Name, rel.Target)}
	}
	link := Link{Relation: rel, DependentProps: rel.ForeignKey, PrincipalProps: rel.PrincipalKey}
	switch rel.Kind {
	case ManyToOne:
		link.Dependent, link.Principal = ownerInfo.Name, targetInfo.Name
		if len(link.PrincipalProps) == 0 {
			link.PrincipalProps = targetInfo.Key
		}
	case OneToMany:
		link.Dependent, link.Principal = targetInfo.Name, ownerInfo.Name
		if len(link.PrincipalProps) == 0 {
			link.PrincipalProps = ownerInfo.Key
		}
	default:
		return Link{}, &ConfigError{Op: "resolve", Entity: string(owner), Reason: fmt.Sprintf("relation %q has no kind", rel.Name)}
	}
	if len(link.DependentProps) != len(link.PrincipalProps) {
		return Link{}, &ConfigError{Op: "resolve", Entity: string(owner), Reason: fmt.Sprintf("relation %q key arity mismatch", rel.Name)}
	}
	return link, nil
}

// Links resolves every relation in the registry, failing on the first
// dangling target.
func (r *Registry) Links() ([]Link, error) {
	var out []Link
	for _, info := range r.Infos() {
		for _, rel := range info.Relations {
			link, err := r.Resolve(info.Name, rel)
			if err != nil {
				return nil, err
			}
			out = append(out, link)
		}
	}
	return out, nil
}
