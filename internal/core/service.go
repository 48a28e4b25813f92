package core

import (
	"context"
	"fmt"
	"reflect"
	"slices"

	"github.com/google/uuid"

	"lobkit/pkg/domain"
	"lobkit/pkg/filter"
)

// Hooks observe property changes made through Service.SetProperty.
type Hooks[T any] struct {
	OnPropertyChanging func(e *T, property string)
	OnPropertyChanged  func(e *T, property string)
}

// ServiceOption configures a Service.
type ServiceOption[T any] func(*Service[T])

// WithHooks installs property change hooks.
func WithHooks[T any](hooks Hooks[T]) ServiceOption[T] {
	return func(s *Service[T]) { s.hooks = hooks }
}

// ReadOnly builds a DAO that rejects every mutation.
func ReadOnly[T any]() ServiceOption[T] {
	return func(s *Service[T]) { s.readOnly = true }
}

// WithRepository replaces the default staging repository.
func WithRepository[T any](repo Repository[T]) ServiceOption[T] {
	return func(s *Service[T]) { s.repo = repo }
}

// Service is the DAO for entity type T. It owns one repository and belongs
// to one scope; it never caches entity instances.
type Service[T any] struct {
	scope    *Scope
	model    *domain.Model[T]
	repo     Repository[T]
	filters  *filter.Set
	readOnly bool
	hooks    Hooks[T]
}

// NewService builds a DAO for T bound to scope. Register it with AddDao to
// make it the scope's DAO for T.
func NewService[T any](scope *Scope, opts ...ServiceOption[T]) (*Service[T], error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	model, err := domain.ModelOf[T](scope.domain.Registry())
	if err != nil {
		return nil, err
	}
	s := &Service[T]{scope: scope, model: model, filters: filter.NewSet()}
	for _, opt := range opts {
		opt(s)
	}
	if s.repo == nil {
		s.repo = NewRepository(scope, model)
	}
	return s, nil
}

// GetDao returns the scope's DAO for T, creating the default one on first use.
func GetDao[T any](scope *Scope) (*Service[T], error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	typ := reflect.TypeFor[T]()
	if dao, ok := scope.daos[typ]; ok {
		return dao.(*Service[T]), nil
	}
	s, err := NewService[T](scope)
	if err != nil {
		return nil, err
	}
	scope.daos[typ] = s
	return s, nil
}

// AddDao registers a caller-built DAO. A scope holds at most one DAO per type.
func AddDao[T any](scope *Scope, dao *Service[T]) error {
	if err := scope.check(); err != nil {
		return err
	}
	typ := reflect.TypeFor[T]()
	if dao == nil {
		return &domain.ConfigError{Op: "add dao", Entity: typ.String(), Reason: "dao is nil"}
	}
	if dao.scope != scope {
		return &domain.ConfigError{Op: "add dao", Entity: string(dao.model.Name), Reason: "dao belongs to another scope"}
	}
	if _, exists := scope.daos[typ]; exists {
		return &domain.ConfigError{Op: "add dao", Entity: string(dao.model.Name), Reason: "already registered"}
	}
	scope.daos[typ] = dao
	return nil
}

// Scope returns the owning scope.
func (s *Service[T]) Scope() *Scope { return s.scope }

// Model returns the registered metadata for T.
func (s *Service[T]) Model() *domain.Model[T] { return s.model }

// Repository returns the underlying repository.
func (s *Service[T]) Repository() Repository[T] { return s.repo }

// Filters returns the DAO's filter set. Queries read it at execution time.
func (s *Service[T]) Filters() *filter.Set { return s.filters }

// ReadOnly reports whether mutations are rejected.
func (s *Service[T]) ReadOnly() bool { return s.readOnly }

// SetReadOnly toggles mutation rejection.
func (s *Service[T]) SetReadOnly(readOnly bool) { s.readOnly = readOnly }

// StateOf reports where e stands in the scope's unit of work.
// An instance that was never staged but carries the key of a row read in
// this scope counts as Committed.
func (s *Service[T]) StateOf(e *T) EntityState {
	st := s.scope.StateOf(e)
	if st != Detached || e == nil {
		return st
	}
	if key, err := s.model.KeyOf(e); err == nil && s.scope.committedRow(s.model.Name, key) {
		return Committed
	}
	return Detached
}

func (s *Service[T]) mutable(op string) error {
	if err := s.scope.check(); err != nil {
		return err
	}
	if s.readOnly {
		return &domain.UnsupportedError{Op: op, Entity: string(s.model.Name)}
	}
	return nil
}

// New builds a detached default instance and generates its identity value.
func (s *Service[T]) New() *T {
	e := new(T)
	*e = s.model.Instantiate()
	if s.model.Identity == "" {
		return e
	}
	p, _ := s.model.Property(s.model.Identity)
	switch v := p.Get(e).(type) {
	case string:
		if v == "" {
			_ = p.Set(e, uuid.NewString())
		}
	case uuid.UUID:
		if v == uuid.Nil {
			_ = p.Set(e, uuid.New())
		}
	}
	return e
}

// Create stages an insert. A key already staged for insert in this scope
// fails with a DuplicateKeyError.
func (s *Service[T]) Create(e *T) error {
	if err := s.mutable("create"); err != nil {
		return err
	}
	return s.repo.Create(e)
}

// CreateAsync stages an insert and reports the outcome on the returned channel.
func (s *Service[T]) CreateAsync(ctx context.Context, e *T) <-chan error {
	done := make(chan error, 1)
	if err := ctx.Err(); err != nil {
		done <- err
	} else {
		done <- s.Create(e)
	}
	close(done)
	return done
}

// Update stages an update.
func (s *Service[T]) Update(e *T) error {
	if err := s.mutable("update"); err != nil {
		return err
	}
	return s.repo.Update(e)
}

// Delete stages a delete.
func (s *Service[T]) Delete(e *T) error {
	if err := s.mutable("delete"); err != nil {
		return err
	}
	return s.repo.Delete(e)
}

// CreateRange stages inserts for every entity or, on any failure, none.
func (s *Service[T]) CreateRange(es []*T) error {
	if err := s.mutable("create"); err != nil {
		return err
	}
	return s.repo.CreateRange(es)
}

// UpdateRange stages updates for every entity or none.
func (s *Service[T]) UpdateRange(es []*T) error {
	if err := s.mutable("update"); err != nil {
		return err
	}
	return s.repo.UpdateRange(es)
}

// DeleteRange stages deletes for every entity or none.
func (s *Service[T]) DeleteRange(es []*T) error {
	if err := s.mutable("delete"); err != nil {
		return err
	}
	return s.repo.DeleteRange(es)
}

// Get looks an entity up by primary key values.
func (s *Service[T]) Get(ctx context.Context, key ...any) (*T, error) {
	if len(key) != len(s.model.Key) {
		return nil, fmt.Errorf("get %s: want %d key values, got %d", s.model.Name, len(s.model.Key), len(key))
	}
	return s.repo.Find(ctx, key...)
}

// IncludeNestedData asks queries to populate the named relations.
func (s *Service[T]) IncludeNestedData(relations ...string) error {
	return s.repo.IncludeNestedData(relations...)
}

// NestedData lists the relations queries populate.
func (s *Service[T]) NestedData() []string { return s.repo.NestedData() }

// AsQueryable returns a read query restricted by the DAO's filter set.
func (s *Service[T]) AsQueryable() *Query[T] {
	return &Query[T]{svc: s, take: -1}
}

// AsQueryableForUpdate returns a query whose matches can be updated or
// deleted in bulk.
func (s *Service[T]) AsQueryableForUpdate() *UpdateQuery[T] {
	return &UpdateQuery[T]{q: s.AsQueryable()}
}

// SetProperty assigns a property and raises one changing/changed pair. A
// committed entity is staged for update again. Key properties of staged or
// committed entities cannot change.
func (s *Service[T]) SetProperty(e *T, name string, value any) error {
	if err := s.mutable("set property"); err != nil {
		return err
	}
	p, ok := s.model.Property(name)
	if !ok {
		return &domain.ConfigError{Op: "set property", Entity: string(s.model.Name), Reason: fmt.Sprintf("%s %q", unknownProperty, name)}
	}
	state := s.StateOf(e)
	if slices.Contains(s.model.Key, name) && (state == Staged || state == Committed) {
		next := *e
		if err := p.Set(&next, value); err != nil {
			return err
		}
		before, err := s.model.KeyOf(e)
		if err != nil {
			return err
		}
		after, err := s.model.KeyOf(&next)
		if err != nil {
			return err
		}
		if before != after {
			return &domain.ConfigError{Op: "set property", Entity: string(s.model.Name),
				Reason: fmt.Sprintf("key property %q of a %s entity cannot change", name, state)}
		}
	}
	if s.hooks.OnPropertyChanging != nil {
		s.hooks.OnPropertyChanging(e, name)
	}
	if err := p.Set(e, value); err != nil {
		return err
	}
	if s.hooks.OnPropertyChanged != nil {
		s.hooks.OnPropertyChanged(e, name)
	}
	if state == Committed {
		return s.repo.Update(e)
	}
	return nil
}

// ValidateProperty checks value against the rules declared for the named
// property. Failures are returned, never raised.
func (s *Service[T]) ValidateProperty(_ *T, name string, value any) (bool, []string) {
	p, ok := s.model.Property(name)
	if !ok {
		return false, []string{unknownProperty}
	}
	msgs := validateValue(s.scope.domain.validate, p, value)
	return len(msgs) == 0, msgs
}

// Validate checks every property of e.
func (s *Service[T]) Validate(e *T) []domain.PropertyProblem {
	return validateEntity(s.scope.domain.validate, s.model, e)
}

func (s *Service[T]) getter(e *T) filter.Getter {
	return func(name string) (any, bool) {
		p, ok := s.model.Property(name)
		if !ok {
			return nil, false
		}
		return p.Get(e), true
	}
}
