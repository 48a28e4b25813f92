package core

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"lobkit/pkg/domain"
)

// Repository is the storage contract a DAO delegates to. Mutations are
// staged; nothing reaches the store before the owning scope saves.
type Repository[T any] interface {
	Query(ctx context.Context) ([]*T, error)
	Find(ctx context.Context, key ...any) (*T, error)
	Create(e *T) error
	Update(e *T) error
	Delete(e *T) error
	CreateRange(es []*T) error
	UpdateRange(es []*T) error
	DeleteRange(es []*T) error
	IncludeNestedData(relations ...string) error
	NestedData() []string
}

// scopeRepository stages mutations in its scope and reads the scope's
// overlay of the persistent store.
type scopeRepository[T any] struct {
	scope  *Scope
	model  *domain.Model[T]
	nested []string
}

// NewRepository builds the default staging repository for T in scope.
func NewRepository[T any](scope *Scope, model *domain.Model[T]) Repository[T] {
	return &scopeRepository[T]{scope: scope, model: model}
}

func (r *scopeRepository[T]) op(action domain.Action, e *T) (*stagedOp, error) {
	if e == nil {
		return nil, fmt.Errorf("%s %s: nil entity", action, r.model.Name)
	}
	values := r.model.KeyValues(e)
	key, err := domain.EncodeKey(values...)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", action, r.model.Name, err)
	}
	return &stagedOp{
		entity:    r.model.Name,
		action:    action,
		key:       key,
		keyValues: values,
		ref:       e,
		encode:    func() (json.RawMessage, error) { return json.Marshal(e) },
		rekey:     func() (string, error) { return r.model.KeyOf(e) },
		validate: func() []domain.PropertyProblem {
			return validateEntity(r.scope.domain.validate, r.model, e)
		},
	}, nil
}

func (r *scopeRepository[T]) stageAll(action domain.Action, es []*T) error {
	ops := make([]*stagedOp, 0, len(es))
	for _, e := range es {
		op, err := r.op(action, e)
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}
	return r.scope.stage(ops...)
}

func (r *scopeRepository[T]) Create(e *T) error { return r.stageAll(domain.ActionCreate, []*T{e}) }
func (r *scopeRepository[T]) Update(e *T) error { return r.stageAll(domain.ActionUpdate, []*T{e}) }
func (r *scopeRepository[T]) Delete(e *T) error { return r.stageAll(domain.ActionDelete, []*T{e}) }

func (r *scopeRepository[T]) CreateRange(es []*T) error {
	return r.stageAll(domain.ActionCreate, es)
}

func (r *scopeRepository[T]) UpdateRange(es []*T) error {
	return r.stageAll(domain.ActionUpdate, es)
}

func (r *scopeRepository[T]) DeleteRange(es []*T) error {
	return r.stageAll(domain.ActionDelete, es)
}

func (r *scopeRepository[T]) materialize(it overlayItem) (*T, error) {
	if it.op != nil {
		if e, ok := it.op.ref.(*T); ok {
			return e, nil
		}
	}
	e := new(T)
	*e = r.model.Instantiate()
	if err := json.Unmarshal(it.record.Payload, e); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", r.model.Name, it.key, err)
	}
	r.scope.remember(r.model.Name, it.key, e)
	return e, nil
}

func (r *scopeRepository[T]) Query(ctx context.Context) ([]*T, error) {
	items, err := r.scope.overlay(ctx, r.model.Name)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(items))
	for _, it := range items {
		e, err := r.materialize(it)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := r.loadNested(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *scopeRepository[T]) Find(ctx context.Context, key ...any) (*T, error) {
	want, err := domain.EncodeKey(key...)
	if err != nil {
		return nil, err
	}
	items, err := r.scope.overlay(ctx, r.model.Name)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if it.key != want {
			continue
		}
		e, err := r.materialize(it)
		if err != nil {
			return nil, err
		}
		if err := r.loadNested(ctx, []*T{e}); err != nil {
			return nil, err
		}
		return e, nil
	}
	return nil, &domain.NotFoundError{Entity: r.model.Name, Key: key}
}

func (r *scopeRepository[T]) IncludeNestedData(relations ...string) error {
	for _, name := range relations {
		if _, ok := r.model.Relation(name); !ok {
			return &domain.ConfigError{Op: "include", Entity: string(r.model.Name), Reason: fmt.Sprintf("unknown relation %q", name)}
		}
		if _, ok := r.model.NestedFor(name); !ok {
			return &domain.ConfigError{Op: "include", Entity: string(r.model.Name), Reason: fmt.Sprintf("relation %q has no nested data", name)}
		}
	}
	for _, name := range relations {
		if !slices.Contains(r.nested, name) {
			r.nested = append(r.nested, name)
		}
	}
	return nil
}

func (r *scopeRepository[T]) NestedData() []string { return slices.Clone(r.nested) }

// loadNested assigns the related payloads of every included relation,
// matching foreign and principal key values by their encoded form.
func (r *scopeRepository[T]) loadNested(ctx context.Context, es []*T) error {
	if len(es) == 0 {
		return nil
	}
	for _, name := range r.nested {
		rel, _ := r.model.Relation(name)
		nested, _ := r.model.NestedFor(name)
		link, err := r.scope.domain.Registry().Resolve(r.model.Name, rel)
		if err != nil {
			return err
		}
		own, other, target := link.PrincipalProps, link.DependentProps, link.Dependent
		if rel.Kind == domain.ManyToOne {
			own, other, target = link.DependentProps, link.PrincipalProps, link.Principal
		}
		records, err := r.scope.Records(ctx, target)
		if err != nil {
			return err
		}
		byKey := make(map[string][]json.RawMessage)
		for _, rec := range records {
			k, err := domain.EncodeKey(domain.PayloadValues(rec.Payload, other)...)
			if err != nil {
				continue
			}
			byKey[k] = append(byKey[k], rec.Payload)
		}
		for _, e := range es {
			var related []json.RawMessage
			if values := r.model.Values(e, own); !allNil(values) {
				if k, err := domain.EncodeKey(values...); err == nil {
					related = byKey[k]
				}
			}
			if err := nested.Assign(e, related); err != nil {
				return err
			}
		}
	}
	return nil
}
