package core

import (
	"context"
	"slices"
	"sort"

	"lobkit/pkg/domain"
	"lobkit/pkg/filter"
)

// Query is an immutable, lazily executed read over a DAO. Every builder call
// returns a new query.
type Query[T any] struct {
	svc   *Service[T]
	where []func(*T) bool
	exprs []filter.Expr
	less  func(a, b *T) bool
	skip  int
	take  int
}

func (q *Query[T]) clone() *Query[T] {
	c := *q
	c.where = slices.Clone(q.where)
	c.exprs = slices.Clone(q.exprs)
	return &c
}

// Where keeps entities matching fn.
func (q *Query[T]) Where(fn func(*T) bool) *Query[T] {
	c := q.clone()
	c.where = append(c.where, fn)
	return c
}

// WhereExpr keeps entities matching a filter expression.
func (q *Query[T]) WhereExpr(e filter.Expr) *Query[T] {
	c := q.clone()
	c.exprs = append(c.exprs, e)
	return c
}

// OrderBy sorts results stably by less.
func (q *Query[T]) OrderBy(less func(a, b *T) bool) *Query[T] {
	c := q.clone()
	c.less = less
	return c
}

// Skip drops the first n results.
func (q *Query[T]) Skip(n int) *Query[T] {
	c := q.clone()
	c.skip = max(n, 0)
	return c
}

// Take limits the result count.
func (q *Query[T]) Take(n int) *Query[T] {
	c := q.clone()
	c.take = max(n, 0)
	return c
}

// ToSlice executes the query.
func (q *Query[T]) ToSlice(ctx context.Context) ([]*T, error) {
	items, err := q.svc.repo.Query(ctx)
	if err != nil {
		return nil, err
	}
	pred := filter.And(append([]filter.Expr{q.svc.filters.Predicate()}, q.exprs...)...)
	out := make([]*T, 0, len(items))
next:
	for _, e := range items {
		if !pred.Eval(q.svc.getter(e)) {
			continue
		}
		for _, fn := range q.where {
			if !fn(e) {
				continue next
			}
		}
		out = append(out, e)
	}
	if q.less != nil {
		sort.SliceStable(out, func(i, j int) bool { return q.less(out[i], out[j]) })
	}
	if q.skip >= len(out) {
		return out[:0], nil
	}
	out = out[q.skip:]
	if q.take >= 0 && q.take < len(out) {
		out = out[:q.take]
	}
	return out, nil
}

// First returns the first match or a NotFoundError.
func (q *Query[T]) First(ctx context.Context) (*T, error) {
	out, err := q.Take(1).ToSlice(ctx)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, &domain.NotFoundError{Entity: q.svc.model.Name}
	}
	return out[0], nil
}

// Count returns the number of matches.
func (q *Query[T]) Count(ctx context.Context) (int, error) {
	out, err := q.ToSlice(ctx)
	return len(out), err
}

// Any reports whether anything matches.
func (q *Query[T]) Any(ctx context.Context) (bool, error) {
	n, err := q.Take(1).Count(ctx)
	return n > 0, err
}

// Select projects every match through fn.
func Select[T, R any](ctx context.Context, q *Query[T], fn func(*T) R) ([]R, error) {
	items, err := q.ToSlice(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]R, 0, len(items))
	for _, e := range items {
		out = append(out, fn(e))
	}
	return out, nil
}

// UpdateQuery is a query whose matches can be changed in bulk. Changes are
// staged in the DAO's scope.
type UpdateQuery[T any] struct {
	q *Query[T]
}

// Where keeps entities matching fn.
func (u *UpdateQuery[T]) Where(fn func(*T) bool) *UpdateQuery[T] {
	return &UpdateQuery[T]{q: u.q.Where(fn)}
}

// WhereExpr keeps entities matching a filter expression.
func (u *UpdateQuery[T]) WhereExpr(e filter.Expr) *UpdateQuery[T] {
	return &UpdateQuery[T]{q: u.q.WhereExpr(e)}
}

// ToSlice executes the query.
func (u *UpdateQuery[T]) ToSlice(ctx context.Context) ([]*T, error) { return u.q.ToSlice(ctx) }

// Count returns the number of matches.
func (u *UpdateQuery[T]) Count(ctx context.Context) (int, error) { return u.q.Count(ctx) }

// Update applies mutate to every match and stages the updates. It returns
// the number of entities staged.
func (u *UpdateQuery[T]) Update(ctx context.Context, mutate func(*T) error) (int, error) {
	if err := u.q.svc.mutable("update"); err != nil {
		return 0, err
	}
	items, err := u.q.ToSlice(ctx)
	if err != nil {
		return 0, err
	}
	for _, e := range items {
		if err := mutate(e); err != nil {
			return 0, err
		}
	}
	if err := u.q.svc.UpdateRange(items); err != nil {
		return 0, err
	}
	return len(items), nil
}

// Delete stages deletes for every match and returns how many were staged.
func (u *UpdateQuery[T]) Delete(ctx context.Context) (int, error) {
	if err := u.q.svc.mutable("delete"); err != nil {
		return 0, err
	}
	items, err := u.q.ToSlice(ctx)
	if err != nil {
		return 0, err
	}
	if err := u.q.svc.DeleteRange(items); err != nil {
		return 0, err
	}
	return len(items), nil
}
