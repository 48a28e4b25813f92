package core

import (
	"context"
	"errors"

	"lobkit/pkg/domain"
)

// GetOrCreate returns the first T matching match as scope sees it. When none
// exists it builds one with New, applies init and saves it from a scope of
// its own, so work staged in scope is neither committed nor disturbed. The
// created entity is read back through scope. The boolean reports whether a
// new entity was created.
func GetOrCreate[T any](ctx context.Context, scope *Scope, match func(*T) bool, init func(*T)) (*T, bool, error) {
	dao, err := GetDao[T](scope)
	if err != nil {
		return nil, false, err
	}
	found, err := dao.AsQueryable().Where(match).First(ctx)
	if err == nil {
		return found, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, err
	}

	own := scope.Domain().CreateScope()
	defer own.Close()
	created, err := GetDao[T](own)
	if err != nil {
		return nil, false, err
	}
	e := created.New()
	if init != nil {
		init(e)
	}
	if err := created.Create(e); err != nil {
		return nil, false, err
	}
	if err := own.Save(ctx); err != nil {
		return nil, false, err
	}
	got, err := dao.Get(ctx, dao.Model().KeyValues(e)...)
	if err != nil {
		return nil, false, err
	}
	return got, true, nil
}
