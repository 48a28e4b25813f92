package view

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"lobkit/internal/core"
	"lobkit/pkg/filter"
)

// ErrViewClosed is returned by a closed view.
var ErrViewClosed = errors.New("view is closed")

// View is the part of a data-set view a page drives.
type View interface {
	Refresh(ctx context.Context) error
	Close()
}

// DataSetView is a cursor over a DAO query. Items are read on first use and
// again after the DAO's filter set changes or Refresh is called. Like its
// scope, a view belongs to one goroutine.
type DataSetView[T any] struct {
	dao   *core.Service[T]
	shape func(*core.Query[T]) *core.Query[T]

	items   []*T
	loaded  bool
	stale   atomic.Bool
	current int
	closed  bool
	unsub   func()
}

// NewDataSetView builds a view over dao. shape may narrow or order the
// query; nil reads everything the filter set admits.
func NewDataSetView[T any](dao *core.Service[T], shape func(*core.Query[T]) *core.Query[T]) *DataSetView[T] {
	v := &DataSetView[T]{dao: dao, shape: shape, current: -1}
	v.unsub = dao.Filters().Subscribe(func(filter.Event) { v.stale.Store(true) })
	return v
}

func (v *DataSetView[T]) load(ctx context.Context) error {
	if v.closed {
		return ErrViewClosed
	}
	if v.loaded && !v.stale.Load() {
		return nil
	}
	v.stale.Store(false)
	q := v.dao.AsQueryable()
	if v.shape != nil {
		q = v.shape(q)
	}
	items, err := q.ToSlice(ctx)
	if err != nil {
		v.stale.Store(true)
		return fmt.Errorf("load %s view: %w", v.dao.Model().Name, err)
	}
	v.items = items
	v.loaded = true
	switch {
	case len(items) == 0:
		v.current = -1
	case v.current < 0:
		v.current = 0
	case v.current >= len(items):
		v.current = len(items) - 1
	}
	return nil
}

// Items returns the current result set.
func (v *DataSetView[T]) Items(ctx context.Context) ([]*T, error) {
	if err := v.load(ctx); err != nil {
		return nil, err
	}
	return v.items, nil
}

// Len is the number of items.
func (v *DataSetView[T]) Len(ctx context.Context) (int, error) {
	if err := v.load(ctx); err != nil {
		return 0, err
	}
	return len(v.items), nil
}

// Current returns the item under the cursor; false when the view is empty.
func (v *DataSetView[T]) Current(ctx context.Context) (*T, bool, error) {
	if err := v.load(ctx); err != nil {
		return nil, false, err
	}
	if v.current < 0 {
		return nil, false, nil
	}
	return v.items[v.current], true, nil
}

// Position is the cursor index, -1 when empty or not yet loaded.
func (v *DataSetView[T]) Position() int { return v.current }

// MoveTo places the cursor on item i.
func (v *DataSetView[T]) MoveTo(ctx context.Context, i int) error {
	if err := v.load(ctx); err != nil {
		return err
	}
	if i < 0 || i >= len(v.items) {
		return fmt.Errorf("move to %d: out of range [0,%d)", i, len(v.items))
	}
	v.current = i
	return nil
}

// Refresh re-reads the items on the next access.
func (v *DataSetView[T]) Refresh(ctx context.Context) error {
	if v.closed {
		return ErrViewClosed
	}
	v.stale.Store(true)
	return v.load(ctx)
}

// Close stops listening to the filter set and drops the items.
func (v *DataSetView[T]) Close() {
	if v.closed {
		return
	}
	v.closed = true
	v.unsub()
	v.items = nil
	v.current = -1
}
