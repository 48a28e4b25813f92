package reports

import (
	"context"
	"fmt"

	"lobkit/internal/core"
	"lobkit/pkg/domain"
)

// Column describes one dataset column. Title defaults to Name.
type Column struct {
	Name  string `json:"name" yaml:"name"`
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
}

func (c Column) label() string {
	if c.Title != "" {
		return c.Title
	}
	return c.Name
}

// Row maps column names to values.
type Row map[string]any

// Dataset is a materialized table ready for rendering.
type Dataset struct {
	Title   string   `json:"title" yaml:"title"`
	Columns []Column `json:"columns" yaml:"columns"`
	Rows    []Row    `json:"rows" yaml:"rows"`
}

// Values returns a row's values in column order.
func (d Dataset) Values(r Row) []any {
	out := make([]any, len(d.Columns))
	for i, c := range d.Columns {
		out[i] = r[c.Name]
	}
	return out
}

// DataSource produces a dataset. Sources backed by a scope must be read on
// the scope's goroutine.
type DataSource interface {
	Dataset(ctx context.Context) (Dataset, error)
}

// DataSourceFunc adapts a function into a DataSource.
type DataSourceFunc func(ctx context.Context) (Dataset, error)

// Dataset implements DataSource.
func (f DataSourceFunc) Dataset(ctx context.Context) (Dataset, error) { return f(ctx) }

// Static wraps an already built dataset.
func Static(ds Dataset) DataSource {
	return DataSourceFunc(func(context.Context) (Dataset, error) { return ds, nil })
}

// ColumnOf extracts one column from an entity.
type ColumnOf[T any] struct {
	Column
	Value func(*T) any
}

// PropertyColumns builds columns from registered properties of T.
func PropertyColumns[T any](model *domain.Model[T], names ...string) ([]ColumnOf[T], error) {
	out := make([]ColumnOf[T], 0, len(names))
	for _, name := range names {
		p, ok := model.Property(name)
		if !ok {
			return nil, &domain.ConfigError{Op: "report column", Entity: string(model.Name), Reason: fmt.Sprintf("unknown property %q", name)}
		}
		out = append(out, ColumnOf[T]{Column: Column{Name: name}, Value: p.Get})
	}
	return out, nil
}

// FromQuery reads q on each Dataset call and projects every match through cols.
func FromQuery[T any](title string, q *core.Query[T], cols ...ColumnOf[T]) DataSource {
	return DataSourceFunc(func(ctx context.Context) (Dataset, error) {
		items, err := q.ToSlice(ctx)
		if err != nil {
			return Dataset{}, fmt.Errorf("report %s: %w", title, err)
		}
		ds := Dataset{Title: title, Columns: make([]Column, len(cols)), Rows: make([]Row, 0, len(items))}
		for i, c := range cols {
			ds.Columns[i] = c.Column
		}
		for _, e := range items {
			row := make(Row, len(cols))
			for _, c := range cols {
				row[c.Name] = c.Value(e)
			}
			ds.Rows = append(ds.Rows, row)
		}
		return ds, nil
	})
}
