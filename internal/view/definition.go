// Package view is the headless page layer: pages group data-set views and
// actions over a scope, and talk to the user through a Dialogs implementation.
package view

import (
	"context"
	"reflect"

	"github.com/google/uuid"

	"lobkit/internal/core"
	"lobkit/pkg/domain"
)

// EntityPageDefinition is the entity type of persisted page definitions.
const EntityPageDefinition domain.EntityType = "page_definition"

// PageDefinition is the persisted identity of a page type.
type PageDefinition struct {
	Id       uuid.UUID `json:"Id"`
	TypeName string    `json:"TypeName"`
	Title    string    `json:"Title"`
}

// Module registers PageDefinition.
var Module core.Module = core.ModuleFunc{
	ModuleName: "view",
	Fn: func(r *domain.Registry) error {
		return domain.Register(r, domain.Model[PageDefinition]{
			Name:     EntityPageDefinition,
			Key:      []string{"Id"},
			Identity: "Id",
			Properties: []domain.Property[PageDefinition]{
				domain.Field("Id", func(d *PageDefinition) *uuid.UUID { return &d.Id }, "required"),
				domain.Field("TypeName", func(d *PageDefinition) *string { return &d.TypeName }, "required", "max=512"),
				domain.Field("Title", func(d *PageDefinition) *string { return &d.Title }, "max=256"),
			},
		})
	},
}

// Titled lets a page type choose its display title.
type Titled interface {
	PageTitle() string
}

// GetOrCreatePageFromType returns the definition recorded for typ, creating
// and saving it on first use.
func GetOrCreatePageFromType(ctx context.Context, scope *core.Scope, typ reflect.Type) (*PageDefinition, error) {
	if typ == nil {
		return nil, &domain.ConfigError{Op: "page definition", Reason: "type is required"}
	}
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	name := domain.TypeName(typ)
	def, created, err := core.GetOrCreate(ctx, scope,
		func(d *PageDefinition) bool { return d.TypeName == name },
		func(d *PageDefinition) {
			d.TypeName = name
			d.Title = typ.Name()
			if t, ok := reflect.Zero(typ).Interface().(Titled); ok {
				d.Title = t.PageTitle()
			}
		})
	if err == nil && created {
		scope.Domain().Logger().Debugw("page definition created", "type", name, "id", def.Id)
	}
	return def, err
}

// PageFor is GetOrCreatePageFromType for P.
func PageFor[P any](ctx context.Context, scope *core.Scope) (*PageDefinition, error) {
	return GetOrCreatePageFromType(ctx, scope, reflect.TypeFor[P]())
}
