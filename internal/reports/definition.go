// Package reports turns entity queries into datasets and renders them into
// artifacts by MIME type.
package reports

import (
	"context"
	"reflect"

	"github.com/google/uuid"

	"lobkit/internal/core"
	"lobkit/pkg/domain"
)

// EntityReportDefinition is the entity type of persisted report definitions.
const EntityReportDefinition domain.EntityType = "report_definition"

// ReportDefinition is the persisted identity of a report type.
type ReportDefinition struct {
	Id       uuid.UUID `json:"Id"`
	TypeName string    `json:"TypeName"`
	Name     string    `json:"Name"`
	MimeType string    `json:"MimeType"`
}

func definitionModel() domain.Model[ReportDefinition] {
	return domain.Model[ReportDefinition]{
		Name:     EntityReportDefinition,
		Key:      []string{"Id"},
		Identity: "Id",
		Properties: []domain.Property[ReportDefinition]{
			domain.Field("Id", func(d *ReportDefinition) *uuid.UUID { return &d.Id }, "required"),
			domain.Field("TypeName", func(d *ReportDefinition) *string { return &d.TypeName }, "required", "max=512"),
			domain.Field("Name", func(d *ReportDefinition) *string { return &d.Name }, "required", "max=256"),
			domain.Field("MimeType", func(d *ReportDefinition) *string { return &d.MimeType }),
		},
	}
}

// Module registers ReportDefinition.
var Module core.Module = core.ModuleFunc{
	ModuleName: "reports",
	Fn: func(r *domain.Registry) error {
		return domain.Register(r, definitionModel())
	},
}

// Named lets a report type choose its display name and default MIME type.
type Named interface {
	ReportName() string
	DefaultMimeType() string
}

// GetOrCreateFromType returns the definition recorded for typ, creating and
// saving it on first use. Repeated calls return the same Id.
func GetOrCreateFromType(ctx context.Context, scope *core.Scope, typ reflect.Type) (*ReportDefinition, error) {
	if typ == nil {
		return nil, &domain.ConfigError{Op: "report definition", Reason: "type is required"}
	}
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	name := domain.TypeName(typ)
	def, _, err := core.GetOrCreate(ctx, scope,
		func(d *ReportDefinition) bool { return d.TypeName == name },
		func(d *ReportDefinition) {
			d.TypeName = name
			d.Name = typ.Name()
			d.MimeType = MimeJSON
			if named, ok := reflect.Zero(typ).Interface().(Named); ok {
				d.Name = named.ReportName()
				d.MimeType = named.DefaultMimeType()
			}
		})
	return def, err
}

// DefinitionFor is GetOrCreateFromType for R.
func DefinitionFor[R any](ctx context.Context, scope *core.Scope) (*ReportDefinition, error) {
	return GetOrCreateFromType(ctx, scope, reflect.TypeFor[R]())
}
