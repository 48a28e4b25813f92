package access

import (
	"context"

	"lobkit/internal/core"
	"lobkit/internal/migration"
	"lobkit/pkg/domain"
)

// Built-in roles seeded by the access module's first migration.
const (
	RoleAdministrator = "Administrator"
	RoleUser          = "User"
)

type module struct{}

// Module registers the access entities and seeds the built-in roles.
var Module migration.Module = module{}

func (module) Name() string { return "access" }

func (module) Register(r *domain.Registry) error { return register(r) }

func (module) Migrations() []migration.Migration {
	return []migration.Migration{
		{ID: "0001_builtin_roles", Description: "create built-in roles", Apply: seedRoles},
	}
}

func seedRoles(ctx context.Context, scope *core.Scope) error {
	m, err := NewManager(scope)
	if err != nil {
		return err
	}
	for _, name := range []string{RoleAdministrator, RoleUser} {
		if _, err := m.CreateRole(ctx, name); err != nil {
			return err
		}
	}
	return nil
}
