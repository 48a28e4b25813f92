// Package access provides users, roles, claims and external logins as
// ordinary entities, plus the principal carried through request contexts.
package access

import (
	"time"

	"github.com/google/uuid"

	"lobkit/pkg/domain"
)

// Entity type names registered by the access module.
const (
	EntityUser      domain.EntityType = "user"
	EntityRole      domain.EntityType = "role"
	EntityUserRole  domain.EntityType = "user_role"
	EntityUserClaim domain.EntityType = "user_claim"
	EntityUserLogin domain.EntityType = "user_login"
)

// User is an account. Unset optional fields are omitted from its JSON form.
type User struct {
	Id                 uuid.UUID  `json:"Id"`
	UserName           string     `json:"UserName"`
	NormalizedUserName *string    `json:"NormalizedUserName,omitempty"`
	Email              *string    `json:"Email,omitempty"`
	PasswordHash       *string    `json:"PasswordHash,omitempty"`
	LockoutEnd         *time.Time `json:"LockoutEnd,omitempty"`
}

// Role is a named group of users.
type Role struct {
	Id             uuid.UUID `json:"Id"`
	Name           string    `json:"Name"`
	NormalizedName string    `json:"NormalizedName"`
}

// UserRole links a user to a role.
type UserRole struct {
	UserId uuid.UUID `json:"UserId"`
	RoleId uuid.UUID `json:"RoleId"`
	Role   *Role     `json:"-"`
}

// UserClaim is a typed assertion about a user.
type UserClaim struct {
	Id     uuid.UUID `json:"Id"`
	UserId uuid.UUID `json:"UserId"`
	Type   string    `json:"Type"`
	Value  string    `json:"Value"`
}

// UserLogin maps an external provider identity onto a user.
type UserLogin struct {
	Provider    string    `json:"Provider"`
	ProviderKey string    `json:"ProviderKey"`
	UserId      uuid.UUID `json:"UserId"`
}

func userModel() domain.Model[User] {
	return domain.Model[User]{
		Name:     EntityUser,
		Key:      []string{"Id"},
		Identity: "Id",
		Properties: []domain.Property[User]{
			domain.Field("Id", func(u *User) *uuid.UUID { return &u.Id }, "required"),
			domain.Field("UserName", func(u *User) *string { return &u.UserName }, "required", "max=256"),
			domain.Field("NormalizedUserName", func(u *User) **string { return &u.NormalizedUserName }, "omitempty,max=256"),
			domain.Field("Email", func(u *User) **string { return &u.Email }, "omitempty,email"),
			domain.Field("PasswordHash", func(u *User) **string { return &u.PasswordHash }),
			domain.Field("LockoutEnd", func(u *User) **time.Time { return &u.LockoutEnd }),
		},
	}
}

func roleModel() domain.Model[Role] {
	return domain.Model[Role]{
		Name:     EntityRole,
		Key:      []string{"Id"},
		Identity: "Id",
		Properties: []domain.Property[Role]{
			domain.Field("Id", func(r *Role) *uuid.UUID { return &r.Id }, "required"),
			domain.Field("Name", func(r *Role) *string { return &r.Name }, "required", "max=64"),
			domain.Field("NormalizedName", func(r *Role) *string { return &r.NormalizedName }),
		},
	}
}

func userRoleModel() domain.Model[UserRole] {
	return domain.Model[UserRole]{
		Name: EntityUserRole,
		Key:  []string{"UserId", "RoleId"},
		Properties: []domain.Property[UserRole]{
			domain.Field("UserId", func(ur *UserRole) *uuid.UUID { return &ur.UserId }, "required"),
			domain.Field("RoleId", func(ur *UserRole) *uuid.UUID { return &ur.RoleId }, "required"),
		},
		Relations: []domain.Relation{
			{Name: "User", Kind: domain.ManyToOne, Target: EntityUser, ForeignKey: []string{"UserId"}, Required: true},
			{Name: "Role", Kind: domain.ManyToOne, Target: EntityRole, ForeignKey: []string{"RoleId"}, Required: true},
		},
		Nested: []domain.Nested[UserRole]{domain.NestOne("Role", func(ur *UserRole) **Role { return &ur.Role })},
	}
}

func userClaimModel() domain.Model[UserClaim] {
	return domain.Model[UserClaim]{
		Name:     EntityUserClaim,
		Key:      []string{"Id"},
		Identity: "Id",
		Properties: []domain.Property[UserClaim]{
			domain.Field("Id", func(c *UserClaim) *uuid.UUID { return &c.Id }, "required"),
			domain.Field("UserId", func(c *UserClaim) *uuid.UUID { return &c.UserId }, "required"),
			domain.Field("Type", func(c *UserClaim) *string { return &c.Type }, "required", "max=256"),
			domain.Field("Value", func(c *UserClaim) *string { return &c.Value }),
		},
		Relations: []domain.Relation{
			{Name: "User", Kind: domain.ManyToOne, Target: EntityUser, ForeignKey: []string{"UserId"}, Required: true},
		},
	}
}

func userLoginModel() domain.Model[UserLogin] {
	return domain.Model[UserLogin]{
		Name: EntityUserLogin,
		Key:  []string{"Provider", "ProviderKey"},
		Properties: []domain.Property[UserLogin]{
			domain.Field("Provider", func(l *UserLogin) *string { return &l.Provider }, "required", "max=64"),
			domain.Field("ProviderKey", func(l *UserLogin) *string { return &l.ProviderKey }, "required"),
			domain.Field("UserId", func(l *UserLogin) *uuid.UUID { return &l.UserId }, "required"),
		},
		Relations: []domain.Relation{
			{Name: "User", Kind: domain.ManyToOne, Target: EntityUser, ForeignKey: []string{"UserId"}, Required: true},
		},
	}
}

func register(r *domain.Registry) error {
	if err := domain.Register(r, userModel()); err != nil {
		return err
	}
	if err := domain.Register(r, roleModel()); err != nil {
		return err
	}
	if err := domain.Register(r, userRoleModel()); err != nil {
		return err
	}
	if err := domain.Register(r, userClaimModel()); err != nil {
		return err
	}
	return domain.Register(r, userLoginModel())
}
