package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"lobkit/internal/core"
	"lobkit/pkg/domain"
)

// Errors returned by authentication and authorization checks.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrLockedOut          = errors.New("account is locked out")
	ErrUnauthenticated    = errors.New("no authenticated principal")
	ErrForbidden          = errors.New("forbidden")
)

// MinPasswordLength is the shortest password SetPassword accepts.
const MinPasswordLength = 8

// Manager maintains accounts inside one scope. Mutating methods only stage
// changes; the caller saves the scope.
type Manager struct {
	scope     *core.Scope
	users     *core.Service[User]
	roles     *core.Service[Role]
	userRoles *core.Service[UserRole]
	claims    *core.Service[UserClaim]
	logins    *core.Service[UserLogin]
	cost      int
	now       func() time.Time
	log       *zap.SugaredLogger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithBcryptCost overrides bcrypt.DefaultCost. Tests use bcrypt.MinCost.
func WithBcryptCost(cost int) ManagerOption {
	return func(m *Manager) { m.cost = cost }
}

// WithClock overrides the time source used for lockout checks.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager binds a manager to scope. The scope's schema must include Module.
func NewManager(scope *core.Scope, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		scope: scope,
		cost:  bcrypt.DefaultCost,
		now:   time.Now,
		log:   scope.Domain().Logger().With("component", "access"),
	}
	var err error
	if m.users, err = core.GetDao[User](scope); err != nil {
		return nil, err
	}
	if m.roles, err = core.GetDao[Role](scope); err != nil {
		return nil, err
	}
	if m.userRoles, err = core.GetDao[UserRole](scope); err != nil {
		return nil, err
	}
	if m.claims, err = core.GetDao[UserClaim](scope); err != nil {
		return nil, err
	}
	if m.logins, err = core.GetDao[UserLogin](scope); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Scope returns the scope the manager stages into.
func (m *Manager) Scope() *core.Scope { return m.scope }

// Users returns the user DAO.
func (m *Manager) Users() *core.Service[User] { return m.users }

// Normalize is the canonical form used for name lookups.
func Normalize(name string) string { return strings.ToUpper(strings.TrimSpace(name)) }

// CreateUser stages a new user. UserName must be unique ignoring case.
func (m *Manager) CreateUser(ctx context.Context, userName string, email *string) (*User, error) {
	if _, err := m.FindByName(ctx, userName); err == nil {
		return nil, &domain.DuplicateKeyError{Entity: EntityUser, Key: []any{userName}}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	u := m.users.New()
	u.UserName = userName
	normalized := Normalize(userName)
	u.NormalizedUserName = &normalized
	u.Email = email
	if problems := m.users.Validate(u); len(problems) > 0 {
		return nil, &domain.ValidationError{Problems: problems}
	}
	if err := m.users.Create(u); err != nil {
		return nil, err
	}
	return u, nil
}

// FindByName looks a user up by name, ignoring case.
func (m *Manager) FindByName(ctx context.Context, userName string) (*User, error) {
	want := Normalize(userName)
	u, err := m.users.AsQueryable().Where(func(u *User) bool {
		if u.NormalizedUserName != nil {
			return *u.NormalizedUserName == want
		}
		return Normalize(u.UserName) == want
	}).First(ctx)
	if err != nil {
		return nil, fmt.Errorf("find user %q: %w", userName, err)
	}
	return u, nil
}

// SetPassword replaces the user's password hash.
func (m *Manager) SetPassword(u *User, password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return m.users.SetProperty(u, "PasswordHash", string(hash))
}

// CheckPassword verifies password against the stored hash. Locked-out users
// fail with ErrLockedOut before the hash is compared.
func (m *Manager) CheckPassword(u *User, password string) error {
	if u.LockoutEnd != nil && u.LockoutEnd.After(m.now()) {
		return ErrLockedOut
	}
	if u.PasswordHash == nil {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*u.PasswordHash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// LockOut blocks password sign-in until the given time.
func (m *Manager) LockOut(u *User, until time.Time) error {
	return m.users.SetProperty(u, "LockoutEnd", until.UTC())
}

// CreateRole stages a new role. Names are unique ignoring case.
func (m *Manager) CreateRole(ctx context.Context, name string) (*Role, error) {
	if _, err := m.FindRole(ctx, name); err == nil {
		return nil, &domain.DuplicateKeyError{Entity: EntityRole, Key: []any{name}}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	r := m.roles.New()
	r.Name = name
	r.NormalizedName = Normalize(name)
	if err := m.roles.Create(r); err != nil {
		return nil, err
	}
	return r, nil
}

// FindRole looks a role up by name, ignoring case.
func (m *Manager) FindRole(ctx context.Context, name string) (*Role, error) {
	want := Normalize(name)
	r, err := m.roles.AsQueryable().Where(func(r *Role) bool { return r.NormalizedName == want }).First(ctx)
	if err != nil {
		return nil, fmt.Errorf("find role %q: %w", name, err)
	}
	return r, nil
}

// AddToRole links u to the named role. Existing membership is left as is.
func (m *Manager) AddToRole(ctx context.Context, u *User, roleName string) error {
	r, err := m.FindRole(ctx, roleName)
	if err != nil {
		return err
	}
	if _, err := m.userRoles.Get(ctx, u.Id, r.Id); err == nil {
		return nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return m.userRoles.Create(&UserRole{UserId: u.Id, RoleId: r.Id})
}

// RemoveFromRole unlinks u from the named role and reports whether it was a member.
func (m *Manager) RemoveFromRole(ctx context.Context, u *User, roleName string) (bool, error) {
	r, err := m.FindRole(ctx, roleName)
	if err != nil {
		return false, err
	}
	link, err := m.userRoles.Get(ctx, u.Id, r.Id)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, m.userRoles.Delete(link)
}

// RolesOf returns the sorted role names of u.
func (m *Manager) RolesOf(ctx context.Context, u *User) ([]string, error) {
	if err := m.userRoles.IncludeNestedData("Role"); err != nil {
		return nil, err
	}
	links, err := m.userRoles.AsQueryable().Where(func(ur *UserRole) bool { return ur.UserId == u.Id }).ToSlice(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(links))
	for _, l := range links {
		if l.Role != nil {
			names = append(names, l.Role.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// AddClaim stages a claim on u.
func (m *Manager) AddClaim(u *User, claimType, value string) (*UserClaim, error) {
	c := m.claims.New()
	c.UserId = u.Id
	c.Type = claimType
	c.Value = value
	if err := m.claims.Create(c); err != nil {
		return nil, err
	}
	return c, nil
}

// ClaimsOf returns u's claims ordered by type then value.
func (m *Manager) ClaimsOf(ctx context.Context, u *User) ([]Claim, error) {
	rows, err := m.claims.AsQueryable().Where(func(c *UserClaim) bool { return c.UserId == u.Id }).ToSlice(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Claim, 0, len(rows))
	for _, c := range rows {
		out = append(out, Claim{Type: c.Type, Value: c.Value})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Value < out[j].Value
	})
	return out, nil
}

// AddLogin maps an external identity onto u.
func (m *Manager) AddLogin(u *User, provider, providerKey string) error {
	return m.logins.Create(&UserLogin{Provider: provider, ProviderKey: providerKey, UserId: u.Id})
}

// FindByLogin resolves an external identity to its user.
func (m *Manager) FindByLogin(ctx context.Context, provider, providerKey string) (*User, error) {
	login, err := m.logins.Get(ctx, provider, providerKey)
	if err != nil {
		return nil, err
	}
	return m.users.Get(ctx, login.UserId)
}

// FindByID loads a user by identifier.
func (m *Manager) FindByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return m.users.Get(ctx, id)
}

// PrincipalFor snapshots u with its roles and claims.
func (m *Manager) PrincipalFor(ctx context.Context, u *User) (Principal, error) {
	roles, err := m.RolesOf(ctx, u)
	if err != nil {
		return Principal{}, err
	}
	claims, err := m.ClaimsOf(ctx, u)
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: u.Id, UserName: u.UserName, Roles: roles, Claims: claims}, nil
}
