package access

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"lobkit/internal/core"
	"lobkit/internal/migration"
	"lobkit/pkg/domain"
)

func newDomain(t *testing.T) *core.DataDomain {
	t.Helper()
	schema, err := core.NewSchema(migration.TrackingModule, Module)
	require.NoError(t, err)
	dd, err := core.NewInMemory(schema)
	require.NoError(t, err)
	return dd
}

func newManager(t *testing.T, scope *core.Scope, opts ...ManagerOption) *Manager {
	t.Helper()
	m, err := NewManager(scope, append([]ManagerOption{WithBcryptCost(bcrypt.MinCost)}, opts...)...)
	require.NoError(t, err)
	return m
}

func withScope(t *testing.T, dd *core.DataDomain) *core.Scope {
	t.Helper()
	scope := dd.CreateScope()
	t.Cleanup(func() { _ = scope.Close() })
	return scope
}

// seed creates ada with a password, the Administrator role and one claim.
func seed(t *testing.T, dd *core.DataDomain) *User {
	t.Helper()
	ctx := context.Background()
	m := newManager(t, withScope(t, dd))
	u, err := m.CreateUser(ctx, "Ada", nil)
	require.NoError(t, err)
	require.NoError(t, m.SetPassword(u, "correct horse"))
	_, err = m.CreateRole(ctx, RoleAdministrator)
	require.NoError(t, err)
	require.NoError(t, m.AddToRole(ctx, u, RoleAdministrator))
	require.NoError(t, m.AddToRole(ctx, u, "administrator"))
	_, err = m.AddClaim(u, "department", "engineering")
	require.NoError(t, err)
	require.NoError(t, m.Scope().Save(ctx))
	return u
}

func TestUserSerializesWithoutUnsetFields(t *testing.T) {
	ctx := context.Background()
	dd := newDomain(t)

	scope := withScope(t, dd)
	users, err := core.GetDao[User](scope)
	require.NoError(t, err)
	require.NoError(t, users.Create(&User{Id: uuid.MustParse("8abcd652-cc76-442d-97b7-05e23b164e63"), UserName: "John Doe"}))
	require.NoError(t, scope.Save(ctx))

	fresh := withScope(t, dd)
	users, err = core.GetDao[User](fresh)
	require.NoError(t, err)
	u, err := users.AsQueryable().First(ctx)
	require.NoError(t, err)
	raw, err := json.Marshal(u)
	require.NoError(t, err)
	assert.Equal(t, `{"Id":"8abcd652-cc76-442d-97b7-05e23b164e63","UserName":"John Doe"}`, string(raw))
}

func TestManagerAccountLifecycle(t *testing.T) {
	ctx := context.Background()
	dd := newDomain(t)
	seeded := seed(t, dd)

	m := newManager(t, withScope(t, dd))
	u, err := m.FindByName(ctx, "ADA")
	require.NoError(t, err)
	assert.Equal(t, seeded.Id, u.Id)
	require.NotNil(t, u.NormalizedUserName)
	assert.Equal(t, "ADA", *u.NormalizedUserName)

	_, err = m.CreateUser(ctx, "ada", nil)
	assert.ErrorIs(t, err, domain.ErrDuplicateKey)
	_, err = m.CreateRole(ctx, "ADMINISTRATOR")
	assert.ErrorIs(t, err, domain.ErrDuplicateKey)

	assert.NoError(t, m.CheckPassword(u, "correct horse"))
	assert.ErrorIs(t, m.CheckPassword(u, "wrong horse"), ErrInvalidCredentials)
	assert.Error(t, m.SetPassword(u, "short"))

	roles, err := m.RolesOf(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, []string{RoleAdministrator}, roles)

	claims, err := m.ClaimsOf(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, []Claim{{Type: "department", Value: "engineering"}}, claims)

	p, err := m.PrincipalFor(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, "Ada", p.UserName)
	assert.True(t, p.IsInRole("administrator"))
	assert.False(t, p.IsInRole(RoleUser))
	assert.True(t, p.HasClaim("department", "engineering"))

	removed, err := m.RemoveFromRole(ctx, u, RoleAdministrator)
	require.NoError(t, err)
	assert.True(t, removed)
	require.NoError(t, m.Scope().Save(ctx))
	roles, err = m.RolesOf(ctx, u)
	require.NoError(t, err)
	assert.Empty(t, roles)
	removed, err = m.RemoveFromRole(ctx, u, RoleAdministrator)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestCreateUserValidatesEmail(t *testing.T) {
	m := newManager(t, withScope(t, newDomain(t)))
	bad := "not-an-email"
	_, err := m.CreateUser(context.Background(), "grace", &bad)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.False(t, m.Scope().HasChanges())
}

func TestLockoutBlocksPasswordCheck(t *testing.T) {
	ctx := context.Background()
	dd := newDomain(t)
	seed(t, dd)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	m := newManager(t, withScope(t, dd), WithClock(func() time.Time { return now }))
	u, err := m.FindByName(ctx, "ada")
	require.NoError(t, err)
	require.NoError(t, m.LockOut(u, now.Add(time.Hour)))
	require.NoError(t, m.Scope().Save(ctx))

	m = newManager(t, withScope(t, dd), WithClock(func() time.Time { return now }))
	u, err = m.FindByName(ctx, "ada")
	require.NoError(t, err)
	assert.ErrorIs(t, m.CheckPassword(u, "correct horse"), ErrLockedOut)

	later := newManager(t, withScope(t, dd), WithClock(func() time.Time { return now.Add(2 * time.Hour) }))
	assert.NoError(t, later.CheckPassword(u, "correct horse"))
}

func TestDeletingUserWithRolesIsBlocked(t *testing.T) {
	ctx := context.Background()
	dd := newDomain(t)
	seed(t, dd)

	m := newManager(t, withScope(t, dd))
	u, err := m.FindByName(ctx, "ada")
	require.NoError(t, err)
	require.NoError(t, m.Users().Delete(u))
	err = m.Scope().Save(ctx)
	require.Error(t, err)
	var rv domain.RuleViolationError
	assert.True(t, errors.As(err, &rv))
	assert.True(t, m.Scope().HasChanges())
}

func TestPasswordProvider(t *testing.T) {
	ctx := context.Background()
	dd := newDomain(t)
	seed(t, dd)
	providers, err := NewProviders([]LoginProvider{PasswordProvider{}}, WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)

	p, err := providers.Authenticate(ctx, withScope(t, dd), PasswordProviderName, Credentials{UserName: "ada", Password: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, []string{RoleAdministrator}, p.Roles)

	_, err = providers.Authenticate(ctx, withScope(t, dd), PasswordProviderName, Credentials{UserName: "ada", Password: "nope"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = providers.Authenticate(ctx, withScope(t, dd), PasswordProviderName, Credentials{UserName: "nobody", Password: "correct horse"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = providers.Authenticate(ctx, withScope(t, dd), "saml", Credentials{})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestTokenProvider(t *testing.T) {
	ctx := context.Background()
	dd := newDomain(t)
	seeded := seed(t, dd)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	m := newManager(t, withScope(t, dd))
	require.NoError(t, m.AddLogin(seeded, TokenProviderName, "sub-123"))
	require.NoError(t, m.Scope().Save(ctx))

	tp := TokenProvider{Secret: []byte("s3cret"), Issuer: "lobkit", TTL: time.Minute, Now: func() time.Time { return now }}
	providers, err := NewProviders([]LoginProvider{PasswordProvider{}, tp})
	require.NoError(t, err)
	assert.Equal(t, []string{PasswordProviderName, TokenProviderName}, providers.Names())

	token, err := tp.Issue("sub-123")
	require.NoError(t, err)
	p, err := providers.Authenticate(ctx, withScope(t, dd), TokenProviderName, Credentials{Token: token})
	require.NoError(t, err)
	assert.Equal(t, seeded.Id, p.UserID)

	stranger, err := tp.Issue("sub-999")
	require.NoError(t, err)
	_, err = providers.Authenticate(ctx, withScope(t, dd), TokenProviderName, Credentials{Token: stranger})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	forged, err := TokenProvider{Secret: []byte("other"), Issuer: "lobkit", Now: tp.Now}.Issue("sub-123")
	require.NoError(t, err)
	_, err = providers.Authenticate(ctx, withScope(t, dd), TokenProviderName, Credentials{Token: forged})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	expired := tp
	expired.Now = func() time.Time { return now.Add(time.Hour) }
	_, err = expired.Authenticate(ctx, newManager(t, withScope(t, dd)), Credentials{Token: token})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = TokenProvider{}.Issue("x")
	assert.Error(t, err)
}

func TestNewProvidersRejectsDuplicates(t *testing.T) {
	_, err := NewProviders([]LoginProvider{PasswordProvider{}, PasswordProvider{}})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	_, err = NewProviders([]LoginProvider{nil})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestRequireRole(t *testing.T) {
	ctx := context.Background()
	assert.ErrorIs(t, RequireRole(ctx, RoleAdministrator), ErrUnauthenticated)

	ctx = WithPrincipal(ctx, Principal{UserName: "ada", Roles: []string{RoleUser}})
	assert.NoError(t, RequireRole(ctx, "user"))
	assert.ErrorIs(t, RequireRole(ctx, RoleAdministrator), ErrForbidden)

	p, ok := PrincipalFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "ada", p.UserName)
}

func TestModuleMigrationSeedsBuiltinRoles(t *testing.T) {
	ctx := context.Background()
	dd := newDomain(t)
	runner, err := migration.NewRunner(dd, "1.0.0")
	require.NoError(t, err)
	written, err := runner.Apply(ctx, migration.TrackingModule, Module)
	require.NoError(t, err)
	require.Len(t, written, 1)
	assert.Equal(t, "access", written[0].Module)

	m := newManager(t, withScope(t, dd))
	for _, name := range []string{RoleAdministrator, RoleUser} {
		_, err := m.FindRole(ctx, name)
		assert.NoError(t, err, name)
	}

	written, err = runner.Apply(ctx, Module)
	require.NoError(t, err)
	assert.Empty(t, written)
}
