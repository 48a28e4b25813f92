package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"lobkit/internal/core"
	"lobkit/pkg/domain"
)

// Credentials carries whatever a login provider needs; each provider reads
// only its own fields.
type Credentials struct {
	UserName string
	Password string
	Token    string
}

// LoginProvider resolves credentials to a user.
type LoginProvider interface {
	Name() string
	Authenticate(ctx context.Context, m *Manager, creds Credentials) (*User, error)
}

// Providers is the set of login providers chosen at composition time.
type Providers struct {
	byName map[string]LoginProvider
	opts   []ManagerOption
}

// NewProviders indexes providers by name. Duplicate names are a
// configuration error. opts apply to the Manager built per authentication.
func NewProviders(providers []LoginProvider, opts ...ManagerOption) (*Providers, error) {
	p := &Providers{byName: make(map[string]LoginProvider, len(providers)), opts: opts}
	for _, lp := range providers {
		if lp == nil {
			return nil, &domain.ConfigError{Op: "login providers", Reason: "nil provider"}
		}
		if _, dup := p.byName[lp.Name()]; dup {
			return nil, &domain.ConfigError{Op: "login providers", Entity: lp.Name(), Reason: "provider already registered"}
		}
		p.byName[lp.Name()] = lp
	}
	return p, nil
}

// Names lists the registered provider names in order.
func (p *Providers) Names() []string {
	out := make([]string, 0, len(p.byName))
	for name := range p.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the named provider.
func (p *Providers) Lookup(name string) (LoginProvider, bool) {
	lp, ok := p.byName[name]
	return lp, ok
}

// Authenticate signs in through the named provider and returns the
// resulting principal. Unknown providers are a configuration error.
func (p *Providers) Authenticate(ctx context.Context, scope *core.Scope, name string, creds Credentials) (Principal, error) {
	lp, ok := p.byName[name]
	if !ok {
		return Principal{}, &domain.ConfigError{Op: "authenticate", Entity: name, Reason: "unknown login provider"}
	}
	m, err := NewManager(scope, p.opts...)
	if err != nil {
		return Principal{}, err
	}
	u, err := lp.Authenticate(ctx, m, creds)
	if err != nil {
		m.log.Warnw("authentication failed", "provider", name, "user", creds.UserName, "error", err)
		return Principal{}, err
	}
	m.log.Debugw("authenticated", "provider", name, "user", u.UserName)
	return m.PrincipalFor(ctx, u)
}

// PasswordProvider checks a user name and bcrypt password hash.
type PasswordProvider struct{}

// PasswordProviderName is the name PasswordProvider registers under.
const PasswordProviderName = "password"

func (PasswordProvider) Name() string { return PasswordProviderName }

func (PasswordProvider) Authenticate(ctx context.Context, m *Manager, creds Credentials) (*User, error) {
	u, err := m.FindByName(ctx, creds.UserName)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := m.CheckPassword(u, creds.Password); err != nil {
		return nil, err
	}
	return u, nil
}

// TokenProvider accepts HS256 bearer tokens. The token subject is looked up
// as a UserLogin under the provider's name.
type TokenProvider struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// TokenProviderName is the name TokenProvider registers under.
const TokenProviderName = "token"

func (TokenProvider) Name() string { return TokenProviderName }

func (t TokenProvider) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Issue signs a token for subject.
func (t TokenProvider) Issue(subject string) (string, error) {
	if len(t.Secret) == 0 {
		return "", fmt.Errorf("token provider: secret required")
	}
	ttl := t.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := t.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    t.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.Secret)
}

func (t TokenProvider) Authenticate(ctx context.Context, m *Manager, creds Credentials) (*User, error) {
	claims := &jwt.RegisteredClaims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now), jwt.WithExpirationRequired()}
	if t.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.Issuer))
	}
	_, err := jwt.ParseWithClaims(creds.Token, claims, func(*jwt.Token) (any, error) { return t.Secret, nil }, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	u, err := m.FindByLogin(ctx, t.Name(), claims.Subject)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	return u, err
}
