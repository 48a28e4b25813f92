package access

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// Claim is a type/value pair attached to a principal.
type Claim struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Principal is an authenticated user with the roles and claims resolved at
// sign-in. It is a value; later changes to the account do not affect it.
type Principal struct {
	UserID   uuid.UUID `json:"user_id"`
	UserName string    `json:"user_name"`
	Roles    []string  `json:"roles,omitempty"`
	Claims   []Claim   `json:"claims,omitempty"`
}

// IsInRole reports membership of role.
func (p Principal) IsInRole(role string) bool {
	want := Normalize(role)
	return slices.ContainsFunc(p.Roles, func(r string) bool { return Normalize(r) == want })
}

// HasClaim reports whether the principal carries claimType with value.
func (p Principal) HasClaim(claimType, value string) bool {
	return slices.Contains(p.Claims, Claim{Type: claimType, Value: value})
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// RequireRole fails with ErrUnauthenticated when ctx has no principal and
// ErrForbidden when the principal lacks role.
func RequireRole(ctx context.Context, role string) error {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return ErrUnauthenticated
	}
	if !p.IsInRole(role) {
		return fmt.Errorf("%s requires role %q: %w", p.UserName, role, ErrForbidden)
	}
	return nil
}
