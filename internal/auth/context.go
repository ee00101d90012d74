// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"

	"github.com/winatecommerce96/emailpilot/internal/store"
)

// AuthContext holds the authenticated identity extracted from a request.
// It is populated by HTTPAuthMiddleware and read by handlers and RequireRole.
type AuthContext struct {
	UserID string
	Email  string
	Role   store.Role
}

var roleRank = map[store.Role]int{
	store.RoleMember: 1,
	store.RoleAdmin:  2,
	store.RoleOwner:  3,
}

// HasRole reports whether the user's role is at least min. Owners outrank admins,
// who outrank members.
func (a *AuthContext) HasRole(min store.Role) bool {
	if a == nil {
		return false
	}
	return roleRank[a.Role] >= roleRank[min] && roleRank[a.Role] > 0
}

// IsAdmin returns true if the user has admin or owner role.
func (a *AuthContext) IsAdmin() bool {
	return a.HasRole(store.RoleAdmin)
}

// Actor names the user in audit entries.
func (a *AuthContext) Actor() string {
	if a == nil {
		return "system"
	}
	if a.Email != "" {
		return a.Email
	}
	return a.UserID
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
