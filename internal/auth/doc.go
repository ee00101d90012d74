// Package auth provides authentication and authorization for the emailpilot API.
//
// # Tokens
//
// Users exchange email and password for an HS256 JWT (see Login). The token's
// "sub" claim is the user ID; the role is read from the store on each request
// so demotions apply immediately.
//
//	verifier, err := NewJWTVerifier(secret)
//	token, user, err := Login(ctx, users, verifier, email, password, ttl)
//
// # Roles
//
// Roles are ordered owner > admin > member. RequireRole(store.RoleAdmin) admits
// admins and owners.
//
// # Middleware
//
// HTTPAuthMiddleware verifies the bearer token and attaches an AuthContext to the
// request context; handlers read it with FromContext. When no jwt_secret is
// configured the server uses AnonymousMiddleware instead, which treats every
// caller as an owner.
package auth
