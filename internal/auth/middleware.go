package auth

import (
	"context"
	"net/http"
	"strings"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// ContextKeyName is the context key for storing the name of the matched key
	ContextKeyName contextKey = "api_key_name"
	// ContextKeyRole is the context key for storing the caller role
	ContextKeyRole contextKey = "role"
)

// Key is a configured API key. Secret is either the plain key or its
// bcrypt hash.
type Key struct {
	Name   string
	Secret string
	Role   Role
}

func (k Key) matches(token string) bool {
	if k.Secret == "" {
		return false
	}
	if strings.HasPrefix(k.Secret, "$2") {
		return VerifySecret(token, k.Secret)
	}
	return VerifyAPIKeyConstantTime(token, k.Secret)
}

// Authenticator handles authentication for API requests
type Authenticator struct {
	keys []Key
}

// NewAuthenticator creates a new Authenticator. Keys with an empty secret
// are ignored.
func NewAuthenticator(keys ...Key) *Authenticator {
	a := &Authenticator{}
	for _, k := range keys {
		if k.Secret != "" {
			a.keys = append(a.keys, k)
		}
	}
	return a
}

// Enabled reports whether at least one key is configured.
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.keys) > 0
}

// AuthResult contains the result of an authentication attempt
type AuthResult struct {
	Authenticated bool
	Role          Role
	KeyName       string
	Error         string
}

// Authenticate authenticates a request using the Authorization header
func (a *Authenticator) Authenticate(authHeader string) AuthResult {
	token := ExtractBearerToken(authHeader)
	if token == "" {
		return AuthResult{Error: "missing bearer token"}
	}

	// Admin keys are listed first so a shared secret resolves to the higher role
	for _, k := range a.keys {
		if k.matches(token) {
			return AuthResult{Authenticated: true, Role: k.Role, KeyName: k.Name}
		}
	}
	return AuthResult{Error: "invalid token"}
}

// RequireAuth is a middleware that requires authentication. Without any
// configured key every request passes with the admin role.
func (a *Authenticator) RequireAuth(requiredRole Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Enabled() {
				ctx := context.WithValue(r.Context(), ContextKeyRole, RoleAdmin)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			result := a.Authenticate(r.Header.Get("Authorization"))
			if !result.Authenticated {
				http.Error(w, result.Error, http.StatusUnauthorized)
				return
			}

			// Check if caller has required permission
			if !HasPermission(result.Role, requiredRole) {
				http.Error(w, "insufficient permissions", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyRole, result.Role)
			ctx = context.WithValue(ctx, ContextKeyName, result.KeyName)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetRoleFromContext extracts the role from the request context
func GetRoleFromContext(ctx context.Context) (Role, bool) {
	role, ok := ctx.Value(ContextKeyRole).(Role)
	return role, ok
}

// GetKeyNameFromContext extracts the authenticated key name from the request context
func GetKeyNameFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(ContextKeyName).(string)
	return name, ok && name != ""
}
