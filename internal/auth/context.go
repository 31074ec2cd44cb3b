package auth

import "context"

type principalContextKey struct{}

// Principal is the authenticated caller of a request, built from verified
// access token claims.
type Principal struct {
	MembershipID string
	TenantID     string
	SessionID    string
	Roles        []string
	Permissions  []string
	Superadmin   bool
}

// PrincipalFromClaims builds a Principal from verified claims.
func PrincipalFromClaims(c *Claims) Principal {
	return Principal{
		MembershipID: c.Subject,
		TenantID:     c.TenantID,
		SessionID:    c.SessionID,
		Roles:        append([]string(nil), c.Roles...),
		Permissions:  append([]string(nil), c.Permissions...),
		Superadmin:   c.Superadmin,
	}
}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}
