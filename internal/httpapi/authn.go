package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"qazna.org/identity/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// authed verifies the bearer token, checks the session is still active and
// passes the principal on in the request context.
func (a *API) authed(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="identity"`)
			writeError(w, r, http.StatusUnauthorized, "unauthenticated", err.Error())
			return
		}
		principal, err := a.svc.Authenticate(r.Context(), token)
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authorize writes the error response and returns false when the caller lacks
// perm or, for a non-empty tenantID, belongs to another tenant.
func (a *API) authorize(w http.ResponseWriter, r *http.Request, perm, tenantID string) bool {
	authz := a.svc.Authorizer()
	if err := authz.RequirePermission(r.Context(), perm); err != nil {
		writeAuthError(w, r, err)
		return false
	}
	if tenantID != "" {
		if err := authz.RequireTenant(r.Context(), tenantID); err != nil {
			writeAuthError(w, r, err)
			return false
		}
	}
	return true
}

// targetMembership loads the membership named in the path once the caller
// holds perm, hiding memberships of other tenants as not found.
func (a *API) targetMembership(w http.ResponseWriter, r *http.Request, perm string) (auth.Membership, bool) {
	if !a.authorize(w, r, perm, "") {
		return auth.Membership{}, false
	}
	m, err := a.svc.Membership(r.Context(), r.PathValue("membership"))
	if err == nil {
		err = a.svc.Authorizer().RequireTenant(r.Context(), m.TenantID)
	}
	if err != nil {
		if errors.Is(err, auth.ErrPermissionDenied) || errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "membership not found")
			return auth.Membership{}, false
		}
		writeAuthError(w, r, err)
		return auth.Membership{}, false
	}
	return m, true
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
