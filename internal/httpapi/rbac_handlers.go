package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"qazna.org/identity/internal/auth"
)

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type createPermissionRequest struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}

type assignPermissionRequest struct {
	Key string `json:"key"`
}

type assignRoleRequest struct {
	RoleID string `json:"role_id"`
}

type grantsResponse struct {
	MembershipID string   `json:"membership_id"`
	Roles        []string `json:"roles"`
	Permissions  []string `json:"permissions"`
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	if !a.authorize(w, r, auth.PermRBACManage, tenantID) {
		return
	}
	roles, err := a.svc.RBAC().ListRoles(r.Context(), tenantID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	if roles == nil {
		roles = []auth.Role{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": roles})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	if !a.authorize(w, r, auth.PermRBACManage, tenantID) {
		return
	}
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	role, err := a.svc.RBAC().CreateRole(r.Context(), tenantID, req.Name, req.Description)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.recordAdmin(r, "rbac.role.create", tenantID, map[string]any{"role_id": role.ID, "name": role.Name})
	w.Header().Set("Location", "/v1/rbac/roles/"+role.ID)
	writeJSON(w, http.StatusCreated, role)
}

// targetRole loads the role in the path and checks it belongs to the caller's tenant.
func (a *API) targetRole(w http.ResponseWriter, r *http.Request) (auth.Role, bool) {
	if !a.authorize(w, r, auth.PermRBACManage, "") {
		return auth.Role{}, false
	}
	role, err := a.svc.RBAC().GetRole(r.Context(), r.PathValue("role"))
	if err == nil {
		err = a.svc.Authorizer().RequireTenant(r.Context(), role.TenantID)
	}
	if err != nil {
		if errors.Is(err, auth.ErrPermissionDenied) || errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "role not found")
			return auth.Role{}, false
		}
		writeAuthError(w, r, err)
		return auth.Role{}, false
	}
	return role, true
}

func (a *API) handleRoleActive(w http.ResponseWriter, r *http.Request) {
	role, ok := a.targetRole(w, r)
	if !ok {
		return
	}
	var req activeRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if req.Active == nil {
		badRequest(w, r, errors.New("active is required"))
		return
	}
	if err := a.svc.RBAC().SetRoleActive(r.Context(), role.ID, *req.Active); err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.recordAdmin(r, "rbac.role.active", role.TenantID, map[string]any{"role_id": role.ID, "active": *req.Active})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAssignPermission(w http.ResponseWriter, r *http.Request) {
	role, ok := a.targetRole(w, r)
	if !ok {
		return
	}
	var req assignPermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	rp, err := a.svc.RBAC().AssignPermissionToRole(r.Context(), role.ID, req.Key)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.recordAdmin(r, "rbac.role.permission.assign", role.TenantID, map[string]any{"role_id": role.ID, "permission": req.Key})
	writeJSON(w, http.StatusCreated, rp)
}

func (a *API) handleRevokePermission(w http.ResponseWriter, r *http.Request) {
	role, ok := a.targetRole(w, r)
	if !ok {
		return
	}
	key := r.PathValue("key")
	if err := a.svc.RBAC().RevokePermissionFromRole(r.Context(), role.ID, key); err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.recordAdmin(r, "rbac.role.permission.revoke", role.TenantID, map[string]any{"role_id": role.ID, "permission": key})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	if !a.authorize(w, r, auth.PermRBACManage, "") {
		return
	}
	perms, err := a.svc.RBAC().ListPermissions(r.Context())
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	if perms == nil {
		perms = []auth.Permission{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": perms})
}

// The permission catalogue is global, so changing it is reserved for superadmins.
func (a *API) requireSuperadmin(w http.ResponseWriter, r *http.Request) bool {
	if err := a.svc.Authorizer().RequireSuperadmin(r.Context()); err != nil {
		writeAuthError(w, r, err)
		return false
	}
	return true
}

func (a *API) handleCreatePermission(w http.ResponseWriter, r *http.Request) {
	if !a.requireSuperadmin(w, r) {
		return
	}
	var req createPermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	perm, err := a.svc.RBAC().CreatePermission(r.Context(), req.Key, req.Description)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.recordAdmin(r, "rbac.permission.create", "", map[string]any{"permission": perm.Key})
	writeJSON(w, http.StatusCreated, perm)
}

func (a *API) handlePermissionActive(w http.ResponseWriter, r *http.Request) {
	if !a.requireSuperadmin(w, r) {
		return
	}
	var req activeRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if req.Active == nil {
		badRequest(w, r, errors.New("active is required"))
		return
	}
	key := r.PathValue("key")
	if err := a.svc.RBAC().SetPermissionActive(r.Context(), key, *req.Active); err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.recordAdmin(r, "rbac.permission.active", "", map[string]any{"permission": key, "active": *req.Active})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMembershipGrants(w http.ResponseWriter, r *http.Request) {
	m, ok := a.targetMembership(w, r, auth.PermRBACManage)
	if !ok {
		return
	}
	roles, perms, err := a.svc.RBAC().Resolve(r.Context(), m.ID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grantsResponse{MembershipID: m.ID, Roles: roles, Permissions: perms})
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	m, ok := a.targetMembership(w, r, auth.PermRBACManage)
	if !ok {
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	req.RoleID = strings.TrimSpace(req.RoleID)
	if req.RoleID == "" {
		badRequest(w, r, errors.New("role_id is required"))
		return
	}
	assignment, err := a.svc.RBAC().AssignRoleToMembership(r.Context(), m.ID, req.RoleID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.recordAdmin(r, "rbac.membership.role.assign", m.TenantID, map[string]any{"membership_id": m.ID, "role_id": req.RoleID})
	writeJSON(w, http.StatusCreated, assignment)
}

func (a *API) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	m, ok := a.targetMembership(w, r, auth.PermRBACManage)
	if !ok {
		return
	}
	roleID := r.PathValue("role")
	if err := a.svc.RBAC().RevokeRoleFromMembership(r.Context(), m.ID, roleID); err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.recordAdmin(r, "rbac.membership.role.revoke", m.TenantID, map[string]any{"membership_id": m.ID, "role_id": roleID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) recordAdmin(r *http.Request, action, tenantID string, meta map[string]any) {
	p := principal(r)
	meta["actor_id"] = p.MembershipID
	a.svc.RecordAudit(r.Context(), auth.AuditEvent{
		Action:       action,
		TenantID:     tenantID,
		MembershipID: p.MembershipID,
		SessionID:    p.SessionID,
		Outcome:      "ok",
		Metadata:     meta,
	})
}
