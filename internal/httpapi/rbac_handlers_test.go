package httpapi

import (
	"context"
	"net/http"
	"testing"
)

func TestRoleLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	_, adminToken := env.admin("t1", "admin@x.com")
	member := env.register("t1", "a@x.com")
	memberToken, _, _ := env.login("t1", "a@x.com")

	code, body := env.do(http.MethodPost, "/v1/rbac/tenants/t1/roles", adminToken, map[string]any{
		"name": "Editor", "description": "edits things",
	})
	if code != http.StatusCreated {
		t.Fatalf("create role: %d %v", code, body)
	}
	roleID := body["id"].(string)
	if body["name"] != "editor" || body["tenant_id"] != "t1" {
		t.Fatalf("unexpected role: %v", body)
	}

	if code, body := env.do(http.MethodPost, "/v1/rbac/roles/"+roleID+"/permissions", adminToken, map[string]any{"key": "memberships.manage"}); code != http.StatusCreated {
		t.Fatalf("assign permission: %d %v", code, body)
	}
	if code, body := env.do(http.MethodPost, "/v1/rbac/memberships/"+member+"/roles", adminToken, map[string]any{"role_id": roleID}); code != http.StatusCreated {
		t.Fatalf("assign role: %d %v", code, body)
	}

	code, body = env.do(http.MethodGet, "/v1/rbac/memberships/"+member+"/roles", adminToken, nil)
	if code != http.StatusOK {
		t.Fatalf("grants: %d %v", code, body)
	}
	if perms := body["permissions"].([]any); len(perms) != 1 || perms[0] != "memberships.manage" {
		t.Fatalf("unexpected permissions: %v", body)
	}

	// Permissions are resolved live, so the member's existing token now passes.
	other := env.register("t1", "b@x.com")
	if code, body := env.do(http.MethodPatch, "/v1/memberships/"+other+"/active", memberToken, map[string]any{"active": false}); code != http.StatusNoContent {
		t.Fatalf("member with granted permission: %d %v", code, body)
	}

	if code, _ := env.do(http.MethodPatch, "/v1/rbac/roles/"+roleID+"/active", adminToken, map[string]any{"active": false}); code != http.StatusNoContent {
		t.Fatalf("deactivate role: %d", code)
	}
	if code, _ := env.do(http.MethodPatch, "/v1/memberships/"+other+"/active", memberToken, map[string]any{"active": true}); code != http.StatusForbidden {
		t.Fatalf("inactive role must not grant permissions, got %d", code)
	}

	if code, _ := env.do(http.MethodDelete, "/v1/rbac/memberships/"+member+"/roles/"+roleID, adminToken, nil); code != http.StatusNoContent {
		t.Fatalf("revoke role: %d", code)
	}
	ok, err := env.svc.RBAC().HasRole(context.Background(), member, "editor")
	if err != nil || ok {
		t.Fatalf("role still assigned: %v %v", ok, err)
	}
	if code, _ := env.do(http.MethodDelete, "/v1/rbac/roles/"+roleID+"/permissions/memberships.manage", adminToken, nil); code != http.StatusNoContent {
		t.Fatalf("revoke permission: %d", code)
	}

	var audited bool
	for _, e := range env.store.AuditEvents() {
		if e.Action == "rbac.membership.role.assign" && e.TenantID == "t1" {
			audited = true
		}
	}
	if !audited {
		t.Fatalf("role assignment was not audited")
	}
}

func TestRBACRoutesRequirePermission(t *testing.T) {
	env := newTestEnv(t)
	env.register("t1", "a@x.com")
	token, _, _ := env.login("t1", "a@x.com")

	code, body := env.do(http.MethodGet, "/v1/rbac/tenants/t1/roles", token, nil)
	if code != http.StatusForbidden || body["error"] != "permission_denied" {
		t.Fatalf("expected 403 permission_denied, got %d %v", code, body)
	}
	if code, _ := env.do(http.MethodGet, "/v1/rbac/tenants/t1/roles", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("anonymous caller must get 401, got %d", code)
	}
}

func TestRBACIsTenantScoped(t *testing.T) {
	env := newTestEnv(t)
	_, adminT1 := env.admin("t1", "admin@x.com")
	memberT2 := env.register("t2", "b@x.com")
	role, err := env.svc.RBAC().CreateRole(context.Background(), "t2", "viewer", "")
	if err != nil {
		t.Fatalf("create role: %v", err)
	}

	if code, _ := env.do(http.MethodGet, "/v1/rbac/tenants/t2/roles", adminT1, nil); code != http.StatusForbidden {
		t.Fatalf("listing another tenant's roles must 403, got %d", code)
	}
	if code, _ := env.do(http.MethodPatch, "/v1/rbac/roles/"+role.ID+"/active", adminT1, map[string]any{"active": false}); code != http.StatusNotFound {
		t.Fatalf("another tenant's role must look missing, got %d", code)
	}
	if code, _ := env.do(http.MethodPost, "/v1/rbac/memberships/"+memberT2+"/roles", adminT1, map[string]any{"role_id": role.ID}); code != http.StatusNotFound {
		t.Fatalf("another tenant's membership must look missing, got %d", code)
	}
}

func TestAssignRoleAcrossTenantsRejected(t *testing.T) {
	env := newTestEnv(t)
	_, adminT1 := env.admin("t1", "admin@x.com")
	member := env.register("t1", "a@x.com")
	foreign, err := env.svc.RBAC().CreateRole(context.Background(), "t2", "viewer", "")
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	code, body := env.do(http.MethodPost, "/v1/rbac/memberships/"+member+"/roles", adminT1, map[string]any{"role_id": foreign.ID})
	if code < 400 || code >= 500 {
		t.Fatalf("expected a client error for cross-tenant role, got %d %v", code, body)
	}
}

func TestPermissionCatalogueNeedsSuperadmin(t *testing.T) {
	env := newTestEnv(t)
	_, adminToken := env.admin("t1", "admin@x.com")

	code, body := env.do(http.MethodGet, "/v1/rbac/permissions", adminToken, nil)
	if code != http.StatusOK || len(body["items"].([]any)) != 2 {
		t.Fatalf("list permissions: %d %v", code, body)
	}
	if code, _ := env.do(http.MethodPost, "/v1/rbac/permissions", adminToken, map[string]any{"key": "reports.view"}); code != http.StatusForbidden {
		t.Fatalf("tenant admin must not create global permissions, got %d", code)
	}

	rootID := env.register("t1", "root@x.com")
	if err := env.store.SetSuperadmin(rootID, true); err != nil {
		t.Fatalf("set superadmin: %v", err)
	}
	rootToken, _, _ := env.login("t1", "root@x.com")

	code, body = env.do(http.MethodPost, "/v1/rbac/permissions", rootToken, map[string]any{"key": "Reports.View"})
	if code != http.StatusCreated || body["key"] != "reports.view" {
		t.Fatalf("create permission: %d %v", code, body)
	}
	if code, _ := env.do(http.MethodPatch, "/v1/rbac/permissions/reports.view/active", rootToken, map[string]any{"active": false}); code != http.StatusNoContent {
		t.Fatalf("deactivate permission: %d", code)
	}
	// Superadmins act across tenants.
	if code, _ := env.do(http.MethodGet, "/v1/rbac/tenants/t2/roles", rootToken, nil); code != http.StatusOK {
		t.Fatalf("superadmin listing t2 roles: %d", code)
	}
}

func TestClearedSuperadminLosesAccessBeforeTokenExpiry(t *testing.T) {
	env := newTestEnv(t)
	rootID := env.register("t1", "root@x.com")
	if err := env.store.SetSuperadmin(rootID, true); err != nil {
		t.Fatalf("set superadmin: %v", err)
	}
	rootToken, _, _ := env.login("t1", "root@x.com")
	if code, _ := env.do(http.MethodGet, "/v1/rbac/tenants/t2/roles", rootToken, nil); code != http.StatusOK {
		t.Fatalf("superadmin listing t2 roles: %d", code)
	}

	if err := env.store.SetSuperadmin(rootID, false); err != nil {
		t.Fatalf("clear superadmin: %v", err)
	}
	if code, _ := env.do(http.MethodGet, "/v1/rbac/tenants/t2/roles", rootToken, nil); code != http.StatusForbidden {
		t.Fatalf("stale token must lose cross-tenant access, got %d", code)
	}
	if code, _ := env.do(http.MethodPost, "/v1/rbac/permissions", rootToken, map[string]any{"key": "reports.view"}); code != http.StatusForbidden {
		t.Fatalf("stale token must not edit the catalogue, got %d", code)
	}
}
