package auth_test

import (
	"context"
	"errors"
	"testing"

	"qazna.org/identity/internal/auth"
	"qazna.org/identity/internal/store/memory"
)

func newRBACFixture(t *testing.T) (*auth.RBACResolver, *memory.Store, auth.Membership) {
	t.Helper()
	store := memory.New()
	ctx := context.Background()
	g, err := store.Identities().FindOrCreateIdentity(ctx, auth.Contact{Email: "a@x.com"})
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	m := auth.Membership{TenantID: "t1", IdentityID: g.ID, LoginEmail: "a@x.com", Active: true}
	if err := store.Identities().CreateMembership(ctx, &m); err != nil {
		t.Fatalf("membership: %v", err)
	}
	r, err := auth.NewRBACResolver(store.RBAC(), store.Identities())
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	return r, store, m
}

func mustRoleWith(t *testing.T, r *auth.RBACResolver, tenantID, name string, keys ...string) auth.Role {
	t.Helper()
	ctx := context.Background()
	role, err := r.CreateRole(ctx, tenantID, name, "")
	if err != nil {
		t.Fatalf("create role %s: %v", name, err)
	}
	for _, k := range keys {
		if _, err := r.CreatePermission(ctx, k, ""); err != nil {
			t.Fatalf("create permission %s: %v", k, err)
		}
		if _, err := r.AssignPermissionToRole(ctx, role.ID, k); err != nil {
			t.Fatalf("assign %s to %s: %v", k, name, err)
		}
	}
	return role
}

func TestRevokingRoleDropsExclusivePermissions(t *testing.T) {
	r, _, m := newRBACFixture(t)
	ctx := context.Background()
	accountant := mustRoleWith(t, r, "t1", "accountant", "expenses.create", "reports.read")
	viewer := mustRoleWith(t, r, "t1", "viewer", "reports.read")
	for _, role := range []auth.Role{accountant, viewer} {
		if _, err := r.AssignRoleToMembership(ctx, m.ID, role.ID); err != nil {
			t.Fatalf("assign role: %v", err)
		}
	}

	perms, err := r.PermissionsOf(ctx, m.ID)
	if err != nil {
		t.Fatalf("permissions: %v", err)
	}
	if len(perms) != 2 {
		t.Fatalf("expected union of two permissions, got %v", perms)
	}

	if err := r.RevokeRoleFromMembership(ctx, m.ID, accountant.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	has, err := r.HasPermission(ctx, m.ID, "expenses.create")
	if err != nil || has {
		t.Fatalf("exclusive permission must be gone: has=%v err=%v", has, err)
	}
	has, err = r.HasPermission(ctx, m.ID, "reports.read")
	if err != nil || !has {
		t.Fatalf("shared permission must remain: has=%v err=%v", has, err)
	}
}

func TestRBACIdempotentCreates(t *testing.T) {
	r, _, m := newRBACFixture(t)
	ctx := context.Background()
	first, err := r.CreateRole(ctx, "t1", "Admin", "first")
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	second, err := r.CreateRole(ctx, "t1", "admin", "second")
	if err != nil {
		t.Fatalf("create role again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("duplicate role created: %s vs %s", first.ID, second.ID)
	}
	roles, err := r.ListRoles(ctx, "t1")
	if err != nil || len(roles) != 1 {
		t.Fatalf("expected one role, got %d (%v)", len(roles), err)
	}

	if _, err := r.CreatePermission(ctx, "rbac.manage", ""); err != nil {
		t.Fatalf("create permission: %v", err)
	}
	a, err := r.AssignPermissionToRole(ctx, first.ID, "rbac.manage")
	if err != nil {
		t.Fatalf("assign permission: %v", err)
	}
	b, err := r.AssignPermissionToRole(ctx, first.ID, "rbac.manage")
	if err != nil || a != b {
		t.Fatalf("reassigning permission must return the existing row: %+v %+v %v", a, b, err)
	}
	ra, err := r.AssignRoleToMembership(ctx, m.ID, first.ID)
	if err != nil {
		t.Fatalf("assign role: %v", err)
	}
	rb, err := r.AssignRoleToMembership(ctx, m.ID, first.ID)
	if err != nil || ra != rb {
		t.Fatalf("reassigning role must return the existing row: %+v %+v %v", ra, rb, err)
	}
}

func TestInactiveRolesAndPermissionsAreIgnored(t *testing.T) {
	r, _, m := newRBACFixture(t)
	ctx := context.Background()
	role := mustRoleWith(t, r, "t1", "ops", "deploy.run", "logs.read")
	if _, err := r.AssignRoleToMembership(ctx, m.ID, role.ID); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	if err := r.SetPermissionActive(ctx, "deploy.run", false); err != nil {
		t.Fatalf("deactivate permission: %v", err)
	}
	perms, err := r.PermissionsOf(ctx, m.ID)
	if err != nil || len(perms) != 1 || perms[0] != "logs.read" {
		t.Fatalf("unexpected permissions %v (%v)", perms, err)
	}
	if err := r.SetRoleActive(ctx, role.ID, false); err != nil {
		t.Fatalf("deactivate role: %v", err)
	}
	ok, err := r.HasRole(ctx, m.ID, "ops")
	if err != nil || ok {
		t.Fatalf("inactive role must not count: ok=%v err=%v", ok, err)
	}
}

func TestAssignRoleAcrossTenantsRejected(t *testing.T) {
	r, _, m := newRBACFixture(t)
	other := mustRoleWith(t, r, "t2", "admin")
	if _, err := r.AssignRoleToMembership(context.Background(), m.ID, other.ID); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestPermissionKeyValidation(t *testing.T) {
	r, _, _ := newRBACFixture(t)
	for _, key := range []string{"", "nodot", ".leading", "trailing.", "has space.x"} {
		if _, err := r.CreatePermission(context.Background(), key, ""); !errors.Is(err, auth.ErrInvalidInput) {
			t.Fatalf("key %q: expected invalid input, got %v", key, err)
		}
	}
}

func TestAuthorizerRequirePermission(t *testing.T) {
	r, _, m := newRBACFixture(t)
	ctx := context.Background()
	authz, err := auth.NewAuthorizer(r)
	if err != nil {
		t.Fatalf("authorizer: %v", err)
	}
	if err := authz.RequirePermission(ctx, auth.PermRBACManage); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}

	pctx := auth.ContextWithPrincipal(ctx, auth.Principal{MembershipID: m.ID, TenantID: "t1", Permissions: []string{auth.PermRBACManage}})
	if err := authz.RequirePermission(pctx, auth.PermRBACManage); !errors.Is(err, auth.ErrPermissionDenied) {
		t.Fatalf("claims alone must not grant access, got %v", err)
	}

	role := mustRoleWith(t, r, "t1", "admin", auth.PermRBACManage)
	if _, err := r.AssignRoleToMembership(ctx, m.ID, role.ID); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := authz.RequirePermission(pctx, auth.PermRBACManage); err != nil {
		t.Fatalf("expected access, got %v", err)
	}

	if err := authz.RequireTenant(pctx, "t2"); !errors.Is(err, auth.ErrPermissionDenied) {
		t.Fatalf("cross-tenant access must be denied, got %v", err)
	}
}

func TestAuthorizerSuperadminIsCheckedLive(t *testing.T) {
	r, store, m := newRBACFixture(t)
	ctx := context.Background()
	authz, err := auth.NewAuthorizer(r)
	if err != nil {
		t.Fatalf("authorizer: %v", err)
	}

	forged := auth.ContextWithPrincipal(ctx, auth.Principal{MembershipID: "someone", TenantID: "t9", Superadmin: true})
	if err := authz.RequirePermission(forged, "anything.at_all"); !errors.Is(err, auth.ErrPermissionDenied) {
		t.Fatalf("unknown membership must not bypass checks, got %v", err)
	}

	if err := store.SetSuperadmin(m.ID, true); err != nil {
		t.Fatalf("set superadmin: %v", err)
	}
	sa := auth.ContextWithPrincipal(ctx, auth.Principal{MembershipID: m.ID, TenantID: "t1", Superadmin: true})
	if err := authz.RequirePermission(sa, "anything.at_all"); err != nil {
		t.Fatalf("superadmin must bypass checks, got %v", err)
	}
	if err := authz.RequireTenant(sa, "t2"); err != nil {
		t.Fatalf("superadmin may act across tenants, got %v", err)
	}
	if err := authz.RequireSuperadmin(sa); err != nil {
		t.Fatalf("expected superadmin, got %v", err)
	}

	// The token still says sa=true; the store no longer does.
	if err := store.SetSuperadmin(m.ID, false); err != nil {
		t.Fatalf("clear superadmin: %v", err)
	}
	if err := authz.RequirePermission(sa, "anything.at_all"); !errors.Is(err, auth.ErrPermissionDenied) {
		t.Fatalf("cleared flag must revoke the bypass, got %v", err)
	}
	if err := authz.RequireTenant(sa, "t2"); !errors.Is(err, auth.ErrPermissionDenied) {
		t.Fatalf("cleared flag must revoke cross-tenant access, got %v", err)
	}
	if err := authz.RequireSuperadmin(sa); !errors.Is(err, auth.ErrPermissionDenied) {
		t.Fatalf("cleared flag must fail superadmin check, got %v", err)
	}
}
