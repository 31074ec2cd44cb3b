package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var permissionKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z0-9_]+)+$`)

// RBACResolver manages tenant roles and resolves what a membership may do.
// Resolution always reads the store; nothing is cached between calls.
type RBACResolver struct {
	store      RBACStore
	identities IdentityStore
}

// NewRBACResolver constructs a resolver. identities is used to check that
// role assignments stay inside the membership's tenant.
func NewRBACResolver(store RBACStore, identities IdentityStore) (*RBACResolver, error) {
	if store == nil {
		return nil, errors.New("auth: rbac store is required")
	}
	if identities == nil {
		return nil, errors.New("auth: identity store is required")
	}
	return &RBACResolver{store: store, identities: identities}, nil
}

func (r *RBACResolver) CreateRole(ctx context.Context, tenantID, name, description string) (Role, error) {
	tenantID = strings.TrimSpace(tenantID)
	name = strings.ToLower(strings.TrimSpace(name))
	if tenantID == "" {
		return Role{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	return r.store.CreateRole(ctx, tenantID, name, strings.TrimSpace(description))
}

func (r *RBACResolver) ListRoles(ctx context.Context, tenantID string) ([]Role, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	return r.store.ListRoles(ctx, tenantID)
}

func (r *RBACResolver) GetRole(ctx context.Context, roleID string) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return r.store.GetRole(ctx, roleID)
}

func (r *RBACResolver) SetRoleActive(ctx context.Context, roleID string, active bool) error {
	if _, err := r.GetRole(ctx, roleID); err != nil {
		return err
	}
	return r.store.SetRoleActive(ctx, strings.TrimSpace(roleID), active)
}

func (r *RBACResolver) CreatePermission(ctx context.Context, key, description string) (Permission, error) {
	key, err := normalizePermissionKey(key)
	if err != nil {
		return Permission{}, err
	}
	return r.store.CreatePermission(ctx, key, strings.TrimSpace(description))
}

// EnsurePermissions creates every permission in perms that does not exist yet.
func (r *RBACResolver) EnsurePermissions(ctx context.Context, perms []Permission) error {
	for _, p := range perms {
		if _, err := r.CreatePermission(ctx, p.Key, p.Description); err != nil {
			return fmt.Errorf("ensure permission %s: %w", p.Key, err)
		}
	}
	return nil
}

func (r *RBACResolver) ListPermissions(ctx context.Context) ([]Permission, error) {
	return r.store.ListPermissions(ctx)
}

func (r *RBACResolver) SetPermissionActive(ctx context.Context, key string, active bool) error {
	key, err := normalizePermissionKey(key)
	if err != nil {
		return err
	}
	return r.store.SetPermissionActive(ctx, key, active)
}

func (r *RBACResolver) AssignPermissionToRole(ctx context.Context, roleID, key string) (RolePermission, error) {
	key, err := normalizePermissionKey(key)
	if err != nil {
		return RolePermission{}, err
	}
	if _, err := r.GetRole(ctx, roleID); err != nil {
		return RolePermission{}, err
	}
	return r.store.AssignPermission(ctx, strings.TrimSpace(roleID), key)
}

func (r *RBACResolver) RevokePermissionFromRole(ctx context.Context, roleID, key string) error {
	key, err := normalizePermissionKey(key)
	if err != nil {
		return err
	}
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return r.store.RevokePermission(ctx, roleID, key)
}

// AssignRoleToMembership grants a role. The role must belong to the
// membership's tenant.
func (r *RBACResolver) AssignRoleToMembership(ctx context.Context, membershipID, roleID string) (RoleAssignment, error) {
	membershipID = strings.TrimSpace(membershipID)
	if membershipID == "" {
		return RoleAssignment{}, fmt.Errorf("%w: membership_id is required", ErrInvalidInput)
	}
	role, err := r.GetRole(ctx, roleID)
	if err != nil {
		return RoleAssignment{}, err
	}
	m, err := r.identities.GetMembership(ctx, membershipID)
	if err != nil {
		return RoleAssignment{}, err
	}
	if m.TenantID != role.TenantID {
		return RoleAssignment{}, fmt.Errorf("%w: role belongs to another tenant", ErrInvalidInput)
	}
	return r.store.AssignRole(ctx, m.ID, role.ID, role.TenantID)
}

func (r *RBACResolver) RevokeRoleFromMembership(ctx context.Context, membershipID, roleID string) error {
	membershipID = strings.TrimSpace(membershipID)
	roleID = strings.TrimSpace(roleID)
	if membershipID == "" || roleID == "" {
		return fmt.Errorf("%w: membership_id and role_id are required", ErrInvalidInput)
	}
	return r.store.RevokeRole(ctx, membershipID, roleID)
}

// RolesOf returns the membership's active roles.
func (r *RBACResolver) RolesOf(ctx context.Context, membershipID string) ([]Role, error) {
	return r.store.RolesOf(ctx, strings.TrimSpace(membershipID))
}

// PermissionsOf returns the sorted union of active permission keys granted
// through the membership's active roles.
func (r *RBACResolver) PermissionsOf(ctx context.Context, membershipID string) ([]string, error) {
	keys, err := r.store.PermissionKeysOf(ctx, strings.TrimSpace(membershipID))
	if err != nil {
		return nil, err
	}
	return normalizeKeys(keys), nil
}

func (r *RBACResolver) HasPermission(ctx context.Context, membershipID, key string) (bool, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	perms, err := r.PermissionsOf(ctx, membershipID)
	if err != nil {
		return false, err
	}
	i := sort.SearchStrings(perms, key)
	return i < len(perms) && perms[i] == key, nil
}

func (r *RBACResolver) HasRole(ctx context.Context, membershipID, name string) (bool, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	roles, err := r.RolesOf(ctx, membershipID)
	if err != nil {
		return false, err
	}
	for _, role := range roles {
		if role.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// Resolve returns role names and permission keys for token minting.
func (r *RBACResolver) Resolve(ctx context.Context, membershipID string) (roles []string, permissions []string, err error) {
	rs, err := r.RolesOf(ctx, membershipID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve roles: %w", err)
	}
	names := make([]string, 0, len(rs))
	for _, role := range rs {
		names = append(names, role.Name)
	}
	perms, err := r.PermissionsOf(ctx, membershipID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve permissions: %w", err)
	}
	return normalizeKeys(names), perms, nil
}

func normalizePermissionKey(key string) (string, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if !permissionKeyPattern.MatchString(key) {
		return "", fmt.Errorf("%w: permission key %q must look like resource.action", ErrInvalidInput, key)
	}
	return key, nil
}
