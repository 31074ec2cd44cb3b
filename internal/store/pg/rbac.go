package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"qazna.org/identity/internal/auth"
	"qazna.org/identity/internal/ids"
)

type rbacStore struct{ *Store }

const roleColumns = `id, tenant_id, name, description, active, created_at, updated_at`

func scanRole(row rowScanner) (auth.Role, error) {
	var r auth.Role
	err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.Description, &r.Active, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, auth.ErrNotFound
	}
	return r, err
}

// CreateRole returns the existing role when (tenant, name) is taken.
func (s rbacStore) CreateRole(ctx context.Context, tenantID, name, description string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errUnavailable
	}
	if _, err := s.db.ExecContext(ctx, `
		insert into roles (id, tenant_id, name, description)
		values ($1, $2, $3, $4)
		on conflict (tenant_id, name) do nothing
	`, ids.New(), tenantID, name, description); err != nil {
		return auth.Role{}, mapConstraint(err, nil)
	}
	return scanRole(s.db.QueryRowContext(ctx,
		`select `+roleColumns+` from roles where tenant_id=$1 and name=$2`, tenantID, name))
}

func (s rbacStore) GetRole(ctx context.Context, id string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errUnavailable
	}
	return scanRole(s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where id=$1`, id))
}

func (s rbacStore) ListRoles(ctx context.Context, tenantID string) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errUnavailable
	}
	return s.queryRoles(ctx, `select `+roleColumns+` from roles where tenant_id=$1 order by name`, tenantID)
}

func (s rbacStore) queryRoles(ctx context.Context, query string, args ...any) ([]auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s rbacStore) SetRoleActive(ctx context.Context, id string, active bool) error {
	if s.db == nil {
		return errUnavailable
	}
	res, err := s.db.ExecContext(ctx, `update roles set active=$2, updated_at=now() where id=$1`, id, active)
	if err != nil {
		return err
	}
	return requireRow(res)
}

const permissionColumns = `id, key, description, active, created_at`

func scanPermission(row rowScanner) (auth.Permission, error) {
	var p auth.Permission
	err := row.Scan(&p.ID, &p.Key, &p.Description, &p.Active, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Permission{}, auth.ErrNotFound
	}
	return p, err
}

func (s rbacStore) CreatePermission(ctx context.Context, key, description string) (auth.Permission, error) {
	if s.db == nil {
		return auth.Permission{}, errUnavailable
	}
	if _, err := s.db.ExecContext(ctx, `
		insert into permissions (id, key, description)
		values ($1, $2, $3)
		on conflict (key) do nothing
	`, ids.New(), key, description); err != nil {
		return auth.Permission{}, err
	}
	return scanPermission(s.db.QueryRowContext(ctx, `select `+permissionColumns+` from permissions where key=$1`, key))
}

func (s rbacStore) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errUnavailable
	}
	rows, err := s.db.QueryContext(ctx, `select `+permissionColumns+` from permissions order by key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s rbacStore) SetPermissionActive(ctx context.Context, key string, active bool) error {
	if s.db == nil {
		return errUnavailable
	}
	res, err := s.db.ExecContext(ctx, `update permissions set active=$2 where key=$1`, key, active)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s rbacStore) AssignPermission(ctx context.Context, roleID, permissionKey string) (auth.RolePermission, error) {
	if s.db == nil {
		return auth.RolePermission{}, errUnavailable
	}
	var permID string
	err := s.db.QueryRowContext(ctx, `select id from permissions where key=$1`, permissionKey).Scan(&permID)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.RolePermission{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.RolePermission{}, err
	}
	if _, err := s.db.ExecContext(ctx, `
		insert into role_permissions (role_id, permission_id)
		values ($1, $2)
		on conflict do nothing
	`, roleID, permID); err != nil {
		return auth.RolePermission{}, mapConstraint(err, nil)
	}
	return auth.RolePermission{RoleID: roleID, PermissionID: permID}, nil
}

func (s rbacStore) RevokePermission(ctx context.Context, roleID, permissionKey string) error {
	if s.db == nil {
		return errUnavailable
	}
	_, err := s.db.ExecContext(ctx, `
		delete from role_permissions
		where role_id=$1 and permission_id in (select id from permissions where key=$2)
	`, roleID, permissionKey)
	return err
}

func (s rbacStore) AssignRole(ctx context.Context, membershipID, roleID, tenantID string) (auth.RoleAssignment, error) {
	if s.db == nil {
		return auth.RoleAssignment{}, errUnavailable
	}
	if _, err := s.db.ExecContext(ctx, `
		insert into user_tenant_roles (membership_id, role_id, tenant_id)
		values ($1, $2, $3)
		on conflict (membership_id, role_id) do nothing
	`, membershipID, roleID, tenantID); err != nil {
		return auth.RoleAssignment{}, mapConstraint(err, nil)
	}
	a := auth.RoleAssignment{MembershipID: membershipID, RoleID: roleID}
	err := s.db.QueryRowContext(ctx, `
		select tenant_id, created_at from user_tenant_roles
		where membership_id=$1 and role_id=$2
	`, membershipID, roleID).Scan(&a.TenantID, &a.CreatedAt)
	if err != nil {
		return auth.RoleAssignment{}, fmt.Errorf("read assignment: %w", err)
	}
	return a, nil
}

func (s rbacStore) RevokeRole(ctx context.Context, membershipID, roleID string) error {
	if s.db == nil {
		return errUnavailable
	}
	_, err := s.db.ExecContext(ctx, `delete from user_tenant_roles where membership_id=$1 and role_id=$2`, membershipID, roleID)
	return err
}

func (s rbacStore) RolesOf(ctx context.Context, membershipID string) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errUnavailable
	}
	return s.queryRoles(ctx, `
		select r.id, r.tenant_id, r.name, r.description, r.active, r.created_at, r.updated_at
		from roles r
		join user_tenant_roles a on a.role_id = r.id
		where a.membership_id=$1 and r.active
		order by r.name
	`, membershipID)
}

func (s rbacStore) PermissionKeysOf(ctx context.Context, membershipID string) ([]string, error) {
	if s.db == nil {
		return nil, errUnavailable
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct p.key
		from permissions p
		join role_permissions rp on rp.permission_id = p.id
		join roles r on r.id = rp.role_id
		join user_tenant_roles a on a.role_id = r.id
		where a.membership_id=$1 and r.active and p.active
		order by p.key
	`, membershipID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
