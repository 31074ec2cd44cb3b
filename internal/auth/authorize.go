package auth

import (
	"context"
	"errors"
	"fmt"
)

// Authorizer guards operations by permission using the principal in context.
type Authorizer struct {
	rbac *RBACResolver
}

func NewAuthorizer(rbac *RBACResolver) (*Authorizer, error) {
	if rbac == nil {
		return nil, errors.New("auth: rbac resolver is required")
	}
	return &Authorizer{rbac: rbac}, nil
}

// RequirePermission returns nil when the caller holds key. Permissions are
// resolved from the store, not from token claims, so revocations apply
// immediately. Superadmins bypass the check.
func (a *Authorizer) RequirePermission(ctx context.Context, key string) error {
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.MembershipID == "" {
		return ErrUnauthenticated
	}
	sa, err := a.superadmin(ctx, p)
	if err != nil {
		return err
	}
	if sa {
		return nil
	}
	ok, err = a.rbac.HasPermission(ctx, p.MembershipID, key)
	if err != nil {
		return fmt.Errorf("check permission: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, key)
	}
	return nil
}

// RequireTenant returns ErrPermissionDenied when the caller belongs to another
// tenant. Superadmins may act across tenants.
func (a *Authorizer) RequireTenant(ctx context.Context, tenantID string) error {
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.MembershipID == "" {
		return ErrUnauthenticated
	}
	if p.TenantID == tenantID {
		return nil
	}
	sa, err := a.superadmin(ctx, p)
	if err != nil {
		return err
	}
	if sa {
		return nil
	}
	return fmt.Errorf("%w: tenant %s", ErrPermissionDenied, tenantID)
}

// RequireSuperadmin admits only active platform superadmins.
func (a *Authorizer) RequireSuperadmin(ctx context.Context) error {
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.MembershipID == "" {
		return ErrUnauthenticated
	}
	sa, err := a.superadmin(ctx, p)
	if err != nil {
		return err
	}
	if !sa {
		return fmt.Errorf("%w: superadmin required", ErrPermissionDenied)
	}
	return nil
}

// superadmin rereads the membership so a cleared flag or a deactivation takes
// effect before the access token expires. The claim only short-circuits the
// common case of a regular member.
func (a *Authorizer) superadmin(ctx context.Context, p Principal) (bool, error) {
	if !p.Superadmin {
		return false, nil
	}
	m, err := a.rbac.identities.GetMembership(ctx, p.MembershipID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load membership: %w", err)
	}
	return m.Superadmin && m.Active, nil
}
