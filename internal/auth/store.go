package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Identities() IdentityStore
	Sessions() SessionStore
	RefreshTokens() RefreshTokenStore
	OTP() OTPStore
	RBAC() RBACStore
}

// IdentityStore manages global identities and tenant memberships.
type IdentityStore interface {
	FindOrCreateIdentity(ctx context.Context, contact Contact) (GlobalIdentity, error)
	// FindMembership returns ErrNotFound when no membership matches.
	FindMembership(ctx context.Context, tenantID string, login LoginIdentifier) (Membership, error)
	GetMembership(ctx context.Context, id string) (Membership, error)
	// CreateMembership returns ErrDuplicateMembership when the tenant already
	// holds the login email or phone.
	CreateMembership(ctx context.Context, m *Membership) error
	SetMembershipActive(ctx context.Context, id string, active bool) error
	SetPassword(ctx context.Context, id, passwordHash string) error
	MarkVerified(ctx context.Context, id string, channel Channel) error
}

// SessionStore manages sessions.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (Session, error)
	Touch(ctx context.Context, id string, at time.Time) error
	// Revoke deactivates the session and revokes every refresh token that
	// references it, atomically. Revoking an inactive session is a no-op.
	Revoke(ctx context.Context, id string, at time.Time) error
	ListActive(ctx context.Context, membershipID string) ([]Session, error)
}

// RotationState is the locked view of a refresh token handed to a RotateFunc.
type RotationState struct {
	Token        RefreshToken
	Session      Session
	SessionFound bool
}

// RotationDecision tells the store how to complete a rotation.
type RotationDecision struct {
	// Next replaces the current token when set.
	Next *RefreshToken
	// RevokeSession revokes the session and all of its tokens. It is committed
	// even when the RotateFunc also returns an error.
	RevokeSession bool
}

// RotateFunc decides the outcome of a rotation while the token row is locked.
type RotateFunc func(state RotationState) (RotationDecision, error)

// RefreshTokenStore manages refresh token chains.
type RefreshTokenStore interface {
	Create(ctx context.Context, t *RefreshToken) error
	FindByHash(ctx context.Context, tokenHash string) (RefreshToken, error)
	// Rotate locks the token identified by tokenHash and applies the decision
	// returned by decide in the same transaction. It returns ErrNotFound
	// without calling decide when no token matches.
	Rotate(ctx context.Context, tokenHash string, at time.Time, decide RotateFunc) error
	RevokeSessionTokens(ctx context.Context, sessionID string, at time.Time) error
}

// OTPStore manages one-time code challenges.
type OTPStore interface {
	Create(ctx context.Context, c *OTPChallenge) error
	// Latest returns the newest non-consumed challenge for the key that is
	// still valid at now. When only expired challenges remain it returns the
	// newest of those; with none at all it returns ErrNotFound.
	Latest(ctx context.Context, tenantID, subject string, purpose OTPPurpose, now time.Time) (OTPChallenge, error)
	// ReserveAttempt increments attempts only while attempts < max_attempts
	// and returns the new count. It returns ErrOTPLocked when none remain.
	ReserveAttempt(ctx context.Context, id string) (int, error)
	// Consume sets consumed_at only if it is still unset; otherwise ErrOTPNotFound.
	Consume(ctx context.Context, id string, at time.Time) error
}

// RBACStore manages roles, permissions and assignments. Create and assign
// operations return the existing row when the natural key already exists.
type RBACStore interface {
	CreateRole(ctx context.Context, tenantID, name, description string) (Role, error)
	GetRole(ctx context.Context, id string) (Role, error)
	ListRoles(ctx context.Context, tenantID string) ([]Role, error)
	SetRoleActive(ctx context.Context, id string, active bool) error

	CreatePermission(ctx context.Context, key, description string) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	SetPermissionActive(ctx context.Context, key string, active bool) error

	AssignPermission(ctx context.Context, roleID, permissionKey string) (RolePermission, error)
	RevokePermission(ctx context.Context, roleID, permissionKey string) error
	AssignRole(ctx context.Context, membershipID, roleID, tenantID string) (RoleAssignment, error)
	RevokeRole(ctx context.Context, membershipID, roleID string) error

	// RolesOf returns active roles assigned to the membership.
	RolesOf(ctx context.Context, membershipID string) ([]Role, error)
	// PermissionKeysOf returns keys of active permissions granted through active roles.
	PermissionKeysOf(ctx context.Context, membershipID string) ([]string, error)
}

// TenantDirectory answers whether a tenant exists and accepts sign-ins.
type TenantDirectory interface {
	TenantActive(ctx context.Context, tenantID string) (bool, error)
}

// AuditSink receives security events.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent) error
}

// CodeSender delivers one-time codes out of band (mail, SMS).
type CodeSender interface {
	SendCode(ctx context.Context, tenantID, subject string, purpose OTPPurpose, code string) error
}

// Throttle bounds attempts per key.
type Throttle interface {
	Allow(ctx context.Context, key string) (bool, error)
}
