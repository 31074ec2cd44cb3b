package auth

import "time"

// GlobalIdentity is a natural person. One person may hold memberships in many tenants.
type GlobalIdentity struct {
	ID           string    `json:"id"`
	PrimaryEmail string    `json:"primary_email,omitempty"`
	PrimaryPhone string    `json:"primary_phone,omitempty"`
	DisplayName  string    `json:"display_name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Contact carries the contact fields used to find or create a GlobalIdentity.
type Contact struct {
	Email       string
	Phone       string
	DisplayName string
}

// Membership is the tenant-scoped identity. Its ID is the subject of every
// token and role assignment.
type Membership struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	IdentityID    string    `json:"identity_id"`
	LoginEmail    string    `json:"login_email,omitempty"`
	LoginPhone    string    `json:"login_phone,omitempty"`
	PasswordHash  string    `json:"-"`
	Active        bool      `json:"active"`
	EmailVerified bool      `json:"email_verified"`
	PhoneVerified bool      `json:"phone_verified"`
	Superadmin    bool      `json:"superadmin,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Passwordless reports whether the membership can only sign in with one-time codes.
func (m Membership) Passwordless() bool { return m.PasswordHash == "" }

// LoginIdentifier selects a membership within a tenant by email or phone.
type LoginIdentifier struct {
	Email string
	Phone string
}

// Channel names a contact channel that can be verified.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPhone Channel = "phone"
)

// Session is one authenticated device or browser instance.
type Session struct {
	ID                string     `json:"id"`
	MembershipID      string     `json:"membership_id"`
	DeviceFingerprint string     `json:"device_fingerprint,omitempty"`
	IP                string     `json:"ip,omitempty"`
	UserAgent         string     `json:"user_agent,omitempty"`
	Active            bool       `json:"active"`
	CreatedAt         time.Time  `json:"created_at"`
	LastAccessedAt    time.Time  `json:"last_accessed_at"`
	RevokedAt         *time.Time `json:"revoked_at,omitempty"`
}

// DeviceInfo is the client-supplied description of the device opening a session.
type DeviceInfo struct {
	Fingerprint string
	IP          string
	UserAgent   string
}

// RefreshToken is one node of a session's rotation chain. Only the keyed hash
// of the raw value is persisted.
type RefreshToken struct {
	ID         string
	SessionID  string
	TokenHash  string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy string
}

// Revoked reports whether the token has been revoked or rotated.
func (t RefreshToken) Revoked() bool { return t.RevokedAt != nil }

// Expired reports whether the token is past its expiry at now.
func (t RefreshToken) Expired(now time.Time) bool { return !now.Before(t.ExpiresAt) }

// OTPPurpose scopes a one-time code to a single flow.
type OTPPurpose string

const (
	PurposeLogin         OTPPurpose = "login"
	PurposeVerifyEmail   OTPPurpose = "verify_email"
	PurposeVerifyPhone   OTPPurpose = "verify_phone"
	PurposePasswordReset OTPPurpose = "password_reset"
)

// Valid reports whether p is a known purpose.
func (p OTPPurpose) Valid() bool {
	switch p {
	case PurposeLogin, PurposeVerifyEmail, PurposeVerifyPhone, PurposePasswordReset:
		return true
	}
	return false
}

// OTPChallenge is a short-lived proof tied to (tenant, subject, purpose).
type OTPChallenge struct {
	ID          string
	TenantID    string
	Subject     string
	Purpose     OTPPurpose
	CodeHash    string
	ExpiresAt   time.Time
	ConsumedAt  *time.Time
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
}

// Role groups permissions within a tenant.
type Role struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission is a global capability key such as "expenses.create".
type Permission struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// RolePermission links a role to a permission.
type RolePermission struct {
	RoleID       string `json:"role_id"`
	PermissionID string `json:"permission_id"`
}

// RoleAssignment gives a membership a role.
type RoleAssignment struct {
	MembershipID string    `json:"membership_id"`
	RoleID       string    `json:"role_id"`
	TenantID     string    `json:"tenant_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuditEvent is a security-relevant action handed to the audit sink.
type AuditEvent struct {
	Action       string
	TenantID     string
	MembershipID string
	SessionID    string
	Outcome      string
	Metadata     map[string]any
	OccurredAt   time.Time
}
