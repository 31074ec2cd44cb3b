package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"qazna.org/identity/internal/obs"
)

const defaultMutationTimeout = 5 * time.Second

var errNoCodeSender = errors.New("auth: no code sender configured")

// Config aggregates the configuration of every component the Service builds.
type Config struct {
	Password PasswordConfig
	Access   AccessConfig
	Refresh  RefreshConfig
	OTP      OTPConfig
	// MutationTimeout bounds the detached write phase of sign-in and refresh.
	MutationTimeout time.Duration
}

// Service orchestrates registration, sign-in, refresh, logout and one-time
// code flows over the individual components.
type Service struct {
	identities IdentityStore
	tenants    TenantDirectory
	creds      *CredentialVerifier
	sessions   *SessionManager
	refresh    *RefreshTokenRotator
	otp        *OTPService
	rbac       *RBACResolver
	authz      *Authorizer
	access     *AccessTokens

	audit         AuditSink
	sender        CodeSender
	loginThrottle Throttle
	otpThrottle   Throttle
	now           func() time.Time
	mutation      time.Duration
}

// RegisterRequest creates a membership in a tenant. An empty Password
// registers a passwordless membership.
type RegisterRequest struct {
	TenantID    string
	Email       string
	Phone       string
	Password    string
	DisplayName string
}

// LoginRequest signs in with a password. Identifier is an email or phone.
type LoginRequest struct {
	TenantID   string
	Identifier string
	Password   string
	Device     DeviceInfo
}

// TokenPair is returned by every successful sign-in or refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id"`
	MembershipID     string    `json:"membership_id"`
	TenantID         string    `json:"tenant_id"`
	Roles            []string  `json:"roles,omitempty"`
	Permissions      []string  `json:"permissions,omitempty"`
}

// NewService wires the components over store.
func NewService(cfg Config, store Store, tenants TenantDirectory, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if tenants == nil {
		return nil, errors.New("auth: tenant directory is required")
	}
	if cfg.MutationTimeout <= 0 {
		cfg.MutationTimeout = defaultMutationTimeout
	}
	if cfg.Refresh.MutationTimeout <= 0 {
		cfg.Refresh.MutationTimeout = cfg.MutationTimeout
	}
	o := buildOptions(opts)

	creds, err := NewCredentialVerifier(cfg.Password)
	if err != nil {
		return nil, err
	}
	sessions, err := NewSessionManager(store.Sessions(), opts...)
	if err != nil {
		return nil, err
	}
	refresh, err := NewRefreshTokenRotator(store.RefreshTokens(), cfg.Refresh, opts...)
	if err != nil {
		return nil, err
	}
	otp, err := NewOTPService(store.OTP(), cfg.OTP, opts...)
	if err != nil {
		return nil, err
	}
	rbac, err := NewRBACResolver(store.RBAC(), store.Identities())
	if err != nil {
		return nil, err
	}
	authz, err := NewAuthorizer(rbac)
	if err != nil {
		return nil, err
	}
	access, err := NewAccessTokens(cfg.Access, opts...)
	if err != nil {
		return nil, err
	}
	return &Service{
		identities:    store.Identities(),
		tenants:       tenants,
		creds:         creds,
		sessions:      sessions,
		refresh:       refresh,
		otp:           otp,
		rbac:          rbac,
		authz:         authz,
		access:        access,
		audit:         o.audit,
		sender:        o.sender,
		loginThrottle: o.loginThrottle,
		otpThrottle:   o.otpThrottle,
		now:           o.now,
		mutation:      cfg.MutationTimeout,
	}, nil
}

func (s *Service) RBAC() *RBACResolver { return s.rbac }
func (s *Service) Authorizer() *Authorizer { return s.authz }
func (s *Service) Sessions() *SessionManager { return s.sessions }
func (s *Service) AccessTokens() *AccessTokens { return s.access }

// Register creates a membership for the tenant, reusing the global identity
// that already owns the email or phone.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (m Membership, err error) {
	ctx, span := s.start(ctx, "auth.Register", req.TenantID)
	defer func() { s.finish(span, "register", err) }()

	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return Membership{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	var email, phone string
	if strings.TrimSpace(req.Email) != "" {
		if email, err = NormalizeEmail(req.Email); err != nil {
			return Membership{}, err
		}
	}
	if strings.TrimSpace(req.Phone) != "" {
		if phone, err = NormalizePhone(req.Phone); err != nil {
			return Membership{}, err
		}
	}
	if email == "" && phone == "" {
		return Membership{}, fmt.Errorf("%w: email or phone is required", ErrInvalidInput)
	}
	active, err := s.tenants.TenantActive(ctx, tenantID)
	if err != nil {
		return Membership{}, fmt.Errorf("check tenant: %w", err)
	}
	if !active {
		return Membership{}, fmt.Errorf("%w: tenant %s is not active", ErrInvalidInput, tenantID)
	}

	var hash string
	if req.Password != "" {
		if hash, err = s.creds.Hash(ctx, req.Password); err != nil {
			return Membership{}, err
		}
	}
	identity, err := s.identities.FindOrCreateIdentity(ctx, Contact{
		Email:       email,
		Phone:       phone,
		DisplayName: strings.TrimSpace(req.DisplayName),
	})
	if err != nil {
		return Membership{}, fmt.Errorf("find or create identity: %w", err)
	}
	now := s.now().UTC()
	m = Membership{
		TenantID:     tenantID,
		IdentityID:   identity.ID,
		LoginEmail:   email,
		LoginPhone:   phone,
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.identities.CreateMembership(ctx, &m); err != nil {
		return Membership{}, err
	}
	s.record(ctx, AuditEvent{
		Action:       "auth.register",
		TenantID:     tenantID,
		MembershipID: m.ID,
		Outcome:      "ok",
		Metadata:     map[string]any{"passwordless": m.Passwordless()},
		OccurredAt:   now,
	})
	return m, nil
}

// Login authenticates with a password and opens a session. Unknown tenants,
// unknown identifiers and wrong passwords are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, req LoginRequest) (pair TokenPair, err error) {
	ctx, span := s.start(ctx, "auth.Login", req.TenantID)
	defer func() { s.finish(span, "login", err) }()

	tenantID := strings.TrimSpace(req.TenantID)
	login, err := ParseIdentifier(req.Identifier)
	if err != nil || tenantID == "" {
		s.creds.DummyVerify(ctx, req.Password)
		return TokenPair{}, ErrInvalidCredentials
	}
	if err := s.allow(ctx, s.loginThrottle, "login:"+tenantID+":"+login.Key()); err != nil {
		return TokenPair{}, err
	}
	defer func() {
		if err != nil {
			s.record(ctx, AuditEvent{
				Action:     "auth.login",
				TenantID:   tenantID,
				Outcome:    ErrorCode(err),
				Metadata:   map[string]any{"channel": string(login.Channel())},
				OccurredAt: s.now().UTC(),
			})
		}
	}()

	m, err := s.lookupMembership(ctx, tenantID, login)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			s.creds.DummyVerify(ctx, req.Password)
		}
		return TokenPair{}, err
	}
	if !m.Active {
		return TokenPair{}, ErrAccountDisabled
	}
	if m.Passwordless() {
		s.creds.DummyVerify(ctx, req.Password)
		return TokenPair{}, ErrInvalidCredentials
	}
	if !s.creds.Verify(ctx, m.PasswordHash, req.Password) {
		return TokenPair{}, ErrInvalidCredentials
	}
	pair, err = s.openSession(ctx, m, req.Device)
	if err != nil {
		return TokenPair{}, err
	}
	s.record(ctx, AuditEvent{
		Action:       "auth.login",
		TenantID:     tenantID,
		MembershipID: m.ID,
		SessionID:    pair.SessionID,
		Outcome:      "ok",
		Metadata:     map[string]any{"method": "password"},
		OccurredAt:   s.now().UTC(),
	})
	return pair, nil
}

// Refresh rotates the refresh token and mints a new access token with freshly
// resolved roles and permissions.
func (s *Service) Refresh(ctx context.Context, rawToken, sessionID string) (pair TokenPair, err error) {
	ctx, span := s.start(ctx, "auth.Refresh", "")
	defer func() { s.finish(span, "refresh", err) }()

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return TokenPair{}, err
	}
	m, err := s.identities.GetMembership(ctx, sess.MembershipID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrSessionInvalid
		}
		return TokenPair{}, fmt.Errorf("load membership: %w", err)
	}
	span.SetAttributes(attribute.String("tenant.id", m.TenantID))
	if !m.Active {
		if rerr := s.sessions.RevokeSession(ctx, sess.ID); rerr != nil {
			obs.FromContext(ctx).Error("revoke session of disabled membership", zap.Error(rerr))
		}
		return TokenPair{}, ErrAccountDisabled
	}

	mctx, cancel := s.detach(ctx)
	defer cancel()

	issued, err := s.refresh.Rotate(mctx, rawToken, sess.ID)
	if err != nil {
		return TokenPair{}, err
	}
	pair, err = s.mint(mctx, m, sess.ID, issued)
	if err != nil {
		return TokenPair{}, err
	}
	s.record(ctx, AuditEvent{
		Action:       "auth.refresh",
		TenantID:     m.TenantID,
		MembershipID: m.ID,
		SessionID:    sess.ID,
		Outcome:      "ok",
		OccurredAt:   s.now().UTC(),
	})
	return pair, nil
}

// Logout revokes the session and its refresh chain.
func (s *Service) Logout(ctx context.Context, sessionID string) (err error) {
	ctx, span := s.start(ctx, "auth.Logout", "")
	defer func() { s.finish(span, "logout", err) }()

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.sessions.RevokeSession(ctx, sess.ID); err != nil {
		return err
	}
	s.record(ctx, AuditEvent{
		Action:       "auth.logout",
		MembershipID: sess.MembershipID,
		SessionID:    sess.ID,
		Outcome:      "ok",
		OccurredAt:   s.now().UTC(),
	})
	return nil
}

// LogoutAll revokes every active session of the membership.
func (s *Service) LogoutAll(ctx context.Context, membershipID string) (n int, err error) {
	ctx, span := s.start(ctx, "auth.LogoutAll", "")
	defer func() { s.finish(span, "logout_all", err) }()

	n, err = s.sessions.RevokeAll(ctx, membershipID)
	if err != nil {
		return 0, err
	}
	s.record(ctx, AuditEvent{
		Action:       "auth.logout_all",
		MembershipID: membershipID,
		Outcome:      "ok",
		Metadata:     map[string]any{"sessions": n},
		OccurredAt:   s.now().UTC(),
	})
	return n, nil
}

// RequestOTP issues a code and hands it to the CodeSender. It succeeds
// silently when the tenant or membership does not exist so callers cannot
// probe for accounts.
func (s *Service) RequestOTP(ctx context.Context, tenantID, subject string, purpose OTPPurpose) (err error) {
	ctx, span := s.start(ctx, "auth.RequestOTP", tenantID)
	defer func() { s.finish(span, "otp_request", err) }()

	tenantID = strings.TrimSpace(tenantID)
	login, err := s.otpSubject(tenantID, subject, purpose)
	if err != nil {
		return err
	}
	if err := s.allow(ctx, s.otpThrottle, "otp:"+tenantID+":"+login.Key()); err != nil {
		return err
	}
	m, err := s.lookupMembership(ctx, tenantID, login)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return nil
		}
		return err
	}
	if !m.Active {
		return nil
	}
	if s.sender == nil {
		return errNoCodeSender
	}
	code, err := s.otp.Issue(ctx, tenantID, login.Key(), purpose, 0)
	if err != nil {
		return err
	}
	if err := s.sender.SendCode(ctx, tenantID, login.Key(), purpose, code); err != nil {
		return fmt.Errorf("send code: %w", err)
	}
	s.record(ctx, AuditEvent{
		Action:       "auth.otp.requested",
		TenantID:     tenantID,
		MembershipID: m.ID,
		Outcome:      "ok",
		Metadata:     map[string]any{"purpose": string(purpose)},
		OccurredAt:   s.now().UTC(),
	})
	return nil
}

// VerifyOTP checks a code. For the verification purposes it also marks the
// matching contact channel of the membership as verified.
func (s *Service) VerifyOTP(ctx context.Context, tenantID, subject string, purpose OTPPurpose, code string) (err error) {
	ctx, span := s.start(ctx, "auth.VerifyOTP", tenantID)
	defer func() { s.finish(span, "otp_verify", err) }()

	tenantID = strings.TrimSpace(tenantID)
	login, err := s.otpSubject(tenantID, subject, purpose)
	if err != nil {
		return err
	}
	if err := s.otp.Verify(ctx, tenantID, login.Key(), purpose, code); err != nil {
		return err
	}
	var membershipID string
	if purpose == PurposeVerifyEmail || purpose == PurposeVerifyPhone {
		m, err := s.lookupMembership(ctx, tenantID, login)
		if err != nil {
			return err
		}
		if err := s.identities.MarkVerified(ctx, m.ID, login.Channel()); err != nil {
			return fmt.Errorf("mark verified: %w", err)
		}
		membershipID = m.ID
	}
	s.record(ctx, AuditEvent{
		Action:       "auth.otp.verified",
		TenantID:     tenantID,
		MembershipID: membershipID,
		Outcome:      "ok",
		Metadata:     map[string]any{"purpose": string(purpose)},
		OccurredAt:   s.now().UTC(),
	})
	return nil
}

// LoginWithOTP signs in with a login code instead of a password.
func (s *Service) LoginWithOTP(ctx context.Context, tenantID, subject, code string, device DeviceInfo) (pair TokenPair, err error) {
	ctx, span := s.start(ctx, "auth.LoginWithOTP", tenantID)
	defer func() { s.finish(span, "login_otp", err) }()

	tenantID = strings.TrimSpace(tenantID)
	login, err := s.otpSubject(tenantID, subject, PurposeLogin)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.allow(ctx, s.loginThrottle, "login:"+tenantID+":"+login.Key()); err != nil {
		return TokenPair{}, err
	}
	if err := s.otp.Verify(ctx, tenantID, login.Key(), PurposeLogin, code); err != nil {
		return TokenPair{}, err
	}
	m, err := s.lookupMembership(ctx, tenantID, login)
	if err != nil {
		return TokenPair{}, err
	}
	if !m.Active {
		return TokenPair{}, ErrAccountDisabled
	}
	if err := s.identities.MarkVerified(ctx, m.ID, login.Channel()); err != nil {
		return TokenPair{}, fmt.Errorf("mark verified: %w", err)
	}
	pair, err = s.openSession(ctx, m, device)
	if err != nil {
		return TokenPair{}, err
	}
	s.record(ctx, AuditEvent{
		Action:       "auth.login",
		TenantID:     tenantID,
		MembershipID: m.ID,
		SessionID:    pair.SessionID,
		Outcome:      "ok",
		Metadata:     map[string]any{"method": "otp"},
		OccurredAt:   s.now().UTC(),
	})
	return pair, nil
}

// ResetPassword sets a new password after a password_reset code is verified
// and revokes every session of the membership.
func (s *Service) ResetPassword(ctx context.Context, tenantID, subject, code, newPassword string) (err error) {
	ctx, span := s.start(ctx, "auth.ResetPassword", tenantID)
	defer func() { s.finish(span, "password_reset", err) }()

	tenantID = strings.TrimSpace(tenantID)
	login, err := s.otpSubject(tenantID, subject, PurposePasswordReset)
	if err != nil {
		return err
	}
	if err := s.creds.CheckPolicy(newPassword); err != nil {
		return err
	}
	if err := s.otp.Verify(ctx, tenantID, login.Key(), PurposePasswordReset, code); err != nil {
		return err
	}
	m, err := s.lookupMembership(ctx, tenantID, login)
	if err != nil {
		return err
	}
	hash, err := s.creds.Hash(ctx, newPassword)
	if err != nil {
		return err
	}
	mctx, cancel := s.detach(ctx)
	defer cancel()
	if err := s.identities.SetPassword(mctx, m.ID, hash); err != nil {
		return fmt.Errorf("set password: %w", err)
	}
	n, err := s.sessions.RevokeAll(mctx, m.ID)
	if err != nil {
		return err
	}
	s.record(ctx, AuditEvent{
		Action:       "auth.password.reset",
		TenantID:     tenantID,
		MembershipID: m.ID,
		Outcome:      "ok",
		Metadata:     map[string]any{"sessions_revoked": n},
		OccurredAt:   s.now().UTC(),
	})
	return nil
}

// SetMembershipActive enables or disables a membership. Disabling revokes
// every session.
func (s *Service) SetMembershipActive(ctx context.Context, membershipID string, active bool) (err error) {
	ctx, span := s.start(ctx, "auth.SetMembershipActive", "")
	defer func() { s.finish(span, "membership_status", err) }()

	m, err := s.identities.GetMembership(ctx, strings.TrimSpace(membershipID))
	if err != nil {
		return err
	}
	if err := s.identities.SetMembershipActive(ctx, m.ID, active); err != nil {
		return fmt.Errorf("set membership status: %w", err)
	}
	if !active {
		if _, err := s.sessions.RevokeAll(ctx, m.ID); err != nil {
			return err
		}
	}
	s.record(ctx, AuditEvent{
		Action:       "auth.membership.status",
		TenantID:     m.TenantID,
		MembershipID: m.ID,
		Outcome:      "ok",
		Metadata:     map[string]any{"active": active},
		OccurredAt:   s.now().UTC(),
	})
	return nil
}

// Membership returns the membership by ID.
func (s *Service) Membership(ctx context.Context, membershipID string) (Membership, error) {
	return s.identities.GetMembership(ctx, strings.TrimSpace(membershipID))
}

// Authenticate verifies an access token and checks that its session is still
// active. A revoked session invalidates its access tokens immediately.
func (s *Service) Authenticate(ctx context.Context, token string) (Principal, error) {
	claims, err := s.access.Verify(token)
	if err != nil {
		return Principal{}, err
	}
	if !s.sessions.IsActive(ctx, claims.SessionID) {
		return Principal{}, ErrSessionInvalid
	}
	return PrincipalFromClaims(claims), nil
}

func (s *Service) openSession(ctx context.Context, m Membership, device DeviceInfo) (TokenPair, error) {
	mctx, cancel := s.detach(ctx)
	defer cancel()

	sess, err := s.sessions.CreateSession(mctx, m.ID, device)
	if err != nil {
		return TokenPair{}, err
	}
	pair, err := s.issueRoot(mctx, m, sess.ID)
	if err != nil {
		if rerr := s.sessions.RevokeSession(mctx, sess.ID); rerr != nil {
			obs.FromContext(ctx).Error("revoke incomplete session", zap.String("session_id", sess.ID), zap.Error(rerr))
		}
		return TokenPair{}, err
	}
	return pair, nil
}

func (s *Service) issueRoot(ctx context.Context, m Membership, sessionID string) (TokenPair, error) {
	roles, perms, err := s.rbac.Resolve(ctx, m.ID)
	if err != nil {
		return TokenPair{}, err
	}
	issued, err := s.refresh.Issue(ctx, sessionID)
	if err != nil {
		return TokenPair{}, err
	}
	return s.sign(m, sessionID, issued, roles, perms)
}

func (s *Service) mint(ctx context.Context, m Membership, sessionID string, issued IssuedRefresh) (TokenPair, error) {
	roles, perms, err := s.rbac.Resolve(ctx, m.ID)
	if err != nil {
		return TokenPair{}, err
	}
	return s.sign(m, sessionID, issued, roles, perms)
}

func (s *Service) sign(m Membership, sessionID string, issued IssuedRefresh, roles, perms []string) (TokenPair, error) {
	access, exp, err := s.access.Mint(m, sessionID, roles, perms)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  exp,
		RefreshToken:     issued.Raw,
		RefreshExpiresAt: issued.ExpiresAt,
		SessionID:        sessionID,
		MembershipID:     m.ID,
		TenantID:         m.TenantID,
		Roles:            roles,
		Permissions:      perms,
	}, nil
}

// lookupMembership maps unknown tenants and unknown identifiers to
// ErrInvalidCredentials.
func (s *Service) lookupMembership(ctx context.Context, tenantID string, login LoginIdentifier) (Membership, error) {
	active, err := s.tenants.TenantActive(ctx, tenantID)
	if err != nil {
		return Membership{}, fmt.Errorf("check tenant: %w", err)
	}
	if !active {
		return Membership{}, ErrInvalidCredentials
	}
	m, err := s.identities.FindMembership(ctx, tenantID, login)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Membership{}, ErrInvalidCredentials
		}
		return Membership{}, fmt.Errorf("find membership: %w", err)
	}
	return m, nil
}

func (s *Service) otpSubject(tenantID, subject string, purpose OTPPurpose) (LoginIdentifier, error) {
	if tenantID == "" {
		return LoginIdentifier{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if !purpose.Valid() {
		return LoginIdentifier{}, fmt.Errorf("%w: unknown otp purpose %q", ErrInvalidInput, purpose)
	}
	login, err := ParseIdentifier(subject)
	if err != nil {
		return LoginIdentifier{}, err
	}
	switch {
	case purpose == PurposeVerifyEmail && login.Email == "":
		return LoginIdentifier{}, fmt.Errorf("%w: verify_email requires an email subject", ErrInvalidInput)
	case purpose == PurposeVerifyPhone && login.Phone == "":
		return LoginIdentifier{}, fmt.Errorf("%w: verify_phone requires a phone subject", ErrInvalidInput)
	}
	return login, nil
}

// allow consults the throttle. Throttle backend failures are logged and the
// attempt is allowed.
func (s *Service) allow(ctx context.Context, t Throttle, key string) error {
	if t == nil {
		return nil
	}
	ok, err := t.Allow(ctx, key)
	if err != nil {
		obs.FromContext(ctx).Warn("throttle unavailable", zap.String("key", key), zap.Error(err))
		return nil
	}
	if !ok {
		return ErrRateLimited
	}
	return nil
}

func (s *Service) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.mutation)
}

// RecordAudit writes an event through the configured sink. Adapters use it for
// administrative actions the service does not perform itself. Sink failures
// are logged, never returned.
func (s *Service) RecordAudit(ctx context.Context, event AuditEvent) {
	s.record(ctx, event)
}

func (s *Service) record(ctx context.Context, event AuditEvent) {
	if err := s.audit.Record(ctx, event); err != nil {
		obs.FromContext(ctx).Error("audit record", zap.String("action", event.Action), zap.Error(err))
	}
}

func (s *Service) start(ctx context.Context, name, tenantID string) (context.Context, trace.Span) {
	ctx, span := obs.Tracer().Start(ctx, name)
	if tenantID = strings.TrimSpace(tenantID); tenantID != "" {
		span.SetAttributes(attribute.String("tenant.id", tenantID))
	}
	return ctx, span
}

func (s *Service) finish(span trace.Span, event string, err error) {
	outcome := ErrorCode(err)
	obs.AuthEvent(event, outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.End()
}
