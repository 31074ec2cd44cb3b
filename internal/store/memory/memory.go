// Package memory is an in-process implementation of auth.Store used for
// development and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"qazna.org/identity/internal/auth"
	"qazna.org/identity/internal/ids"
)

// Store keeps every table in maps guarded by a single mutex.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	tenants map[string]bool

	identities      map[string]auth.GlobalIdentity
	identityByEmail map[string]string
	identityByPhone map[string]string

	memberships    map[string]auth.Membership
	memberByEmail  map[string]string // tenant\x00email -> membership id
	memberByPhone  map[string]string
	memberIdentity map[string]string // tenant\x00identity -> membership id

	sessions    map[string]auth.Session
	tokens      map[string]auth.RefreshToken
	tokenByHash map[string]string

	otps map[string]auth.OTPChallenge

	roles       map[string]auth.Role
	roleByName  map[string]string // tenant\x00name -> role id
	permissions map[string]auth.Permission
	rolePerms   map[string]map[string]struct{}
	assignments map[string]map[string]auth.RoleAssignment

	audit []auth.AuditEvent
}

// New returns an empty store.
func New() *Store {
	return &Store{
		now:             time.Now,
		tenants:         make(map[string]bool),
		identities:      make(map[string]auth.GlobalIdentity),
		identityByEmail: make(map[string]string),
		identityByPhone: make(map[string]string),
		memberships:     make(map[string]auth.Membership),
		memberByEmail:   make(map[string]string),
		memberByPhone:   make(map[string]string),
		memberIdentity:  make(map[string]string),
		sessions:        make(map[string]auth.Session),
		tokens:          make(map[string]auth.RefreshToken),
		tokenByHash:     make(map[string]string),
		otps:            make(map[string]auth.OTPChallenge),
		roles:           make(map[string]auth.Role),
		roleByName:      make(map[string]string),
		permissions:     make(map[string]auth.Permission),
		rolePerms:       make(map[string]map[string]struct{}),
		assignments:     make(map[string]map[string]auth.RoleAssignment),
	}
}

func (s *Store) Identities() auth.IdentityStore { return identityStore{s} }
func (s *Store) Sessions() auth.SessionStore { return sessionStore{s} }
func (s *Store) RefreshTokens() auth.RefreshTokenStore { return tokenStore{s} }
func (s *Store) OTP() auth.OTPStore { return otpStore{s} }
func (s *Store) RBAC() auth.RBACStore { return rbacStore{s} }

// SetTenant registers a tenant or changes its status.
func (s *Store) SetTenant(id string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[id] = active
}

// TenantActive implements auth.TenantDirectory.
func (s *Store) TenantActive(_ context.Context, tenantID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tenants[tenantID], nil
}

// Append stores an audit event.
func (s *Store) Append(_ context.Context, event auth.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.Metadata = cloneMetadata(event.Metadata)
	s.audit = append(s.audit, event)
	return nil
}

// AuditEvents returns a copy of the recorded audit events in order.
func (s *Store) AuditEvents() []auth.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.AuditEvent, len(s.audit))
	copy(out, s.audit)
	return out
}

func key(parts ...string) string { return strings.Join(parts, "\x00") }

func cloneMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type identityStore struct{ *Store }

func (s identityStore) FindOrCreateIdentity(_ context.Context, c auth.Contact) (auth.GlobalIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Email != "" {
		if id, ok := s.identityByEmail[c.Email]; ok {
			return s.identities[id], nil
		}
	}
	if c.Phone != "" {
		if id, ok := s.identityByPhone[c.Phone]; ok {
			return s.identities[id], nil
		}
	}
	now := s.now().UTC()
	g := auth.GlobalIdentity{
		ID:           ids.NewAt(now),
		PrimaryEmail: c.Email,
		PrimaryPhone: c.Phone,
		DisplayName:  c.DisplayName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.identities[g.ID] = g
	if c.Email != "" {
		s.identityByEmail[c.Email] = g.ID
	}
	if c.Phone != "" {
		s.identityByPhone[c.Phone] = g.ID
	}
	return g, nil
}

func (s identityStore) FindMembership(_ context.Context, tenantID string, login auth.LoginIdentifier) (auth.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		id string
		ok bool
	)
	switch {
	case login.Email != "":
		id, ok = s.memberByEmail[key(tenantID, login.Email)]
	case login.Phone != "":
		id, ok = s.memberByPhone[key(tenantID, login.Phone)]
	}
	if !ok {
		return auth.Membership{}, auth.ErrNotFound
	}
	return s.memberships[id], nil
}

func (s identityStore) GetMembership(_ context.Context, id string) (auth.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memberships[id]
	if !ok {
		return auth.Membership{}, auth.ErrNotFound
	}
	return m, nil
}

func (s identityStore) CreateMembership(_ context.Context, m *auth.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[m.IdentityID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := s.memberIdentity[key(m.TenantID, m.IdentityID)]; ok {
		return auth.ErrDuplicateMembership
	}
	if m.LoginEmail != "" {
		if _, ok := s.memberByEmail[key(m.TenantID, m.LoginEmail)]; ok {
			return auth.ErrDuplicateMembership
		}
	}
	if m.LoginPhone != "" {
		if _, ok := s.memberByPhone[key(m.TenantID, m.LoginPhone)]; ok {
			return auth.ErrDuplicateMembership
		}
	}
	now := s.now().UTC()
	if m.ID == "" {
		m.ID = ids.NewAt(now)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = m.CreatedAt
	s.memberships[m.ID] = *m
	s.memberIdentity[key(m.TenantID, m.IdentityID)] = m.ID
	if m.LoginEmail != "" {
		s.memberByEmail[key(m.TenantID, m.LoginEmail)] = m.ID
	}
	if m.LoginPhone != "" {
		s.memberByPhone[key(m.TenantID, m.LoginPhone)] = m.ID
	}
	return nil
}

func (s identityStore) update(id string, fn func(*auth.Membership)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[id]
	if !ok {
		return auth.ErrNotFound
	}
	fn(&m)
	m.UpdatedAt = s.now().UTC()
	s.memberships[id] = m
	return nil
}

func (s identityStore) SetMembershipActive(_ context.Context, id string, active bool) error {
	return s.update(id, func(m *auth.Membership) { m.Active = active })
}

func (s identityStore) SetPassword(_ context.Context, id, passwordHash string) error {
	return s.update(id, func(m *auth.Membership) { m.PasswordHash = passwordHash })
}

func (s identityStore) MarkVerified(_ context.Context, id string, channel auth.Channel) error {
	return s.update(id, func(m *auth.Membership) {
		switch channel {
		case auth.ChannelEmail:
			m.EmailVerified = true
		case auth.ChannelPhone:
			m.PhoneVerified = true
		}
	})
}

// SetSuperadmin flags a membership as platform superadmin.
func (s *Store) SetSuperadmin(id string, superadmin bool) error {
	return identityStore{s}.update(id, func(m *auth.Membership) { m.Superadmin = superadmin })
}

type sessionStore struct{ *Store }

func (s sessionStore) Create(_ context.Context, sess *auth.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memberships[sess.MembershipID]; !ok {
		return auth.ErrNotFound
	}
	s.sessions[sess.ID] = *sess
	return nil
}

func (s sessionStore) Get(_ context.Context, id string) (auth.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return auth.Session{}, auth.ErrNotFound
	}
	return sess, nil
}

func (s sessionStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return auth.ErrNotFound
	}
	if sess.Active && at.After(sess.LastAccessedAt) {
		sess.LastAccessedAt = at
		s.sessions[id] = sess
	}
	return nil
}

func (s sessionStore) Revoke(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return auth.ErrNotFound
	}
	s.revokeSessionLocked(id, at)
	return nil
}

func (s sessionStore) ListActive(_ context.Context, membershipID string) ([]auth.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.Session
	for _, sess := range s.sessions {
		if sess.MembershipID == membershipID && sess.Active {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// revokeSessionLocked deactivates the session and every open token in its
// chain. Callers hold s.mu.
func (s *Store) revokeSessionLocked(id string, at time.Time) {
	sess, ok := s.sessions[id]
	if ok && sess.Active {
		sess.Active = false
		revokedAt := at
		sess.RevokedAt = &revokedAt
		s.sessions[id] = sess
	}
	s.revokeTokensLocked(id, at)
}

func (s *Store) revokeTokensLocked(sessionID string, at time.Time) {
	for id, t := range s.tokens {
		if t.SessionID == sessionID && t.RevokedAt == nil {
			revokedAt := at
			t.RevokedAt = &revokedAt
			s.tokens[id] = t
		}
	}
}

type tokenStore struct{ *Store }

func (s tokenStore) Create(_ context.Context, t *auth.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[t.SessionID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := s.tokenByHash[t.TokenHash]; ok {
		return auth.ErrInvalidInput
	}
	s.tokens[t.ID] = *t
	s.tokenByHash[t.TokenHash] = t.ID
	return nil
}

func (s tokenStore) FindByHash(_ context.Context, tokenHash string) (auth.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokenByHash[tokenHash]
	if !ok {
		return auth.RefreshToken{}, auth.ErrNotFound
	}
	return s.tokens[id], nil
}

func (s tokenStore) Rotate(_ context.Context, tokenHash string, at time.Time, decide auth.RotateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokenByHash[tokenHash]
	if !ok {
		return auth.ErrNotFound
	}
	current := s.tokens[id]
	sess, found := s.sessions[current.SessionID]
	decision, err := decide(auth.RotationState{Token: current, Session: sess, SessionFound: found})
	if decision.RevokeSession {
		s.revokeSessionLocked(current.SessionID, at)
	}
	if err != nil {
		return err
	}
	if decision.Next == nil {
		return nil
	}
	next := *decision.Next
	revokedAt := at
	current.RevokedAt = &revokedAt
	current.ReplacedBy = next.ID
	s.tokens[current.ID] = current
	s.tokens[next.ID] = next
	s.tokenByHash[next.TokenHash] = next.ID
	if found && at.After(sess.LastAccessedAt) {
		sess.LastAccessedAt = at
		s.sessions[sess.ID] = sess
	}
	return nil
}

func (s tokenStore) RevokeSessionTokens(_ context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokeTokensLocked(sessionID, at)
	return nil
}

type otpStore struct{ *Store }

func (s otpStore) Create(_ context.Context, c *auth.OTPChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.otps[c.ID] = *c
	return nil
}

func (s otpStore) Latest(_ context.Context, tenantID, subject string, purpose auth.OTPPurpose, now time.Time) (auth.OTPChallenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  auth.OTPChallenge
		found bool
	)
	for _, c := range s.otps {
		if c.TenantID != tenantID || c.Subject != subject || c.Purpose != purpose || c.ConsumedAt != nil {
			continue
		}
		if !found || newerOTP(c, best, now) {
			best, found = c, true
		}
	}
	if !found {
		return auth.OTPChallenge{}, auth.ErrNotFound
	}
	return best, nil
}

// newerOTP orders unexpired challenges before expired ones, then by creation.
func newerOTP(c, best auth.OTPChallenge, now time.Time) bool {
	cLive, bestLive := c.ExpiresAt.After(now), best.ExpiresAt.After(now)
	if cLive != bestLive {
		return cLive
	}
	if !c.CreatedAt.Equal(best.CreatedAt) {
		return c.CreatedAt.After(best.CreatedAt)
	}
	return c.ID > best.ID
}

func (s otpStore) ReserveAttempt(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.otps[id]
	if !ok {
		return 0, auth.ErrNotFound
	}
	if c.Attempts >= c.MaxAttempts {
		return c.Attempts, auth.ErrOTPLocked
	}
	c.Attempts++
	s.otps[id] = c
	return c.Attempts, nil
}

func (s otpStore) Consume(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.otps[id]
	if !ok || c.ConsumedAt != nil {
		return auth.ErrOTPNotFound
	}
	consumedAt := at
	c.ConsumedAt = &consumedAt
	s.otps[id] = c
	return nil
}

type rbacStore struct{ *Store }

func (s rbacStore) CreateRole(_ context.Context, tenantID, name, description string) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.roleByName[key(tenantID, name)]; ok {
		return s.roles[id], nil
	}
	now := s.now().UTC()
	r := auth.Role{
		ID:          ids.NewAt(now),
		TenantID:    tenantID,
		Name:        name,
		Description: description,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.roles[r.ID] = r
	s.roleByName[key(tenantID, name)] = r.ID
	return r, nil
}

func (s rbacStore) GetRole(_ context.Context, id string) (auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return auth.Role{}, auth.ErrNotFound
	}
	return r, nil
}

func (s rbacStore) ListRoles(_ context.Context, tenantID string) ([]auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.Role
	for _, r := range s.roles {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s rbacStore) SetRoleActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return auth.ErrNotFound
	}
	r.Active = active
	r.UpdatedAt = s.now().UTC()
	s.roles[id] = r
	return nil
}

func (s rbacStore) CreatePermission(_ context.Context, k, description string) (auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.permissions[k]; ok {
		return p, nil
	}
	now := s.now().UTC()
	p := auth.Permission{ID: ids.NewAt(now), Key: k, Description: description, Active: true, CreatedAt: now}
	s.permissions[k] = p
	return p, nil
}

func (s rbacStore) ListPermissions(_ context.Context) ([]auth.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s rbacStore) SetPermissionActive(_ context.Context, k string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.permissions[k]
	if !ok {
		return auth.ErrNotFound
	}
	p.Active = active
	s.permissions[k] = p
	return nil
}

func (s rbacStore) AssignPermission(_ context.Context, roleID, k string) (auth.RolePermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return auth.RolePermission{}, auth.ErrNotFound
	}
	p, ok := s.permissions[k]
	if !ok {
		return auth.RolePermission{}, auth.ErrNotFound
	}
	set, ok := s.rolePerms[roleID]
	if !ok {
		set = make(map[string]struct{})
		s.rolePerms[roleID] = set
	}
	set[k] = struct{}{}
	return auth.RolePermission{RoleID: roleID, PermissionID: p.ID}, nil
}

func (s rbacStore) RevokePermission(_ context.Context, roleID, k string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rolePerms[roleID], k)
	return nil
}

func (s rbacStore) AssignRole(_ context.Context, membershipID, roleID, tenantID string) (auth.RoleAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memberships[membershipID]; !ok {
		return auth.RoleAssignment{}, auth.ErrNotFound
	}
	if _, ok := s.roles[roleID]; !ok {
		return auth.RoleAssignment{}, auth.ErrNotFound
	}
	set, ok := s.assignments[membershipID]
	if !ok {
		set = make(map[string]auth.RoleAssignment)
		s.assignments[membershipID] = set
	}
	if a, ok := set[roleID]; ok {
		return a, nil
	}
	a := auth.RoleAssignment{MembershipID: membershipID, RoleID: roleID, TenantID: tenantID, CreatedAt: s.now().UTC()}
	set[roleID] = a
	return a, nil
}

func (s rbacStore) RevokeRole(_ context.Context, membershipID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assignments[membershipID], roleID)
	return nil
}

func (s rbacStore) RolesOf(_ context.Context, membershipID string) ([]auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeRolesLocked(membershipID), nil
}

func (s rbacStore) PermissionKeysOf(_ context.Context, membershipID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, r := range s.activeRolesLocked(membershipID) {
		for k := range s.rolePerms[r.ID] {
			p, ok := s.permissions[k]
			if !ok || !p.Active {
				continue
			}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) activeRolesLocked(membershipID string) []auth.Role {
	var out []auth.Role
	for roleID := range s.assignments[membershipID] {
		if r, ok := s.roles[roleID]; ok && r.Active {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
