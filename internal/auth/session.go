package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"qazna.org/identity/internal/ids"
)

// SessionManager owns the session lifecycle.
type SessionManager struct {
	store SessionStore
	now   func() time.Time
}

// NewSessionManager constructs a SessionManager over store.
func NewSessionManager(store SessionStore, opts ...Option) (*SessionManager, error) {
	if store == nil {
		return nil, errors.New("auth: session store is required")
	}
	o := buildOptions(opts)
	return &SessionManager{store: store, now: o.now}, nil
}

// CreateSession opens a session for the membership. The device fingerprint is
// stored only as a SHA-256 digest.
func (m *SessionManager) CreateSession(ctx context.Context, membershipID string, device DeviceInfo) (Session, error) {
	membershipID = strings.TrimSpace(membershipID)
	if membershipID == "" {
		return Session{}, fmt.Errorf("%w: membership_id is required", ErrInvalidInput)
	}
	now := m.now().UTC()
	s := Session{
		ID:                ids.NewAt(now),
		MembershipID:      membershipID,
		DeviceFingerprint: fingerprintDigest(device.Fingerprint),
		IP:                strings.TrimSpace(device.IP),
		UserAgent:         truncate(strings.TrimSpace(device.UserAgent), 512),
		Active:            true,
		CreatedAt:         now,
		LastAccessedAt:    now,
	}
	if err := m.store.Create(ctx, &s); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

// Get returns the session or ErrSessionInvalid when it does not exist.
func (m *SessionManager) Get(ctx context.Context, sessionID string) (Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Session{}, ErrSessionInvalid
	}
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, ErrSessionInvalid
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// IsActive reports whether the session exists and is not revoked. Lookup
// failures count as inactive.
func (m *SessionManager) IsActive(ctx context.Context, sessionID string) bool {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return false
	}
	return s.Active
}

// Touch records activity on the session.
func (m *SessionManager) Touch(ctx context.Context, sessionID string) error {
	if err := m.store.Touch(ctx, sessionID, m.now().UTC()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrSessionInvalid
		}
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// RevokeSession deactivates the session and its refresh chain. Revoking an
// already revoked session succeeds.
func (m *SessionManager) RevokeSession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrSessionInvalid
	}
	if err := m.store.Revoke(ctx, sessionID, m.now().UTC()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrSessionInvalid
		}
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// ListSessions returns the membership's active sessions, newest first.
func (m *SessionManager) ListSessions(ctx context.Context, membershipID string) ([]Session, error) {
	membershipID = strings.TrimSpace(membershipID)
	if membershipID == "" {
		return nil, fmt.Errorf("%w: membership_id is required", ErrInvalidInput)
	}
	return m.store.ListActive(ctx, membershipID)
}

// RevokeAll revokes every active session of the membership and returns how
// many were revoked.
func (m *SessionManager) RevokeAll(ctx context.Context, membershipID string) (int, error) {
	sessions, err := m.ListSessions(ctx, membershipID)
	if err != nil {
		return 0, err
	}
	for _, s := range sessions {
		if err := m.RevokeSession(ctx, s.ID); err != nil && !errors.Is(err, ErrSessionInvalid) {
			return 0, err
		}
	}
	return len(sessions), nil
}

func fingerprintDigest(fp string) string {
	fp = strings.TrimSpace(fp)
	if fp == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(fp))
	return hex.EncodeToString(sum[:])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
