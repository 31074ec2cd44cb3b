package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"qazna.org/identity/internal/ids"
	"qazna.org/identity/internal/obs"
)

const refreshTokenBytes = 32

// RefreshConfig configures refresh token issuance.
type RefreshConfig struct {
	Secret []byte
	TTL    time.Duration
	// MutationTimeout bounds rotations, which run detached from the caller.
	MutationTimeout time.Duration
}

// RefreshTokenRotator issues refresh tokens and rotates them, detecting reuse
// of superseded tokens.
type RefreshTokenRotator struct {
	store RefreshTokenStore
	cfg   RefreshConfig
	now   func() time.Time
	audit AuditSink
}

// IssuedRefresh is a freshly minted refresh token. Raw is returned to the
// client once and never stored.
type IssuedRefresh struct {
	Raw       string
	ID        string
	ExpiresAt time.Time
}

// NewRefreshTokenRotator validates cfg and returns a rotator over store.
func NewRefreshTokenRotator(store RefreshTokenStore, cfg RefreshConfig, opts ...Option) (*RefreshTokenRotator, error) {
	if store == nil {
		return nil, errors.New("auth: refresh token store is required")
	}
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: refresh token secret is not configured")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("auth: refresh token ttl must be greater than zero")
	}
	if cfg.MutationTimeout <= 0 {
		cfg.MutationTimeout = 5 * time.Second
	}
	o := buildOptions(opts)
	return &RefreshTokenRotator{store: store, cfg: cfg, now: o.now, audit: o.audit}, nil
}

// Issue starts a new chain for sessionID.
func (r *RefreshTokenRotator) Issue(ctx context.Context, sessionID string) (IssuedRefresh, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return IssuedRefresh{}, fmt.Errorf("%w: session_id is required", ErrInvalidInput)
	}
	raw, err := newRefreshValue()
	if err != nil {
		return IssuedRefresh{}, err
	}
	now := r.now().UTC()
	t := RefreshToken{
		ID:        ids.NewAt(now),
		SessionID: sessionID,
		TokenHash: r.hash(raw),
		IssuedAt:  now,
		ExpiresAt: now.Add(r.cfg.TTL),
	}
	if err := r.store.Create(ctx, &t); err != nil {
		return IssuedRefresh{}, fmt.Errorf("store refresh token: %w", err)
	}
	return IssuedRefresh{Raw: raw, ID: t.ID, ExpiresAt: t.ExpiresAt}, nil
}

// Rotate exchanges raw for a new token in the same chain. Presenting a token
// that was already rotated revokes the whole session and returns
// ErrTokenReuseDetected. The rotation is not interrupted by ctx cancellation
// once started.
func (r *RefreshTokenRotator) Rotate(ctx context.Context, raw, sessionID string) (IssuedRefresh, error) {
	raw = strings.TrimSpace(raw)
	sessionID = strings.TrimSpace(sessionID)
	if raw == "" {
		return IssuedRefresh{}, ErrInvalidToken
	}
	if sessionID == "" {
		return IssuedRefresh{}, ErrSessionMismatch
	}
	nextRaw, err := newRefreshValue()
	if err != nil {
		return IssuedRefresh{}, err
	}

	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.MutationTimeout)
	defer cancel()

	now := r.now().UTC()
	var (
		issued  IssuedRefresh
		reused  RefreshToken
		isReuse bool
	)
	err = r.store.Rotate(mctx, r.hash(raw), now, func(st RotationState) (RotationDecision, error) {
		tok := st.Token
		switch {
		case tok.Revoked() && tok.ReplacedBy != "":
			reused, isReuse = tok, true
			return RotationDecision{RevokeSession: true}, ErrTokenReuseDetected
		case tok.Revoked():
			return RotationDecision{}, ErrTokenRevoked
		case tok.Expired(now):
			return RotationDecision{}, ErrTokenExpired
		case tok.SessionID != sessionID:
			return RotationDecision{}, ErrSessionMismatch
		case !st.SessionFound || !st.Session.Active:
			return RotationDecision{}, ErrSessionInvalid
		}
		next := &RefreshToken{
			ID:        ids.NewAt(now),
			SessionID: tok.SessionID,
			TokenHash: r.hash(nextRaw),
			IssuedAt:  now,
			ExpiresAt: now.Add(r.cfg.TTL),
		}
		issued = IssuedRefresh{Raw: nextRaw, ID: next.ID, ExpiresAt: next.ExpiresAt}
		return RotationDecision{Next: next}, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return IssuedRefresh{}, ErrInvalidToken
		}
		if isReuse {
			r.reportReuse(mctx, reused, now)
		}
		return IssuedRefresh{}, err
	}
	return issued, nil
}

// RevokeChain revokes every outstanding refresh token of the session.
func (r *RefreshTokenRotator) RevokeChain(ctx context.Context, sessionID string) error {
	if err := r.store.RevokeSessionTokens(ctx, sessionID, r.now().UTC()); err != nil {
		return fmt.Errorf("revoke refresh chain: %w", err)
	}
	return nil
}

func (r *RefreshTokenRotator) reportReuse(ctx context.Context, tok RefreshToken, at time.Time) {
	obs.RefreshReuseDetected()
	obs.FromContext(ctx).Warn("refresh token reuse detected",
		zap.String("session_id", tok.SessionID),
		zap.String("token_id", tok.ID),
	)
	event := AuditEvent{
		Action:     "auth.refresh.reuse_detected",
		SessionID:  tok.SessionID,
		Outcome:    "revoked",
		Metadata:   map[string]any{"token_id": tok.ID, "replaced_by": tok.ReplacedBy},
		OccurredAt: at,
	}
	if err := r.audit.Record(ctx, event); err != nil {
		obs.FromContext(ctx).Error("audit reuse detection", zap.Error(err))
	}
}

func (r *RefreshTokenRotator) hash(raw string) string {
	mac := hmac.New(sha256.New, r.cfg.Secret)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

func newRefreshValue() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
