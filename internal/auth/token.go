package auth

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessConfig configures access token minting.
type AccessConfig struct {
	Secret []byte
	TTL    time.Duration
	Issuer string
}

// Claims carried by access tokens. Subject is the membership ID.
type Claims struct {
	TenantID    string   `json:"tenant"`
	SessionID   string   `json:"sid"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Superadmin  bool     `json:"sa,omitempty"`
	jwt.RegisteredClaims
}

// AccessTokens mints and verifies HS256 access tokens.
type AccessTokens struct {
	cfg AccessConfig
	now func() time.Time
}

// NewAccessTokens validates cfg and returns an AccessTokens.
func NewAccessTokens(cfg AccessConfig, opts ...Option) (*AccessTokens, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: access token secret is not configured")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("auth: access token ttl must be greater than zero")
	}
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	if cfg.Issuer == "" {
		return nil, errors.New("auth: access token issuer is required")
	}
	o := buildOptions(opts)
	return &AccessTokens{cfg: cfg, now: o.now}, nil
}

// Mint signs an access token for the membership bound to sessionID.
func (a *AccessTokens) Mint(m Membership, sessionID string, roles, permissions []string) (string, time.Time, error) {
	if strings.TrimSpace(m.ID) == "" || strings.TrimSpace(sessionID) == "" {
		return "", time.Time{}, fmt.Errorf("%w: membership and session are required", ErrInvalidInput)
	}
	now := a.now().UTC().Truncate(time.Second)
	exp := now.Add(a.cfg.TTL)
	claims := Claims{
		TenantID:    m.TenantID,
		SessionID:   sessionID,
		Roles:       normalizeKeys(roles),
		Permissions: normalizeKeys(permissions),
		Superadmin:  m.Superadmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.cfg.Issuer,
			Subject:   m.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.cfg.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, issuer and expiry. Expired tokens yield
// ErrTokenExpired, anything else ErrInvalidToken.
func (a *AccessTokens) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return a.cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.SessionID) == "" || strings.TrimSpace(claims.TenantID) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// normalizeKeys lowercases, dedupes and sorts role names or permission keys.
func normalizeKeys(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
