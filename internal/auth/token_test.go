package auth

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestAccessTokens(t *testing.T, now *time.Time) *AccessTokens {
	t.Helper()
	a, err := NewAccessTokens(AccessConfig{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
		TTL:    time.Minute,
		Issuer: "identity-test",
	}, WithClock(func() time.Time { return *now }))
	if err != nil {
		t.Fatalf("NewAccessTokens: %v", err)
	}
	return a
}

func TestMintAndVerify(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	a := newTestAccessTokens(t, &now)
	m := Membership{ID: "m-1", TenantID: "t1", Superadmin: true}

	token, exp, err := a.Mint(m, "s-1", []string{"Admin", "viewer", "admin"}, []string{"rbac.manage"})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if !exp.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected expiry %v", exp)
	}
	claims, err := a.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "m-1" || claims.TenantID != "t1" || claims.SessionID != "s-1" || !claims.Superadmin {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !slices.Equal(claims.Roles, []string{"admin", "viewer"}) {
		t.Fatalf("roles were not normalized: %v", claims.Roles)
	}
	if claims.ID == "" {
		t.Fatalf("jti missing")
	}

	now = now.Add(2 * time.Minute)
	if _, err := a.Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestVerifyRejectsForeignTokens(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	a := newTestAccessTokens(t, &now)

	claims := Claims{
		TenantID:  "t1",
		SessionID: "s-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "identity-test",
			Subject:   "m-1",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}
	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("another-secret-another-secret-00"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	claims.Issuer = "someone-else"
	wrongIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not.a.jwt",
		"wrong key":    wrongKey,
		"alg none":     unsigned,
		"wrong issuer": wrongIssuer,
	} {
		if _, err := a.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected invalid token, got %v", name, err)
		}
	}
}
