package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"qazna.org/identity/internal/ids"
)

// OTPConfig configures one-time code issuance.
type OTPConfig struct {
	Secret      []byte
	TTL         time.Duration
	MaxAttempts int
	Digits      int
}

// OTPService issues and verifies one-time codes scoped to
// (tenant, subject, purpose).
type OTPService struct {
	store OTPStore
	cfg   OTPConfig
	now   func() time.Time
}

// NewOTPService validates cfg and returns an OTPService.
func NewOTPService(store OTPStore, cfg OTPConfig, opts ...Option) (*OTPService, error) {
	if store == nil {
		return nil, errors.New("auth: otp store is required")
	}
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: otp secret is not configured")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("auth: otp ttl must be greater than zero")
	}
	if cfg.MaxAttempts <= 0 {
		return nil, errors.New("auth: otp max attempts must be greater than zero")
	}
	if cfg.Digits < 4 || cfg.Digits > 10 {
		return nil, errors.New("auth: otp digits must be between 4 and 10")
	}
	o := buildOptions(opts)
	return &OTPService{store: store, cfg: cfg, now: o.now}, nil
}

// Issue creates a challenge and returns the plaintext code for delivery. A
// non-positive ttl uses the configured default. Earlier challenges for the
// same key stay valid until they expire or are consumed, but only the newest
// one is checked on verification.
func (s *OTPService) Issue(ctx context.Context, tenantID, subject string, purpose OTPPurpose, ttl time.Duration) (string, error) {
	tenantID, subject, err := otpKey(tenantID, subject, purpose)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}
	code, err := s.generate()
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	c := OTPChallenge{
		ID:          ids.NewAt(now),
		TenantID:    tenantID,
		Subject:     subject,
		Purpose:     purpose,
		CodeHash:    s.hash(tenantID, subject, purpose, code),
		ExpiresAt:   now.Add(ttl),
		MaxAttempts: s.cfg.MaxAttempts,
		CreatedAt:   now,
	}
	if err := s.store.Create(ctx, &c); err != nil {
		return "", fmt.Errorf("store otp: %w", err)
	}
	return code, nil
}

// Verify checks code against the newest open challenge and consumes it on
// success. Every verification attempt, successful or not, counts toward the
// challenge's attempt limit.
func (s *OTPService) Verify(ctx context.Context, tenantID, subject string, purpose OTPPurpose, code string) error {
	tenantID, subject, err := otpKey(tenantID, subject, purpose)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	c, err := s.store.Latest(ctx, tenantID, subject, purpose, now)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrOTPNotFound
		}
		return fmt.Errorf("load otp: %w", err)
	}
	if !now.Before(c.ExpiresAt) {
		return ErrOTPExpired
	}
	if c.Attempts >= c.MaxAttempts {
		return ErrOTPLocked
	}
	if _, err := s.store.ReserveAttempt(ctx, c.ID); err != nil {
		if errors.Is(err, ErrOTPLocked) {
			return ErrOTPLocked
		}
		return fmt.Errorf("reserve otp attempt: %w", err)
	}

	want, err := hex.DecodeString(c.CodeHash)
	if err != nil {
		return fmt.Errorf("decode otp hash: %w", err)
	}
	got, _ := hex.DecodeString(s.hash(tenantID, subject, purpose, strings.TrimSpace(code)))
	if !hmac.Equal(want, got) {
		return ErrOTPMismatch
	}
	if err := s.store.Consume(ctx, c.ID, now); err != nil {
		if errors.Is(err, ErrOTPNotFound) || errors.Is(err, ErrNotFound) {
			return ErrOTPNotFound
		}
		return fmt.Errorf("consume otp: %w", err)
	}
	return nil
}

func (s *OTPService) generate() (string, error) {
	var b strings.Builder
	b.Grow(s.cfg.Digits)
	ten := big.NewInt(10)
	for i := 0; i < s.cfg.Digits; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("generate otp: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

func (s *OTPService) hash(tenantID, subject string, purpose OTPPurpose, code string) string {
	mac := hmac.New(sha256.New, s.cfg.Secret)
	mac.Write([]byte(tenantID))
	mac.Write([]byte{0})
	mac.Write([]byte(subject))
	mac.Write([]byte{0})
	mac.Write([]byte(purpose))
	mac.Write([]byte{0})
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

func otpKey(tenantID, subject string, purpose OTPPurpose) (string, string, error) {
	tenantID = strings.TrimSpace(tenantID)
	subject = strings.ToLower(strings.TrimSpace(subject))
	if tenantID == "" || subject == "" {
		return "", "", fmt.Errorf("%w: tenant_id and subject are required", ErrInvalidInput)
	}
	if !purpose.Valid() {
		return "", "", fmt.Errorf("%w: unknown otp purpose %q", ErrInvalidInput, purpose)
	}
	return tenantID, subject, nil
}
