package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
	"golang.org/x/sync/semaphore"

	"qazna.org/identity/internal/obs"
)

// PasswordConfig holds Argon2id work factors and the password policy.
type PasswordConfig struct {
	Time      uint32
	Memory    uint32 // KiB
	Threads   uint8
	KeyLength uint32
	SaltLen   int
	MinLength int
	// Workers bounds concurrent hash computations.
	Workers int
}

// DefaultPasswordConfig returns the production work factors.
func DefaultPasswordConfig() PasswordConfig {
	return PasswordConfig{
		Time:      3,
		Memory:    64 * 1024,
		Threads:   1,
		KeyLength: 32,
		SaltLen:   16,
		MinLength: 8,
		Workers:   runtime.NumCPU(),
	}
}

// CredentialVerifier hashes and verifies passwords with Argon2id.
type CredentialVerifier struct {
	cfg   PasswordConfig
	pool  *semaphore.Weighted
	dummy string
}

// NewCredentialVerifier validates cfg and precomputes the hash used to equalise
// the cost of failed lookups.
func NewCredentialVerifier(cfg PasswordConfig) (*CredentialVerifier, error) {
	if cfg.Time == 0 || cfg.Memory == 0 || cfg.Threads == 0 || cfg.KeyLength == 0 {
		return nil, errors.New("auth: argon2 parameters must be positive")
	}
	if cfg.SaltLen < 8 {
		return nil, errors.New("auth: salt length must be at least 8 bytes")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	v := &CredentialVerifier{
		cfg:  cfg,
		pool: semaphore.NewWeighted(int64(cfg.Workers)),
	}
	filler := make([]byte, 24)
	if _, err := rand.Read(filler); err != nil {
		return nil, fmt.Errorf("generate dummy password: %w", err)
	}
	dummy, err := v.compute(base64.RawStdEncoding.EncodeToString(filler))
	if err != nil {
		return nil, err
	}
	v.dummy = dummy
	return v, nil
}

// CheckPolicy reports ErrWeakPassword when password is too short.
func (v *CredentialVerifier) CheckPolicy(password string) error {
	if strings.TrimSpace(password) == "" || utf8.RuneCountInString(password) < v.cfg.MinLength {
		return fmt.Errorf("%w: at least %d characters required", ErrWeakPassword, v.cfg.MinLength)
	}
	return nil
}

// Hash returns a PHC-encoded Argon2id hash of password.
func (v *CredentialVerifier) Hash(ctx context.Context, password string) (string, error) {
	if err := v.CheckPolicy(password); err != nil {
		return "", err
	}
	if err := v.acquire(ctx); err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	defer v.pool.Release(1)
	return v.compute(password)
}

// Verify reports whether candidate matches the PHC hash. It never returns an
// error: malformed hashes, empty hashes and cancelled waits all yield false.
func (v *CredentialVerifier) Verify(ctx context.Context, encoded, candidate string) bool {
	if encoded == "" {
		// Passwordless memberships cost the same as any other rejection.
		return v.DummyVerify(ctx, candidate)
	}
	salt, hash, params, err := decodePHC(encoded)
	if err != nil {
		return v.DummyVerify(ctx, candidate)
	}
	if err := v.acquire(ctx); err != nil {
		return false
	}
	defer v.pool.Release(1)

	start := time.Now()
	sum := argon2.IDKey([]byte(candidate), salt, params.time, params.memory, params.threads, uint32(len(hash)))
	obs.ObservePasswordHash(time.Since(start))
	return subtle.ConstantTimeCompare(hash, sum) == 1
}

// DummyVerify spends the same work as a real verification and always fails.
func (v *CredentialVerifier) DummyVerify(ctx context.Context, candidate string) bool {
	v.Verify(ctx, v.dummy, candidate)
	return false
}

func (v *CredentialVerifier) acquire(ctx context.Context) error {
	obs.HashPoolWaiting(1)
	defer obs.HashPoolWaiting(-1)
	return v.pool.Acquire(ctx, 1)
}

func (v *CredentialVerifier) compute(password string) (string, error) {
	salt := make([]byte, v.cfg.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	start := time.Now()
	hash := argon2.IDKey([]byte(password), salt, v.cfg.Time, v.cfg.Memory, v.cfg.Threads, v.cfg.KeyLength)
	obs.ObservePasswordHash(time.Since(start))

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		v.cfg.Memory,
		v.cfg.Time,
		v.cfg.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

type argonParams struct {
	time    uint32
	memory  uint32
	threads uint8
}

func decodePHC(encoded string) (salt, hash []byte, params argonParams, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, nil, params, errors.New("invalid argon2id hash")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, nil, params, fmt.Errorf("parse version: %w", err)
	}
	if version != argon2.Version {
		return nil, nil, params, fmt.Errorf("unsupported argon2 version %d", version)
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.memory, &params.time, &params.threads); err != nil {
		return nil, nil, params, fmt.Errorf("parse parameters: %w", err)
	}
	if params.memory == 0 || params.time == 0 || params.threads == 0 {
		return nil, nil, params, errors.New("invalid argon2 parameters")
	}
	if salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return nil, nil, params, fmt.Errorf("decode salt: %w", err)
	}
	if hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return nil, nil, params, fmt.Errorf("decode hash: %w", err)
	}
	if len(hash) == 0 {
		return nil, nil, params, errors.New("empty argon2 hash")
	}
	return salt, hash, params, nil
}
