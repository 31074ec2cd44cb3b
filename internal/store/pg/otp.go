package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"qazna.org/identity/internal/auth"
)

type otpStore struct{ *Store }

func (s otpStore) Create(ctx context.Context, c *auth.OTPChallenge) error {
	if s.db == nil {
		return errUnavailable
	}
	_, err := s.db.ExecContext(ctx, `
		insert into otp_codes (id, tenant_id, subject, purpose, code_hash, expires_at, attempts, max_attempts, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.TenantID, c.Subject, string(c.Purpose), c.CodeHash, c.ExpiresAt, c.Attempts, c.MaxAttempts, c.CreatedAt)
	return err
}

func (s otpStore) Latest(ctx context.Context, tenantID, subject string, purpose auth.OTPPurpose, now time.Time) (auth.OTPChallenge, error) {
	if s.db == nil {
		return auth.OTPChallenge{}, errUnavailable
	}
	var (
		c        auth.OTPChallenge
		p        string
		consumed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, tenant_id, subject, purpose, code_hash, expires_at, consumed_at, attempts, max_attempts, created_at
		from otp_codes
		where tenant_id=$1 and subject=$2 and purpose=$3 and consumed_at is null
		order by (expires_at > $4) desc, created_at desc, id desc
		limit 1
	`, tenantID, subject, string(purpose), now).Scan(&c.ID, &c.TenantID, &c.Subject, &p, &c.CodeHash,
		&c.ExpiresAt, &consumed, &c.Attempts, &c.MaxAttempts, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.OTPChallenge{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.OTPChallenge{}, err
	}
	c.Purpose = auth.OTPPurpose(p)
	c.ConsumedAt = timePtr(consumed)
	return c, nil
}

// ReserveAttempt is a single conditional update so concurrent guesses cannot
// exceed max_attempts.
func (s otpStore) ReserveAttempt(ctx context.Context, id string) (int, error) {
	if s.db == nil {
		return 0, errUnavailable
	}
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		update otp_codes set attempts = attempts + 1
		where id=$1 and attempts < max_attempts
		returning attempts
	`, id).Scan(&attempts)
	if err == nil {
		return attempts, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	err = s.db.QueryRowContext(ctx, `select attempts from otp_codes where id=$1`, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, auth.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return attempts, auth.ErrOTPLocked
}

func (s otpStore) Consume(ctx context.Context, id string, at time.Time) error {
	if s.db == nil {
		return errUnavailable
	}
	res, err := s.db.ExecContext(ctx, `
		update otp_codes set consumed_at=$2
		where id=$1 and consumed_at is null
	`, id, at)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return auth.ErrOTPNotFound
		}
		return err
	}
	return nil
}
