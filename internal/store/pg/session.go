package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"qazna.org/identity/internal/auth"
)

type sessionStore struct{ *Store }

const sessionColumns = `id, membership_id, device_fingerprint, ip, user_agent, active, created_at, last_accessed_at, revoked_at`

func scanSession(row rowScanner) (auth.Session, error) {
	var (
		sess    auth.Session
		revoked sql.NullTime
	)
	err := row.Scan(&sess.ID, &sess.MembershipID, &sess.DeviceFingerprint, &sess.IP, &sess.UserAgent,
		&sess.Active, &sess.CreatedAt, &sess.LastAccessedAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Session{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Session{}, err
	}
	sess.RevokedAt = timePtr(revoked)
	return sess, nil
}

func (s sessionStore) Create(ctx context.Context, sess *auth.Session) error {
	if s.db == nil {
		return errUnavailable
	}
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, membership_id, device_fingerprint, ip, user_agent, active, created_at, last_accessed_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sess.ID, sess.MembershipID, sess.DeviceFingerprint, sess.IP, sess.UserAgent, sess.Active, sess.CreatedAt, sess.LastAccessedAt)
	return mapConstraint(err, nil)
}

func (s sessionStore) Get(ctx context.Context, id string) (auth.Session, error) {
	if s.db == nil {
		return auth.Session{}, errUnavailable
	}
	return scanSession(s.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where id=$1`, id))
}

func (s sessionStore) Touch(ctx context.Context, id string, at time.Time) error {
	if s.db == nil {
		return errUnavailable
	}
	res, err := s.db.ExecContext(ctx, `
		update sessions set last_accessed_at = greatest(last_accessed_at, $2)
		where id=$1
	`, id, at)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Revoke locks the session before its tokens; Rotate takes the same order.
func (s sessionStore) Revoke(ctx context.Context, id string, at time.Time) error {
	if s.db == nil {
		return errUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, found, err := lockSession(ctx, tx, id); err != nil {
		return err
	} else if !found {
		return auth.ErrNotFound
	}
	if err := revokeSessionTx(ctx, tx, id, at); err != nil {
		return err
	}
	return tx.Commit()
}

func (s sessionStore) ListActive(ctx context.Context, membershipID string) ([]auth.Session, error) {
	if s.db == nil {
		return nil, errUnavailable
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+sessionColumns+` from sessions
		where membership_id=$1 and active
		order by id desc
	`, membershipID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func lockSession(ctx context.Context, tx *sql.Tx, id string) (auth.Session, bool, error) {
	sess, err := scanSession(tx.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where id=$1 for update`, id))
	if errors.Is(err, auth.ErrNotFound) {
		return auth.Session{}, false, nil
	}
	if err != nil {
		return auth.Session{}, false, err
	}
	return sess, true, nil
}

func revokeSessionTx(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		update sessions set active=false, revoked_at=$2
		where id=$1 and active
	`, id, at); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		update refresh_tokens set revoked_at=$2
		where session_id=$1 and revoked_at is null
	`, id, at); err != nil {
		return fmt.Errorf("revoke session tokens: %w", err)
	}
	return nil
}

type tokenStore struct{ *Store }

const tokenColumns = `id, session_id, token_hash, issued_at, expires_at, revoked_at, replaced_by`

func scanToken(row rowScanner) (auth.RefreshToken, error) {
	var (
		t        auth.RefreshToken
		revoked  sql.NullTime
		replaced sql.NullString
	)
	err := row.Scan(&t.ID, &t.SessionID, &t.TokenHash, &t.IssuedAt, &t.ExpiresAt, &revoked, &replaced)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.RefreshToken{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.RefreshToken{}, err
	}
	t.RevokedAt = timePtr(revoked)
	t.ReplacedBy = replaced.String
	return t, nil
}

func (s tokenStore) Create(ctx context.Context, t *auth.RefreshToken) error {
	if s.db == nil {
		return errUnavailable
	}
	return insertToken(ctx, s.db, t)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertToken(ctx context.Context, db execer, t *auth.RefreshToken) error {
	_, err := db.ExecContext(ctx, `
		insert into refresh_tokens (id, session_id, token_hash, issued_at, expires_at)
		values ($1, $2, $3, $4, $5)
	`, t.ID, t.SessionID, t.TokenHash, t.IssuedAt, t.ExpiresAt)
	return mapConstraint(err, auth.ErrInvalidInput)
}

func (s tokenStore) FindByHash(ctx context.Context, tokenHash string) (auth.RefreshToken, error) {
	if s.db == nil {
		return auth.RefreshToken{}, errUnavailable
	}
	return scanToken(s.db.QueryRowContext(ctx, `select `+tokenColumns+` from refresh_tokens where token_hash=$1`, tokenHash))
}

// Rotate serialises concurrent presentations of one token. Locks are taken
// session first, then token, matching sessionStore.Revoke.
func (s tokenStore) Rotate(ctx context.Context, tokenHash string, at time.Time, decide auth.RotateFunc) error {
	if s.db == nil {
		return errUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// session_id never changes, so reading it unlocked is safe.
	var sessionID string
	err = tx.QueryRowContext(ctx, `select session_id from refresh_tokens where token_hash=$1`, tokenHash).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if err != nil {
		return err
	}
	sess, found, err := lockSession(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	current, err := scanToken(tx.QueryRowContext(ctx,
		`select `+tokenColumns+` from refresh_tokens where token_hash=$1 for update`, tokenHash))
	if err != nil {
		return err
	}

	decision, decideErr := decide(auth.RotationState{Token: current, Session: sess, SessionFound: found})
	if decision.RevokeSession {
		if err := revokeSessionTx(ctx, tx, current.SessionID, at); err != nil {
			return err
		}
	}
	if decideErr != nil {
		if decision.RevokeSession {
			if err := tx.Commit(); err != nil {
				return err
			}
		}
		return decideErr
	}
	if decision.Next != nil {
		if err := insertToken(ctx, tx, decision.Next); err != nil {
			return fmt.Errorf("insert rotated token: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			update refresh_tokens set revoked_at=$2, replaced_by=$3
			where id=$1
		`, current.ID, at, decision.Next.ID); err != nil {
			return fmt.Errorf("supersede token: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			update sessions set last_accessed_at = greatest(last_accessed_at, $2)
			where id=$1 and active
		`, current.SessionID, at); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
	}
	return tx.Commit()
}

func (s tokenStore) RevokeSessionTokens(ctx context.Context, sessionID string, at time.Time) error {
	if s.db == nil {
		return errUnavailable
	}
	_, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at=$2
		where session_id=$1 and revoked_at is null
	`, sessionID, at)
	return err
}
