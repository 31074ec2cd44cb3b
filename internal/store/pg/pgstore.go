// Package pg implements auth.Store on PostgreSQL through the pgx stdlib driver.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"qazna.org/identity/internal/auth"
	"qazna.org/identity/internal/ids"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var errUnavailable = errors.New("database connection unavailable")

// PoolConfig tunes the database/sql pool. Zero fields keep the defaults.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 50
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 25
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 15 * time.Minute
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	return c
}

type Store struct {
	db *sql.DB
}

var (
	_ auth.Store           = (*Store)(nil)
	_ auth.TenantDirectory = (*Store)(nil)
)

func Open(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	pool = pool.withDefaults()
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errUnavailable
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Identities() auth.IdentityStore { return identityStore{s} }
func (s *Store) Sessions() auth.SessionStore { return sessionStore{s} }
func (s *Store) RefreshTokens() auth.RefreshTokenStore { return tokenStore{s} }
func (s *Store) OTP() auth.OTPStore { return otpStore{s} }
func (s *Store) RBAC() auth.RBACStore { return rbacStore{s} }

// TenantActive reports whether the tenant exists and is active. Tenants are
// provisioned elsewhere; this table is only read.
func (s *Store) TenantActive(ctx context.Context, tenantID string) (bool, error) {
	if s.db == nil {
		return false, errUnavailable
	}
	var active bool
	err := s.db.QueryRowContext(ctx, `select active from tenants where id=$1`, tenantID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("tenant lookup: %w", err)
	}
	return active, nil
}

// Append writes an audit event to audit_log.
func (s *Store) Append(ctx context.Context, event auth.AuditEvent) error {
	if s.db == nil {
		return errUnavailable
	}
	meta := []byte("{}")
	if len(event.Metadata) > 0 {
		raw, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = raw
	}
	at := event.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, action, tenant_id, membership_id, session_id, outcome, metadata, occurred_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ids.NewAt(at), event.Action, event.TenantID, event.MembershipID, event.SessionID, event.Outcome, meta, at)
	return err
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// mapConstraint converts integrity violations into auth sentinels.
func mapConstraint(err error, unique error) error {
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			if unique != nil {
				return unique
			}
		case pgErrForeignKeyViolation:
			return auth.ErrNotFound
		}
	}
	return err
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
