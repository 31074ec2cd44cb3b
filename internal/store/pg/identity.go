package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"qazna.org/identity/internal/auth"
	"qazna.org/identity/internal/ids"
)

type identityStore struct{ *Store }

const identityColumns = `id, coalesce(primary_email,''), coalesce(primary_phone,''), display_name, created_at, updated_at`

func scanIdentity(row rowScanner) (auth.GlobalIdentity, error) {
	var g auth.GlobalIdentity
	err := row.Scan(&g.ID, &g.PrimaryEmail, &g.PrimaryPhone, &g.DisplayName, &g.CreatedAt, &g.UpdatedAt)
	return g, err
}

// FindOrCreateIdentity matches by email first, then phone. A concurrent insert
// of the same contact loses the conflict and re-reads the winner.
func (s identityStore) FindOrCreateIdentity(ctx context.Context, c auth.Contact) (auth.GlobalIdentity, error) {
	if s.db == nil {
		return auth.GlobalIdentity{}, errUnavailable
	}
	if c.Email == "" && c.Phone == "" {
		return auth.GlobalIdentity{}, auth.ErrInvalidInput
	}
	for attempt := 0; attempt < 2; attempt++ {
		g, err := s.lookupIdentity(ctx, c)
		if err == nil {
			return g, nil
		}
		if !errors.Is(err, auth.ErrNotFound) {
			return auth.GlobalIdentity{}, err
		}
		g, err = scanIdentity(s.db.QueryRowContext(ctx, `
			insert into identities (id, primary_email, primary_phone, display_name)
			values ($1, $2, $3, $4)
			on conflict do nothing
			returning `+identityColumns,
			ids.New(), nullIfEmpty(c.Email), nullIfEmpty(c.Phone), c.DisplayName))
		if err == nil {
			return g, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return auth.GlobalIdentity{}, fmt.Errorf("insert identity: %w", err)
		}
	}
	return auth.GlobalIdentity{}, fmt.Errorf("insert identity: contact conflict did not resolve")
}

func (s identityStore) lookupIdentity(ctx context.Context, c auth.Contact) (auth.GlobalIdentity, error) {
	for _, q := range []struct{ column, value string }{{"primary_email", c.Email}, {"primary_phone", c.Phone}} {
		if q.value == "" {
			continue
		}
		g, err := scanIdentity(s.db.QueryRowContext(ctx,
			`select `+identityColumns+` from identities where `+q.column+`=$1`, q.value))
		if err == nil {
			return g, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return auth.GlobalIdentity{}, err
		}
	}
	return auth.GlobalIdentity{}, auth.ErrNotFound
}

const membershipColumns = `id, tenant_id, identity_id, coalesce(login_email,''), coalesce(login_phone,''),
	password_hash, active, email_verified, phone_verified, superadmin, created_at, updated_at`

func scanMembership(row rowScanner) (auth.Membership, error) {
	var m auth.Membership
	err := row.Scan(&m.ID, &m.TenantID, &m.IdentityID, &m.LoginEmail, &m.LoginPhone,
		&m.PasswordHash, &m.Active, &m.EmailVerified, &m.PhoneVerified, &m.Superadmin, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Membership{}, auth.ErrNotFound
	}
	return m, err
}

func (s identityStore) FindMembership(ctx context.Context, tenantID string, login auth.LoginIdentifier) (auth.Membership, error) {
	if s.db == nil {
		return auth.Membership{}, errUnavailable
	}
	column, value := "login_email", login.Email
	if value == "" {
		column, value = "login_phone", login.Phone
	}
	if value == "" {
		return auth.Membership{}, auth.ErrNotFound
	}
	return scanMembership(s.db.QueryRowContext(ctx,
		`select `+membershipColumns+` from user_tenants where tenant_id=$1 and `+column+`=$2`, tenantID, value))
}

func (s identityStore) GetMembership(ctx context.Context, id string) (auth.Membership, error) {
	if s.db == nil {
		return auth.Membership{}, errUnavailable
	}
	return scanMembership(s.db.QueryRowContext(ctx,
		`select `+membershipColumns+` from user_tenants where id=$1`, id))
}

func (s identityStore) CreateMembership(ctx context.Context, m *auth.Membership) error {
	if s.db == nil {
		return errUnavailable
	}
	if m.ID == "" {
		m.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into user_tenants (id, tenant_id, identity_id, login_email, login_phone, password_hash,
			active, email_verified, phone_verified, superadmin)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		returning created_at, updated_at
	`, m.ID, m.TenantID, m.IdentityID, nullIfEmpty(m.LoginEmail), nullIfEmpty(m.LoginPhone), m.PasswordHash,
		m.Active, m.EmailVerified, m.PhoneVerified, m.Superadmin).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return mapConstraint(err, auth.ErrDuplicateMembership)
	}
	return nil
}

func (s identityStore) exec(ctx context.Context, query string, args ...any) error {
	if s.db == nil {
		return errUnavailable
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s identityStore) SetMembershipActive(ctx context.Context, id string, active bool) error {
	return s.exec(ctx, `update user_tenants set active=$2, updated_at=now() where id=$1`, id, active)
}

func (s identityStore) SetPassword(ctx context.Context, id, passwordHash string) error {
	return s.exec(ctx, `update user_tenants set password_hash=$2, updated_at=now() where id=$1`, id, passwordHash)
}

func (s identityStore) MarkVerified(ctx context.Context, id string, channel auth.Channel) error {
	switch channel {
	case auth.ChannelEmail:
		return s.exec(ctx, `update user_tenants set email_verified=true, updated_at=now() where id=$1`, id)
	case auth.ChannelPhone:
		return s.exec(ctx, `update user_tenants set phone_verified=true, updated_at=now() where id=$1`, id)
	}
	return fmt.Errorf("%w: unknown channel %q", auth.ErrInvalidInput, channel)
}

// SetSuperadmin flags a membership as platform superadmin.
func (s *Store) SetSuperadmin(ctx context.Context, id string, superadmin bool) error {
	return identityStore{s}.exec(ctx, `update user_tenants set superadmin=$2, updated_at=now() where id=$1`, id, superadmin)
}
