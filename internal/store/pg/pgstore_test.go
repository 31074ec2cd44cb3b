package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"qazna.org/identity/internal/auth"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func expectRotationLocks(mock sqlmock.Sqlmock, now time.Time, tokenRevoked any) {
	mock.ExpectBegin()
	mock.ExpectQuery("select session_id from refresh_tokens").
		WithArgs("h0").
		WillReturnRows(sqlmock.NewRows([]string{"session_id"}).AddRow("sess-1"))
	mock.ExpectQuery("from sessions where id=\\$1 for update").
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "membership_id", "device_fingerprint", "ip", "user_agent", "active", "created_at", "last_accessed_at", "revoked_at"}).
			AddRow("sess-1", "m-1", "", "", "", true, now, now, nil))
	mock.ExpectQuery("from refresh_tokens where token_hash=\\$1 for update").
		WithArgs("h0").
		WillReturnRows(sqlmock.NewRows([]string{"id", "session_id", "token_hash", "issued_at", "expires_at", "revoked_at", "replaced_by"}).
			AddRow("rt-0", "sess-1", "h0", now, now.Add(time.Hour), tokenRevoked, "rt-1"))
}

func TestRotateIssuesNextToken(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	expectRotationLocks(mock, now, nil)
	mock.ExpectExec("insert into refresh_tokens").
		WithArgs("rt-1", "sess-1", "h1", now, now.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("update refresh_tokens set revoked_at=\\$2, replaced_by=\\$3").
		WithArgs("rt-0", now, "rt-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update sessions set last_accessed_at").
		WithArgs("sess-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.RefreshTokens().Rotate(context.Background(), "h0", now, func(st auth.RotationState) (auth.RotationDecision, error) {
		if !st.SessionFound || !st.Session.Active || st.Token.Revoked() {
			t.Fatalf("unexpected state: %+v", st)
		}
		next := auth.RefreshToken{ID: "rt-1", SessionID: "sess-1", TokenHash: "h1", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}
		return auth.RotationDecision{Next: &next}, nil
	})
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRotateReuseCommitsRevocation(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	expectRotationLocks(mock, now, now.Add(-time.Minute))
	mock.ExpectExec("update sessions set active=false").
		WithArgs("sess-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update refresh_tokens set revoked_at=\\$2").
		WithArgs("sess-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.RefreshTokens().Rotate(context.Background(), "h0", now, func(st auth.RotationState) (auth.RotationDecision, error) {
		if st.Token.ReplacedBy != "rt-1" {
			t.Fatalf("expected replaced_by to be read, got %+v", st.Token)
		}
		return auth.RotationDecision{RevokeSession: true}, auth.ErrTokenReuseDetected
	})
	if !errors.Is(err, auth.ErrTokenReuseDetected) {
		t.Fatalf("expected reuse error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRotateUnknownHashRollsBack(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select session_id from refresh_tokens").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"session_id"}))
	mock.ExpectRollback()

	called := false
	err := s.RefreshTokens().Rotate(context.Background(), "missing", time.Now(), func(auth.RotationState) (auth.RotationDecision, error) {
		called = true
		return auth.RotationDecision{}, nil
	})
	if !errors.Is(err, auth.ErrNotFound) || called {
		t.Fatalf("err=%v called=%v", err, called)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateMembershipMapsConstraints(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{pgErrUniqueViolation, auth.ErrDuplicateMembership},
		{pgErrForeignKeyViolation, auth.ErrNotFound},
	}
	for _, tc := range cases {
		s, mock := newMock(t)
		mock.ExpectQuery("insert into user_tenants").WillReturnError(&pgconn.PgError{Code: tc.code})
		m := auth.Membership{TenantID: "t1", IdentityID: "g1", LoginEmail: "a@x.com", Active: true}
		if err := s.Identities().CreateMembership(context.Background(), &m); !errors.Is(err, tc.want) {
			t.Fatalf("code %s: expected %v, got %v", tc.code, tc.want, err)
		}
		if m.ID == "" {
			t.Fatalf("membership id should be assigned before insert")
		}
	}
}

func TestReserveAttemptLocked(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("update otp_codes set attempts = attempts \\+ 1").
		WithArgs("otp-1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}))
	mock.ExpectQuery("select attempts from otp_codes").
		WithArgs("otp-1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(5))

	n, err := s.OTP().ReserveAttempt(context.Background(), "otp-1")
	if !errors.Is(err, auth.ErrOTPLocked) || n != 5 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestConsumeTwiceFails(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectExec("update otp_codes set consumed_at").WithArgs("otp-1", now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update otp_codes set consumed_at").WithArgs("otp-1", now).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.OTP().Consume(context.Background(), "otp-1", now); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if err := s.OTP().Consume(context.Background(), "otp-1", now); !errors.Is(err, auth.ErrOTPNotFound) {
		t.Fatalf("second consume: %v", err)
	}
}

func TestPermissionKeysOfFiltersInactive(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("where a.membership_id=\\$1 and r.active and p.active").
		WithArgs("m-1").
		WillReturnRows(sqlmock.NewRows([]string{"key"}).AddRow("expenses.create").AddRow("rbac.manage"))

	keys, err := s.RBAC().PermissionKeysOf(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("PermissionKeysOf: %v", err)
	}
	if len(keys) != 2 || keys[0] != "expenses.create" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestTenantActiveUnknownTenant(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select active from tenants").WithArgs("nope").WillReturnRows(sqlmock.NewRows([]string{"active"}))

	active, err := s.TenantActive(context.Background(), "nope")
	if err != nil || active {
		t.Fatalf("active=%v err=%v", active, err)
	}
}

func TestAppendAuditEvent(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectExec("insert into audit_log").
		WithArgs(sqlmock.AnyArg(), "auth.login", "t1", "m-1", "sess-1", "success", []byte(`{"ip":"10.0.0.1"}`), at).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.Append(context.Background(), auth.AuditEvent{
		Action: "auth.login", TenantID: "t1", MembershipID: "m-1", SessionID: "sess-1",
		Outcome: "success", Metadata: map[string]any{"ip": "10.0.0.1"}, OccurredAt: at,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestNilDatabase(t *testing.T) {
	s := &Store{}
	if _, err := s.Identities().GetMembership(context.Background(), "x"); !errors.Is(err, errUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}
