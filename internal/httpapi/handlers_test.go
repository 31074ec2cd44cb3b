package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"qazna.org/identity/internal/auth"
	"qazna.org/identity/internal/store/memory"
)

type sentCode struct {
	subject string
	purpose auth.OTPPurpose
	code    string
}

type captureSender struct {
	mu    sync.Mutex
	codes []sentCode
}

func (s *captureSender) SendCode(_ context.Context, _, subject string, purpose auth.OTPPurpose, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes = append(s.codes, sentCode{subject, purpose, code})
	return nil
}

func (s *captureSender) last(t *testing.T) sentCode {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.codes) == 0 {
		t.Fatalf("no code was sent")
	}
	return s.codes[len(s.codes)-1]
}

type storeSink struct{ store *memory.Store }

func (s storeSink) Record(ctx context.Context, e auth.AuditEvent) error {
	return s.store.Append(ctx, e)
}

type testEnv struct {
	t      *testing.T
	store  *memory.Store
	svc    *auth.Service
	sender *captureSender
	srv    *httptest.Server
}

func testAuthConfig() auth.Config {
	return auth.Config{
		Password: auth.PasswordConfig{
			Time:      1,
			Memory:    1024,
			Threads:   1,
			KeyLength: 32,
			SaltLen:   16,
			MinLength: 8,
			Workers:   4,
		},
		Access: auth.AccessConfig{
			Secret: []byte("access-secret-access-secret-0123456789"),
			TTL:    15 * time.Minute,
			Issuer: "identity-test",
		},
		Refresh: auth.RefreshConfig{
			Secret: []byte("refresh-secret-refresh-secret-0123456789"),
			TTL:    24 * time.Hour,
		},
		OTP: auth.OTPConfig{
			Secret:      []byte("otp-secret-otp-secret-otp-secret-0123"),
			TTL:         5 * time.Minute,
			MaxAttempts: 3,
			Digits:      6,
		},
	}
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	store := memory.New()
	store.SetTenant("t1", true)
	store.SetTenant("t2", true)
	sender := &captureSender{}
	svc, err := auth.NewService(testAuthConfig(), store, store,
		auth.WithCodeSender(sender),
		auth.WithAuditSink(storeSink{store}),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.RBAC().EnsurePermissions(context.Background(), auth.BuiltinPermissions); err != nil {
		t.Fatalf("ensure permissions: %v", err)
	}
	api, err := New(svc, ReadyProbe{}, "test", opts...)
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{t: t, store: store, svc: svc, sender: sender, srv: srv}
}

// do sends a JSON request and decodes a JSON response body into a map.
func (e *testEnv) do(method, path, token string, body any) (int, map[string]any) {
	e.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, bytes.NewReader(payload))
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp.StatusCode, out
}

func (e *testEnv) register(tenantID, email string) string {
	e.t.Helper()
	code, body := e.do(http.MethodPost, "/v1/tenants/"+tenantID+"/register", "", map[string]any{
		"email":    email,
		"password": "Secret123",
	})
	if code != http.StatusCreated {
		e.t.Fatalf("register %s: status %d body %v", email, code, body)
	}
	return body["id"].(string)
}

func (e *testEnv) login(tenantID, email string) (access, refresh, session string) {
	e.t.Helper()
	code, body := e.do(http.MethodPost, "/v1/tenants/"+tenantID+"/login", "", map[string]any{
		"identifier": email,
		"password":   "Secret123",
	})
	if code != http.StatusOK {
		e.t.Fatalf("login %s: status %d body %v", email, code, body)
	}
	return body["access_token"].(string), body["refresh_token"].(string), body["session_id"].(string)
}

// admin registers a membership holding the built-in management permissions
// and returns its access token.
func (e *testEnv) admin(tenantID, email string) (membershipID, token string) {
	e.t.Helper()
	ctx := context.Background()
	membershipID = e.register(tenantID, email)
	rbac := e.svc.RBAC()
	role, err := rbac.CreateRole(ctx, tenantID, "admin", "")
	if err != nil {
		e.t.Fatalf("create role: %v", err)
	}
	for _, p := range auth.BuiltinPermissions {
		if _, err := rbac.AssignPermissionToRole(ctx, role.ID, p.Key); err != nil {
			e.t.Fatalf("assign %s: %v", p.Key, err)
		}
	}
	if _, err := rbac.AssignRoleToMembership(ctx, membershipID, role.ID); err != nil {
		e.t.Fatalf("assign role: %v", err)
	}
	token, _, _ = e.login(tenantID, email)
	return membershipID, token
}

func TestHealthzAndInfo(t *testing.T) {
	env := newTestEnv(t)
	code, body := env.do(http.MethodGet, "/healthz", "", nil)
	if code != http.StatusOK || body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("unexpected healthz: %d %v", code, body)
	}
	code, body = env.do(http.MethodGet, "/v1/info", "", nil)
	if code != http.StatusOK || body["name"] != serviceName {
		t.Fatalf("unexpected info: %d %v", code, body)
	}
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("db down") }

func TestReadyReportsProbeFailure(t *testing.T) {
	svc, err := auth.NewService(testAuthConfig(), memory.New(), memory.New())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	api, err := New(svc, ReadyProbe{DB: failingPinger{}}, "test")
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if bytes.Contains(rr.Body.Bytes(), []byte("db down")) {
		t.Fatalf("probe error leaked to client: %s", rr.Body.String())
	}
}

func TestNewRequiresService(t *testing.T) {
	if _, err := New(nil, ReadyProbe{}, "test"); err == nil {
		t.Fatalf("expected error for nil service")
	}
}

func TestRegisterLoginMe(t *testing.T) {
	env := newTestEnv(t)
	id := env.register("t1", "a@x.com")
	access, _, session := env.login("t1", "a@x.com")

	code, body := env.do(http.MethodGet, "/v1/auth/me", access, nil)
	if code != http.StatusOK {
		t.Fatalf("me: %d %v", code, body)
	}
	m := body["membership"].(map[string]any)
	if m["id"] != id || m["tenant_id"] != "t1" || body["session_id"] != session {
		t.Fatalf("unexpected me body: %v", body)
	}
	if _, ok := m["password_hash"]; ok {
		t.Fatalf("password hash must not be serialized")
	}
}

func TestRegisterDuplicateConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.register("t1", "a@x.com")
	code, body := env.do(http.MethodPost, "/v1/tenants/t1/register", "", map[string]any{
		"email": "A@X.com", "password": "Secret123",
	})
	if code != http.StatusConflict || body["error"] != "duplicate_membership" {
		t.Fatalf("expected 409 duplicate_membership, got %d %v", code, body)
	}
	// Same identity, different tenant.
	env.register("t2", "a@x.com")
}

func TestRegisterRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		body any
		want int
	}{
		{"weak password", map[string]any{"email": "a@x.com", "password": "short"}, http.StatusBadRequest},
		{"no contact", map[string]any{"password": "Secret123"}, http.StatusBadRequest},
		{"unknown field", map[string]any{"email": "a@x.com", "password": "Secret123", "admin": true}, http.StatusBadRequest},
		{"empty body", nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		code, body := env.do(http.MethodPost, "/v1/tenants/t1/register", "", tc.body)
		if code != tc.want {
			t.Fatalf("%s: expected %d, got %d %v", tc.name, tc.want, code, body)
		}
		if body["request_id"] == nil || body["request_id"] == "" {
			t.Fatalf("%s: error body missing request_id: %v", tc.name, body)
		}
	}
}

func TestLoginFailuresAreUniform(t *testing.T) {
	env := newTestEnv(t)
	env.register("t1", "a@x.com")
	attempts := []struct {
		tenant, identifier, password string
	}{
		{"t1", "a@x.com", "Wrong1234"},
		{"t1", "nobody@x.com", "Secret123"},
		{"t2", "a@x.com", "Secret123"},
		{"missing", "a@x.com", "Secret123"},
	}
	for _, a := range attempts {
		code, body := env.do(http.MethodPost, "/v1/tenants/"+a.tenant+"/login", "", map[string]any{
			"identifier": a.identifier, "password": a.password,
		})
		if code != http.StatusUnauthorized || body["error"] != "invalid_credentials" {
			t.Fatalf("%+v: expected 401 invalid_credentials, got %d %v", a, code, body)
		}
	}
}

func TestRefreshRotationAndReuse(t *testing.T) {
	env := newTestEnv(t)
	env.register("t1", "a@x.com")
	_, refresh, session := env.login("t1", "a@x.com")

	code, body := env.do(http.MethodPost, "/v1/auth/refresh", "", map[string]any{
		"refresh_token": refresh, "session_id": session,
	})
	if code != http.StatusOK {
		t.Fatalf("refresh: %d %v", code, body)
	}
	if body["refresh_token"] == refresh {
		t.Fatalf("refresh token was not rotated")
	}

	code, body = env.do(http.MethodPost, "/v1/auth/refresh", "", map[string]any{
		"refresh_token": refresh, "session_id": session,
	})
	if code != http.StatusUnauthorized || body["error"] != "token_reuse_detected" {
		t.Fatalf("expected reuse detection, got %d %v", code, body)
	}
	if env.svc.Sessions().IsActive(context.Background(), session) {
		t.Fatalf("session must be revoked after reuse")
	}
}

func TestRefreshRequiresFields(t *testing.T) {
	env := newTestEnv(t)
	code, body := env.do(http.MethodPost, "/v1/auth/refresh", "", map[string]any{"refresh_token": "x"})
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %v", code, body)
	}
}

func TestLogoutRevokesAccess(t *testing.T) {
	env := newTestEnv(t)
	env.register("t1", "a@x.com")
	access, _, _ := env.login("t1", "a@x.com")

	if code, body := env.do(http.MethodPost, "/v1/auth/logout", access, nil); code != http.StatusNoContent {
		t.Fatalf("logout: %d %v", code, body)
	}
	code, body := env.do(http.MethodGet, "/v1/auth/me", access, nil)
	if code != http.StatusUnauthorized || body["error"] != "session_invalid" {
		t.Fatalf("expected session_invalid after logout, got %d %v", code, body)
	}
}

func TestSessionsListAndRevokeOwnOnly(t *testing.T) {
	env := newTestEnv(t)
	env.register("t1", "a@x.com")
	env.register("t1", "b@x.com")
	accessA, _, _ := env.login("t1", "a@x.com")
	_, _, otherA := env.login("t1", "a@x.com")
	accessB, _, sessionB := env.login("t1", "b@x.com")

	code, body := env.do(http.MethodGet, "/v1/auth/sessions", accessA, nil)
	if code != http.StatusOK {
		t.Fatalf("list sessions: %d %v", code, body)
	}
	if items := body["items"].([]any); len(items) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(items))
	}

	if code, _ := env.do(http.MethodDelete, "/v1/auth/sessions/"+sessionB, accessA, nil); code != http.StatusNotFound {
		t.Fatalf("revoking another member's session must 404, got %d", code)
	}
	if code, _ := env.do(http.MethodGet, "/v1/auth/me", accessB, nil); code != http.StatusOK {
		t.Fatalf("other member's session must survive, got %d", code)
	}
	if code, _ := env.do(http.MethodDelete, "/v1/auth/sessions/"+otherA, accessA, nil); code != http.StatusNoContent {
		t.Fatalf("revoke own session: %d", code)
	}
	if env.svc.Sessions().IsActive(context.Background(), otherA) {
		t.Fatalf("revoked session still active")
	}
}

func TestLogoutAllCountsSessions(t *testing.T) {
	env := newTestEnv(t)
	env.register("t1", "a@x.com")
	access, _, _ := env.login("t1", "a@x.com")
	env.login("t1", "a@x.com")

	code, body := env.do(http.MethodPost, "/v1/auth/logout-all", access, nil)
	if code != http.StatusOK || body["revoked"].(float64) != 2 {
		t.Fatalf("expected 2 revoked sessions, got %d %v", code, body)
	}
}

func TestOTPLoginFlow(t *testing.T) {
	env := newTestEnv(t)
	env.register("t1", "a@x.com")

	code, body := env.do(http.MethodPost, "/v1/tenants/t1/otp/request", "", map[string]any{
		"subject": "a@x.com", "purpose": "login",
	})
	if code != http.StatusAccepted {
		t.Fatalf("otp request: %d %v", code, body)
	}
	sent := env.sender.last(t)
	if sent.purpose != auth.PurposeLogin {
		t.Fatalf("unexpected purpose %q", sent.purpose)
	}

	code, body = env.do(http.MethodPost, "/v1/tenants/t1/otp/login", "", map[string]any{
		"subject": "a@x.com", "code": "000000x",
	})
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad code, got %d %v", code, body)
	}

	code, body = env.do(http.MethodPost, "/v1/tenants/t1/otp/login", "", map[string]any{
		"subject": "a@x.com", "code": sent.code,
	})
	if code != http.StatusOK || body["access_token"] == nil {
		t.Fatalf("otp login: %d %v", code, body)
	}

	code, body = env.do(http.MethodPost, "/v1/tenants/t1/otp/login", "", map[string]any{
		"subject": "a@x.com", "code": sent.code,
	})
	if code != http.StatusUnauthorized {
		t.Fatalf("consumed code must not be accepted again, got %d %v", code, body)
	}
}

func TestOTPRequestUnknownSubjectIsSilent(t *testing.T) {
	env := newTestEnv(t)
	code, _ := env.do(http.MethodPost, "/v1/tenants/t1/otp/request", "", map[string]any{
		"subject": "ghost@x.com", "purpose": "login",
	})
	if code != http.StatusAccepted {
		t.Fatalf("expected 202 for unknown subject, got %d", code)
	}
	if len(env.sender.codes) != 0 {
		t.Fatalf("no code should be sent for unknown subject")
	}
}

func TestVerifyEmailAndResetPassword(t *testing.T) {
	env := newTestEnv(t)
	id := env.register("t1", "a@x.com")

	env.do(http.MethodPost, "/v1/tenants/t1/otp/request", "", map[string]any{"subject": "a@x.com", "purpose": "verify_email"})
	code, body := env.do(http.MethodPost, "/v1/tenants/t1/otp/verify", "", map[string]any{
		"subject": "a@x.com", "purpose": "verify_email", "code": env.sender.last(t).code,
	})
	if code != http.StatusOK {
		t.Fatalf("verify: %d %v", code, body)
	}
	m, err := env.svc.Membership(context.Background(), id)
	if err != nil || !m.EmailVerified {
		t.Fatalf("email not verified: %+v %v", m, err)
	}

	env.do(http.MethodPost, "/v1/tenants/t1/otp/request", "", map[string]any{"subject": "a@x.com", "purpose": "password_reset"})
	code, body = env.do(http.MethodPost, "/v1/tenants/t1/password/reset", "", map[string]any{
		"subject": "a@x.com", "code": env.sender.last(t).code, "new_password": "Changed456",
	})
	if code != http.StatusNoContent {
		t.Fatalf("reset: %d %v", code, body)
	}
	code, _ = env.do(http.MethodPost, "/v1/tenants/t1/login", "", map[string]any{"identifier": "a@x.com", "password": "Changed456"})
	if code != http.StatusOK {
		t.Fatalf("login with new password: %d", code)
	}
}

func TestMembershipActiveRequiresPermissionAndTenant(t *testing.T) {
	env := newTestEnv(t)
	_, adminToken := env.admin("t1", "admin@x.com")
	target := env.register("t1", "a@x.com")
	other := env.register("t2", "b@x.com")
	plainToken := func() string {
		access, _, _ := env.login("t1", "a@x.com")
		return access
	}()

	if code, _ := env.do(http.MethodPatch, "/v1/memberships/"+other+"/active", plainToken, map[string]any{"active": false}); code != http.StatusForbidden {
		t.Fatalf("member without permission must get 403, got %d", code)
	}
	if code, _ := env.do(http.MethodPatch, "/v1/memberships/"+other+"/active", adminToken, map[string]any{"active": false}); code != http.StatusNotFound {
		t.Fatalf("cross-tenant membership must look missing, got %d", code)
	}
	if code, _ := env.do(http.MethodPatch, "/v1/memberships/"+target+"/active", adminToken, map[string]any{}); code != http.StatusBadRequest {
		t.Fatalf("missing active flag must 400, got %d", code)
	}
	if code, body := env.do(http.MethodPatch, "/v1/memberships/"+target+"/active", adminToken, map[string]any{"active": false}); code != http.StatusNoContent {
		t.Fatalf("disable: %d %v", code, body)
	}
	if code, _ := env.do(http.MethodGet, "/v1/auth/me", plainToken, nil); code != http.StatusUnauthorized {
		t.Fatalf("disabled member's sessions must be revoked, got %d", code)
	}
	code, body := env.do(http.MethodPost, "/v1/tenants/t1/login", "", map[string]any{"identifier": "a@x.com", "password": "Secret123"})
	if code != http.StatusForbidden || body["error"] != "account_disabled" {
		t.Fatalf("expected account_disabled, got %d %v", code, body)
	}
}

func TestResponsesCarrySecurityHeaders(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.srv.Client().Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Cache-Control", requestIDHeader} {
		if resp.Header.Get(h) == "" {
			t.Fatalf("missing header %s", h)
		}
	}
}
