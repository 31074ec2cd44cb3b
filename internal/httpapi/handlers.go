package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"qazna.org/identity/internal/audit"
	"qazna.org/identity/internal/auth"
	"qazna.org/identity/internal/obs"
)

const serviceName = "identity-api"

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks dependencies before the service accepts traffic.
type ReadyProbe struct {
	DB Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.Ping(ctx)
}

// API is the HTTP adapter over auth.Service.
type API struct {
	mux        *http.ServeMux
	svc        *auth.Service
	readyProbe ReadyProbe
	version    string

	limiter    auth.Throttle
	retryAfter time.Duration
	maxBody    int64
	origins    []string
	proxies    []string
	trusted    []netip.Prefix
}

// Option configures API.
type Option func(*API)

// WithRateLimit throttles every request per client IP.
func WithRateLimit(t auth.Throttle, retryAfter time.Duration) Option {
	return func(a *API) {
		a.limiter = t
		a.retryAfter = retryAfter
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// WithAllowedOrigins adds CORS origins beyond localhost.
func WithAllowedOrigins(origins []string) Option {
	return func(a *API) { a.origins = append(a.origins, origins...) }
}

// WithTrustedProxies lists the peers whose X-Forwarded-For header is believed.
// Without it the client address is always the connection peer.
func WithTrustedProxies(proxies []string) Option {
	return func(a *API) { a.proxies = append(a.proxies, proxies...) }
}

func New(svc *auth.Service, rp ReadyProbe, version string, opts ...Option) (*API, error) {
	if svc == nil {
		return nil, errors.New("httpapi: auth service is required")
	}
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		readyProbe: rp,
		version:    version,
		maxBody:    1 << 20,
		retryAfter: time.Minute,
	}
	for _, opt := range opts {
		opt(a)
	}
	trusted, err := ParseTrustedProxies(a.proxies)
	if err != nil {
		return nil, fmt.Errorf("httpapi: %w", err)
	}
	a.trusted = trusted
	a.routes()
	return a, nil
}

func (a *API) routes() {
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/tenants/{tenant}/register", a.handleRegister)
	a.mux.HandleFunc("POST /v1/tenants/{tenant}/login", a.handleLogin)
	a.mux.HandleFunc("POST /v1/tenants/{tenant}/otp/request", a.handleOTPRequest)
	a.mux.HandleFunc("POST /v1/tenants/{tenant}/otp/verify", a.handleOTPVerify)
	a.mux.HandleFunc("POST /v1/tenants/{tenant}/otp/login", a.handleOTPLogin)
	a.mux.HandleFunc("POST /v1/tenants/{tenant}/password/reset", a.handlePasswordReset)

	a.mux.HandleFunc("POST /v1/auth/refresh", a.handleRefresh)
	a.mux.Handle("POST /v1/auth/logout", a.authed(a.handleLogout))
	a.mux.Handle("POST /v1/auth/logout-all", a.authed(a.handleLogoutAll))
	a.mux.Handle("GET /v1/auth/me", a.authed(a.handleMe))
	a.mux.Handle("GET /v1/auth/sessions", a.authed(a.handleListSessions))
	a.mux.Handle("DELETE /v1/auth/sessions/{session}", a.authed(a.handleRevokeSession))

	a.mux.Handle("PATCH /v1/memberships/{membership}/active", a.authed(a.handleMembershipActive))

	a.mux.Handle("GET /v1/rbac/tenants/{tenant}/roles", a.authed(a.handleListRoles))
	a.mux.Handle("POST /v1/rbac/tenants/{tenant}/roles", a.authed(a.handleCreateRole))
	a.mux.Handle("PATCH /v1/rbac/roles/{role}/active", a.authed(a.handleRoleActive))
	a.mux.Handle("POST /v1/rbac/roles/{role}/permissions", a.authed(a.handleAssignPermission))
	a.mux.Handle("DELETE /v1/rbac/roles/{role}/permissions/{key}", a.authed(a.handleRevokePermission))
	a.mux.Handle("GET /v1/rbac/permissions", a.authed(a.handleListPermissions))
	a.mux.Handle("POST /v1/rbac/permissions", a.authed(a.handleCreatePermission))
	a.mux.Handle("PATCH /v1/rbac/permissions/{key}/active", a.authed(a.handlePermissionActive))
	a.mux.Handle("GET /v1/rbac/memberships/{membership}/roles", a.authed(a.handleMembershipGrants))
	a.mux.Handle("POST /v1/rbac/memberships/{membership}/roles", a.authed(a.handleAssignRole))
	a.mux.Handle("DELETE /v1/rbac/memberships/{membership}/roles/{role}", a.authed(a.handleRevokeRole))
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.maxBody)
	if a.limiter != nil {
		h = RateLimit(h, a.limiter, a.retryAfter)
	}
	h = ClientIP(h, a.trusted)
	h = CORS(h, a.origins)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	h = obs.Instrument(h)
	return otelhttp.NewHandler(h, serviceName)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.FromContext(r.Context()).Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, errCode, msg string) {
	payload := map[string]any{
		"error":   errCode,
		"message": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeAuthError maps engine errors to HTTP. Internal failures are logged and
// returned without detail.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	code := auth.ErrorCode(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		obs.FromContext(r.Context()).Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, r, status, code, "internal error")
		return
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	writeError(w, r, status, code, err.Error())
}

func statusFor(code string) int {
	switch code {
	case "invalid_input", "weak_password":
		return http.StatusBadRequest
	case "rate_limited":
		return http.StatusTooManyRequests
	case "unauthenticated", "invalid_credentials", "invalid_token", "token_expired", "token_revoked",
		"token_reuse_detected", "session_mismatch", "session_invalid",
		"otp_not_found", "otp_expired", "otp_mismatch":
		return http.StatusUnauthorized
	case "account_disabled", "permission_denied", "otp_locked":
		return http.StatusForbidden
	case "duplicate_membership":
		return http.StatusConflict
	case "not_found":
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func badRequest(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, "invalid_input", "request body too large")
		return
	}
	writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
}
