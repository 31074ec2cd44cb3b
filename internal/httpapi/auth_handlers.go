package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"qazna.org/identity/internal/auth"
)

type registerRequest struct {
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type loginRequest struct {
	Identifier        string `json:"identifier"`
	Password          string `json:"password"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

type otpRequest struct {
	Subject string `json:"subject"`
	Purpose string `json:"purpose"`
}

type otpVerifyRequest struct {
	Subject string `json:"subject"`
	Purpose string `json:"purpose"`
	Code    string `json:"code"`
}

type otpLoginRequest struct {
	Subject           string `json:"subject"`
	Code              string `json:"code"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

type passwordResetRequest struct {
	Subject     string `json:"subject"`
	Code        string `json:"code"`
	NewPassword string `json:"new_password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	SessionID    string `json:"session_id"`
}

type activeRequest struct {
	Active *bool `json:"active"`
}

type meResponse struct {
	Membership  auth.Membership `json:"membership"`
	SessionID   string          `json:"session_id"`
	Roles       []string        `json:"roles"`
	Permissions []string        `json:"permissions"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	m, err := a.svc.Register(r.Context(), auth.RegisterRequest{
		TenantID:    r.PathValue("tenant"),
		Email:       req.Email,
		Phone:       req.Phone,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/memberships/"+m.ID)
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	pair, err := a.svc.Login(r.Context(), auth.LoginRequest{
		TenantID:   r.PathValue("tenant"),
		Identifier: req.Identifier,
		Password:   req.Password,
		Device:     deviceInfo(r, req.DeviceFingerprint),
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// handleOTPRequest answers 202 whether or not the subject exists.
func (a *API) handleOTPRequest(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if err := a.svc.RequestOTP(r.Context(), r.PathValue("tenant"), req.Subject, auth.OTPPurpose(req.Purpose)); err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent"})
}

func (a *API) handleOTPVerify(w http.ResponseWriter, r *http.Request) {
	var req otpVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if err := a.svc.VerifyOTP(r.Context(), r.PathValue("tenant"), req.Subject, auth.OTPPurpose(req.Purpose), req.Code); err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "verified"})
}

func (a *API) handleOTPLogin(w http.ResponseWriter, r *http.Request) {
	var req otpLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	pair, err := a.svc.LoginWithOTP(r.Context(), r.PathValue("tenant"), req.Subject, req.Code, deviceInfo(r, req.DeviceFingerprint))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if err := a.svc.ResetPassword(r.Context(), r.PathValue("tenant"), req.Subject, req.Code, req.NewPassword); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" || strings.TrimSpace(req.SessionID) == "" {
		badRequest(w, r, errors.New("refresh_token and session_id are required"))
		return
	}
	pair, err := a.svc.Refresh(r.Context(), req.RefreshToken, req.SessionID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Logout(r.Context(), principal(r).SessionID); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	n, err := a.svc.LogoutAll(r.Context(), principal(r).MembershipID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	m, err := a.svc.Membership(r.Context(), p.MembershipID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	roles, perms, err := a.svc.RBAC().Resolve(r.Context(), p.MembershipID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{Membership: m, SessionID: p.SessionID, Roles: roles, Permissions: perms})
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.svc.Sessions().ListSessions(r.Context(), principal(r).MembershipID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []auth.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": sessions})
}

// handleRevokeSession revokes one of the caller's own sessions.
func (a *API) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	sess, err := a.svc.Sessions().Get(r.Context(), r.PathValue("session"))
	if err != nil || sess.MembershipID != p.MembershipID {
		writeError(w, r, http.StatusNotFound, "not_found", "session not found")
		return
	}
	if err := a.svc.Logout(r.Context(), sess.ID); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMembershipActive(w http.ResponseWriter, r *http.Request) {
	m, ok := a.targetMembership(w, r, auth.PermMembershipsManage)
	if !ok {
		return
	}
	var req activeRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if req.Active == nil {
		badRequest(w, r, errors.New("active is required"))
		return
	}
	if err := a.svc.SetMembershipActive(r.Context(), m.ID, *req.Active); err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func deviceInfo(r *http.Request, fingerprint string) auth.DeviceInfo {
	if fingerprint == "" {
		fingerprint = r.Header.Get("X-Device-Fingerprint")
	}
	return auth.DeviceInfo{
		Fingerprint: fingerprint,
		IP:          clientIP(r),
		UserAgent:   r.UserAgent(),
	}
}
