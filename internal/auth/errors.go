package auth

import "errors"

var (
	ErrNotFound        = errors.New("auth: not found")
	ErrInvalidInput    = errors.New("auth: invalid input")
	ErrWeakPassword    = errors.New("auth: password does not meet policy")
	ErrRateLimited     = errors.New("auth: too many attempts")
	ErrUnauthenticated = errors.New("auth: unauthenticated")

	ErrInvalidCredentials  = errors.New("auth: invalid credentials")
	ErrAccountDisabled     = errors.New("auth: account disabled")
	ErrDuplicateMembership = errors.New("auth: membership already exists")

	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrTokenRevoked       = errors.New("auth: token revoked")
	ErrTokenReuseDetected = errors.New("auth: refresh token reuse detected")
	ErrSessionMismatch    = errors.New("auth: session mismatch")
	ErrSessionInvalid     = errors.New("auth: session invalid")

	ErrOTPNotFound = errors.New("auth: otp not found")
	ErrOTPExpired  = errors.New("auth: otp expired")
	ErrOTPLocked   = errors.New("auth: otp locked")
	ErrOTPMismatch = errors.New("auth: otp mismatch")

	ErrPermissionDenied = errors.New("auth: permission denied")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidInput, "invalid_input"},
	{ErrWeakPassword, "weak_password"},
	{ErrRateLimited, "rate_limited"},
	{ErrUnauthenticated, "unauthenticated"},
	{ErrInvalidCredentials, "invalid_credentials"},
	{ErrAccountDisabled, "account_disabled"},
	{ErrDuplicateMembership, "duplicate_membership"},
	{ErrTokenReuseDetected, "token_reuse_detected"},
	{ErrTokenExpired, "token_expired"},
	{ErrTokenRevoked, "token_revoked"},
	{ErrInvalidToken, "invalid_token"},
	{ErrSessionMismatch, "session_mismatch"},
	{ErrSessionInvalid, "session_invalid"},
	{ErrOTPNotFound, "otp_not_found"},
	{ErrOTPExpired, "otp_expired"},
	{ErrOTPLocked, "otp_locked"},
	{ErrOTPMismatch, "otp_mismatch"},
	{ErrPermissionDenied, "permission_denied"},
	{ErrNotFound, "not_found"},
}

// ErrorCode maps err to a stable machine-readable code. Unknown errors map to
// "internal".
func ErrorCode(err error) string {
	if err == nil {
		return "ok"
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "internal"
}
