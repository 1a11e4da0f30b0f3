package auth

import (
	"errors"
	"net/http"
	"strings"
)

// CookieName is the session cookie set by the account API
const CookieName = "auth_token"

// TokenFromRequest finds the credential on a handshake request. It looks at
// the token query parameter (browsers cannot set headers on a websocket
// upgrade), then the session cookie, then the Authorization header.
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return bearerToken(r.Header.Get("Authorization"))
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// StatusFor maps a verification error to the HTTP status returned before
// the upgrade: 403 for unverified accounts, 401 for everything else
func StatusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, ErrIdentityUnverified) {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

// Reason is a short label for logs and metrics
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingCredential):
		return "missing_credential"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrUnknownSubject):
		return "unknown_subject"
	case errors.Is(err, ErrIdentityUnverified):
		return "identity_unverified"
	default:
		return "lookup_failed"
	}
}
