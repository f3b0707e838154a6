package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/bellwetherhq/campus/internal/session"
)

// csrfHeaderName is the header AJAX submissions carry the token in.
const csrfHeaderName = "X-CSRF-Token"

// csrfFormField is the hidden form field name for form submissions.
const csrfFormField = "csrf_token"

// CSRF returns middleware that enforces per-session anti-forgery tokens on
// all state-changing requests (POST, PUT, PATCH, DELETE). The token lives
// in the server-side session, is issued lazily on first access, and is
// embedded by the UI as a hidden field on every state-changing form.
//
// The token is stable across the session's lifetime between privilege
// transitions: it rotates only on login and logout, so forms open in other
// tabs are not invalidated by unrelated requests. Comparison is constant
// time; a missing session token or missing submitted token is invalid,
// never "skip the check".
//
// Must be installed after the session Manager middleware.
func CSRF() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sess := session.FromContext(c)
			if sess == nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "session middleware not installed")
			}

			// Issue the token so safe requests can embed it in forms.
			stored := sess.EnsureCSRFToken()

			if isSafeMethod(c.Request().Method) {
				return next(c)
			}

			submitted := c.Request().Header.Get(csrfHeaderName)
			if submitted == "" {
				submitted = c.FormValue(csrfFormField)
			}

			// Constant-time comparison so an attacker cannot deduce the
			// token byte-by-byte from response timing.
			if submitted == "" || subtle.ConstantTimeCompare([]byte(submitted), []byte(stored)) != 1 {
				return echo.NewHTTPError(http.StatusForbidden, "invalid or missing CSRF token")
			}

			return next(c)
		}
	}
}

// ValidateCSRF checks a supplied token against the session's stored token.
// Exposed for handlers that validate outside the middleware path.
func ValidateCSRF(sess *session.Session, supplied string) bool {
	if sess == nil || sess.CSRFToken == "" || supplied == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(sess.CSRFToken)) == 1
}

// isSafeMethod returns true for HTTP methods that should not change state.
func isSafeMethod(method string) bool {
	return method == http.MethodGet ||
		method == http.MethodHead ||
		method == http.MethodOptions
}
