package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/bellwetherhq/campus/internal/apperror"
	"github.com/bellwetherhq/campus/internal/session"
)

// Context keys for storing the revalidated identity in the Echo context.
// Other plugins use these keys via the exported getters below.
const (
	contextKeyIdentity   = "auth_identity"
	contextKeyIdentityID = "auth_identity_id"
)

// RequireAuth returns middleware that admits only fully authenticated
// sessions. The identity is reloaded from the database on every request so
// that deactivation and role changes take effect immediately, not at the
// next login. Sessions that fail a check are destroyed before the client
// is turned away.
func RequireAuth(service AuthService, sessions *session.Manager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sess := session.FromContext(c)
			if sess == nil || !sess.IsAuthenticated() {
				return handleUnauthenticated(c, session.ReasonNotLoggedIn)
			}

			identity, err := service.FindIdentity(c.Request().Context(), sess.Auth.IdentityID)
			if apperror.IsNotFound(err) {
				// The account is gone. The session is worthless.
				sessions.Destroy(c, sess)
				return handleUnauthenticated(c, session.ReasonSessionInvalid)
			}
			if err != nil {
				return err
			}

			if !identity.Active {
				sessions.Destroy(c, sess)
				return handleUnauthenticated(c, session.ReasonAccountInactive)
			}

			// A role change invalidates everything the session was granted
			// under the old role. Force a fresh login.
			if identity.Role != sess.Auth.Role {
				sessions.Destroy(c, sess)
				return handleUnauthenticated(c, session.ReasonRoleChanged)
			}

			c.Set(contextKeyIdentity, identity)
			c.Set(contextKeyIdentityID, identity.ID)

			return next(c)
		}
	}
}

// RequireRole returns middleware that restricts a route to the given
// roles. Must run after RequireAuth.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			identity := GetIdentity(c)
			if identity == nil {
				return handleUnauthenticated(c, session.ReasonNotLoggedIn)
			}
			if !allowed[identity.Role] {
				return apperror.NewForbidden("you do not have access to this page")
			}
			return next(c)
		}
	}
}

// handleUnauthenticated returns the appropriate response for a rejected
// request: a reason-coded redirect for browsers, 401 JSON for API clients.
func handleUnauthenticated(c echo.Context, reason string) error {
	if isAPIRequest(c) {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":  "unauthorized",
			"reason": reason,
		})
	}
	return session.RedirectToLogin(c, reason)
}

// --- Exported getters for other plugins ---

// GetIdentity retrieves the revalidated identity from the Echo context.
// Returns nil if RequireAuth is not applied to the route.
func GetIdentity(c echo.Context) *Identity {
	identity, ok := c.Get(contextKeyIdentity).(*Identity)
	if !ok {
		return nil
	}
	return identity
}

// GetIdentityID retrieves the authenticated identity's ID from the Echo
// context. Returns empty string if the request is not authenticated.
func GetIdentityID(c echo.Context) string {
	id, ok := c.Get(contextKeyIdentityID).(string)
	if !ok {
		return ""
	}
	return id
}

// isAPIRequest reports whether the request targets the /api/ path, which
// gets JSON errors instead of login redirects.
func isAPIRequest(c echo.Context) bool {
	path := c.Request().URL.Path
	return len(path) >= 4 && path[:4] == "/api"
}
