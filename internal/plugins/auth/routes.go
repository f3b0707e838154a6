package auth

import (
	"github.com/labstack/echo/v4"

	"github.com/bellwetherhq/campus/internal/session"
)

// RegisterRoutes sets up all auth-related routes on the given Echo
// instance. loginThrottle is the per-IP rate limit applied to the two
// credential-accepting endpoints, layered in front of the per-username
// attempt limiter inside the service.
func RegisterRoutes(e *echo.Echo, h *Handler, service AuthService, sessions *session.Manager, loginThrottle echo.MiddlewareFunc) {
	e.GET("/login", h.Status)
	e.POST("/login", h.Login, loginThrottle)
	e.POST("/login/verify", h.Verify, loginThrottle)
	e.POST("/logout", h.Logout)
	e.GET("/csrf", h.CSRFToken)

	authed := e.Group("", RequireAuth(service, sessions))
	authed.GET("/session", h.SessionInfo)
}
