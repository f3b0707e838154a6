package audit

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes sets up the security feed routes on the given Echo
// instance. The caller supplies the access middleware (session auth plus
// registrar role); the audit plugin cannot import the auth plugin because
// auth records events through this package.
func RegisterRoutes(e *echo.Echo, h *Handler, access ...echo.MiddlewareFunc) {
	g := e.Group("/admin/security-events", access...)

	g.GET("", h.Events)
	g.GET("/identity/:id", h.IdentityEvents)
}
