package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/bellwetherhq/campus/internal/apperror"
	"github.com/bellwetherhq/campus/internal/session"
)

// Handler handles authentication HTTP requests. It owns the cookie-facing
// side of login: session identifier regeneration on privilege change and
// session teardown on logout. Everything else is delegated to the service.
type Handler struct {
	service  AuthService
	sessions *session.Manager
}

// NewHandler creates a new auth handler.
func NewHandler(service AuthService, sessions *session.Manager) *Handler {
	return &Handler{service: service, sessions: sessions}
}

// Status handles GET /login. The login UI is rendered by the front-end;
// this endpoint tells it where the session stands and echoes back the
// redirect reason, if any.
func (h *Handler) Status(c echo.Context) error {
	sess := session.FromContext(c)
	if sess == nil {
		return apperror.NewInternal(nil)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"authenticated":     sess.IsAuthenticated(),
		"pending_twofactor": sess.Pending != nil,
		"reason":            c.QueryParam("reason"),
		"csrf_token":        sess.EnsureCSRFToken(),
	})
}

// Login handles POST /login. A fully successful login regenerates the
// session identifier so nothing observed before authentication survives
// it; a two-factor login defers that to the verify step.
func (h *Handler) Login(c echo.Context) error {
	sess := session.FromContext(c)
	if sess == nil {
		return apperror.NewInternal(nil)
	}

	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid login request")
	}

	result, err := h.service.Login(c.Request().Context(), sess, LoginInput{
		Username: req.Username,
		Password: req.Password,
	}, clientOf(c))
	if err != nil {
		return err
	}

	if result.Status == StatusLoggedIn {
		h.sessions.Renew(c, sess)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":     result.Status,
		"username":   result.Username,
		"role":       result.Role,
		"csrf_token": sess.EnsureCSRFToken(),
	})
}

// Verify handles POST /login/verify, the second step of a two-factor
// login.
func (h *Handler) Verify(c echo.Context) error {
	sess := session.FromContext(c)
	if sess == nil {
		return apperror.NewInternal(nil)
	}

	var req VerifyRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid verification request")
	}

	result, err := h.service.VerifyCode(c.Request().Context(), sess, req.Code, clientOf(c))
	if err != nil {
		return err
	}

	h.sessions.Renew(c, sess)

	return c.JSON(http.StatusOK, map[string]any{
		"status":     result.Status,
		"username":   result.Username,
		"role":       result.Role,
		"csrf_token": sess.EnsureCSRFToken(),
	})
}

// Logout handles POST /logout. Destroying the session discards its
// anti-forgery token with it; the replacement session issues a fresh one.
func (h *Handler) Logout(c echo.Context) error {
	sess := session.FromContext(c)
	if sess == nil {
		return apperror.NewInternal(nil)
	}

	h.service.Logout(c.Request().Context(), sess, clientOf(c))
	h.sessions.Destroy(c, sess)

	if isAPIRequest(c) {
		return c.JSON(http.StatusOK, map[string]string{"status": "logged_out"})
	}
	return c.Redirect(http.StatusSeeOther, "/login")
}

// SessionInfo handles GET /session for authenticated clients.
func (h *Handler) SessionInfo(c echo.Context) error {
	sess := session.FromContext(c)
	identity := GetIdentity(c)
	if sess == nil || sess.Auth == nil || identity == nil {
		return apperror.NewUnauthorized("authentication required")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"identity": identity,
		"login_at": sess.Auth.LoginAt,
	})
}

// CSRFToken handles GET /csrf so the front-end can embed the token in
// forms and request headers.
func (h *Handler) CSRFToken(c echo.Context) error {
	sess := session.FromContext(c)
	if sess == nil {
		return apperror.NewInternal(nil)
	}

	return c.JSON(http.StatusOK, map[string]string{
		"csrf_token": sess.EnsureCSRFToken(),
	})
}

// clientOf extracts the request signals recorded alongside security events.
func clientOf(c echo.Context) Client {
	return Client{
		IP:        c.RealIP(),
		UserAgent: c.Request().UserAgent(),
	}
}
