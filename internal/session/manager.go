package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/bellwetherhq/campus/internal/plugins/audit"
)

// contextKey is where the Manager middleware stashes the request's Session
// in the Echo context.
const contextKey = "session_context"

// Config holds the session-security policy enforced by the Manager.
type Config struct {
	// CookieName is the session cookie (default: "campus_session").
	CookieName string

	// IdleTTL is how long a session survives without any request.
	IdleTTL time.Duration

	// MaxAge is the absolute lifetime of an authenticated session,
	// measured from login.
	MaxAge time.Duration

	// RotateEvery is the interval at which an authenticated session's
	// identifier is rotated while preserving its content. This bounds
	// the exposure window of any single identifier value.
	RotateEvery time.Duration
}

// Manager owns the session lifecycle: creation, validation, identifier
// rotation, and destruction. It is the only component that touches the
// session cookie or the Store.
type Manager struct {
	store  Store
	cfg    Config
	events audit.Recorder

	// now is swappable for simulated-time tests.
	now func() time.Time
}

// NewManager creates a session manager with the given store and policy.
func NewManager(store Store, cfg Config) *Manager {
	if cfg.CookieName == "" {
		cfg.CookieName = "campus_session"
	}
	return &Manager{
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
}

// SetRecorder attaches the security event log. Optional; without it the
// manager only logs via slog.
func (m *Manager) SetRecorder(events audit.Recorder) {
	m.events = events
}

// record emits a security event for the session's bound identity, if a
// recorder is attached.
func (m *Manager) record(c echo.Context, action string, auth *AuthenticatedUser) {
	if m.events == nil || auth == nil {
		return
	}
	m.events.Record(c.Request().Context(), &audit.Event{
		Action:     action,
		IdentityID: &auth.IdentityID,
		Username:   auth.Username,
		ClientIP:   c.RealIP(),
		UserAgent:  c.Request().UserAgent(),
	})
}

// Middleware loads or creates the request's session, runs the integrity
// checks for authenticated sessions, and persists the session after the
// handler returns. Requests that fail an integrity check are redirected to
// the login page with a generic reason code; the session is destroyed first.
func (m *Manager) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sess, reason := m.open(c)
			if reason != "" {
				return RedirectToLogin(c, reason)
			}

			c.Set(contextKey, sess)

			err := next(c)

			// Persist unless the handler destroyed the session. Saving on
			// every request pushes the idle expiry forward.
			if !sess.destroyed {
				if saveErr := m.store.Save(c.Request().Context(), sess.id, &sess.Data, m.cfg.IdleTTL); saveErr != nil {
					slog.Error("failed to persist session",
						slog.String("session_id", sess.id),
						slog.Any("error", saveErr),
					)
				}
			}

			return err
		}
	}
}

// open resolves the request's session. It returns a non-empty reason code
// when the session failed validation and the request must be turned away.
func (m *Manager) open(c echo.Context) (*Session, string) {
	id := m.cookieValue(c)
	if id == "" {
		return m.create(c), ""
	}

	data, err := m.store.Load(c.Request().Context(), id)
	if err != nil {
		// Unknown identifier: either an expired session or a client-supplied
		// value we never issued. Both get a fresh server-generated
		// identifier, which is what defeats pre-set fixation.
		if err != ErrNotFound {
			slog.Error("failed to load session", slog.Any("error", err))
		}
		return m.create(c), ""
	}

	sess := &Session{Data: *data, id: id}
	now := m.now()

	if sess.Auth != nil {
		// Hijack signal: the user-agent bound at login must match exactly.
		// Client address is recorded but deliberately not enforced; mobile
		// and proxied clients rotate addresses mid-session.
		if c.Request().UserAgent() != sess.UserAgent {
			slog.Warn("session user-agent mismatch, destroying session",
				slog.String("username", sess.Auth.Username),
				slog.String("remote_ip", c.RealIP()),
			)
			m.record(c, audit.ActionSessionHijacked, sess.Auth)
			m.Destroy(c, sess)
			return nil, ReasonSessionInvalid
		}

		// Absolute timeout, measured from login.
		if now.Sub(sess.Auth.LoginAt) > m.cfg.MaxAge {
			m.record(c, audit.ActionSessionExpired, sess.Auth)
			m.Destroy(c, sess)
			return nil, ReasonSessionExpired
		}

		// Periodic identifier rotation, content preserved.
		if now.Sub(sess.RotatedAt) > m.cfg.RotateEvery {
			if err := m.rotate(c, sess); err != nil {
				slog.Error("failed to rotate session identifier", slog.Any("error", err))
			}
		}
	}

	return sess, ""
}

// create starts a fresh session bound to the requesting client. The
// identifier is generated server-side; any cookie value the client arrived
// with is ignored.
func (m *Manager) create(c echo.Context) *Session {
	now := m.now()
	sess := &Session{
		Data: Data{
			CreatedAt:  now,
			RotatedAt:  now,
			UserAgent:  c.Request().UserAgent(),
			RemoteAddr: c.RealIP(),
		},
		id: newToken(),
	}
	m.setCookie(c, sess.id)
	return sess
}

// Renew regenerates the session identifier and re-binds the client
// signals. Called on privilege changes (login completion) so an identifier
// observed before authentication is worthless afterwards. The session's
// content is preserved.
func (m *Manager) Renew(c echo.Context, sess *Session) {
	old := sess.id
	sess.id = newToken()
	sess.RotatedAt = m.now()
	sess.UserAgent = c.Request().UserAgent()
	sess.RemoteAddr = c.RealIP()

	if err := m.store.Delete(c.Request().Context(), old); err != nil {
		slog.Warn("failed to delete superseded session", slog.Any("error", err))
	}
	m.setCookie(c, sess.id)
}

// rotate replaces the identifier without touching content or bindings.
func (m *Manager) rotate(c echo.Context, sess *Session) error {
	old := sess.id
	sess.id = newToken()
	sess.RotatedAt = m.now()

	if err := m.store.Delete(c.Request().Context(), old); err != nil {
		return fmt.Errorf("deleting rotated session: %w", err)
	}
	m.setCookie(c, sess.id)
	return nil
}

// Destroy removes all session state, expires the cookie, and marks the
// session so the middleware does not re-persist it.
func (m *Manager) Destroy(c echo.Context, sess *Session) {
	if err := m.store.Delete(c.Request().Context(), sess.id); err != nil {
		slog.Warn("failed to delete session", slog.Any("error", err))
	}
	sess.Data = Data{}
	sess.destroyed = true
	m.clearCookie(c)
}

// DeleteByID removes a session directly from the store. Used by tests and
// administrative eviction.
func (m *Manager) DeleteByID(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

// FromContext retrieves the request's session. Returns nil if the Manager
// middleware is not installed on the route.
func FromContext(c echo.Context) *Session {
	sess, ok := c.Get(contextKey).(*Session)
	if !ok {
		return nil
	}
	return sess
}

// RedirectToLogin sends the client to the login page with a machine-readable
// reason code. The code never reveals which specific check failed.
func RedirectToLogin(c echo.Context, reason string) error {
	return c.Redirect(http.StatusSeeOther, "/login?reason="+reason)
}

// --- Cookie handling ---

// setCookie issues the session cookie: HTTP-only, strict same-site, no
// explicit expiry (browser-session lifetime), Secure when behind TLS.
func (m *Manager) setCookie(c echo.Context, id string) {
	req := c.Request()
	c.SetCookie(&http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   req.TLS != nil || req.Header.Get("X-Forwarded-Proto") == "https",
		SameSite: http.SameSiteStrictMode,
	})
}

// clearCookie removes the session cookie by setting MaxAge to -1.
func (m *Manager) clearCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

// cookieValue reads the session identifier from the request cookie.
func (m *Manager) cookieValue(c echo.Context) string {
	cookie, err := c.Cookie(m.cfg.CookieName)
	if err != nil || cookie.Value == "" {
		return ""
	}
	return cookie.Value
}
