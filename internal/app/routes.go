package app

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/bellwetherhq/campus/internal/middleware"
	"github.com/bellwetherhq/campus/internal/plugins/audit"
	"github.com/bellwetherhq/campus/internal/plugins/auth"
	"github.com/bellwetherhq/campus/internal/plugins/mailer"
)

// loginThrottle caps credential-accepting requests per client IP. This is
// the coarse outer layer; the per-username attempt limiter inside the auth
// service does the precise work.
const (
	loginThrottleRequests = 30
	loginThrottleWindow   = time.Minute
)

// RegisterRoutes builds every plugin's dependency chain and registers all
// application routes. This is the single place where plugins are wired
// together.
func (a *App) RegisterRoutes() {
	e := a.Echo

	// --- Shared services ---

	auditSvc := audit.NewAuditService(audit.NewEventRepository(a.DB))
	a.Sessions.SetRecorder(auditSvc)

	mailSvc := mailer.NewMailerService(a.Config.Mail)

	authSvc := auth.NewAuthService(
		auth.NewIdentityRepository(a.DB),
		mailSvc,
		auditSvc,
		auth.Options{
			MaxLoginAttempts: a.Config.Auth.MaxLoginAttempts,
			LockoutWindow:    a.Config.Auth.LockoutWindow,
			CodeTTL:          a.Config.Auth.CodeTTL,
			MaxCodeAttempts:  a.Config.Auth.MaxCodeAttempts,
		},
	)

	// --- Public routes ---

	// Health check endpoint for container orchestration.
	e.GET("/healthz", a.healthz)

	// --- Plugin routes ---

	throttle := middleware.RateLimit(loginThrottleRequests, loginThrottleWindow)
	auth.RegisterRoutes(e, auth.NewHandler(authSvc, a.Sessions), authSvc, a.Sessions, throttle)

	// Security event feed, registrar only.
	audit.RegisterRoutes(e, audit.NewHandler(auditSvc),
		auth.RequireAuth(authSvc, a.Sessions),
		auth.RequireRole(auth.RoleRegistrar),
	)
}

// healthz reports liveness and dependency readiness. A degraded dependency
// returns 503 so the orchestrator can route around this instance.
func (a *App) healthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{"database": "ok", "redis": "ok"}

	if err := a.DB.PingContext(ctx); err != nil {
		checks["database"] = "unreachable"
		status = http.StatusServiceUnavailable
	}
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		checks["redis"] = "unreachable"
		status = http.StatusServiceUnavailable
	}

	return c.JSON(status, map[string]any{
		"status": http.StatusText(status),
		"checks": checks,
	})
}
