package audit

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// Handler handles HTTP requests for the registrar's security feed.
type Handler struct {
	service AuditService
}

// NewHandler creates a new audit handler.
func NewHandler(service AuditService) *Handler {
	return &Handler{service: service}
}

// Events handles GET /admin/security-events. Supports ?page= and
// ?action= query parameters.
func (h *Handler) Events(c echo.Context) error {
	page := 1
	if p := c.QueryParam("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil {
			page = v
		}
	}
	action := c.QueryParam("action")

	events, total, err := h.service.RecentEvents(c.Request().Context(), action, page)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"events":   events,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}

// IdentityEvents handles GET /admin/security-events/identity/:id.
func (h *Handler) IdentityEvents(c echo.Context) error {
	events, err := h.service.IdentityHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"events": events,
	})
}
