package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"diffuse-interceptor/internal/credential"
	"diffuse-interceptor/internal/worker"
)

// Installer repopulates the offline cache.
type Installer interface {
	Install(ctx context.Context) error
	Key() string
}

// AdminHandler serves the endpoints the host page uses to report
// connectivity and to trigger a reinstall.
type AdminHandler struct {
	worker    *worker.Context
	installer Installer
	logger    *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(w *worker.Context, inst Installer, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		worker:    w,
		installer: inst,
		logger:    logger.With("component", "admin_handler"),
	}
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

// GetConnectivity returns the current connectivity flag.
func (h *AdminHandler) GetConnectivity(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"online": h.worker.Online()})
}

// SetConnectivity updates the connectivity flag from {"online": bool}.
func (h *AdminHandler) SetConnectivity(c echo.Context) error {
	var body connectivityRequest
	if err := c.Bind(&body); err != nil || body.Online == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": `expected {"online": true|false}`,
		})
	}

	prev := h.worker.SetOnline(*body.Online)
	return c.JSON(http.StatusOK, map[string]bool{
		"online":   *body.Online,
		"previous": prev,
	})
}

// Install runs a full installation. It is detached from the request
// context so a disconnecting client cannot leave the cache half purged.
func (h *AdminHandler) Install(c echo.Context) error {
	ctx := context.WithoutCancel(c.Request().Context())
	if err := h.installer.Install(ctx); err != nil {
		msg := credential.Redact(err.Error())
		h.logger.Error("install failed", "err", msg)
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": msg,
		})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"status": "installed",
		"bucket": h.installer.Key(),
	})
}
