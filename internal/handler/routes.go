package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"diffuse-interceptor/internal/config"
	"diffuse-interceptor/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Everything
// outside the admin prefix is intercepted.
func RegisterRoutes(
	e *echo.Echo,
	cfg *config.Config,
	m *metrics.Metrics,
	intercept *InterceptHandler,
	health *HealthHandler,
	admin *AdminHandler,
) {
	g := e.Group(config.AdminPrefix)
	g.GET("/healthz", health.Healthz)
	g.GET("/status", health.Status)
	g.GET("/connectivity", admin.GetConnectivity)
	g.PUT("/connectivity", admin.SetConnectivity)
	g.POST("/install", admin.Install)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any("/*", intercept.Handle)
}
