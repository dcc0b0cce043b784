package middleware

import (
	"github.com/labstack/echo/v4"

	"diffuse-interceptor/internal/model"
)

// SecurityHeaders returns an Echo middleware that adds security headers
// and strips hop-by-hop headers from intercepted requests.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range model.HopByHopHeaders {
				c.Request().Header.Del(h)
			}

			// Set before next so they are written with the status line.
			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")

			return next(c)
		}
	}
}
