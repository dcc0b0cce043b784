// Package middleware provides Echo middleware for logging, metrics, rate
// limiting and security headers.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// HeaderStrategy names the strategy the dispatcher chose for a request.
const HeaderStrategy = "X-Interceptor-Strategy"

// RequestLogger returns an Echo middleware that logs each request with slog.
// Query strings are never logged since they may carry credentials.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			host := req.URL.Host
			if host == "" {
				host = req.Host
			}

			logger.Info("request",
				"method", req.Method,
				"host", host,
				"path", req.URL.Path,
				"status", res.Status,
				"strategy", res.Header().Get(HeaderStrategy),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
