package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"diffuse-interceptor/internal/credential"
	"diffuse-interceptor/internal/middleware"
	"diffuse-interceptor/internal/model"
	"diffuse-interceptor/internal/node"
)

// Dispatcher runs the interception strategy for one request.
type Dispatcher interface {
	Dispatch(req *model.InterceptedRequest) (*model.ProxyResponse, model.Classification, error)
}

// InterceptHandler hands every non-admin request to the dispatcher and
// streams its answer back.
type InterceptHandler struct {
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewInterceptHandler creates an InterceptHandler.
func NewInterceptHandler(d Dispatcher, logger *slog.Logger) *InterceptHandler {
	return &InterceptHandler{
		dispatcher: d,
		logger:     logger.With("component", "intercept_handler"),
	}
}

// Handle intercepts one request.
func (h *InterceptHandler) Handle(c echo.Context) error {
	req := c.Request()

	ir := &model.InterceptedRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		URL:           targetURL(req),
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, class, err := h.dispatcher.Dispatch(ir)
	c.Response().Header().Set(middleware.HeaderStrategy, class.Kind.String())
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Upstream values replace the defaults set by middleware.
	for key, vals := range resp.Header {
		c.Response().Header()[key] = append([]string(nil), vals...)
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent; a failed copy leaves the client with a
	// truncated body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", credential.Redact(err.Error()),
			"host", ir.URL.Host,
			"path", ir.URL.Path,
		)
	}

	return nil
}

// targetURL returns the absolute URL a request is for. Proxy-style requests
// already carry it; origin-form requests are completed from Host.
func targetURL(req *http.Request) *url.URL {
	u := *req.URL
	if u.IsAbs() {
		return &u
	}

	u.Scheme = "http"
	if req.TLS != nil {
		u.Scheme = "https"
	}
	if p := req.Header.Get(echo.HeaderXForwardedProto); p == "http" || p == "https" {
		u.Scheme = p
	}
	u.Host = req.Host
	return &u
}

func (h *InterceptHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("interception failed",
		"err", credential.Redact(err.Error()),
		"path", c.Request().URL.Path,
		"strategy", c.Response().Header().Get(middleware.HeaderStrategy),
	)

	if errors.Is(err, node.ErrCreate) {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "temporary node unavailable",
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var rpcErr *node.RPCError
	if errors.As(err, &rpcErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "node operation failed",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}
