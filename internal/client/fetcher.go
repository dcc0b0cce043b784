// Package client provides the outbound HTTP client used by every strategy.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"diffuse-interceptor/internal/config"
	"diffuse-interceptor/internal/metrics"
	"diffuse-interceptor/internal/model"
)

// Fetcher sends requests to the network on behalf of intercepted requests.
type Fetcher struct {
	httpClient   *http.Client
	followClient *http.Client
	transport    http.RoundTripper
	fetchTimeout time.Duration
	logger       *slog.Logger
}

// NewFetcher creates a Fetcher with connection pooling. upstream.timeout_seconds
// bounds connecting and waiting for response headers; response bodies are
// never cut off, except for Fetch, which bounds the whole download.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewFetcher(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Fetcher {
	timeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second
	transport := &http.Transport{
		Proxy:                 nil, // never loop back through a configured proxy
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: timeout,
		TLSHandshakeTimeout:   10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	rt := &instrumentedTransport{next: otelhttp.NewTransport(transport), metrics: m}
	return &Fetcher{
		httpClient: &http.Client{
			Transport: rt,
			// Redirects are returned to the client as-is.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		followClient: &http.Client{Transport: rt},
		transport:    rt,
		fetchTimeout: timeout,
		logger:       logger.With("component", "fetcher"),
	}
}

// Transport returns the pooled, instrumented round tripper shared by every
// outbound client.
func (c *Fetcher) Transport() http.RoundTripper {
	return c.transport
}

// Do executes an HTTP request and returns the raw response.
// The caller is responsible for closing the response body.
func (c *Fetcher) Do(req *http.Request) (*model.ProxyResponse, error) {
	return c.do(c.httpClient, req)
}

func (c *Fetcher) do(hc *http.Client, req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	resp, err := hc.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// instrumentedTransport records upstream latency and status codes.
type instrumentedTransport struct {
	next    http.RoundTripper
	metrics *metrics.Metrics
}

func (t *instrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	if t.metrics == nil {
		return resp, err
	}

	method := metrics.NormalizeMethod(req.Method)
	t.metrics.UpstreamDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err == nil {
		t.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}
	return resp, err
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned ReadCloser.
// The provided context controls the lifetime of the upstream request.
func (c *Fetcher) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if header != nil {
		req.Header = header
	}
	return c.Do(req)
}

// Fetch issues a GET that follows redirects, the way asset downloads expect.
// The whole download, body included, is bounded by upstream.timeout_seconds.
func (c *Fetcher) Fetch(ctx context.Context, url string, header http.Header) (*model.ProxyResponse, error) {
	var cancel context.CancelFunc
	if c.fetchTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if header != nil {
		req.Header = header
	}

	resp, err := c.do(c.followClient, req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose releases a request context once its body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
