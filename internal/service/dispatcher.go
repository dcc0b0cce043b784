package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"diffuse-interceptor/internal/cache"
	"diffuse-interceptor/internal/config"
	"diffuse-interceptor/internal/credential"
	"diffuse-interceptor/internal/metrics"
	"diffuse-interceptor/internal/model"
	"diffuse-interceptor/internal/node"
	"diffuse-interceptor/internal/worker"
)

// Fetcher sends requests to the network.
type Fetcher interface {
	Do(req *http.Request) (*model.ProxyResponse, error)
}

// Matcher looks requests up in the offline cache.
type Matcher interface {
	Match(req *http.Request) (*cache.Entry, error)
}

// Translator answers gateway requests with a node.
type Translator interface {
	Translate(ctx context.Context, u *url.URL, n node.Node) (*model.ProxyResponse, error)
}

// Dispatcher runs exactly one strategy per intercepted request.
type Dispatcher struct {
	cache      Matcher
	fetcher    Fetcher
	worker     *worker.Context
	translator Translator
	origin     string
	gateway    string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewDispatcher creates a Dispatcher. The metrics parameter is optional.
func NewDispatcher(
	cfg *config.Config,
	store Matcher,
	f Fetcher,
	w *worker.Context,
	tr Translator,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Dispatcher {
	return &Dispatcher{
		cache:      store,
		fetcher:    f,
		worker:     w,
		translator: tr,
		origin:     cfg.App.Origin,
		gateway:    cfg.Gateway.Origin,
		logger:     logger.With("component", "dispatcher"),
		metrics:    m,
	}
}

// Dispatch classifies req and runs its strategy. The caller closes the
// response body.
func (d *Dispatcher) Dispatch(req *model.InterceptedRequest) (*model.ProxyResponse, model.Classification, error) {
	c := Classify(req.URL, d.origin, d.gateway, d.worker.Online())

	if d.metrics != nil {
		d.metrics.Interceptions.WithLabelValues(c.Kind.String()).Inc()
	}
	d.logger.Debug("intercepted",
		"method", req.Method,
		"url", credential.Redact(req.URL.String()),
		"classification", c.Kind.String(),
	)

	var (
		resp *model.ProxyResponse
		err  error
	)
	switch c.Kind {
	case model.OfflineCacheServe:
		resp, err = d.serveCache(req)
	case model.GatewayCandidate:
		resp, err = d.serveGateway(req)
	case model.BasicAuthInURL, model.BearerAuthInURL:
		resp, err = d.serveCredential(req, c)
	default:
		resp, err = d.passthrough(req)
	}
	if err != nil {
		return nil, c, err
	}

	for _, h := range model.HopByHopHeaders {
		resp.Header.Del(h)
	}
	return resp, c, nil
}

// serveCache answers from the cache and falls back to the network on a miss.
// A cache read error is treated as a miss.
func (d *Dispatcher) serveCache(req *model.InterceptedRequest) (*model.ProxyResponse, error) {
	lookup, err := http.NewRequestWithContext(req.Ctx, req.Method, req.URL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build cache lookup: %w", err)
	}

	ent, err := d.cache.Match(lookup)
	switch {
	case err == nil:
		d.countLookup("hit")
		return ent.Response(), nil
	case errors.Is(err, cache.ErrNotFound):
		d.countLookup("miss")
	default:
		d.countLookup("error")
		d.logger.Warn("cache lookup failed", "url", credential.Redact(req.URL.String()), "err", err)
	}
	return d.passthrough(req)
}

func (d *Dispatcher) countLookup(result string) {
	if d.metrics != nil {
		d.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}

// serveGateway forwards to the live gateway when the probe found it,
// otherwise answers through the temporary node.
func (d *Dispatcher) serveGateway(req *model.InterceptedRequest) (*model.ProxyResponse, error) {
	if d.worker.Liveness.Reachable(req.Ctx) {
		return d.passthrough(req)
	}

	n, err := d.worker.Nodes.Ensure(req.Ctx)
	if err != nil {
		return nil, err
	}
	return d.translator.Translate(req.Ctx, req.URL, n)
}

func (d *Dispatcher) serveCredential(req *model.InterceptedRequest, c model.Classification) (*model.ProxyResponse, error) {
	out, err := credential.Rewrite(req.Ctx, req, c)
	if err != nil {
		return nil, err
	}
	return d.fetcher.Do(out)
}

// passthrough sends the request on unchanged.
func (d *Dispatcher) passthrough(req *model.InterceptedRequest) (*model.ProxyResponse, error) {
	out, err := http.NewRequestWithContext(req.Ctx, req.Method, req.URL.String(), req.Body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if req.Header != nil {
		out.Header = req.Header.Clone()
	}
	if req.ContentLength > 0 {
		out.ContentLength = req.ContentLength
	}
	return d.fetcher.Do(out)
}
