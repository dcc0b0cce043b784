// Package dnslink looks up DNSLink TXT records over DNS-over-HTTPS.
package dnslink

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gregjones/httpcache"

	"diffuse-interceptor/internal/config"
	"diffuse-interceptor/internal/model"
)

// Prefix is the subdomain DNSLink records live under.
const Prefix = "_dnslink."

// Resolver queries a DoH provider in its JSON dialect.
type Resolver struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewResolver creates a Resolver for cfg.DNS sending through rt. Answers are
// cached in memory according to their HTTP caching headers.
func NewResolver(cfg *config.Config, rt http.RoundTripper, logger *slog.Logger) *Resolver {
	return &Resolver{
		endpoint: cfg.DNS.DoHURL,
		client: &http.Client{
			Transport: &httpcache.Transport{
				Transport:           rt,
				Cache:               httpcache.NewMemoryCache(),
				MarkCachedResponses: true,
			},
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		logger: logger.With("component", "dnslink"),
	}
}

// Name returns the record name queried for domain.
func Name(domain string) string {
	if strings.HasPrefix(domain, Prefix) {
		return domain
	}
	return Prefix + domain
}

// Lookup queries the TXT records of the DNSLink name for domain and returns
// the provider's answer as is.
func (r *Resolver) Lookup(ctx context.Context, domain string) (*model.ProxyResponse, error) {
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse doh url: %w", err)
	}
	q := u.Query()
	q.Set("type", "TXT")
	q.Set("name", Name(domain))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build doh request: %w", err)
	}
	req.Header.Set("Accept", "application/dns-json")

	resp, err := r.client.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	if err != nil {
		return nil, fmt.Errorf("dnslink lookup %s: %w", Name(domain), err)
	}
	r.logger.Debug("dnslink lookup",
		"name", Name(domain),
		"status", resp.StatusCode,
		"cached", resp.Header.Get(httpcache.XFromCache) != "",
	)

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}
