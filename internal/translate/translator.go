// Package translate answers gateway API requests with node operations when
// the local gateway is unreachable.
package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"diffuse-interceptor/internal/model"
	"diffuse-interceptor/internal/node"
)

// Gateway API paths handled specially. Any other path is a content fetch.
const (
	PathDNS         = "/api/v0/dns"
	PathLs          = "/api/v0/ls"
	PathNameResolve = "/api/v0/name/resolve"
)

// DNSLinkResolver looks up DNSLink records.
type DNSLinkResolver interface {
	Lookup(ctx context.Context, domain string) (*model.ProxyResponse, error)
}

// Translator maps gateway-shaped URLs to node operations.
type Translator struct {
	dns DNSLinkResolver
}

// NewTranslator creates a Translator. DNS requests go to dns, never to the node.
func NewTranslator(dns DNSLinkResolver) *Translator {
	return &Translator{dns: dns}
}

type lsObject struct {
	Hash  string      `json:"Hash"`
	Links []node.Link `json:"Links"`
}

type lsResponse struct {
	Objects []lsObject `json:"Objects"`
}

type resolveResponse struct {
	Path string `json:"Path"`
}

// Translate answers u using n. Node failures are returned unchanged.
func (t *Translator) Translate(ctx context.Context, u *url.URL, n node.Node) (*model.ProxyResponse, error) {
	q := u.Query()

	switch u.Path {
	case PathDNS:
		return t.dns.Lookup(ctx, q.Get("arg"))

	case PathLs:
		arg := q.Get("arg")
		links, err := n.Ls(ctx, arg)
		if err != nil {
			return nil, fmt.Errorf("ls %s: %w", arg, err)
		}
		if links == nil {
			links = []node.Link{}
		}
		return jsonResponse(lsResponse{Objects: []lsObject{{Hash: arg, Links: links}}})

	case PathNameResolve:
		arg := q.Get("arg")
		p, err := n.ResolveName(ctx, arg, node.ResolveOptions{Local: q.Get("local") == "true"})
		if err != nil {
			return nil, fmt.Errorf("name resolve %s: %w", arg, err)
		}
		return jsonResponse(resolveResponse{Path: p})

	default:
		rc, err := n.Get(ctx, u.Path)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", u.Path, err)
		}
		return &model.ProxyResponse{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"application/octet-stream"}},
			Body:       rc,
		}, nil
	}
}

func jsonResponse(v any) (*model.ProxyResponse, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return &model.ProxyResponse{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(b)),
	}, nil
}
