// Package model defines shared types for the interceptor.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// InterceptedRequest is one request handed to the dispatcher. It is never
// mutated; strategies derive new requests from it.
type InterceptedRequest struct {
	Ctx           context.Context
	Method        string
	URL           *url.URL
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64 // -1 when unknown
}

// ProxyResponse represents the response to be streamed back to the client.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Kind enumerates the mutually exclusive interception strategies.
type Kind int

const (
	Unhandled Kind = iota
	OfflineCacheServe
	GatewayCandidate
	BasicAuthInURL
	BearerAuthInURL
)

var kindNames = map[Kind]string{
	Unhandled:         "unhandled",
	OfflineCacheServe: "offline_cache",
	GatewayCandidate:  "gateway",
	BasicAuthInURL:    "basic_auth",
	BearerAuthInURL:   "bearer_auth",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Classification is the outcome of classifying an InterceptedRequest.
// Token and Target are only set for the credential kinds.
type Classification struct {
	Kind   Kind
	Token  string
	Target string
}

// HopByHopHeaders are meaningful only for a single connection and are never
// forwarded.
var HopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}
