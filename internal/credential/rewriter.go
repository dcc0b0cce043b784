// Package credential moves tokens embedded in request URLs into the
// Authorization header.
package credential

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"diffuse-interceptor/internal/model"
)

// URL markers announcing an embedded token.
const (
	BasicMarker  = "service_worker_authentication="
	BearerMarker = "&access_token="
)

// tokenPattern matches marker values in URLs embedded in error messages.
var tokenPattern = regexp.MustCompile(`(service_worker_authentication=|access_token=)[^&\s"]+`)

// Detect reports whether rawURL carries an embedded token. The Basic marker
// is checked before the Bearer marker.
func Detect(rawURL string) (model.Classification, bool) {
	if target, token, ok := split(rawURL, BasicMarker); ok {
		return model.Classification{Kind: model.BasicAuthInURL, Token: token, Target: target}, true
	}
	if target, token, ok := split(rawURL, BearerMarker); ok {
		return model.Classification{Kind: model.BearerAuthInURL, Token: token, Target: target}, true
	}
	return model.Classification{Kind: model.Unhandled}, false
}

// split cuts rawURL at the first marker. The token runs up to the next
// occurrence of the marker, if any. The target loses its dangling separator.
func split(rawURL, marker string) (target, token string, ok bool) {
	before, after, found := strings.Cut(rawURL, marker)
	if !found {
		return "", "", false
	}
	token, _, _ = strings.Cut(after, marker)
	return strings.TrimRight(before, "?&"), token, true
}

// Scheme returns the Authorization scheme for a credential kind.
func Scheme(k model.Kind) string {
	if k == model.BearerAuthInURL {
		return "Bearer"
	}
	return "Basic"
}

// Rewrite derives the request to send instead of req: same method and body,
// targeting c.Target, with only the Range header kept and the token moved
// into Authorization.
func Rewrite(ctx context.Context, req *model.InterceptedRequest, c model.Classification) (*http.Request, error) {
	if c.Kind != model.BasicAuthInURL && c.Kind != model.BearerAuthInURL {
		return nil, fmt.Errorf("rewrite: %s is not a credential classification", c.Kind)
	}

	var body io.Reader
	if req.Body != nil {
		body = req.Body
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, c.Target, body)
	if err != nil {
		return nil, fmt.Errorf("rewrite: %w", err)
	}
	if req.ContentLength > 0 {
		out.ContentLength = req.ContentLength
	}

	for _, v := range req.Header.Values("Range") {
		out.Header.Add("Range", v)
	}
	out.Header.Set("Authorization", Scheme(c.Kind)+" "+c.Token)
	return out, nil
}

// Redact hides embedded tokens in s.
func Redact(s string) string {
	return tokenPattern.ReplaceAllString(s, "${1}[REDACTED]")
}
