// Package service classifies intercepted requests and runs the matching
// strategy.
package service

import (
	"net/url"
	"strings"

	"diffuse-interceptor/internal/credential"
	"diffuse-interceptor/internal/model"
)

// Classify picks the single strategy for u. The checks run in a fixed order
// and the first match wins:
//
//  1. same origin as origin while offline: OfflineCacheServe
//  2. URL starts with gatewayOrigin: GatewayCandidate
//  3. Basic credential marker: BasicAuthInURL
//  4. Bearer credential marker: BearerAuthInURL
//  5. anything else: Unhandled
func Classify(u *url.URL, origin, gatewayOrigin string, online bool) model.Classification {
	raw := u.String()

	if !online && sameOrigin(u, origin) {
		return model.Classification{Kind: model.OfflineCacheServe}
	}
	if hasOriginPrefix(raw, gatewayOrigin) {
		return model.Classification{Kind: model.GatewayCandidate}
	}
	if c, ok := credential.Detect(raw); ok {
		return c
	}
	return model.Classification{Kind: model.Unhandled}
}

// hasOriginPrefix reports whether raw starts with origin followed by the end
// of the authority, so port 8080 does not match 80801.
func hasOriginPrefix(raw, origin string) bool {
	if origin == "" || !strings.HasPrefix(raw, origin) {
		return false
	}
	rest := raw[len(origin):]
	return rest == "" || strings.ContainsRune("/?#", rune(rest[0]))
}

func sameOrigin(u *url.URL, origin string) bool {
	if origin == "" {
		return false
	}
	return strings.EqualFold(u.Scheme+"://"+u.Host, strings.TrimRight(origin, "/"))
}
