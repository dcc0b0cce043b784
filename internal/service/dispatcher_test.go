package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"diffuse-interceptor/internal/cache"
	"diffuse-interceptor/internal/client"
	"diffuse-interceptor/internal/config"
	"diffuse-interceptor/internal/gateway"
	"diffuse-interceptor/internal/metrics"
	"diffuse-interceptor/internal/model"
	"diffuse-interceptor/internal/node"
	"diffuse-interceptor/internal/translate"
	"diffuse-interceptor/internal/worker"
)

type stubNode struct{}

func (stubNode) Ls(_ context.Context, path string) ([]node.Link, error) {
	return []node.Link{{Name: "a", Hash: "QmA"}}, nil
}

func (stubNode) ResolveName(context.Context, string, node.ResolveOptions) (string, error) {
	return "/ipfs/QmResolved", nil
}

func (stubNode) Get(_ context.Context, path string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("node:" + path)), nil
}

type stubDNS struct{}

func (stubDNS) Lookup(context.Context, string) (*model.ProxyResponse, error) {
	return &model.ProxyResponse{StatusCode: http.StatusOK, Header: http.Header{}, Body: io.NopCloser(strings.NewReader("{}"))}, nil
}

type fixture struct {
	dispatcher *Dispatcher
	store      *cache.Store
	worker     *worker.Context
	metrics    *metrics.Metrics
	nodeCalls  *atomic.Int32
}

func newFixture(t *testing.T, origin, gatewayOrigin string, nodeErr error) *fixture {
	t.Helper()
	cfg := &config.Config{
		App:      config.AppConfig{Origin: origin},
		Gateway:  config.GatewayConfig{Origin: gatewayOrigin, ProbeMethod: http.MethodPost},
		Upstream: config.UpstreamConfig{TimeoutSeconds: 5, IdleConnections: 10},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()

	store, err := cache.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := client.NewFetcher(cfg, logger, m)
	var calls atomic.Int32
	nodes := node.NewManager(func(context.Context) (node.Node, error) {
		calls.Add(1)
		if nodeErr != nil {
			return nil, nodeErr
		}
		return stubNode{}, nil
	}, logger, m)
	w := worker.New(cfg, gateway.NewProbe(cfg, f, logger, m), nodes, logger)

	return &fixture{
		dispatcher: NewDispatcher(cfg, store, f, w, translate.NewTranslator(stubDNS{}), logger, m),
		store:      store,
		worker:     w,
		metrics:    m,
		nodeCalls:  &calls,
	}
}

func intercepted(t *testing.T, method, raw string, header http.Header) *model.InterceptedRequest {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if header == nil {
		header = http.Header{}
	}
	return &model.InterceptedRequest{Ctx: context.Background(), Method: method, URL: u, Header: header, Body: http.NoBody}
}

func readBody(t *testing.T, resp *model.ProxyResponse) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestDispatch_OfflineCache(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("network:" + r.URL.Path))
	}))
	defer origin.Close()

	fix := newFixture(t, origin.URL, "http://gateway.invalid", nil)
	b, _ := fix.store.OpenBucket("diffuse-1")
	err := b.PutAll([]cache.Entry{{
		URL:    origin.URL + "/ui.elm.js",
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/javascript"}},
		Body:   []byte("cached ui"),
	}})
	if err != nil {
		t.Fatal(err)
	}
	fix.worker.SetOnline(false)

	tests := []struct {
		name string
		path string
		want string
	}{
		{"hit", "/ui.elm.js", "cached ui"},
		{"miss falls back to network", "/brain.elm.js", "network:/brain.elm.js"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, c, err := fix.dispatcher.Dispatch(intercepted(t, http.MethodGet, origin.URL+tt.path, nil))
			if err != nil {
				t.Fatalf("Dispatch() error = %v", err)
			}
			if c.Kind != model.OfflineCacheServe {
				t.Errorf("Kind = %v, want offline_cache", c.Kind)
			}
			if got := readBody(t, resp); got != tt.want {
				t.Errorf("body = %q, want %q", got, tt.want)
			}
		})
	}

	// Online, the same URL is not served from cache.
	fix.worker.SetOnline(true)
	resp, c, err := fix.dispatcher.Dispatch(intercepted(t, http.MethodGet, origin.URL+"/ui.elm.js", nil))
	if err != nil {
		t.Fatal(err)
	}
	if c.Kind != model.Unhandled {
		t.Errorf("online Kind = %v, want unhandled", c.Kind)
	}
	if got := readBody(t, resp); got != "network:/ui.elm.js" {
		t.Errorf("online body = %q", got)
	}
}

func TestDispatch_GatewayReachablePassesThrough(t *testing.T) {
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("gateway:" + r.URL.RequestURI()))
	}))
	defer gw.Close()

	fix := newFixture(t, "https://diffuse.sh", gw.URL, nil)

	resp, c, err := fix.dispatcher.Dispatch(intercepted(t, http.MethodPost, gw.URL+"/api/v0/ls?arg=/foo", nil))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if c.Kind != model.GatewayCandidate {
		t.Errorf("Kind = %v, want gateway", c.Kind)
	}
	if got := readBody(t, resp); got != "gateway:/api/v0/ls?arg=/foo" {
		t.Errorf("body = %q", got)
	}
	if fix.nodeCalls.Load() != 0 {
		t.Error("node created although the gateway is reachable")
	}
}

func TestDispatch_GatewayUnreachableUsesNode(t *testing.T) {
	gw := httptest.NewServer(http.NotFoundHandler())
	gwURL := gw.URL
	gw.Close()

	fix := newFixture(t, "https://diffuse.sh", gwURL, nil)

	for _, p := range []string{"/api/v0/ls?arg=/foo", "/QmContent", "/api/v0/name/resolve?arg=x&local=true"} {
		resp, c, err := fix.dispatcher.Dispatch(intercepted(t, http.MethodPost, gwURL+p, nil))
		if err != nil {
			t.Fatalf("Dispatch(%s) error = %v", p, err)
		}
		if c.Kind != model.GatewayCandidate {
			t.Errorf("Kind = %v, want gateway", c.Kind)
		}
		_ = readBody(t, resp)
	}

	resp, _, err := fix.dispatcher.Dispatch(intercepted(t, http.MethodGet, gwURL+"/QmContent", nil))
	if err != nil {
		t.Fatal(err)
	}
	if got := readBody(t, resp); got != "node:/QmContent" {
		t.Errorf("body = %q, want %q", got, "node:/QmContent")
	}

	if n := fix.nodeCalls.Load(); n != 1 {
		t.Errorf("node creations = %d, want 1", n)
	}
	if fix.worker.Liveness.State() != gateway.Unreachable {
		t.Errorf("liveness = %v, want unreachable", fix.worker.Liveness.State())
	}
}

func TestDispatch_NodeCreationFailurePropagates(t *testing.T) {
	gw := httptest.NewServer(http.NotFoundHandler())
	gwURL := gw.URL
	gw.Close()

	boom := errors.New("no delegate")
	fix := newFixture(t, "https://diffuse.sh", gwURL, boom)

	_, c, err := fix.dispatcher.Dispatch(intercepted(t, http.MethodPost, gwURL+"/api/v0/ls?arg=/foo", nil))
	if !errors.Is(err, node.ErrCreate) || !errors.Is(err, boom) {
		t.Fatalf("Dispatch() error = %v, want node.ErrCreate wrapping %v", err, boom)
	}
	if c.Kind != model.GatewayCandidate {
		t.Errorf("Kind = %v, want gateway", c.Kind)
	}
}

func TestDispatch_CredentialRewrite(t *testing.T) {
	var got *http.Request
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("audio"))
	}))
	defer upstream.Close()

	fix := newFixture(t, "https://diffuse.sh", "http://gateway.invalid", nil)

	header := http.Header{
		"Range":  {"bytes=0-4"},
		"Cookie": {"session=1"},
		"Accept": {"audio/*"},
	}
	resp, c, err := fix.dispatcher.Dispatch(intercepted(t, http.MethodGet, upstream.URL+"/a.mp3?service_worker_authentication=dXNlcjpwYXNz", header))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if c.Kind != model.BasicAuthInURL {
		t.Errorf("Kind = %v, want basic_auth", c.Kind)
	}
	if resp.StatusCode != http.StatusPartialContent {
		t.Errorf("StatusCode = %d, want 206", resp.StatusCode)
	}
	if resp.Header.Get("Connection") != "" {
		t.Error("hop-by-hop Connection header not stripped from response")
	}
	_ = readBody(t, resp)

	if got.URL.RequestURI() != "/a.mp3" {
		t.Errorf("upstream URI = %q, want /a.mp3", got.URL.RequestURI())
	}
	if a := got.Header.Get("Authorization"); a != "Basic dXNlcjpwYXNz" {
		t.Errorf("Authorization = %q", a)
	}
	if r := got.Header.Get("Range"); r != "bytes=0-4" {
		t.Errorf("Range = %q", r)
	}
	if got.Header.Get("Cookie") != "" || got.Header.Get("Accept") != "" {
		t.Errorf("unexpected headers forwarded: %v", got.Header)
	}
}

func TestDispatch_UnhandledIsUntouched(t *testing.T) {
	var gotQuery, gotCookie string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery, gotCookie = r.URL.RawQuery, r.Header.Get("Cookie")
		w.WriteHeader(http.StatusTeapot)
	}))
	defer upstream.Close()

	fix := newFixture(t, "https://diffuse.sh", "http://gateway.invalid", nil)

	resp, c, err := fix.dispatcher.Dispatch(intercepted(t, http.MethodGet, upstream.URL+"/x?access_token=t", http.Header{"Cookie": {"a=b"}}))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	_ = readBody(t, resp)

	if c.Kind != model.Unhandled {
		t.Errorf("Kind = %v, want unhandled", c.Kind)
	}
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("StatusCode = %d, want 418", resp.StatusCode)
	}
	if gotQuery != "access_token=t" || gotCookie != "a=b" {
		t.Errorf("request modified: query=%q cookie=%q", gotQuery, gotCookie)
	}

	families, _ := fix.metrics.Registry.Gather()
	for _, f := range families {
		if f.GetName() != "diffuse_interceptor_interceptions_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			if m.GetLabel()[0].GetValue() == "unhandled" && m.GetCounter().GetValue() == 1 {
				return
			}
		}
	}
	t.Error("interceptions_total{classification=unhandled} = 1 not found")
}
