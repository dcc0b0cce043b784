package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"diffuse-interceptor/internal/client"
	"diffuse-interceptor/internal/config"
	"diffuse-interceptor/internal/metrics"
)

func newTestProbe(origin, method string, m *metrics.Metrics) *Probe {
	cfg := &config.Config{
		Gateway:  config.GatewayConfig{Origin: origin, ProbeMethod: method},
		Upstream: config.UpstreamConfig{TimeoutSeconds: 5, IdleConnections: 10},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProbe(cfg, client.NewFetcher(cfg, logger, nil), logger, m)
}

func TestProbe_Reachable(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		_, _ = w.Write([]byte(`{"Version":"0.30.0"}`))
	}))
	defer srv.Close()

	p := newTestProbe(srv.URL, http.MethodPost, nil)
	if p.State() != Unknown {
		t.Fatalf("State() = %v, want unknown", p.State())
	}
	if !p.Reachable(context.Background()) {
		t.Fatal("Reachable() = false, want true")
	}
	if gotMethod != http.MethodPost || gotPath != VersionPath {
		t.Errorf("probe request = %s %s, want POST %s", gotMethod, gotPath, VersionPath)
	}
	if p.State() != Reachable {
		t.Errorf("State() = %v, want reachable", p.State())
	}
}

func TestProbe_Unreachable(t *testing.T) {
	tests := []struct {
		name   string
		origin func(t *testing.T) string
	}{
		{"error status", func(t *testing.T) string {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusMethodNotAllowed)
			}))
			t.Cleanup(srv.Close)
			return srv.URL
		}},
		{"connection refused", func(t *testing.T) string {
			srv := httptest.NewServer(http.NotFoundHandler())
			u := srv.URL
			srv.Close()
			return u
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProbe(tt.origin(t), http.MethodPost, nil)
			if p.Reachable(context.Background()) {
				t.Error("Reachable() = true, want false")
			}
			if p.State() != Unreachable {
				t.Errorf("State() = %v, want unreachable", p.State())
			}
		})
	}
}

func TestProbe_MemoizedAcrossAvailabilityChange(t *testing.T) {
	var hits atomic.Int32
	var up atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		if !up.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := metrics.New()
	p := newTestProbe(srv.URL, http.MethodPost, m)

	if p.Reachable(context.Background()) {
		t.Fatal("first Reachable() = true, want false")
	}
	up.Store(true)
	for range 5 {
		if p.Reachable(context.Background()) {
			t.Fatal("Reachable() changed after the gateway came up")
		}
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("network checks = %d, want 1", n)
	}

	families, _ := m.Registry.Gather()
	for _, f := range families {
		if f.GetName() == "diffuse_interceptor_gateway_probes_total" {
			if got := f.GetMetric()[0].GetCounter().GetValue(); got != 1 {
				t.Errorf("gateway_probes_total = %v, want 1", got)
			}
			return
		}
	}
	t.Error("gateway_probes_total not gathered")
}

func TestProbe_ConcurrentFirstCallersShareCheck(t *testing.T) {
	var hits atomic.Int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestProbe(srv.URL, http.MethodGet, nil)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]bool, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = p.Reachable(context.Background())
		}()
	}
	<-started
	close(release)
	wg.Wait()

	for i, ok := range results {
		if !ok {
			t.Errorf("caller %d got false", i)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("network checks = %d, want 1", n)
	}
}

func TestProbe_AbandonedCallerDoesNotCancelCheck(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestProbe(srv.URL, http.MethodPost, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if p.Reachable(ctx) {
		t.Error("Reachable(canceled) = true, want false")
	}

	close(release)
	if !p.Reachable(context.Background()) {
		t.Error("Reachable() after release = false, want true")
	}
}
