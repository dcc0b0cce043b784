package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"diffuse-interceptor/internal/metrics"
)

// requestSeries returns the label sets and values of every
// http_requests_total series.
func requestSeries(t *testing.T, m *metrics.Metrics) ([]map[string]string, []float64) {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	var (
		labels []map[string]string
		values []float64
	)
	for _, f := range families {
		if f.GetName() != "diffuse_interceptor_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			set := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				set[lp.GetName()] = lp.GetValue()
			}
			labels = append(labels, set)
			values = append(values, metric.GetCounter().GetValue())
		}
	}
	return labels, values
}

func TestMetricsMiddleware_RequestLabels(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		target  string
		handler echo.HandlerFunc
		want    map[string]string
	}{
		{
			name:   "gateway rpc",
			method: http.MethodPost,
			target: "http://127.0.0.1:8080/api/v0/ls?arg=/foo",
			handler: func(c echo.Context) error {
				c.Response().Header().Set(HeaderStrategy, "gateway")
				return c.String(http.StatusOK, "{}")
			},
			want: map[string]string{"method": "POST", "status_code": "200", "path_prefix": "/api/v0", "strategy": "gateway"},
		},
		{
			name:   "offline asset",
			method: http.MethodGet,
			target: "https://diffuse.sh/ui.elm.js",
			handler: func(c echo.Context) error {
				c.Response().Header().Set(HeaderStrategy, "offline_cache")
				return c.String(http.StatusOK, "")
			},
			want: map[string]string{"method": "GET", "status_code": "200", "path_prefix": "other", "strategy": "offline_cache"},
		},
		{
			name:   "http error before write",
			method: http.MethodGet,
			target: "/api/v0/cat",
			handler: func(echo.Context) error {
				return echo.NewHTTPError(http.StatusTooManyRequests, "slow down")
			},
			want: map[string]string{"method": "GET", "status_code": "429", "path_prefix": "/api/v0", "strategy": ""},
		},
		{
			name:   "unknown method",
			method: "PROPFIND",
			target: "https://dav.example.com/music/",
			handler: func(c echo.Context) error {
				c.Response().Header().Set(HeaderStrategy, "basic_auth")
				return c.NoContent(http.StatusMultiStatus)
			},
			want: map[string]string{"method": "other", "status_code": "207", "path_prefix": "other", "strategy": "basic_auth"},
		},
		{
			name:    "admin status",
			method:  http.MethodGet,
			target:  "/_interceptor/status",
			handler: func(c echo.Context) error { return c.JSON(http.StatusOK, map[string]string{}) },
			want:    map[string]string{"method": "GET", "status_code": "200", "path_prefix": "/_interceptor", "strategy": ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			e := echo.New()
			e.Use(MetricsMiddleware(m))
			e.Any("/*", tt.handler)

			req := httptest.NewRequest(tt.method, tt.target, http.NoBody)
			e.ServeHTTP(httptest.NewRecorder(), req)

			labels, values := requestSeries(t, m)
			if len(labels) != 1 {
				t.Fatalf("series = %v, want exactly one", labels)
			}
			for k, want := range tt.want {
				if got := labels[0][k]; got != want {
					t.Errorf("%s = %q, want %q", k, got, want)
				}
			}
			if values[0] != 1 {
				t.Errorf("counter value = %v, want 1", values[0])
			}
		})
	}
}

func TestMetricsMiddleware_RouterNotFound(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))

	req := httptest.NewRequest(http.MethodGet, "/nonexistent", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	labels, _ := requestSeries(t, m)
	if len(labels) != 1 || labels[0]["status_code"] != "404" {
		t.Errorf("series = %v, want one with status_code=404", labels)
	}
}

func TestMetricsMiddleware_RecordsDurationAndInFlight(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/_interceptor/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/_interceptor/healthz", http.NoBody)
	e.ServeHTTP(httptest.NewRecorder(), req)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	var samples uint64
	inFlight := -1.0
	for _, f := range families {
		switch f.GetName() {
		case "diffuse_interceptor_http_request_duration_seconds":
			for _, metric := range f.GetMetric() {
				samples += metric.GetHistogram().GetSampleCount()
			}
		case "diffuse_interceptor_http_requests_in_flight":
			inFlight = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	if samples != 1 {
		t.Errorf("duration samples = %d, want 1", samples)
	}
	if inFlight != 0 {
		t.Errorf("in-flight gauge = %v, want 0", inFlight)
	}
}
