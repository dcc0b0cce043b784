package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.Any("/*", func(c echo.Context) error {
		c.Response().Header().Set(HeaderStrategy, "basic_auth")
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "http://dav.example.com/a.mp3?service_worker_authentication=secret", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log: %v (%q)", err, buf.String())
	}
	if entry["host"] != "dav.example.com" {
		t.Errorf("host = %v, want dav.example.com", entry["host"])
	}
	if entry["path"] != "/a.mp3" {
		t.Errorf("path = %v, want /a.mp3", entry["path"])
	}
	if entry["strategy"] != "basic_auth" {
		t.Errorf("strategy = %v, want basic_auth", entry["strategy"])
	}
	if strings.Contains(buf.String(), "secret") {
		t.Errorf("log leaked the token: %s", buf.String())
	}
}
