package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"diffuse-interceptor/internal/config"
	"diffuse-interceptor/internal/install"
	"diffuse-interceptor/internal/worker"
)

// Version is a string type for dependency injection of the build version.
type Version string

// BucketLister lists the cache buckets present in the store.
type BucketLister interface {
	Keys() ([]string, error)
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	key     install.Key
	store   BucketLister
	worker  *worker.Context
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, key install.Key, store BucketLister, w *worker.Context) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, key: key, store: store, worker: w}
}

type gatewayStatus struct {
	Origin   string `json:"origin"`
	Liveness string `json:"liveness"`
}

type statusResponse struct {
	Status      string        `json:"status"`
	Version     string        `json:"version"`
	Origin      string        `json:"origin"`
	CacheKey    string        `json:"cache_key"`
	Buckets     []string      `json:"buckets"`
	Installed   bool          `json:"installed"`
	Online      bool          `json:"online"`
	Gateway     gatewayStatus `json:"gateway"`
	NodeCreated bool          `json:"node_created"`
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the cache, connectivity and gateway state. It never probes
// the gateway itself. A store that cannot be listed reports "degraded".
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:   "ok",
		Version:  string(h.version),
		Origin:   h.cfg.App.Origin,
		CacheKey: string(h.key),
		Online:   h.worker.Online(),
		Gateway: gatewayStatus{
			Origin:   h.cfg.Gateway.Origin,
			Liveness: h.worker.Liveness.State().String(),
		},
		NodeCreated: h.worker.Nodes.Created(),
	}

	keys, err := h.store.Keys()
	if err != nil {
		resp.Status = "degraded"
	}
	resp.Buckets = keys
	for _, k := range keys {
		if k == string(h.key) {
			resp.Installed = true
		}
	}
	if resp.Buckets == nil {
		resp.Buckets = []string{}
	}

	return c.JSON(http.StatusOK, resp)
}
