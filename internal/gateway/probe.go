// Package gateway answers whether the well-known local gateway is reachable.
package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"diffuse-interceptor/internal/config"
	"diffuse-interceptor/internal/metrics"
	"diffuse-interceptor/internal/model"
)

// VersionPath is the lightweight endpoint used for the liveness check.
const VersionPath = "/api/v0/version"

// LivenessState is the memoized outcome of the liveness check.
type LivenessState int32

const (
	Unknown LivenessState = iota
	Reachable
	Unreachable
)

func (s LivenessState) String() string {
	switch s {
	case Reachable:
		return "reachable"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Doer sends one outbound request.
type Doer interface {
	DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader) (*model.ProxyResponse, error)
}

// Probe checks the gateway once and remembers the answer for the life of the
// process. A gateway that comes up later is not re-detected.
type Probe struct {
	url     string
	method  string
	client  Doer
	logger  *slog.Logger
	metrics *metrics.Metrics

	state atomic.Int32
	group singleflight.Group
}

// NewProbe creates a Probe for cfg.Gateway. The metrics parameter is optional.
func NewProbe(cfg *config.Config, client Doer, logger *slog.Logger, m *metrics.Metrics) *Probe {
	return &Probe{
		url:     cfg.Gateway.Origin + VersionPath,
		method:  cfg.Gateway.ProbeMethod,
		client:  client,
		logger:  logger.With("component", "gateway_probe"),
		metrics: m,
	}
}

// State returns the current liveness state without probing.
func (p *Probe) State() LivenessState {
	return LivenessState(p.state.Load())
}

// Reachable reports whether the gateway answered the first check with a 2xx.
// Only the first call touches the network; concurrent first callers share
// that one check. A caller whose ctx ends first gets false, but the check
// still completes and is recorded.
func (p *Probe) Reachable(ctx context.Context) bool {
	if s := p.State(); s != Unknown {
		return s == Reachable
	}

	ch := p.group.DoChan("probe", func() (any, error) {
		if s := p.State(); s != Unknown {
			return s, nil
		}
		s := p.check(context.WithoutCancel(ctx))
		p.state.CompareAndSwap(int32(Unknown), int32(s))
		return p.State(), nil
	})

	select {
	case res := <-ch:
		return res.Val.(LivenessState) == Reachable
	case <-ctx.Done():
		return false
	}
}

func (p *Probe) check(ctx context.Context) LivenessState {
	state := Unreachable
	resp, err := p.client.DoStream(ctx, p.method, p.url, nil, nil)
	if err != nil {
		p.logger.Info("gateway unreachable", "url", p.url, "err", err)
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			state = Reachable
		}
		p.logger.Info("gateway probed", "url", p.url, "status", resp.StatusCode, "state", state.String())
	}

	if p.metrics != nil {
		p.metrics.GatewayProbes.WithLabelValues(state.String()).Inc()
	}
	return state
}
