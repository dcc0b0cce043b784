// Package worker holds the state shared by every interception in the process.
package worker

import (
	"log/slog"
	"sync/atomic"

	"diffuse-interceptor/internal/config"
	"diffuse-interceptor/internal/gateway"
	"diffuse-interceptor/internal/node"
)

// Context is the process-wide worker state. It is created once at startup
// and closed on shutdown.
type Context struct {
	Liveness *gateway.Probe
	Nodes    *node.Manager

	online atomic.Bool
	logger *slog.Logger
}

// New creates the worker Context. Connectivity starts online unless
// app.start_offline is set.
func New(cfg *config.Config, probe *gateway.Probe, nodes *node.Manager, logger *slog.Logger) *Context {
	c := &Context{
		Liveness: probe,
		Nodes:    nodes,
		logger:   logger.With("component", "worker"),
	}
	c.online.Store(!cfg.App.StartOffline)
	return c
}

// Online reports the host connectivity flag.
func (c *Context) Online() bool {
	return c.online.Load()
}

// SetOnline updates the connectivity flag and returns the previous value.
func (c *Context) SetOnline(online bool) bool {
	prev := c.online.Swap(online)
	if prev != online {
		c.logger.Info("connectivity changed", "online", online)
	}
	return prev
}

// Close tears down the node, if one was created.
func (c *Context) Close() error {
	return c.Nodes.Close()
}
