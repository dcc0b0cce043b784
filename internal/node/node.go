// Package node owns the temporary content node used when the local gateway
// is unreachable.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"diffuse-interceptor/internal/metrics"
)

// ErrCreate wraps every failure to create a node.
var ErrCreate = errors.New("create node")

// Link is one entry of a directory listing.
type Link struct {
	Name   string `json:"Name"`
	Hash   string `json:"Hash"`
	Size   uint64 `json:"Size"`
	Type   int    `json:"Type"`
	Target string `json:"Target"`
}

// ResolveOptions tunes name resolution.
type ResolveOptions struct {
	// Local restricts resolution to records the node already holds.
	Local bool
}

// Node is the narrow set of node operations the translator needs.
type Node interface {
	Ls(ctx context.Context, path string) ([]Link, error)
	ResolveName(ctx context.Context, name string, opts ResolveOptions) (string, error)
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}

// Factory creates a node. The context is not tied to any single request.
type Factory func(ctx context.Context) (Node, error)

// Manager lazily creates one node and shares it for the rest of the process.
type Manager struct {
	factory Factory
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	node   Node
	closed bool
	group  singleflight.Group
}

// ErrClosed is returned by Ensure once the Manager is closed.
var ErrClosed = errors.New("node manager closed")

// NewManager creates a Manager. The metrics parameter is optional.
func NewManager(factory Factory, logger *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		factory: factory,
		logger:  logger.With("component", "node_manager"),
		metrics: m,
	}
}

func (m *Manager) current() Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.node
}

// Ensure returns the node, creating it on first use. Concurrent callers
// wait on the same in-flight creation. A caller that gives up does not
// cancel the creation. Failed creations are not remembered; the next call
// tries again.
func (m *Manager) Ensure(ctx context.Context) (Node, error) {
	m.mu.RLock()
	n, closed := m.node, m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if n != nil {
		return n, nil
	}

	ch := m.group.DoChan("node", func() (any, error) {
		if n := m.current(); n != nil {
			return n, nil
		}
		m.logger.Info("creating node")
		n, err := m.factory(context.WithoutCancel(ctx))
		if m.metrics != nil {
			m.metrics.NodeCreations.WithLabelValues(metrics.Result(err)).Inc()
		}
		if err != nil {
			m.logger.Error("node creation failed", "err", err)
			return nil, err
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			m.logger.Info("manager closed during creation, releasing node")
			if c, ok := n.(io.Closer); ok {
				_ = c.Close()
			}
			return nil, ErrClosed
		}
		m.node = n
		m.mu.Unlock()
		m.logger.Info("node ready")
		return n, nil
	})

	select {
	case res := <-ch:
		if errors.Is(res.Err, ErrClosed) {
			return nil, res.Err
		}
		if res.Err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCreate, res.Err)
		}
		return res.Val.(Node), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Created reports whether a node exists.
func (m *Manager) Created() bool {
	return m.current() != nil
}

// Close releases the node if it holds resources. A creation still in flight
// releases its node when it finishes, and later Ensure calls fail with
// ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	n := m.node
	m.node = nil
	m.closed = true
	m.mu.Unlock()

	if c, ok := n.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
