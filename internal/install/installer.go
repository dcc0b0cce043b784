// Package install populates the offline cache from the application manifest.
package install

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"diffuse-interceptor/internal/cache"
	"diffuse-interceptor/internal/config"
	"diffuse-interceptor/internal/metrics"
)

// ErrManifest is returned when the manifest cannot be fetched or decoded.
var ErrManifest = errors.New("manifest unavailable")

// AssetFetchError reports the asset whose download failed an installation.
type AssetFetchError struct {
	URL string
	Err error
}

func (e *AssetFetchError) Error() string {
	return fmt.Sprintf("fetch asset %s: %v", e.URL, e.Err)
}

func (e *AssetFetchError) Unwrap() error { return e.Err }

// Installer purges and repopulates the cache bucket of the current version.
type Installer struct {
	store   *cache.Store
	getter  cache.Getter
	app     config.AppConfig
	key     string
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu sync.Mutex // serializes installations
}

// Key is the name of the current cache bucket.
type Key string

// NewInstaller creates an Installer. The metrics parameter is optional.
func NewInstaller(store *cache.Store, g cache.Getter, cfg *config.Config, key Key, logger *slog.Logger, m *metrics.Metrics) *Installer {
	return &Installer{
		store:   store,
		getter:  g,
		app:     cfg.App,
		key:     string(key),
		logger:  logger.With("component", "installer"),
		metrics: m,
	}
}

// Key returns the bucket name installations write to.
func (i *Installer) Key() string { return i.key }

// Install purges every bucket, then fetches the manifest and every asset and
// commits them to a fresh bucket. Any failure fails the whole installation
// and nothing is committed.
func (i *Installer) Install(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	n, err := i.install(ctx)
	if i.metrics != nil {
		i.metrics.InstallRuns.WithLabelValues(metrics.Result(err)).Inc()
		if err == nil {
			i.metrics.InstallAssets.Set(float64(n))
		}
	}
	if err != nil {
		i.logger.Error("installation failed", "bucket", i.key, "err", err)
		return err
	}
	i.logger.Info("installation complete", "bucket", i.key, "assets", n)
	return nil
}

func (i *Installer) install(ctx context.Context) (int, error) {
	if err := i.purge(); err != nil {
		return 0, err
	}

	base, err := url.Parse(i.app.BaseURL())
	if err != nil {
		return 0, fmt.Errorf("parse base url: %w", err)
	}

	manifest, err := i.fetchManifest(ctx, base)
	if err != nil {
		return 0, err
	}

	assets, err := i.assetList(base, manifest)
	if err != nil {
		return 0, err
	}

	entries := make([]cache.Entry, len(assets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(i.app.InstallConcurrency, 1))
	for idx, asset := range assets {
		g.Go(func() error {
			ent, err := cache.Download(gctx, i.getter, asset)
			if err != nil {
				return &AssetFetchError{URL: asset, Err: err}
			}
			entries[idx] = *ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("install %s: %w", i.key, err)
	}

	bucket, err := i.store.OpenBucket(i.key)
	if err != nil {
		return 0, err
	}
	if err := bucket.PutAll(entries); err != nil {
		_, _ = i.store.Delete(i.key)
		return 0, err
	}
	return len(entries), nil
}

// purge removes every bucket, whatever its version.
func (i *Installer) purge() error {
	keys, err := i.store.Keys()
	if err != nil {
		return fmt.Errorf("purge caches: %w", err)
	}
	for _, k := range keys {
		if _, err := i.store.Delete(k); err != nil {
			return fmt.Errorf("purge caches: %w", err)
		}
		i.logger.Debug("deleted cache bucket", "bucket", k)
	}
	return nil
}

func (i *Installer) fetchManifest(ctx context.Context, base *url.URL) ([]string, error) {
	ref, err := url.Parse(i.app.Manifest)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %q: %v", ErrManifest, i.app.Manifest, err)
	}
	manifestURL := base.ResolveReference(ref).String()

	resp, err := i.getter.Fetch(ctx, manifestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifest, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrManifest, manifestURL, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrManifest, manifestURL, err)
	}

	var tree []string
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrManifest, manifestURL, err)
	}
	return tree, nil
}

// assetList returns the absolute URLs to cache: the base URL itself, the
// bundles, then every manifest entry not on the denylist. Duplicates collapse.
func (i *Installer) assetList(base *url.URL, manifest []string) ([]string, error) {
	paths := make([]string, 0, 1+len(i.app.Bundles)+len(manifest))
	paths = append(paths, "")
	paths = append(paths, i.app.Bundles...)
	paths = append(paths, FilterManifest(manifest, i.app.Exclude)...)

	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		ref, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("parse asset path %q: %w", p, err)
		}
		abs := cache.NormalizeURL(base.ResolveReference(ref))
		if seen[abs] {
			continue
		}
		seen[abs] = true
		out = append(out, abs)
	}
	return out, nil
}

// FilterManifest drops entries that exactly match an excluded path.
func FilterManifest(tree, exclude []string) []string {
	out := make([]string, 0, len(tree))
	for _, t := range tree {
		if slices.Contains(exclude, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}
