package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"diffuse-interceptor/internal/cache"
	"diffuse-interceptor/internal/client"
	"diffuse-interceptor/internal/config"
	"diffuse-interceptor/internal/dnslink"
	"diffuse-interceptor/internal/gateway"
	"diffuse-interceptor/internal/handler"
	"diffuse-interceptor/internal/install"
	"diffuse-interceptor/internal/logging"
	"diffuse-interceptor/internal/metrics"
	"diffuse-interceptor/internal/middleware"
	"diffuse-interceptor/internal/node"
	"diffuse-interceptor/internal/service"
	"diffuse-interceptor/internal/translate"
	"diffuse-interceptor/internal/worker"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Installation downloads every asset before the listener starts.
const startTimeout = 5 * time.Minute

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("diffuse-interceptor"),
		kong.Description("Intercepting proxy serving Diffuse offline, over a temporary IPFS node, and with URL credentials moved into headers."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.StartTimeout(startTimeout),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			logging.New,
			metrics.New,
			newEcho,
			newStore,
			newCacheKey,
			client.NewFetcher,
			newInstaller,
			newProbe,
			newNodeManager,
			newWorker,
			newResolver,
			fx.Annotate(translate.NewTranslator, fx.As(new(service.Translator))),
			newDispatcher,
			handler.NewInterceptHandler,
			newHealthHandler,
			newAdminHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, runInstall, startServer),
	).Run()
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout stays 0 so streamed audio is never cut off; upstream
	// fetches are bounded only up to their response headers.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if rl := middleware.RateLimiter(cfg.Server.RateLimit); rl != nil {
		e.Use(rl)
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func newStore(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*cache.Store, error) {
	store, err := cache.Open(cfg.Cache.Path)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			logger.Info("closing cache store", "path", cfg.Cache.Path)
			return store.Close()
		},
	})
	return store, nil
}

func newCacheKey(cfg *config.Config) install.Key {
	return install.Key(cfg.CacheKey(version))
}

func newInstaller(store *cache.Store, f *client.Fetcher, cfg *config.Config, key install.Key, logger *slog.Logger, m *metrics.Metrics) *install.Installer {
	return install.NewInstaller(store, f, cfg, key, logger, m)
}

func newResolver(cfg *config.Config, f *client.Fetcher, logger *slog.Logger) translate.DNSLinkResolver {
	return dnslink.NewResolver(cfg, f.Transport(), logger)
}

func newProbe(cfg *config.Config, f *client.Fetcher, logger *slog.Logger, m *metrics.Metrics) *gateway.Probe {
	return gateway.NewProbe(cfg, f, logger, m)
}

func newNodeManager(cfg *config.Config, f *client.Fetcher, logger *slog.Logger, m *metrics.Metrics) *node.Manager {
	return node.NewManager(node.NewDelegated(cfg, f, logger), logger, m)
}

func newWorker(lc fx.Lifecycle, cfg *config.Config, probe *gateway.Probe, nodes *node.Manager, logger *slog.Logger) *worker.Context {
	w := worker.New(cfg, probe, nodes, logger)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return w.Close()
		},
	})
	return w
}

func newDispatcher(
	cfg *config.Config,
	store *cache.Store,
	f *client.Fetcher,
	w *worker.Context,
	tr service.Translator,
	logger *slog.Logger,
	m *metrics.Metrics,
) handler.Dispatcher {
	return service.NewDispatcher(cfg, store, f, w, tr, logger, m)
}

func newHealthHandler(cfg *config.Config, v handler.Version, key install.Key, store *cache.Store, w *worker.Context) *handler.HealthHandler {
	return handler.NewHealthHandler(cfg, v, key, store, w)
}

func newAdminHandler(w *worker.Context, inst *install.Installer, logger *slog.Logger) *handler.AdminHandler {
	return handler.NewAdminHandler(w, inst, logger)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// runInstall populates the offline cache before the server hook binds the
// listener. A failed installation aborts startup.
func runInstall(lc fx.Lifecycle, cfg *config.Config, inst *install.Installer, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if cfg.App.SkipInstall {
				logger.Info("install skipped", "bucket", inst.Key())
				return nil
			}
			if err := inst.Install(ctx); err != nil {
				return fmt.Errorf("install %s: %w", inst.Key(), err)
			}
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting interceptor", "addr", addr, "origin", cfg.App.Origin)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down interceptor")
			return e.Shutdown(ctx)
		},
	})
}
