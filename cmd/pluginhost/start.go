package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/mattjoyce/pluginhost/internal/api"
	"github.com/mattjoyce/pluginhost/internal/config"
	"github.com/mattjoyce/pluginhost/internal/events"
	"github.com/mattjoyce/pluginhost/internal/extension"
	"github.com/mattjoyce/pluginhost/internal/extension/authorization"
	"github.com/mattjoyce/pluginhost/internal/extension/elastic"
	"github.com/mattjoyce/pluginhost/internal/extension/scm"
	"github.com/mattjoyce/pluginhost/internal/lock"
	"github.com/mattjoyce/pluginhost/internal/log"
	"github.com/mattjoyce/pluginhost/internal/metadata"
	"github.com/mattjoyce/pluginhost/internal/msgqueue"
	"github.com/mattjoyce/pluginhost/internal/plugin"
	"github.com/mattjoyce/pluginhost/internal/serverping"
	"github.com/mattjoyce/pluginhost/internal/settings"
	"github.com/mattjoyce/pluginhost/internal/storage"
	"github.com/mattjoyce/pluginhost/internal/tracing"
)

// host holds every long-lived component of a running pluginhost.
type host struct {
	cfg    *config.Config
	db     *sql.DB
	logger *slog.Logger

	metrics *prometheus.Registry
	health  healthcheck.Handler
	tracer  tracing.Provider
	hub     *events.Hub

	manager  *plugin.Manager
	queues   *msgqueue.Registry
	loaders  []*metadata.Loader
	pinger   *serverping.Pinger
	notifier *settings.Notifier
}

// newHost wires extensions, loaders and queues around db. Plugins are not
// loaded yet; call loadPlugins once every listener is subscribed.
func newHost(cfg *config.Config, db *sql.DB, logger *slog.Logger) (*host, error) {
	h := &host{
		cfg:     cfg,
		db:      db,
		logger:  logger,
		metrics: prometheus.NewRegistry(),
		health:  healthcheck.NewHandler(),
		tracer:  tracing.New(cfg.Tracing.Enabled, log.WithComponent("tracing")),
		hub:     events.NewHub(256),
		manager: plugin.NewManager(cfg.PluginTimeout),
	}
	h.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	h.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))
	h.health.AddReadinessCheck("database", healthcheck.DatabasePingCheck(db, time.Second))

	extOpts := []extension.Option{
		extension.WithMetrics(extension.NewMetrics(h.metrics)),
		extension.WithTracerProvider(h.tracer),
	}
	authz := authorization.New(h.manager, extOpts...)
	agents := elastic.New(h.manager, extOpts...)
	scms := scm.New(h.manager, extOpts...)

	snapshots := metadata.NewSQLiteSnapshots(db)
	for _, f := range []metadata.Fetcher{authz.Fetcher(), agents.Fetcher(), scms.Fetcher()} {
		h.loaders = append(h.loaders, metadata.NewLoader(f, metadata.NewStore(f.Extension()),
			metadata.WithSnapshots(snapshots),
			metadata.WithRetry(cfg.Metadata.FetchAttempts, cfg.Metadata.RetryBackoff),
			metadata.WithFetchTimeout(cfg.Metadata.FetchTimeout),
		))
	}

	h.queues = msgqueue.NewRegistry(
		msgqueue.WithMetrics(msgqueue.NewMetrics(h.metrics)),
		msgqueue.WithDeliveryLog(msgqueue.NewSQLiteDeliveryLog(db)),
	)

	h.pinger = serverping.New(agents, h.queues, cfg.Elastic.ProfilesFor, cfg.Elastic.PingInterval, h.hub)
	if err := h.pinger.Register(queueOptions(cfg, serverping.QueueName)); err != nil {
		return nil, err
	}
	h.notifier = settings.New(h.queues, h.hub, authz, agents, scms)
	if err := h.notifier.Register(queueOptions(cfg, settings.QueueName)); err != nil {
		return nil, err
	}

	// Metadata is fetched before queues start so a plugin's first ping sees
	// a populated store.
	h.manager.Subscribe(events.Lifecycle{Hub: h.hub})
	for _, l := range h.loaders {
		h.manager.Subscribe(l)
	}
	h.manager.Subscribe(h.queues)
	return h, nil
}

func queueOptions(cfg *config.Config, name string) msgqueue.Options {
	q := cfg.Queue(name)
	return msgqueue.Options{Workers: q.Workers, Capacity: q.Capacity, DrainTimeout: q.DrainTimeout}
}

// loadPlugins discovers manifests under the configured roots and loads each
// one. A plugin that fails to load is logged and skipped.
func (h *host) loadPlugins() (int, error) {
	found, err := plugin.Discover(h.cfg.PluginsDirs, discoveryLogger(h.logger))
	if err != nil {
		return 0, fmt.Errorf("discover plugins: %w", err)
	}
	loaded := 0
	for _, d := range found {
		if err := h.manager.Load(d); err != nil {
			h.logger.Warn("failed to load plugin", "plugin", d.ID, "error", err)
			continue
		}
		loaded++
	}
	return loaded, nil
}

func (h *host) apiServer() *api.Server {
	sources := make([]api.MetadataSource, 0, len(h.loaders))
	for _, l := range h.loaders {
		sources = append(sources, l)
	}
	return api.New(
		api.Config{Listen: h.cfg.API.Listen, APIKey: h.cfg.API.Auth.APIKey},
		h.manager, sources, h.notifier, h.hub, h.health, h.metrics,
		log.WithComponent("api"),
	)
}

// shutdown stops pings, drains every queue, then unloads plugins.
func (h *host) shutdown(ctx context.Context) {
	h.pinger.Stop()
	h.queues.Close()
	h.manager.UnloadAll()
	if err := h.tracer.Shutdown(ctx); err != nil {
		h.logger.Warn("tracer shutdown failed", "error", err)
	}
}

func discoveryLogger(logger *slog.Logger) func(level, msg string, args ...any) {
	return func(level, msg string, args ...any) {
		switch level {
		case "debug":
			logger.Debug(msg, args...)
		case "info":
			logger.Info(msg, args...)
		case "warn":
			logger.Warn(msg, args...)
		case "error":
			logger.Error(msg, args...)
		}
	}
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path := resolveConfigPath(*configPath)
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("pluginhost starting", "version", version, "config", path)

	lockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", lockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()

	h, err := newHost(cfg, db, logger)
	if err != nil {
		logger.Error("failed to wire host", "error", err)
		return 1
	}

	n, err := h.loadPlugins()
	if err != nil {
		logger.Error("plugin loading failed", "plugins_dirs", cfg.PluginsDirs, "error", err)
		return 1
	}
	logger.Info("plugins loaded", "count", n)

	h.pinger.Start(ctx)

	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		srv := h.apiServer()
		go func() {
			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("pluginhost running (press Ctrl+C to stop)")

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	h.shutdown(shutdownCtx)

	logger.Info("pluginhost stopped")
	return code
}

// resolveConfigPath picks the flag value, then $PLUGINHOST_CONFIG, then
// ./config.yaml.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("PLUGINHOST_CONFIG"); env != "" {
		return env
	}
	return "config.yaml"
}
