package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/vantagegw/vantage/internal/auth"
	"github.com/vantagegw/vantage/internal/breaker"
	"github.com/vantagegw/vantage/internal/config"
	"github.com/vantagegw/vantage/internal/kv"
	"github.com/vantagegw/vantage/internal/pricing"
	"github.com/vantagegw/vantage/internal/quota"
	"github.com/vantagegw/vantage/internal/rectify"
	"github.com/vantagegw/vantage/internal/rules"
	"github.com/vantagegw/vantage/internal/selector"
	"github.com/vantagegw/vantage/internal/server"
	"github.com/vantagegw/vantage/internal/session"
	"github.com/vantagegw/vantage/internal/storage/sqlite"
	"github.com/vantagegw/vantage/internal/telemetry"
	"github.com/vantagegw/vantage/internal/upstream"
	"github.com/vantagegw/vantage/internal/worker"
)

const dnsRefreshInterval = 5 * time.Minute

// logNotifier surfaces operational events (circuit trips, quota threshold
// crossings) in the process log.
type logNotifier struct {
	log *slog.Logger
}

func (n *logNotifier) Notify(ctx context.Context, event string, payload map[string]any) {
	attrs := make([]slog.Attr, 0, len(payload)+1)
	attrs = append(attrs, slog.String("event", event))
	for k, v := range payload {
		attrs = append(attrs, slog.Any(k, v))
	}
	n.log.LogAttrs(ctx, slog.LevelWarn, "gateway event", attrs...)
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	logger.Info("starting vantage", "version", version, "addr", cfg.Server.Addr)

	store, err := sqlite.New(cfg.Database.DSN, sqlite.Options{MaxReadConns: cfg.Database.PoolMax})
	if err != nil {
		return err
	}
	defer store.Close()

	kvs := kv.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer kvs.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err = kvs.Ping(pingCtx)
	cancelPing()
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	var (
		metrics        *telemetry.Metrics
		metricsHandler http.Handler
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(context.Background(),
			cfg.Telemetry.Tracing.Endpoint, version, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("tracing shutdown", "error", err)
			}
		}()
	}

	notifier := &logNotifier{log: logger}

	authn, err := auth.New(store, cfg.Auth.AdminToken)
	if err != nil {
		return err
	}

	// Watchers and workers share one lifetime, cancelled only after the
	// HTTP listener has gone quiet.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	engine := rules.NewEngine(store, kvs)
	if err := engine.Reload(workerCtx); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	go engine.Watch(workerCtx)

	registry := selector.NewRegistry(store, kvs)
	go registry.Watch(workerCtx)

	breakers := breaker.NewStore(kvs, notifier)
	vendors := breaker.NewVendorStore(kvs, notifier)
	tracker := session.NewTracker(kvs, cfg.Session.TTL)
	costs := quota.NewCostWindowStore(kvs)
	catalog, err := pricing.NewCatalog(store)
	if err != nil {
		return err
	}
	guard := quota.NewGuard(costs, tracker, catalog, kvs, notifier, cfg.Location())

	dns := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(dnsRefreshInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				dns.Refresh(true)
			case <-workerCtx.Done():
				return
			}
		}
	}()

	transports := upstream.NewTransports(dns, cfg.Upstream.EnableHTTP2)
	resolver := selector.NewResolver(registry, breakers, vendors, guard, tracker, catalog)

	rect := rectify.New(cfg.Rectifier.Enabled)
	if cfg.Rectifier.MaxDepth > 0 {
		rect.MaxDepth = cfg.Rectifier.MaxDepth
	}
	if cfg.Rectifier.MaxBytes > 0 {
		rect.MaxBytes = cfg.Rectifier.MaxBytes
	}

	fwd := upstream.NewForwarder(transports, resolver, breakers, vendors, tracker, engine, rect, logger)
	fwd.CodexInstructions = cfg.Upstream.CodexInstructions
	fwd.CodexInstructionsInjection = cfg.Upstream.CodexInstructionsInjection
	fwd.FirstByteTimeout = cfg.Upstream.FirstByteTimeout
	fwd.IdleTimeout = cfg.Upstream.IdleTimeout
	fwd.RequestTimeout = cfg.Upstream.RequestTimeout

	var queueGauge prometheus.Gauge
	if metrics != nil {
		queueGauge = metrics.UsageQueueLength
	}
	fin := worker.NewFinaliser(store, catalog, guard, queueGauge)

	prober := worker.NewProber(store, kvs, vendors, worker.ProberConfig{
		Interval:    cfg.Probe.Interval,
		Concurrency: cfg.Probe.Concurrency,
		Timeout:     cfg.Probe.Timeout,
		LockTTL:     cfg.Probe.LockTTL,
	})

	runner := worker.NewRunner(fin, prober)
	runnerDone := make(chan error, 1)
	go func() { runnerDone <- runner.Run(workerCtx) }()

	readyCheck := func(ctx context.Context) error {
		if err := store.Ping(ctx); err != nil {
			return err
		}
		return kvs.Ping(ctx)
	}

	handler := server.New(server.Deps{
		Auth:           authn,
		Store:          store,
		Forwarder:      fwd,
		Usage:          fin,
		Tracker:        tracker,
		Guard:          guard,
		Costs:          costs,
		Rules:          engine,
		Registry:       registry,
		Breakers:       breakers,
		Vendors:        vendors,
		Prober:         prober,
		Catalog:        catalog,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		ReadyCheck:     readyCheck,
	})

	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     handler,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout zero by default: long streams must not be cut off.
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.Info("vantage ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Workers stop after the listener so the finaliser can drain the usage
	// rows enqueued by in-flight requests.
	stopWorkers()
	select {
	case err := <-runnerDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	case <-time.After(cfg.Server.ShutdownTimeout + 5*time.Second):
		logger.Warn("workers did not stop in time")
	}

	logger.Info("vantage stopped")
	return nil
}
