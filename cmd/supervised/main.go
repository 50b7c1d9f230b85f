// Command supervised runs a standalone supervision host: it loads module
// manifests from a directory, starts the background monitors, and serves
// the status and metrics surface over HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corehost/supervise"
)

// hostApp is the minimal Host handed to modules during Setup.
type hostApp struct {
	logger supervise.Logger
}

func (h *hostApp) Logger() supervise.Logger { return h.logger }

func main() {
	slogger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	logger := supervise.NewSlogLogger(slogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := supervise.LoadConfig(ctx)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := supervise.NewPrometheusMetrics(registry)

	bus := supervise.NewEventBus(logger)
	_ = bus.RegisterObserver(supervise.NewFunctionalObserver("event-log",
		func(_ context.Context, event cloudevents.Event) error {
			logger.Info("Supervision event", "type", event.Type(), "source", event.Source())
			return nil
		}))

	flags := supervise.NewFlagManager(cfg.FlagErrorThreshold, cfg.FlagWindow, logger, bus, metrics)
	fallbacks := supervise.NewFallbackManager(logger, bus)
	profiler := supervise.NewProfiler(logger, metrics)
	host := &hostApp{logger: logger}

	manager := supervise.NewModuleManager(host, logger,
		supervise.WithFlagManager(flags),
		supervise.WithFallbackManager(fallbacks),
		supervise.WithProfiler(profiler),
		supervise.WithSubject(bus),
		supervise.WithMetrics(metrics),
		supervise.WithMinModuleVersion(cfg.MinModuleVersion),
	)

	loader, err := supervise.NewModuleLoader(manager, logger, bus, cfg.ModulesDir, cfg.StateFile)
	if err != nil {
		logger.Error("Failed to create module loader", "error", err)
		os.Exit(1)
	}
	if previous := loader.RestoreState(); len(previous) > 0 {
		logger.Info("Previous load order restored", "modules", previous)
	}
	if !loader.LoadAll(ctx) {
		logger.Warn("Initial batch load failed; continuing with empty registry")
	}

	health := supervise.NewHealthChecker(supervise.HealthProbeConfig{
		DatabaseDriver: cfg.DatabaseDriver,
		DatabaseDSN:    cfg.DatabaseDSN,
		RedisAddr:      cfg.RedisAddr,
		Endpoints:      cfg.ExternalEndpoints,
	}, nil, logger)
	if err := health.StartPeriodic(cfg.HealthSchedule); err != nil {
		logger.Error("Failed to schedule health sweeps", "error", err)
		os.Exit(1)
	}
	defer health.StopPeriodic()

	limiter := supervise.NewResourceLimiter(manager, flags, logger, bus, metrics, cfg.ResourceInterval)
	diagnostics := supervise.NewSelfDiagnostics(manager, flags, logger, bus, metrics, cfg.DiagnosticsInterval)
	scaler := supervise.NewDynamicScaler(manager, logger, bus, supervise.ScalerPolicy{
		Interval:          cfg.ScalerInterval,
		CPUThreshold:      cfg.ScalerCPUThreshold,
		MemoryThreshold:   cfg.ScalerMemoryThreshold,
		LowPriorityCutoff: cfg.LowPriorityCutoff,
	})
	limiter.Start()
	diagnostics.Start()
	scaler.Start()

	go func() {
		if err := loader.Watch(ctx, func() {
			logger.Info("Manifest change detected, reloading batch")
			loader.LoadAll(ctx)
		}); err != nil {
			logger.Warn("Manifest watch unavailable", "error", err)
		}
	}()

	reporter := supervise.NewStatusReporter(manager, flags, health)
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(reporter.Report()); err != nil {
			logger.Warn("Failed to encode status", "error", err)
		}
	})
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Status surface listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Status surface failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_ = server.Shutdown(shutdownCtx)
	if err := scaler.Stop(shutdownCtx); err != nil {
		logger.Warn("Scaler stop timed out", "error", err)
	}
	if err := diagnostics.Stop(shutdownCtx); err != nil {
		logger.Warn("Diagnostics stop timed out", "error", err)
	}
	if err := limiter.Stop(shutdownCtx); err != nil {
		logger.Warn("Resource limiter stop timed out", "error", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Module shutdown incomplete", "error", err)
	}
}
