package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"weather_forecaster/internal/api"
	"weather_forecaster/internal/artifact"
	"weather_forecaster/internal/config"
	"weather_forecaster/internal/evaluate"
	"weather_forecaster/internal/forecast"
	"weather_forecaster/internal/logging"
	"weather_forecaster/internal/predictor"
	"weather_forecaster/internal/store"
	"weather_forecaster/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	if err := predictor.CheckRecipes(cfg.BaseModels); err != nil {
		log.Fatalf("Invalid base models: %v", err)
	}

	srv, hub, cleanup, err := build(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to build server: %v", err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.Server.Addr, "cities", cfg.Cities, "models", cfg.Models())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// build wires the stores, engine and transports. The returned cleanup closes
// the metrics backend.
func build(cfg config.Config, logger *slog.Logger) (*http.Server, *ws.Hub, func(), error) {
	history := store.New(cfg.Paths.DataDir)
	artifacts, err := artifact.NewStore(cfg.Paths.ModelsDir, cfg.ArtifactCacheSize)
	if err != nil {
		return nil, nil, nil, err
	}
	metricsStore, err := evaluate.Open(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup := func() {
		if err := evaluate.Close(metricsStore); err != nil {
			logger.Warn("closing metrics store", "error", err)
		}
	}

	engine := forecast.NewEngine(cfg, history, artifacts, logger)
	evaluator := evaluate.NewEvaluator(cfg, history, artifacts, metricsStore, logger)

	collector, err := api.NewCollector(artifacts.Cache().Stats)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	hub := ws.NewHub()
	if err := collector.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "forecaster",
		Subsystem: "ws",
		Name:      "clients",
		Help:      "Connected WebSocket clients.",
	}, func() float64 { return float64(hub.ClientCount()) })); err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	server := api.New(cfg, engine, evaluator, collector, logger)
	server.Mount("GET /ws", ws.NewHandler(hub, engine, cfg, logger))

	return &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, hub, cleanup, nil
}
