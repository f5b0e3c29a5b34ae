// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/inbound/config"
	"github.com/absmach/inbound/engine"
	"github.com/absmach/inbound/engine/workpool"
	"github.com/absmach/inbound/telemetry"
	"github.com/google/uuid"
)

const version = "0.1.0"

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting inbound", "version", version)
	slog.Info("Configuration loaded",
		"source", cfg.Source.Kind,
		"target", cfg.Target.Kind,
		"endpoints", len(cfg.Endpoints))

	if len(cfg.Endpoints) == 0 {
		slog.Error("No endpoints configured")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	instanceID := uuid.NewString()
	otelShutdown, err := telemetry.InitProvider(ctx, cfg.Telemetry, instanceID)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	metrics, err := engine.NewMetrics(nil)
	if err != nil {
		slog.Error("Failed to create metrics", "error", err)
		os.Exit(1)
	}

	src, err := newSource(cfg.Source, logger)
	if err != nil {
		slog.Error("Failed to create message source", "kind", cfg.Source.Kind, "error", err)
		os.Exit(1)
	}
	factory, err := newTargetFactory(cfg.Target, logger)
	if err != nil {
		slog.Error("Failed to create delivery target", "kind", cfg.Target.Kind, "error", err)
		os.Exit(1)
	}

	pool := workpool.New(poolConfig(cfg), logger)
	timer := engine.NewClockTimer()

	endpoints := make([]*engine.Endpoint, 0, len(cfg.Endpoints))
	for _, epCfg := range cfg.Endpoints {
		engCfg, err := epCfg.ToEngine()
		if err != nil {
			slog.Error("Invalid endpoint", "endpoint", epCfg.Name, "error", err)
			os.Exit(1)
		}
		ep, err := engine.New(engCfg, engine.Options{
			Source:      src,
			Factory:     factory,
			Scheduler:   pool,
			Timer:       timer,
			SelfPause:   epCfg.FailurePolicy.SelfPause(),
			Logger:      logger.With(slog.String("name", epCfg.Name)),
			Metrics:     metrics,
			BackoffBase: cfg.Engine.BackoffBase,
			BackoffMax:  cfg.Engine.BackoffMax,
		})
		if err != nil {
			slog.Error("Failed to create endpoint", "endpoint", epCfg.Name, "error", err)
			os.Exit(1)
		}
		if err := ep.Start(ctx); err != nil {
			slog.Error("Failed to start endpoint", "endpoint", epCfg.Name, "error", err)
			stopAll(endpoints)
			os.Exit(1)
		}
		endpoints = append(endpoints, ep)
		slog.Info("Endpoint started",
			"endpoint", epCfg.Name,
			"id", ep.ID(),
			"destination", engCfg.Dest().String(),
			"work_units", engCfg.WorkUnits())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	slog.Info("Received shutdown signal", "signal", sig)
	cancel()

	stopAll(endpoints)
	if err := pool.Close(); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer otelCancel()
	if err := otelShutdown(otelCtx); err != nil {
		slog.Error("Failed to shutdown OpenTelemetry", "error", err)
	}

	slog.Info("Inbound stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// poolConfig sizes the pool so every work unit can be queued at once.
func poolConfig(cfg *config.Config) workpool.Config {
	units := cfg.WorkUnits()
	workers := cfg.Engine.Workers
	if workers == 0 {
		workers = max(units, 1)
	}
	return workpool.Config{
		Workers:         workers,
		QueueSize:       max(cfg.Engine.QueueSize, units),
		ShutdownTimeout: cfg.Engine.ShutdownTimeout,
	}
}

func stopAll(endpoints []*engine.Endpoint) {
	var wg sync.WaitGroup
	for _, ep := range endpoints {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ep.Stop()
		}()
	}
	wg.Wait()
}
