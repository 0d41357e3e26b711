package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aegis/internal/config"
	"aegis/internal/control"
	"aegis/internal/counterstore"
	"aegis/internal/forwarder"
	"aegis/internal/pipeline"
	"aegis/internal/telemetry"
	"aegis/internal/waf"
)

func main() {
	configPath := flag.String("config-file", config.DefaultConfigPath, "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Server.LogLevel == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("starting Aegis",
		"version", "0.1.0",
		"address", cfg.Server.Address,
		"port", cfg.Server.Port,
		"upstream", cfg.Upstream,
		"rules", len(cfg.Rules),
	)

	store := config.NewStore(cfg)

	var counters waf.CounterStore
	var counterClient *counterstore.Client
	if cfg.Redis.Enabled {
		counterClient, err = counterstore.New(cfg.Redis.URL)
		if err != nil {
			slog.Error("failed to connect to counter store", "error", err)
			os.Exit(1)
		}
		counters = counterClient
		slog.Info("counter store enabled", "url", cfg.Redis.URL)
	} else {
		slog.Info("counter store disabled, rate-based rules will skip")
	}

	metricsProvider, err := telemetry.NewProvider(telemetry.Config{
		Enabled:        cfg.Metrics.Enabled,
		Exporter:       cfg.Metrics.Exporter,
		Endpoint:       cfg.Metrics.ExportEndpoint,
		Insecure:       cfg.Metrics.Insecure,
		ExportInterval: time.Duration(cfg.Metrics.ExportIntervalSeconds) * time.Second,
	})
	if err != nil {
		slog.Error("failed to initialize metrics provider", "error", err)
		os.Exit(1)
	}

	fwd, err := forwarder.New(cfg.Upstream)
	if err != nil {
		slog.Error("failed to build forwarder", "error", err)
		os.Exit(1)
	}

	pipe := pipeline.New(store, counters, fwd, metricsProvider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go store.Watch(ctx, *configPath)

	proxyServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port),
		Handler:      pipe,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // disabled so large upstream responses can stream
		IdleTimeout:  120 * time.Second,
	}

	var controlServer *http.Server
	if cfg.Control.Enabled {
		controlHandler := control.New(store)
		controlServer = &http.Server{
			Addr:         cfg.Control.Listen,
			Handler:      controlHandler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}

	errChan := make(chan error, 2)

	go func() {
		slog.Info("proxy server starting", "addr", proxyServer.Addr)
		if err := proxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("proxy server error: %w", err)
		}
	}()

	if controlServer != nil {
		go func() {
			slog.Info("control server starting", "addr", controlServer.Addr)
			if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("control server error: %w", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down")
	cancel() // stop the config watcher

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := proxyServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("proxy server shutdown error", "error", err)
	}
	if controlServer != nil {
		if err := controlServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("control server shutdown error", "error", err)
		}
	}
	if counterClient != nil {
		if err := counterClient.Close(); err != nil {
			slog.Error("counter store close error", "error", err)
		}
	}
	if err := metricsProvider.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics provider shutdown error", "error", err)
	}

	slog.Info("Aegis stopped")
}
