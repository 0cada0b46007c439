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
	"github.com/spf13/pflag"

	"ping-upload-coordinator/internal/api"
	"ping-upload-coordinator/internal/config"
	"ping-upload-coordinator/internal/coordinator"
	"ping-upload-coordinator/internal/logging"
	"ping-upload-coordinator/internal/metrics"
	"ping-upload-coordinator/internal/websocket"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse("pingd", os.Args[1:])
	if err != nil {
		return err
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logger := logging.New(level)
	slog.SetDefault(logger)

	// Metrics registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	exporter, err := metrics.NewExporter("pingupload", registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	// The status feed reads from the coordinator built below
	var coord *coordinator.Coordinator
	wsManager := websocket.New(func(ctx context.Context) (any, error) {
		stats, err := coord.Stats(ctx)
		if err != nil {
			return nil, err
		}
		pings, err := coord.PendingPings(ctx, 100)
		if err != nil {
			return nil, err
		}
		return map[string]any{"stats": stats, "pings": pings}, nil
	}, logger)

	coord, err = coordinator.New(*cfg, coordinator.Deps{
		Logger:   logger,
		Metrics:  exporter,
		OnChange: wsManager.Broadcast,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := coord.Initialize(ctx); err != nil {
		return err
	}

	// Create API server
	apiServer := api.NewServer(coord, wsManager, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), logger)
	mux := http.NewServeMux()
	apiServer.SetupRoutes(mux)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("debug API listening", "addr", cfg.ListenAddr, "endpoint", cfg.ServerEndpoint)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("debug API stopped", "error", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	wsManager.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("debug API shutdown", "error", err)
	}
	return coord.Shutdown(shutdownCtx)
}
