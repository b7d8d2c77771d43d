package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"loanrisk/internal/cfg"
	"loanrisk/internal/jobs"
	"loanrisk/internal/metrics"
	"loanrisk/internal/server"
	"loanrisk/internal/storage"
)

func main() {
	_ = godotenv.Load()

	if level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	if err := os.MkdirAll(c.DataPath, 0o750); err != nil {
		log.Fatal().Err(err).Str("path", c.DataPath).Msg("data path unavailable")
	}

	m := metrics.New()
	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Fatal().Err(err).Msg("storage initialization failed")
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := jobs.NewManager(store, m, c.JobTTL, c.JobSweepInterval)
	manager.Start(ctx)

	api := server.New(store, manager, m, server.Options{
		Addr:               c.ListenAddr,
		MaxUploadBytes:     c.MaxUploadBytes,
		DefaultConfig:      c.Training,
		DefaultEngineering: c.FeatureEngineering,
	})
	metricsServer := newMetricsServer(c.MetricsPort)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := api.Start(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		waitForShutdown(gctx)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer shutdownCancel()
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shutdown api server")
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shutdown metrics server")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server exited with error")
	}

	// Give running training jobs a bounded window to wind down.
	done := make(chan struct{})
	go func() {
		manager.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all jobs stopped")
	case <-time.After(c.ShutdownTimeout):
		log.Warn().Msg("shutdown timeout, forcing exit")
	}
}

func newMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func waitForShutdown(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}
	log.Info().Msg("shutting down gracefully...")
}
