package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/joho/godotenv"

	"github.com/geoforge/chunk-processing-service/cache"
	"github.com/geoforge/chunk-processing-service/common/config"
	"github.com/geoforge/chunk-processing-service/common/logger"
	"github.com/geoforge/chunk-processing-service/common/storage"
	"github.com/geoforge/chunk-processing-service/worker"
)

func main() {
	// INITIATE CONFIGURATION
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("Error loading .env file, using environment variables")
	}

	logger.Init()

	cfg := config.DefaultConfig()
	cfg.LoadFromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-shutdown
		log.Info().Msg("Shutdown signal received, finishing current unit")
		cancel()
	}()

	cacheStore, err := cache.New(cfg.Cache.Dir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to setup payload cache")
	}

	resultStorage, err := storage.NewLocalStorage(cfg.Worker.ResultDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to setup result storage")
	}

	// A worker without a data source can still process units whose payloads
	// are already cached.
	var source worker.DataSource
	if cfg.Worker.DataSourceURL != "" {
		source = worker.NewHTTPDataSource(cfg.Worker.DataSourceURL)
	} else {
		log.Warn().Msg("No data source configured, serving from cache only")
	}

	client := worker.NewClient(cfg.Worker.CoordinatorURL, cfg.Worker.RequestTimeout)
	loop := worker.NewLoop(cfg, client, cacheStore, source, resultStorage)

	log.Info().
		Str("coordinator", cfg.Worker.CoordinatorURL).
		Str("cacheDir", cfg.Cache.Dir).
		Msg("Worker starting")

	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Worker stopped with error")
	}
	log.Info().Msg("Worker stopped")
}
