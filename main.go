package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/joho/godotenv"

	"github.com/geoforge/chunk-processing-service/cache"
	"github.com/geoforge/chunk-processing-service/common/config"
	"github.com/geoforge/chunk-processing-service/common/geo"
	"github.com/geoforge/chunk-processing-service/common/logger"
	"github.com/geoforge/chunk-processing-service/common/messaging"
	"github.com/geoforge/chunk-processing-service/common/redis"
	"github.com/geoforge/chunk-processing-service/common/storage"
	"github.com/geoforge/chunk-processing-service/common/work"
	"github.com/geoforge/chunk-processing-service/merge"
	"github.com/geoforge/chunk-processing-service/partition"
	"github.com/geoforge/chunk-processing-service/registry"
)

func main() {
	// INITIATE CONFIGURATION
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("Error loading .env file, using environment variables")
	}

	logger.Init()

	cfg := config.DefaultConfig()
	cfg.LoadFromEnv()

	// Create a base context with cancel for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// PARTITION THE REGION
	region, err := geo.NewBoundingRegion(cfg.Partition.MinLat, cfg.Partition.MinLng, cfg.Partition.MaxLat, cfg.Partition.MaxLng)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid region configuration")
	}

	units, err := partition.Partition(region, partition.ConfigFromEnv(cfg.Partition), partition.SettingsFromConfig(cfg.Partition))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to partition region")
	}

	stats := partition.Summarize(units)
	log.Info().
		Int("units", stats.TotalUnits).
		Float64("total_cost", stats.TotalCost).
		Str("region", region.String()).
		Msg("Region partitioned")

	reg := registry.New(units, registry.Policy{
		RetryBudget:       cfg.Coordinator.RetryBudget,
		AssignmentTimeout: cfg.Coordinator.AssignmentTimeout,
	})

	// INITIATE REDIS JOB GUARD
	var redisClient *redis.RedisClient
	if cfg.RedisEnabled() {
		redisClient, err = redis.NewClient(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to setup redis client")
		}
		defer redisClient.Close()
	}

	jobManager := work.NewJobManager(redisClient)
	if err := jobManager.Start(ctx, cfg.Coordinator.JobID); err != nil {
		log.Fatal().Err(err).Str("job_id", cfg.Coordinator.JobID).Msg("Failed to acquire job guard")
	}
	defer func() {
		if err := jobManager.Complete(context.Background(), cfg.Coordinator.JobID); err != nil {
			log.Warn().Err(err).Msg("Failed to release job guard")
		}
	}()

	// INITIATE NATS CLIENT
	if cfg.NatsEnabled() {
		natsClient, err := messaging.SetupNatsBroker(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to setup NATS client")
		}
		defer natsClient.Close()
		reg.SetEventPublisher(natsClient)
	}

	// Payload cache, shared with workers running on the same host and exposed
	// over the admin routes.
	cacheStore, err := cache.New(cfg.Cache.Dir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to setup payload cache")
	}

	// Reclaim expired assignments in the background
	go func() {
		ticker := time.NewTicker(cfg.Coordinator.ReclaimInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if reclaimed := reg.ReclaimExpired(time.Now()); len(reclaimed) > 0 {
					log.Warn().Strs("units", reclaimed).Msg("Reclaimed expired assignments")
				}
			}
		}
	}()

	// INITIATE SERVER
	server, err := NewAppHttpServer(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create the server")
	}

	// Inject dependencies
	server.SetRegistry(reg)
	server.SetCache(cacheStore)
	server.SetJobManager(jobManager)

	// Setup routes
	server.setupRoute()

	// Start server in a goroutine
	go func() {
		if err := server.start(); err != nil {
			log.Error().Err(err).Msg("Server error")
			cancel()
		}
	}()

	log.Info().Str("address", cfg.ListenAddr()).Msg("Server started successfully")

	// Wait for shutdown signal or a failed server
	select {
	case <-shutdown:
		log.Info().Msg("Shutdown signal received")
	case <-ctx.Done():
	}

	// Create a timeout context for graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}

	// Merge whatever completed into one output document
	status := reg.Status()
	if status.Completed > 0 && cfg.Coordinator.MergeOutputPath != "" {
		resultStore, storeErr := storage.NewLocalStorage(cfg.Worker.ResultDir)
		if storeErr != nil {
			log.Error().Err(storeErr).Msg("Failed to open result storage, skipping merge")
		} else if elements, report, err := merge.Merge(reg.Units(), reg.CompletedResults(), merge.StorageLoader(context.Background(), resultStore)); err != nil {
			log.Error().Err(err).Msg("Merge failed")
		} else if err := merge.WriteOutput(cfg.Coordinator.MergeOutputPath, elements); err != nil {
			log.Error().Err(err).Msg("Failed to write merged output")
		} else {
			log.Info().
				Str("path", cfg.Coordinator.MergeOutputPath).
				Int("units", report.MergedUnits).
				Int("elements", report.Elements).
				Int("duplicatesDropped", report.DuplicatesDropped).
				Strs("missingUnits", report.MissingUnits).
				Msg("Merged output written")
		}
	}
	summary := log.Info().
		Int("total", status.TotalUnits).
		Int("completed", status.Completed).
		Int("failed", status.Failed)
	if status.Failed > 0 {
		summary = log.Warn().
			Int("total", status.TotalUnits).
			Int("completed", status.Completed).
			Int("failed", status.Failed)
		for _, failed := range reg.FailedUnits() {
			log.Warn().Str("unit", failed.UnitID).Str("error", failed.Error).Msg("Unit failed permanently")
		}
	}
	summary.Msg("Coordinator stopped")

	if status.Failed > 0 {
		os.Exit(1)
	}
}
