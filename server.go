package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/geoforge/chunk-processing-service/cache"
	"github.com/geoforge/chunk-processing-service/common/config"
	"github.com/geoforge/chunk-processing-service/common/work"
	"github.com/geoforge/chunk-processing-service/handler"
	"github.com/geoforge/chunk-processing-service/registry"
)

type AppHttpServer struct {
	router   *chi.Mux
	cfg      config.Config
	server   *http.Server
	registry *registry.Registry
	cache    *cache.Store
	jobs     *work.JobManager
}

func NewAppHttpServer(cfg config.Config) (*AppHttpServer, error) {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Workers poll frequently with small payloads; a short request timeout is
	// enough for every coordinator route.
	r.Use(middleware.Timeout(30 * time.Second))

	server := &AppHttpServer{
		router: r,
		cfg:    cfg,
	}
	return server, nil
}

// SetRegistry sets the work registry dependency
func (s *AppHttpServer) SetRegistry(reg *registry.Registry) {
	s.registry = reg
}

// SetCache sets the payload cache dependency
func (s *AppHttpServer) SetCache(store *cache.Store) {
	s.cache = store
}

// SetJobManager sets the redis job guard dependency
func (s *AppHttpServer) SetJobManager(jobs *work.JobManager) {
	s.jobs = jobs
}

func (s *AppHttpServer) setupRoute() {
	r := s.router

	if s.registry == nil {
		log.Fatal().Msg("Registry dependency not set")
	}

	// Public health endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"chunk-processing-service"}`))
	})

	r.Route("/v1", func(r chi.Router) {
		coordinatorHandler := handler.NewCoordinatorHandler(s.registry)
		healthHandler := handler.NewHealthHandler(s.cache)
		jobHandler := handler.NewJobHandler(s.jobs)

		r.Mount("/", coordinatorHandler.Router())
		r.Mount("/health", healthHandler.Router())
		r.Mount("/jobs", jobHandler.Router())

		if s.cache != nil {
			cacheHandler := handler.NewCacheHandler(s.cache)
			r.Mount("/cache", cacheHandler.Router())
		}
	})
}

func (s *AppHttpServer) start() error {
	r := s.router
	cfg := s.cfg
	log.Info().Msg("Starting up server...")

	s.server = &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// This starts the server in a goroutine from main
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// stop gracefully shuts down the server
func (s *AppHttpServer) stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
