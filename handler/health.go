package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/geoforge/chunk-processing-service/cache"
	"github.com/geoforge/chunk-processing-service/common/utils"
)

type HealthHandler struct {
	cache  *cache.Store
	router *chi.Mux
}

func NewHealthHandler(cacheStore *cache.Store) *HealthHandler {
	h := &HealthHandler{
		cache: cacheStore,
	}

	r := chi.NewRouter()
	r.Get("/", h.handleHealthCheck)
	r.Get("/cache", h.handleCacheHealth)

	h.router = r
	return h
}

func (h *HealthHandler) Router() *chi.Mux {
	return h.router
}

func (h *HealthHandler) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "chunk-processing-service",
	}

	utils.WriteJSON(w, http.StatusOK, response)
}

func (h *HealthHandler) handleCacheHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}

	if h.cache == nil {
		response["cache"] = map[string]interface{}{"status": "disabled"}
		utils.WriteJSON(w, http.StatusOK, response)
		return
	}

	size, err := h.cache.Size()
	if err != nil {
		response["status"] = "unhealthy"
		response["cache"] = map[string]interface{}{
			"status": "unhealthy",
			"error":  err.Error(),
		}
		utils.WriteJSON(w, http.StatusServiceUnavailable, response)
		return
	}

	response["cache"] = map[string]interface{}{
		"status":     "healthy",
		"dir":        h.cache.Dir(),
		"size_bytes": size,
	}
	utils.WriteJSON(w, http.StatusOK, response)
}
