package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/geoforge/chunk-processing-service/cache"
	"github.com/geoforge/chunk-processing-service/common"
	"github.com/geoforge/chunk-processing-service/common/utils"
)

// CacheHandler exposes administrative operations over the payload cache.
type CacheHandler struct {
	cache  *cache.Store
	router *chi.Mux
}

func NewCacheHandler(cacheStore *cache.Store) *CacheHandler {
	h := &CacheHandler{
		cache: cacheStore,
	}

	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Delete("/", h.handleClear)
	r.Delete("/{key}", h.handleRemove)

	h.router = r
	return h
}

func (h *CacheHandler) Router() *chi.Mux {
	return h.router
}

func (h *CacheHandler) handleList(w http.ResponseWriter, r *http.Request) {
	entries, err := h.cache.List()
	if err != nil {
		utils.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.WriteJSON(w, http.StatusOK, entries)
}

func (h *CacheHandler) handleRemove(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		utils.WriteError(w, http.StatusBadRequest, "missing cache key")
		return
	}

	if err := h.cache.RemoveKey(key); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			utils.WriteError(w, http.StatusNotFound, "cache entry not found")
			return
		}
		utils.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.WriteMessage(w, http.StatusOK, "removed")
}

func (h *CacheHandler) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.Clear(); err != nil {
		utils.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.WriteMessage(w, http.StatusOK, "cleared")
}
