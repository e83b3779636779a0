package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/geoforge/chunk-processing-service/common"
	"github.com/geoforge/chunk-processing-service/common/protocol"
	"github.com/geoforge/chunk-processing-service/common/utils"
	"github.com/geoforge/chunk-processing-service/registry"
)

// CoordinatorHandler exposes the registry over the worker protocol.
type CoordinatorHandler struct {
	registry *registry.Registry
	router   *chi.Mux
}

func NewCoordinatorHandler(reg *registry.Registry) *CoordinatorHandler {
	h := &CoordinatorHandler{
		registry: reg,
	}

	r := chi.NewRouter()
	r.Post("/workers/register", h.handleRegister)
	r.Post("/work/request", h.handleRequestWork)
	r.Post("/work/start", h.handleStartWork)
	r.Post("/work/submit", h.handleSubmitResult)
	r.Get("/status", h.handleStatus)

	h.router = r
	return h
}

func (h *CoordinatorHandler) Router() *chi.Mux {
	return h.router
}

func (h *CoordinatorHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "malformed registration request")
		return
	}

	workerID, err := h.registry.Register(req.WorkerID, req.Capabilities)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	utils.WriteJSON(w, http.StatusOK, protocol.RegisterResponse{
		WorkerID:      workerID,
		CoordinatorID: h.registry.CoordinatorID(),
	})
}

func (h *CoordinatorHandler) handleRequestWork(w http.ResponseWriter, r *http.Request) {
	var req protocol.WorkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "malformed work request")
		return
	}

	unit, err := h.registry.RequestWork(req.WorkerID)
	if err != nil {
		if errors.Is(err, common.ErrUnknownWorker) {
			utils.WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		utils.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// unit is nil when nothing is pending; the worker backs off.
	utils.WriteJSON(w, http.StatusOK, protocol.WorkResponse{WorkUnit: unit})
}

func (h *CoordinatorHandler) handleStartWork(w http.ResponseWriter, r *http.Request) {
	var req protocol.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "malformed start request")
		return
	}

	if err := h.registry.StartWork(req.WorkerID, req.UnitID); err != nil {
		writeRegistryError(w, err)
		return
	}

	utils.WriteMessage(w, http.StatusOK, "started")
}

func (h *CoordinatorHandler) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	var req protocol.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "malformed submit request")
		return
	}
	if req.Result.Status != protocol.StatusCompleted && req.Result.Status != protocol.StatusFailed {
		utils.WriteError(w, http.StatusBadRequest, "status must be completed or failed")
		return
	}

	if err := h.registry.SubmitResult(req.WorkerID, req.Result); err != nil {
		writeRegistryError(w, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, protocol.SubmitResponse{Accepted: true})
}

func (h *CoordinatorHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSON(w, http.StatusOK, h.registry.Status())
}

func writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, common.ErrAssignmentConflict):
		utils.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, common.ErrUnknownWorker), errors.Is(err, common.ErrNotFound):
		utils.WriteError(w, http.StatusNotFound, err.Error())
	default:
		utils.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
