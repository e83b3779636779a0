package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/geoforge/chunk-processing-service/common/utils"
	"github.com/geoforge/chunk-processing-service/common/work"
)

// JobHandler exposes the redis-backed single-active-job guard. With redis
// disabled every route reports the guard as inactive.
type JobHandler struct {
	jobs   *work.JobManager
	router *chi.Mux
}

func NewJobHandler(jobs *work.JobManager) *JobHandler {
	h := &JobHandler{
		jobs: jobs,
	}

	r := chi.NewRouter()
	r.Get("/", h.handleListJobs)
	r.Get("/{jobID}", h.handleGetJob)
	r.Post("/{jobID}/resume", h.handleResumeJob)
	r.Post("/{jobID}/cancel", h.handleCancelJob)

	h.router = r
	return h
}

func (h *JobHandler) Router() *chi.Mux {
	return h.router
}

func (h *JobHandler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.jobs.ListRunningJobs(r.Context())
	if err != nil {
		utils.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.WriteJSON(w, http.StatusOK, jobs)
}

func (h *JobHandler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	running, err := h.jobs.IsRunning(r.Context(), jobID)
	if err != nil {
		utils.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  jobID,
		"running": running,
	})
}

func (h *JobHandler) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	resumed, err := h.jobs.Resume(r.Context(), jobID)
	if err != nil {
		utils.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !resumed {
		utils.WriteError(w, http.StatusNotFound, "job is not running")
		return
	}

	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  jobID,
		"resumed": true,
	})
}

func (h *JobHandler) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	if err := h.jobs.Cancel(r.Context(), jobID); err != nil {
		utils.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.WriteMessage(w, http.StatusOK, "cancelled")
}
