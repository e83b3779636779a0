package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/geoforge/chunk-processing-service/common/work"
)

// Without redis the job guard is a no-op; the routes must still answer
// sensibly instead of erroring.
func TestJobRoutesWithoutRedis(t *testing.T) {
	h := NewJobHandler(work.NewJobManager(nil)).Router()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("list jobs: status %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/some-job", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get job: status %d, want 200", rec.Code)
	}
	var status struct {
		JobID   string `json:"job_id"`
		Running bool   `json:"running"`
	}
	decodeData(t, rec, &status)
	if status.JobID != "some-job" || status.Running {
		t.Errorf("job status = %+v, want some-job not running", status)
	}

	// Nothing is running, so there is nothing to resume.
	req = httptest.NewRequest(http.MethodPost, "/some-job/resume", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("resume idle job: status %d, want 404", rec.Code)
	}
	var env struct {
		Msg string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if env.Msg == "" {
		t.Error("resume rejection carries no message")
	}

	req = httptest.NewRequest(http.MethodPost, "/some-job/cancel", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("cancel job: status %d, want 200", rec.Code)
	}
}
