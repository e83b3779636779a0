package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/geoforge/chunk-processing-service/common/geo"
	"github.com/geoforge/chunk-processing-service/common/models"
	"github.com/geoforge/chunk-processing-service/common/protocol"
	"github.com/geoforge/chunk-processing-service/partition"
	"github.com/geoforge/chunk-processing-service/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	extent, err := geo.NewBoundingRegion(0, 0, 0.01, 0.01)
	if err != nil {
		t.Fatalf("build extent: %v", err)
	}
	unit := partition.WorkUnit{ID: "chunk_0_0", Extent: extent, Settings: partition.DefaultSettings()}
	return registry.New([]partition.WorkUnit{unit}, registry.Policy{RetryBudget: 3, AssignmentTimeout: time.Minute})
}

func postJSON(t *testing.T, h http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(encoded))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func registerWorker(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := postJSON(t, h, "/workers/register", protocol.RegisterRequest{
		Capabilities: protocol.WorkerCapabilities{OS: "linux", CPUCores: 2},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("register returned %d: %s", rec.Code, rec.Body)
	}
	var resp protocol.RegisterResponse
	decodeData(t, rec, &resp)
	if resp.WorkerID == "" {
		t.Fatal("register returned empty worker id")
	}
	return resp.WorkerID
}

func TestRegisterRejectsMalformedAndInvalid(t *testing.T) {
	h := NewCoordinatorHandler(testRegistry(t)).Router()

	req := httptest.NewRequest(http.MethodPost, "/workers/register", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status %d, want 400", rec.Code)
	}

	rec = postJSON(t, h, "/workers/register", protocol.RegisterRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty capabilities: status %d, want 400", rec.Code)
	}

	var env models.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if env.Msg == "" {
		t.Error("error response carries no message")
	}
}

func TestWorkRequestLifecycleOverHTTP(t *testing.T) {
	h := NewCoordinatorHandler(testRegistry(t)).Router()
	workerID := registerWorker(t, h)

	// Unknown workers are 404.
	rec := postJSON(t, h, "/work/request", protocol.WorkRequest{WorkerID: "nobody"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown worker: status %d, want 404", rec.Code)
	}

	rec = postJSON(t, h, "/work/request", protocol.WorkRequest{WorkerID: workerID})
	if rec.Code != http.StatusOK {
		t.Fatalf("request work: status %d: %s", rec.Code, rec.Body)
	}
	var workResp protocol.WorkResponse
	decodeData(t, rec, &workResp)
	if workResp.WorkUnit == nil || workResp.WorkUnit.ID != "chunk_0_0" {
		t.Fatalf("work response = %+v, want chunk_0_0", workResp.WorkUnit)
	}

	rec = postJSON(t, h, "/work/start", protocol.StartRequest{WorkerID: workerID, UnitID: "chunk_0_0"})
	if rec.Code != http.StatusOK {
		t.Errorf("start work: status %d", rec.Code)
	}

	rec = postJSON(t, h, "/work/submit", protocol.SubmitRequest{
		WorkerID: workerID,
		Result:   protocol.WorkResult{UnitID: "chunk_0_0", Status: protocol.StatusCompleted, ResultLocation: "out.json"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("submit: status %d: %s", rec.Code, rec.Body)
	}
	var submitResp protocol.SubmitResponse
	decodeData(t, rec, &submitResp)
	if !submitResp.Accepted {
		t.Error("submit not accepted")
	}

	// The pool is dry now.
	rec = postJSON(t, h, "/work/request", protocol.WorkRequest{WorkerID: workerID})
	if rec.Code != http.StatusOK {
		t.Fatalf("drained request: status %d", rec.Code)
	}
	var empty protocol.WorkResponse
	decodeData(t, rec, &empty)
	if empty.WorkUnit != nil {
		t.Errorf("drained pool still returned unit %s", empty.WorkUnit.ID)
	}
}

func TestSubmitConflictAnswers409(t *testing.T) {
	h := NewCoordinatorHandler(testRegistry(t)).Router()
	workerID := registerWorker(t, h)
	other := registerWorker(t, h)

	rec := postJSON(t, h, "/work/request", protocol.WorkRequest{WorkerID: workerID})
	if rec.Code != http.StatusOK {
		t.Fatalf("request work: status %d", rec.Code)
	}

	// A submit from a worker that does not hold the unit must be rejected.
	rec = postJSON(t, h, "/work/submit", protocol.SubmitRequest{
		WorkerID: other,
		Result:   protocol.WorkResult{UnitID: "chunk_0_0", Status: protocol.StatusCompleted},
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("foreign submit: status %d, want 409", rec.Code)
	}
}

func TestSubmitRejectsUnknownStatus(t *testing.T) {
	h := NewCoordinatorHandler(testRegistry(t)).Router()
	workerID := registerWorker(t, h)

	rec := postJSON(t, h, "/work/submit", protocol.SubmitRequest{
		WorkerID: workerID,
		Result:   protocol.WorkResult{UnitID: "chunk_0_0", Status: "maybe"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bogus status: got %d, want 400", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	h := NewCoordinatorHandler(testRegistry(t)).Router()
	workerID := registerWorker(t, h)

	rec := postJSON(t, h, "/work/request", protocol.WorkRequest{WorkerID: workerID})
	if rec.Code != http.StatusOK {
		t.Fatalf("request work: status %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	statusRec := httptest.NewRecorder()
	h.ServeHTTP(statusRec, req)
	if statusRec.Code != http.StatusOK {
		t.Fatalf("status: %d", statusRec.Code)
	}

	var status protocol.StatusResponse
	decodeData(t, statusRec, &status)
	if status.TotalUnits != 1 || status.Assigned != 1 {
		t.Errorf("status = %+v, want 1 total, 1 assigned", status)
	}
	if len(status.Workers.Workers) != 1 {
		t.Errorf("status lists %d workers, want 1", len(status.Workers.Workers))
	}
}
