// Package protocol defines the JSON wire types exchanged between the
// coordinator and its workers. The transport is plain HTTP request/response;
// workers never share memory with the coordinator, so these types are the
// whole contract between them.
package protocol

import (
	"github.com/geoforge/chunk-processing-service/partition"
)

// Submit statuses reported by workers.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// WorkerCapabilities is reported once at registration and never mutated by
// the coordinator.
type WorkerCapabilities struct {
	OS       string `json:"os"`
	CPUCores int    `json:"cpu_cores"`
	MemoryGB int    `json:"memory_gb"`
}

// RegisterRequest registers a worker. WorkerID may carry a previously issued
// identity so a restarted worker can resume under the same name.
type RegisterRequest struct {
	WorkerID     string             `json:"worker_id,omitempty"`
	Capabilities WorkerCapabilities `json:"capabilities"`
}

type RegisterResponse struct {
	WorkerID      string `json:"worker_id"`
	CoordinatorID string `json:"coordinator_id"`
}

// WorkRequest asks for the next pending unit.
type WorkRequest struct {
	WorkerID string `json:"worker_id"`
}

// WorkResponse carries the assigned unit, or a nil WorkUnit when nothing is
// pending and the worker should back off.
type WorkResponse struct {
	WorkUnit *partition.WorkUnit `json:"work_unit,omitempty"`
}

// StartRequest reports that processing of an assigned unit has begun.
type StartRequest struct {
	WorkerID string `json:"worker_id"`
	UnitID   string `json:"unit_id"`
}

// WorkResult is produced by a worker for exactly one unit. The payload itself
// stays at ResultLocation; registry state only holds the reference.
type WorkResult struct {
	UnitID            string  `json:"unit_id"`
	Status            string  `json:"status"`
	ResultLocation    string  `json:"result_location,omitempty"`
	Error             string  `json:"error,omitempty"`
	ProcessingSeconds float64 `json:"processing_seconds"`
	// TimedOut marks a degraded-but-valid result whose decomposition hit the
	// processing deadline. It is reported in the final summary, not fatal.
	TimedOut bool `json:"timed_out,omitempty"`
}

type SubmitRequest struct {
	WorkerID string     `json:"worker_id"`
	Result   WorkResult `json:"result"`
}

type SubmitResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// WorkerStatus describes one registered worker in a status snapshot.
type WorkerStatus struct {
	WorkerID       string             `json:"worker_id"`
	CurrentUnit    string             `json:"current_unit,omitempty"`
	UnitsCompleted int                `json:"units_completed"`
	Capabilities   WorkerCapabilities `json:"capabilities"`
}

// WorkerSummary aggregates worker activity. Active workers hold a unit.
type WorkerSummary struct {
	Active  int            `json:"active"`
	Idle    int            `json:"idle"`
	Workers []WorkerStatus `json:"workers"`
}

// FailedUnit names a unit that exhausted its retry budget, with the last
// error a worker reported for it.
type FailedUnit struct {
	UnitID string `json:"unit_id"`
	Error  string `json:"error"`
}

// StatusResponse is a read-only snapshot of the whole job.
type StatusResponse struct {
	TotalUnits  int               `json:"total_units"`
	Pending     int               `json:"pending"`
	Assigned    int               `json:"assigned"`
	InProgress  int               `json:"in_progress"`
	Completed   int               `json:"completed"`
	Failed      int               `json:"failed"`
	Done        bool              `json:"done"`
	UnitStates  map[string]string `json:"unit_states"`
	Workers     WorkerSummary     `json:"workers"`
	FailedUnits []FailedUnit      `json:"failed_units,omitempty"`
}
