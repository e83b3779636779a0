// Package registry owns the authoritative state of every work unit: the
// unit -> state mapping, assignees, attempt counts and deadlines. All
// transitions go through the Registry's lock; workers never mutate records
// directly.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/geoforge/chunk-processing-service/common"
	"github.com/geoforge/chunk-processing-service/common/logger"
	"github.com/geoforge/chunk-processing-service/common/protocol"
	"github.com/geoforge/chunk-processing-service/partition"
)

// State is the lifecycle state of a work unit.
type State string

const (
	StatePending    State = "pending"
	StateAssigned   State = "assigned"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Unit lifecycle events published to observers.
const (
	EventAssigned  = "assigned"
	EventStarted   = "started"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventReclaimed = "reclaimed"
)

// EventPublisher receives unit lifecycle notifications. Publishing is
// best-effort; a slow or absent observer must never delay a transition.
type EventPublisher interface {
	PublishUnitEvent(ctx context.Context, event, unitID, workerID string)
}

// Policy holds the retry and reclamation knobs.
type Policy struct {
	// RetryBudget is the number of failed attempts a unit may accumulate
	// before it is marked Failed.
	RetryBudget int
	// AssignmentTimeout is how long a unit may sit Assigned/InProgress
	// before reclamation returns it to the pending pool.
	AssignmentTimeout time.Duration
}

// DefaultPolicy returns the standard retry and timeout policy.
func DefaultPolicy() Policy {
	return Policy{
		RetryBudget:       3,
		AssignmentTimeout: 5 * time.Minute,
	}
}

// WorkRecord wraps a WorkUnit with its mutable lifecycle state.
type WorkRecord struct {
	Unit              partition.WorkUnit
	State             State
	Assignee          string
	Attempts          int
	AssignedAt        time.Time
	LastError         string
	ResultLocation    string
	ProcessingSeconds float64
	TimedOut          bool
}

type workerState struct {
	capabilities   protocol.WorkerCapabilities
	currentUnit    string
	unitsCompleted int
	lastSeen       time.Time
}

// Registry is the coordinator's work state machine. A single coarse lock
// serialises all transitions; unit counts are modest enough that contention
// stays negligible, and Status reads share the lock in read mode.
type Registry struct {
	mu sync.RWMutex

	coordinatorID string
	policy        Policy
	units         map[string]*WorkRecord
	// order holds unit ids sorted by (estimated cost, id); assignment scans
	// it for the first pending unit so selection is deterministic.
	order   []string
	workers map[string]*workerState
	events  EventPublisher
	now     func() time.Time
	log     zerolog.Logger
}

// New builds a registry over a partitioned unit list.
func New(units []partition.WorkUnit, policy Policy) *Registry {
	if policy.RetryBudget <= 0 {
		policy.RetryBudget = DefaultPolicy().RetryBudget
	}
	if policy.AssignmentTimeout <= 0 {
		policy.AssignmentTimeout = DefaultPolicy().AssignmentTimeout
	}

	r := &Registry{
		coordinatorID: uuid.NewString(),
		policy:        policy,
		units:         make(map[string]*WorkRecord, len(units)),
		order:         make([]string, 0, len(units)),
		workers:       make(map[string]*workerState),
		now:           time.Now,
		log:           logger.Component("registry"),
	}

	for _, unit := range units {
		r.units[unit.ID] = &WorkRecord{Unit: unit, State: StatePending}
		r.order = append(r.order, unit.ID)
	}
	sort.Slice(r.order, func(i, j int) bool {
		a, b := r.units[r.order[i]], r.units[r.order[j]]
		if a.Unit.EstimatedCost != b.Unit.EstimatedCost {
			return a.Unit.EstimatedCost < b.Unit.EstimatedCost
		}
		return a.Unit.ID < b.Unit.ID
	})

	return r
}

// SetEventPublisher attaches a lifecycle event observer.
func (r *Registry) SetEventPublisher(p EventPublisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = p
}

// SetClock overrides the time source. Tests use it to age assignments
// without sleeping.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// CoordinatorID returns this coordinator's identity.
func (r *Registry) CoordinatorID() string {
	return r.coordinatorID
}

// Register records a worker and returns its identity. A caller may present a
// previously issued id to resume after a restart; otherwise a fresh UUID is
// assigned.
func (r *Registry) Register(workerID string, caps protocol.WorkerCapabilities) (string, error) {
	if caps.OS == "" {
		return "", fmt.Errorf("%w: capabilities missing operating system", common.ErrInvalidConfiguration)
	}
	if caps.CPUCores < 1 {
		return "", fmt.Errorf("%w: capabilities report %d cpu cores", common.ErrInvalidConfiguration, caps.CPUCores)
	}
	if caps.MemoryGB < 0 {
		return "", fmt.Errorf("%w: capabilities report negative memory", common.ErrInvalidConfiguration)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if workerID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate worker id: %w", err)
		}
		workerID = id.String()
	}

	if existing, ok := r.workers[workerID]; ok {
		// A worker resuming under its old id keeps its completion count and
		// any unit still assigned to it; only the capability report refreshes.
		existing.capabilities = caps
		existing.lastSeen = r.now()
	} else {
		r.workers[workerID] = &workerState{
			capabilities: caps,
			lastSeen:     r.now(),
		}
	}

	r.log.Info().
		Str("workerID", workerID).
		Str("os", caps.OS).
		Int("cpuCores", caps.CPUCores).
		Int("memoryGB", caps.MemoryGB).
		Msg("Worker registered")

	return workerID, nil
}

// RequestWork assigns the highest-priority pending unit to the worker:
// lowest estimated cost first, ties broken by ascending unit id. Returns nil
// when nothing is pending. Expired assignments are reclaimed first, so a
// stuck unit becomes assignable again on the very next request.
func (r *Registry) RequestWork(workerID string) (*partition.WorkUnit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, ok := r.workers[workerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrUnknownWorker, workerID)
	}
	worker.lastSeen = r.now()

	r.reclaimLocked(r.now())

	for _, id := range r.order {
		rec := r.units[id]
		if rec.State != StatePending {
			continue
		}

		rec.State = StateAssigned
		rec.Assignee = workerID
		rec.AssignedAt = r.now()
		worker.currentUnit = id

		r.log.Info().
			Str("workerID", workerID).
			Str("unitID", id).
			Int("attempt", rec.Attempts+1).
			Msg("Unit assigned")
		r.publish(EventAssigned, id, workerID)

		unit := rec.Unit
		return &unit, nil
	}

	return nil, nil
}

// StartWork moves an assigned unit to InProgress. Only the current assignee
// may report the transition.
func (r *Registry) StartWork(workerID, unitID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.units[unitID]
	if !ok {
		return fmt.Errorf("%w: unit %s", common.ErrNotFound, unitID)
	}
	if rec.State != StateAssigned || rec.Assignee != workerID {
		return fmt.Errorf("%w: unit %s is not assigned to worker %s", common.ErrAssignmentConflict, unitID, workerID)
	}

	rec.State = StateInProgress
	r.publish(EventStarted, unitID, workerID)
	return nil
}

// SubmitResult records a worker's result for a unit. It is accepted only
// from the current assignee while the unit is Assigned or InProgress; a
// stale submit from a reclaimed worker is rejected with ErrAssignmentConflict
// and signals harmless duplicate work, not a registry error.
func (r *Registry) SubmitResult(workerID string, result protocol.WorkResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrUnknownWorker, workerID)
	}
	worker.lastSeen = r.now()

	rec, ok := r.units[result.UnitID]
	if !ok {
		return fmt.Errorf("%w: unit %s", common.ErrNotFound, result.UnitID)
	}

	if (rec.State != StateAssigned && rec.State != StateInProgress) || rec.Assignee != workerID {
		return fmt.Errorf("%w: unit %s is held by %q, submit from %q", common.ErrAssignmentConflict, result.UnitID, rec.Assignee, workerID)
	}

	worker.currentUnit = ""

	if result.Status == protocol.StatusCompleted {
		rec.State = StateCompleted
		rec.Assignee = ""
		rec.ResultLocation = result.ResultLocation
		rec.ProcessingSeconds = result.ProcessingSeconds
		rec.TimedOut = result.TimedOut
		worker.unitsCompleted++

		r.log.Info().
			Str("workerID", workerID).
			Str("unitID", result.UnitID).
			Float64("seconds", result.ProcessingSeconds).
			Bool("timedOut", result.TimedOut).
			Msg("Unit completed")
		r.publish(EventCompleted, result.UnitID, workerID)
		return nil
	}

	// Failed attempt: retry until the budget is spent.
	rec.Attempts++
	rec.Assignee = ""
	rec.LastError = result.Error

	if rec.Attempts >= r.policy.RetryBudget {
		rec.State = StateFailed
		r.log.Warn().
			Str("unitID", result.UnitID).
			Int("attempts", rec.Attempts).
			Str("lastError", result.Error).
			Msg("Unit failed permanently, retry budget exhausted")
		r.publish(EventFailed, result.UnitID, workerID)
		return nil
	}

	rec.State = StatePending
	r.log.Warn().
		Str("unitID", result.UnitID).
		Int("attempts", rec.Attempts).
		Int("budget", r.policy.RetryBudget).
		Str("error", result.Error).
		Msg("Unit attempt failed, returned to pending")
	return nil
}

// ReclaimExpired returns every timed-out in-flight unit to the pending pool,
// incrementing its attempt count; units whose budget is spent move to Failed
// instead. Returns the ids of reclaimed units.
func (r *Registry) ReclaimExpired(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reclaimLocked(now)
}

func (r *Registry) reclaimLocked(now time.Time) []string {
	var reclaimed []string

	for id, rec := range r.units {
		if rec.State != StateAssigned && rec.State != StateInProgress {
			continue
		}
		if now.Sub(rec.AssignedAt) <= r.policy.AssignmentTimeout {
			continue
		}

		assignee := rec.Assignee
		if worker, ok := r.workers[assignee]; ok && worker.currentUnit == id {
			worker.currentUnit = ""
		}

		rec.Attempts++
		rec.Assignee = ""

		if rec.Attempts >= r.policy.RetryBudget {
			rec.State = StateFailed
			if rec.LastError == "" {
				rec.LastError = common.ErrRetryBudgetExhausted.Error()
			}
			r.log.Warn().
				Str("unitID", id).
				Str("workerID", assignee).
				Msg("Reclaimed unit failed permanently, retry budget exhausted")
			r.publish(EventFailed, id, assignee)
		} else {
			rec.State = StatePending
			r.log.Warn().
				Str("unitID", id).
				Str("workerID", assignee).
				Int("attempts", rec.Attempts).
				Msg("Assignment timed out, unit reclaimed")
			r.publish(EventReclaimed, id, assignee)
		}

		reclaimed = append(reclaimed, id)
	}

	return reclaimed
}

// Status builds a read-only snapshot of the job without blocking writers for
// longer than the copy itself takes.
func (r *Registry) Status() protocol.StatusResponse {
	r.mu.RLock()
	defer r.mu.RUnlock()

	resp := protocol.StatusResponse{
		TotalUnits: len(r.units),
		UnitStates: make(map[string]string, len(r.units)),
	}

	for id, rec := range r.units {
		resp.UnitStates[id] = string(rec.State)
		switch rec.State {
		case StatePending:
			resp.Pending++
		case StateAssigned:
			resp.Assigned++
		case StateInProgress:
			resp.InProgress++
		case StateCompleted:
			resp.Completed++
		case StateFailed:
			resp.Failed++
			resp.FailedUnits = append(resp.FailedUnits, protocol.FailedUnit{UnitID: id, Error: rec.LastError})
		}
	}
	sort.Slice(resp.FailedUnits, func(i, j int) bool { return resp.FailedUnits[i].UnitID < resp.FailedUnits[j].UnitID })

	for id, worker := range r.workers {
		status := protocol.WorkerStatus{
			WorkerID:       id,
			CurrentUnit:    worker.currentUnit,
			UnitsCompleted: worker.unitsCompleted,
			Capabilities:   worker.capabilities,
		}
		resp.Workers.Workers = append(resp.Workers.Workers, status)
		if worker.currentUnit != "" {
			resp.Workers.Active++
		} else {
			resp.Workers.Idle++
		}
	}
	sort.Slice(resp.Workers.Workers, func(i, j int) bool {
		return resp.Workers.Workers[i].WorkerID < resp.Workers.Workers[j].WorkerID
	})

	resp.Done = resp.Pending == 0 && resp.Assigned == 0 && resp.InProgress == 0
	return resp
}

// Done reports whether no unit can make further progress: everything is
// either Completed or Failed.
func (r *Registry) Done() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.units {
		switch rec.State {
		case StateCompleted, StateFailed:
		default:
			return false
		}
	}
	return true
}

// FailedUnits lists units that exhausted their retry budget, with the last
// reported error for each. A non-empty list means the job ends in partial
// failure; the caller decides whether to accept the gap or abort.
func (r *Registry) FailedUnits() []protocol.FailedUnit {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var failed []protocol.FailedUnit
	for id, rec := range r.units {
		if rec.State == StateFailed {
			failed = append(failed, protocol.FailedUnit{UnitID: id, Error: rec.LastError})
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].UnitID < failed[j].UnitID })
	return failed
}

// CompletedResults returns unit id -> result location for every completed
// unit, the merge engine's input.
func (r *Registry) CompletedResults() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make(map[string]string)
	for id, rec := range r.units {
		if rec.State == StateCompleted {
			results[id] = rec.ResultLocation
		}
	}
	return results
}

// Units returns the registry's units in assignment-priority order.
func (r *Registry) Units() []partition.WorkUnit {
	r.mu.RLock()
	defer r.mu.RUnlock()

	units := make([]partition.WorkUnit, 0, len(r.units))
	for _, id := range r.order {
		units = append(units, r.units[id].Unit)
	}
	return units
}

func (r *Registry) publish(event, unitID, workerID string) {
	if r.events == nil {
		return
	}
	// Fire and forget; transitions must not wait on observers.
	go r.events.PublishUnitEvent(context.Background(), event, unitID, workerID)
}
