// Package worker implements the processing side of the system: a loop that
// pulls one unit at a time from the coordinator, runs the local
// decomposition and per-leaf transformation, and reports a result for every
// unit it touches — success or failure, never silence.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/geoforge/chunk-processing-service/cache"
	"github.com/geoforge/chunk-processing-service/common"
	"github.com/geoforge/chunk-processing-service/common/config"
	"github.com/geoforge/chunk-processing-service/common/geo"
	"github.com/geoforge/chunk-processing-service/common/logger"
	"github.com/geoforge/chunk-processing-service/common/protocol"
	"github.com/geoforge/chunk-processing-service/common/storage"
	"github.com/geoforge/chunk-processing-service/common/work"
	"github.com/geoforge/chunk-processing-service/decomposer"
	"github.com/geoforge/chunk-processing-service/merge"
	"github.com/geoforge/chunk-processing-service/partition"
)

// Loop drives one worker. Units are processed strictly one at a time; only
// leaf processing inside a unit runs in parallel.
type Loop struct {
	client   *Client
	cache    *cache.Store
	source   DataSource
	storage  storage.ResultStorage
	workerID string

	decomposerCfg decomposer.Config
	loopCap       int
	leafWorkers   int
	memoryGB      int

	maxIdlePolls    int
	pollInterval    time.Duration
	maxPollInterval time.Duration

	log zerolog.Logger
}

// NewLoop wires a worker loop from configuration. source may be nil for
// process-only workers that rely entirely on a pre-populated cache.
func NewLoop(cfg config.Config, client *Client, cacheStore *cache.Store, source DataSource, resultStorage storage.ResultStorage) *Loop {
	return &Loop{
		client:  client,
		cache:   cacheStore,
		source:  source,
		storage: resultStorage,
		decomposerCfg: decomposer.Config{
			MaxFeaturesPerLeaf: cfg.Decomposer.MaxFeaturesPerLeaf,
			Deadline:           cfg.Decomposer.Deadline,
		},
		loopCap:         cfg.Decomposer.LoopIterationCap,
		leafWorkers:     cfg.Worker.LeafWorkers,
		memoryGB:        cfg.Worker.MemoryGB,
		maxIdlePolls:    cfg.Worker.MaxIdlePolls,
		pollInterval:    cfg.Worker.PollInterval,
		maxPollInterval: cfg.Worker.MaxPollInterval,
		log:             logger.Component("worker"),
	}
}

// Capabilities reports what this machine offers. The coordinator treats the
// report as read-only input for cost-aware assignment.
func (l *Loop) Capabilities() protocol.WorkerCapabilities {
	return protocol.WorkerCapabilities{
		OS:       runtime.GOOS,
		CPUCores: runtime.NumCPU(),
		MemoryGB: l.memoryGB,
	}
}

// Run registers and processes units until the coordinator runs dry, the
// idle-poll budget is spent, or ctx is cancelled. Abandoning a unit on
// cancellation is safe: the coordinator's timeout reclamation hands it to
// another worker.
func (l *Loop) Run(ctx context.Context) error {
	resp, err := l.client.Register(ctx, protocol.RegisterRequest{
		WorkerID:     l.workerID,
		Capabilities: l.Capabilities(),
	})
	if err != nil {
		return fmt.Errorf("register with coordinator: %w", err)
	}
	l.workerID = resp.WorkerID
	l.log = l.log.With().Str("workerID", l.workerID).Logger()
	l.log.Info().Str("coordinatorID", resp.CoordinatorID).Msg("Registered with coordinator")

	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = l.pollInterval
	idle.MaxInterval = l.maxPollInterval
	idle.Reset()

	idlePolls := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		unit, err := l.client.RequestWork(ctx, l.workerID)
		if err != nil {
			l.log.Warn().Err(err).Msg("Work request failed, backing off")
			idlePolls++
		} else if unit == nil {
			idlePolls++
			if status, err := l.client.Status(ctx); err == nil {
				l.log.Debug().
					Int("pending", status.Pending).
					Int("inProgress", status.InProgress).
					Int("completed", status.Completed).
					Int("failed", status.Failed).
					Msg("No work available")
			}
		} else {
			idlePolls = 0
			idle.Reset()

			result := l.processUnit(ctx, *unit)
			l.submit(ctx, result)
			continue
		}

		if l.maxIdlePolls > 0 && idlePolls >= l.maxIdlePolls {
			l.log.Info().Int("polls", idlePolls).Msg("No work after repeated polls, shutting down")
			return nil
		}
		if !sleep(ctx, idle.NextBackOff()) {
			return ctx.Err()
		}
	}
}

func (l *Loop) submit(ctx context.Context, result protocol.WorkResult) {
	resp, err := l.client.SubmitResult(ctx, l.workerID, result)
	if err != nil {
		// The coordinator will reclaim the unit on timeout; nothing else to do.
		l.log.Error().Err(err).Str("unitID", result.UnitID).Msg("Failed to submit result")
		return
	}
	if !resp.Accepted {
		l.log.Warn().
			Str("unitID", result.UnitID).
			Str("reason", resp.Reason).
			Msg("Result rejected, unit was reclaimed while we worked")
		// Another worker's output is authoritative now; drop the duplicate.
		if result.ResultLocation != "" {
			if err := l.storage.Delete(ctx, result.ResultLocation); err != nil {
				l.log.Warn().Err(err).Str("location", result.ResultLocation).Msg("Could not remove rejected result")
			}
		}
	}
}

// processUnit runs the full per-unit pipeline. Every failure path produces a
// failed WorkResult with a reason so the coordinator can retry immediately
// instead of waiting out the assignment timeout.
func (l *Loop) processUnit(ctx context.Context, unit partition.WorkUnit) protocol.WorkResult {
	start := time.Now()
	log := l.log.With().Str("unitID", unit.ID).Logger()
	log.Info().Float64("estimatedCost", unit.EstimatedCost).Msg("Processing unit")

	if err := l.client.StartWork(ctx, l.workerID, unit.ID); err != nil {
		log.Warn().Err(err).Msg("Could not report start of work")
	}

	fail := func(reason string, err error) protocol.WorkResult {
		log.Error().Err(err).Str("reason", reason).Msg("Unit processing failed")
		return protocol.WorkResult{
			UnitID:            unit.ID,
			Status:            protocol.StatusFailed,
			Error:             fmt.Sprintf("%s: %v", reason, err),
			ProcessingSeconds: time.Since(start).Seconds(),
		}
	}

	payload, err := l.loadPayload(ctx, unit.Extent)
	if err != nil {
		return fail("payload unavailable", err)
	}

	features, err := parseFeatures(payload)
	if err != nil {
		return fail("malformed payload", err)
	}

	features, err = assembleAreas(features, l.loopCap)
	if err != nil {
		return fail("area assembly", err)
	}

	decomposed := decomposer.Decompose(ctx, unit.Extent, features, l.decomposerCfg)
	if decomposed.TimedOut {
		log.Warn().
			Int("leaves", len(decomposed.Leaves)).
			Int("splits", decomposed.Splits).
			Msg("Decomposition hit deadline, continuing with degraded leaves")
	}

	elements, err := l.processLeaves(ctx, decomposed.Leaves, unit)
	if err != nil {
		return fail("leaf processing", err)
	}

	encoded, err := json.Marshal(merge.UnitOutput{UnitID: unit.ID, Elements: elements})
	if err != nil {
		return fail("encode output", err)
	}
	location, err := l.storage.Store(ctx, unit.ID+".json", encoded)
	if err != nil {
		return fail("store output", err)
	}

	log.Info().
		Int("features", len(features)).
		Int("leaves", len(decomposed.Leaves)).
		Int("elements", len(elements)).
		Dur("took", time.Since(start)).
		Msg("Unit processed")

	return protocol.WorkResult{
		UnitID:            unit.ID,
		Status:            protocol.StatusCompleted,
		ResultLocation:    location,
		ProcessingSeconds: time.Since(start).Seconds(),
		TimedOut:          decomposed.TimedOut,
	}
}

// loadPayload serves the unit's raw input, preferring the cache. A checksum
// failure triggers exactly one automatic re-acquisition before surfacing.
func (l *Loop) loadPayload(ctx context.Context, extent geo.BoundingRegion) ([]byte, error) {
	payload, err := l.cache.Get(extent)
	switch {
	case err == nil:
		return payload, nil
	case errors.Is(err, common.ErrIntegrity):
		l.log.Warn().Err(err).Msg("Cached payload corrupt, re-acquiring")
	case errors.Is(err, common.ErrNotFound):
		// Cache miss; fall through to acquisition.
	default:
		return nil, err
	}

	if l.source == nil {
		if errors.Is(err, common.ErrIntegrity) {
			return nil, err
		}
		return nil, fmt.Errorf("%w and no data source configured", common.ErrNotFound)
	}

	payload, fetchErr := l.source.Fetch(ctx, extent)
	if fetchErr != nil {
		return nil, fmt.Errorf("acquire payload: %w", fetchErr)
	}
	if _, putErr := l.cache.Put(extent, payload, l.source.Method()); putErr != nil {
		l.log.Warn().Err(putErr).Msg("Could not cache acquired payload")
	}
	return payload, nil
}

// processLeaves renders leaves to output elements through the shared worker
// pool. Leaves are independent by construction, so order of completion does
// not matter; element order is made deterministic afterwards.
func (l *Loop) processLeaves(ctx context.Context, leaves []decomposer.Leaf, unit partition.WorkUnit) ([]merge.Element, error) {
	if len(leaves) == 0 {
		return nil, nil
	}

	workers := l.leafWorkers
	if workers <= 0 {
		workers = 1
	}
	pool, err := work.NewWorkerPool[[]merge.Element](workers, len(leaves))
	if err != nil {
		return nil, err
	}
	pool.Start(ctx, "leaves-"+unit.ID)
	defer pool.Stop()

	for i, leaf := range leaves {
		leaf := leaf
		task, err := work.NewTask[[]merge.Element](
			func(ctx context.Context) ([]merge.Element, error) {
				return renderLeaf(leaf, unit.Settings), nil
			},
			work.WithID[[]merge.Element](fmt.Sprintf("%s/leaf-%d", unit.ID, i)),
		)
		if err != nil {
			return nil, err
		}
		if err := pool.AddTask(ctx, task); err != nil {
			return nil, err
		}
	}

	var elements []merge.Element
	for received := 0; received < len(leaves); received++ {
		select {
		case result := <-pool.Results():
			if result.Error != nil {
				return nil, fmt.Errorf("leaf %s: %w", result.TaskID, result.Error)
			}
			elements = append(elements, result.Result...)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	sort.Slice(elements, func(i, j int) bool { return elements[i].Address < elements[j].Address })
	return elements, nil
}

// elementValue is what a rendered feature contributes to the output.
type elementValue struct {
	Kind        string  `json:"kind"`
	Nodes       int     `json:"nodes"`
	Scale       float64 `json:"scale"`
	GroundLevel int     `json:"ground_level"`
}

// renderLeaf turns a leaf's features into addressable output elements. A
// feature is claimed by the leaf containing its anchor point, so a feature
// spanning several leaves is rendered exactly once per unit.
func renderLeaf(leaf decomposer.Leaf, settings partition.Settings) []merge.Element {
	var elements []merge.Element
	for _, f := range leaf.Features {
		anchor := f.Anchor()
		if !leaf.Region.Contains(anchor) {
			continue
		}

		value, err := json.Marshal(elementValue{
			Kind:        f.Kind(),
			Nodes:       len(f.Points),
			Scale:       settings.Scale,
			GroundLevel: settings.GroundLevel,
		})
		if err != nil {
			continue
		}

		elements = append(elements, merge.Element{
			Address:  fmt.Sprintf("feature/%d", f.ID),
			Location: anchor,
			Value:    value,
		})
	}
	return elements
}

// payloadDoc is the raw input format: a flat element list, as served by the
// acquisition collaborator and stored in the cache.
type payloadDoc struct {
	Elements []decomposer.Feature `json:"elements"`
}

func parseFeatures(payload []byte) ([]decomposer.Feature, error) {
	var doc payloadDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return doc.Elements, nil
}

// assembleAreas rejoins area boundaries that arrived as fragmented node
// chains. Fragments of one area share a "relation" tag; each group is merged
// to closed rings before decomposition so area features stay whole.
func assembleAreas(features []decomposer.Feature, loopCap int) ([]decomposer.Feature, error) {
	groups := make(map[string][]decomposer.Feature)
	var out []decomposer.Feature

	for _, f := range features {
		if rel, ok := f.Tags["relation"]; ok && rel != "" && !f.Closed {
			groups[rel] = append(groups[rel], f)
			continue
		}
		out = append(out, f)
	}

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		merged, err := decomposer.MergeLoops(groups[key], loopCap)
		if err != nil {
			return nil, fmt.Errorf("relation %s: %w", key, err)
		}
		out = append(out, merged...)
	}

	return out, nil
}

// sleep waits for d or until ctx is cancelled; it reports whether the full
// wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
