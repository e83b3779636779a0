// Package partition splits a bounding region into a deterministic grid of
// overlapping work units and estimates their relative processing cost.
package partition

import (
	"fmt"
	"math"

	"github.com/samber/lo"

	"github.com/geoforge/chunk-processing-service/common"
	"github.com/geoforge/chunk-processing-service/common/config"
	"github.com/geoforge/chunk-processing-service/common/geo"
)

// Settings is the per-unit processing snapshot. It is captured at partition
// time and never mutated afterwards, so two workers retrying the same unit
// always see identical parameters.
type Settings struct {
	Scale       float64 `json:"scale"`
	Terrain     bool    `json:"terrain"`
	Interior    bool    `json:"interior"`
	Roof        bool    `json:"roof"`
	GroundLevel int     `json:"ground_level"`
}

// DefaultSettings returns the standard processing settings.
func DefaultSettings() Settings {
	return Settings{
		Scale:       1.0,
		Terrain:     false,
		Interior:    true,
		Roof:        true,
		GroundLevel: -62,
	}
}

// SettingsFromConfig builds a settings snapshot from the partition config.
func SettingsFromConfig(cfg config.PartitionConfig) Settings {
	return Settings{
		Scale:       cfg.Scale,
		Terrain:     cfg.Terrain,
		Interior:    cfg.Interior,
		Roof:        cfg.Roof,
		GroundLevel: cfg.GroundLevel,
	}
}

// WorkUnit is one independently schedulable slice of the job. Immutable after
// creation; the registry owns its lifecycle state separately.
type WorkUnit struct {
	ID            string             `json:"id"`
	Extent        geo.BoundingRegion `json:"extent"`
	Settings      Settings           `json:"settings"`
	EstimatedCost float64            `json:"estimated_cost"`
}

// Config controls grid geometry.
type Config struct {
	// ChunkSizeDegrees is the grid step on both axes.
	ChunkSizeDegrees float64
	// OverlapDegrees enlarges each unit past its grid cell so features
	// crossing a cell boundary are captured by both neighbours.
	OverlapDegrees float64
}

// ConfigFromEnv extracts the grid parameters from the partition config.
func ConfigFromEnv(cfg config.PartitionConfig) Config {
	return Config{
		ChunkSizeDegrees: cfg.ChunkSizeDegrees,
		OverlapDegrees:   cfg.OverlapDegrees,
	}
}

// Partition tiles the region with a uniform grid of work units in row-major
// order (latitude outer, longitude inner). The sequence is deterministic for
// identical inputs; merge correctness depends on that.
func Partition(region geo.BoundingRegion, cfg Config, settings Settings) ([]WorkUnit, error) {
	if err := region.Validate(); err != nil {
		return nil, err
	}
	if cfg.ChunkSizeDegrees <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %f", common.ErrInvalidConfiguration, cfg.ChunkSizeDegrees)
	}
	if cfg.OverlapDegrees < 0 {
		return nil, fmt.Errorf("%w: overlap must not be negative, got %f", common.ErrInvalidConfiguration, cfg.OverlapDegrees)
	}

	numLat := int(math.Ceil(region.Height() / cfg.ChunkSizeDegrees))
	numLng := int(math.Ceil(region.Width() / cfg.ChunkSizeDegrees))

	units := make([]WorkUnit, 0, numLat*numLng)
	for latIdx := 0; latIdx < numLat; latIdx++ {
		for lngIdx := 0; lngIdx < numLng; lngIdx++ {
			minLat := region.MinLat + float64(latIdx)*cfg.ChunkSizeDegrees
			minLng := region.MinLng + float64(lngIdx)*cfg.ChunkSizeDegrees

			// Overlap extends each unit past its grid cell, clamped at the
			// outer boundary of the whole region.
			maxLat := math.Min(minLat+cfg.ChunkSizeDegrees+cfg.OverlapDegrees, region.MaxLat)
			maxLng := math.Min(minLng+cfg.ChunkSizeDegrees+cfg.OverlapDegrees, region.MaxLng)

			extent, err := geo.NewBoundingRegion(minLat, minLng, maxLat, maxLng)
			if err != nil {
				// Degenerate slivers can only appear when the grid step does
				// not divide the region evenly down to float precision.
				continue
			}

			unit := WorkUnit{
				ID:       fmt.Sprintf("chunk_%d_%d", latIdx, lngIdx),
				Extent:   extent,
				Settings: settings,
			}
			unit.EstimatedCost = EstimateCost(unit)
			units = append(units, unit)
		}
	}

	return units, nil
}

// EstimateCost scores a unit for assignment ordering. The score is monotonic
// in extent area and scaled up by the enabled feature toggles; it never
// changes the extent itself.
func EstimateCost(unit WorkUnit) float64 {
	// Baseline: 60 cost points per 0.01 x 0.01 degree cell.
	cost := unit.Extent.Area() / (0.01 * 0.01) * 60.0

	if unit.Settings.Terrain {
		cost *= 1.5
	}
	if unit.Settings.Interior {
		cost *= 1.2
	}

	return cost
}

// Stats summarises a partitioned unit list.
type Stats struct {
	TotalUnits      int     `json:"total_units"`
	TotalCost       float64 `json:"total_cost"`
	MeanCostPerUnit float64 `json:"mean_cost_per_unit"`
}

// Summarize computes aggregate cost statistics over the units.
func Summarize(units []WorkUnit) Stats {
	total := lo.SumBy(units, func(u WorkUnit) float64 { return u.EstimatedCost })

	stats := Stats{
		TotalUnits: len(units),
		TotalCost:  total,
	}
	if len(units) > 0 {
		stats.MeanCostPerUnit = total / float64(len(units))
	}
	return stats
}
