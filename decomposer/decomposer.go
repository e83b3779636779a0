// Package decomposer subdivides a geometrically dense region into leaf
// regions small enough to process directly. Splitting runs over an explicit
// worklist instead of call-stack recursion, so queue depth is bounded by the
// entries in flight and a hostile input cannot blow the stack.
package decomposer

import (
	"context"
	"time"

	"github.com/geoforge/chunk-processing-service/common/geo"
)

// Feature is one geometric element inside a region: a chain of nodes with
// tags, closed when the chain forms a ring.
type Feature struct {
	ID     int64             `json:"id"`
	Points []geo.Point       `json:"points"`
	Tags   map[string]string `json:"tags,omitempty"`
	Closed bool              `json:"closed,omitempty"`
}

// Bounds returns the feature's bounding box. The zero region is returned for
// a feature without points.
func (f Feature) Bounds() geo.BoundingRegion {
	if len(f.Points) == 0 {
		return geo.BoundingRegion{}
	}
	b := geo.BoundingRegion{
		MinLat: f.Points[0].Lat, MaxLat: f.Points[0].Lat,
		MinLng: f.Points[0].Lng, MaxLng: f.Points[0].Lng,
	}
	for _, p := range f.Points[1:] {
		if p.Lat < b.MinLat {
			b.MinLat = p.Lat
		}
		if p.Lat > b.MaxLat {
			b.MaxLat = p.Lat
		}
		if p.Lng < b.MinLng {
			b.MinLng = p.Lng
		}
		if p.Lng > b.MaxLng {
			b.MaxLng = p.Lng
		}
	}
	return b
}

// Anchor is the feature's representative point: the centroid of its node
// chain. Used to assign a feature to exactly one leaf.
func (f Feature) Anchor() geo.Point {
	if len(f.Points) == 0 {
		return geo.Point{}
	}
	var lat, lng float64
	for _, p := range f.Points {
		lat += p.Lat
		lng += p.Lng
	}
	n := float64(len(f.Points))
	return geo.Point{Lat: lat / n, Lng: lng / n}
}

// wellKnownKinds are checked in a fixed order so a feature tagged with
// several of them classifies deterministically.
var wellKnownKinds = []string{"building", "highway", "water", "waterway", "natural", "landuse", "leisure", "railway", "barrier"}

// Kind classifies the feature by its most significant tag.
func (f Feature) Kind() string {
	for _, kind := range wellKnownKinds {
		if _, ok := f.Tags[kind]; ok {
			return kind
		}
	}
	return "generic"
}

// intersects reports whether any part of the feature can fall inside the
// region, judged by bounding boxes. Edge-touching counts, so a feature on a
// quadrant boundary is kept by both quadrants rather than lost.
func (f Feature) intersects(region geo.BoundingRegion) bool {
	b := f.Bounds()
	return b.MinLat <= region.MaxLat && region.MinLat <= b.MaxLat &&
		b.MinLng <= region.MaxLng && region.MinLng <= b.MaxLng
}

// Config bounds a single decomposition run.
type Config struct {
	// MaxFeaturesPerLeaf is the processing threshold: a region holding at
	// most this many features becomes a leaf.
	MaxFeaturesPerLeaf int
	// Deadline is the wall-clock budget for the whole run. On expiry the
	// remaining worklist is flushed as oversized leaves and the result is
	// flagged TimedOut. Zero means the default budget; a negative value is
	// already expired.
	Deadline time.Duration
}

// DefaultConfig returns the standard decomposition bounds.
func DefaultConfig() Config {
	return Config{
		MaxFeaturesPerLeaf: 64,
		Deadline:           25 * time.Second,
	}
}

// Leaf is a region small enough to process directly, with the features that
// intersect it.
type Leaf struct {
	Region   geo.BoundingRegion `json:"region"`
	Features []Feature          `json:"features"`
	// Oversized marks a leaf emitted by deadline flush before it reached the
	// feature threshold.
	Oversized bool `json:"oversized,omitempty"`
}

// Result is the outcome of a decomposition run.
type Result struct {
	Leaves []Leaf
	// TimedOut reports that the deadline expired before the worklist
	// drained. The leaves are still valid, merely coarser than requested;
	// callers must treat this as a degraded result, not a crash.
	TimedOut bool
	// Splits counts quadrant subdivisions performed, for diagnostics.
	Splits int
	// MaxQueueDepth is the high-water mark of the worklist.
	MaxQueueDepth int
}

type workItem struct {
	region   geo.BoundingRegion
	features []Feature
}

// Decompose subdivides the extent until every emitted leaf holds at most
// MaxFeaturesPerLeaf features, or the deadline expires. The worklist is a
// LIFO slice: depth-first order keeps the queue near the tree depth instead
// of the tree width. Cancelling ctx behaves like hitting the deadline.
func Decompose(ctx context.Context, extent geo.BoundingRegion, features []Feature, cfg Config) Result {
	if cfg.MaxFeaturesPerLeaf <= 0 {
		cfg.MaxFeaturesPerLeaf = DefaultConfig().MaxFeaturesPerLeaf
	}
	if cfg.Deadline == 0 {
		cfg.Deadline = DefaultConfig().Deadline
	}
	deadline := time.Now().Add(cfg.Deadline)

	var result Result
	queue := []workItem{{region: extent, features: features}}

	for len(queue) > 0 {
		// Deadline check before every pop: abort with partial output instead
		// of running past the budget.
		if time.Now().After(deadline) || ctx.Err() != nil {
			result.TimedOut = true
			for _, item := range queue {
				result.Leaves = append(result.Leaves, Leaf{Region: item.region, Features: item.features, Oversized: true})
			}
			return result
		}

		if len(queue) > result.MaxQueueDepth {
			result.MaxQueueDepth = len(queue)
		}

		item := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		if len(item.features) <= cfg.MaxFeaturesPerLeaf {
			result.Leaves = append(result.Leaves, Leaf{Region: item.region, Features: item.features})
			continue
		}

		result.Splits++
		split := false
		for _, quadrant := range item.region.Quadrants() {
			kept := filterFeatures(item.features, quadrant)
			if len(kept) == 0 {
				continue
			}
			// A quadrant that keeps every feature cannot make progress by
			// further splitting alone; region shrinkage still applies, so
			// only give up when the region is already point-like.
			if len(kept) == len(item.features) && quadrant.Area() < 1e-12 {
				result.Leaves = append(result.Leaves, Leaf{Region: quadrant, Features: kept, Oversized: true})
				continue
			}
			queue = append(queue, workItem{region: quadrant, features: kept})
			split = true
		}
		if !split && len(item.features) > 0 {
			// All quadrants degenerate; emit as-is rather than loop forever.
			result.Leaves = append(result.Leaves, Leaf{Region: item.region, Features: item.features, Oversized: true})
		}
	}

	return result
}

func filterFeatures(features []Feature, region geo.BoundingRegion) []Feature {
	var kept []Feature
	for _, f := range features {
		if f.intersects(region) {
			kept = append(kept, f)
		}
	}
	return kept
}
