package decomposer

import (
	"fmt"

	"github.com/geoforge/chunk-processing-service/common"
	"github.com/geoforge/chunk-processing-service/common/geo"
)

// MergeLoops joins boundary fragments of an area feature that arrived as
// separate node chains into closed rings. Merging runs iteratively to a
// fixed point with a hard iteration cap; exceeding the cap is reported as an
// error instead of silently truncating the geometry.
//
// Fragments already closed pass through untouched. Chains that cannot be
// closed (dangling ends, e.g. clipped at the extent boundary) are returned
// still open once the fixed point is reached; that is not an error.
func MergeLoops(fragments []Feature, maxIterations int) ([]Feature, error) {
	if maxIterations <= 0 {
		maxIterations = 100
	}

	var rings []Feature
	var open []Feature
	for _, f := range fragments {
		if isClosed(f) {
			f.Closed = true
			rings = append(rings, f)
		} else if len(f.Points) > 0 {
			open = append(open, f)
		}
	}

	for iteration := 0; len(open) > 1; iteration++ {
		if iteration >= maxIterations {
			return nil, fmt.Errorf("%w: %d open chains remain after %d iterations",
				common.ErrLoopMergeIterations, len(open), maxIterations)
		}

		merged := mergePass(open)
		if len(merged) == len(open) {
			// Fixed point: nothing joinable remains.
			break
		}
		open = merged

		// Chains may have closed during the pass.
		remaining := open[:0]
		for _, f := range open {
			if isClosed(f) {
				f.Closed = true
				rings = append(rings, f)
			} else {
				remaining = append(remaining, f)
			}
		}
		open = remaining
	}

	// A single leftover chain can still be a ring whose endpoints met.
	for _, f := range open {
		if isClosed(f) {
			f.Closed = true
		}
		rings = append(rings, f)
	}

	return rings, nil
}

// mergePass joins at most one pair per scan position and returns the reduced
// chain set. One pass never loops: every join strictly reduces the count.
func mergePass(chains []Feature) []Feature {
	out := make([]Feature, 0, len(chains))
	used := make([]bool, len(chains))

	for i := range chains {
		if used[i] {
			continue
		}
		current := chains[i]
		used[i] = true

		for j := i + 1; j < len(chains); j++ {
			if used[j] {
				continue
			}
			joined, ok := join(current, chains[j])
			if ok {
				current = joined
				used[j] = true
				break
			}
		}

		out = append(out, current)
	}

	return out
}

// join concatenates two chains when they share an endpoint, reversing one
// side as needed. The lower feature id survives so repeated merges stay
// deterministic.
func join(a, b Feature) (Feature, bool) {
	if len(a.Points) == 0 || len(b.Points) == 0 {
		return Feature{}, false
	}

	aStart, aEnd := a.Points[0], a.Points[len(a.Points)-1]
	bStart, bEnd := b.Points[0], b.Points[len(b.Points)-1]

	var points []geo.Point
	switch {
	case samePoint(aEnd, bStart):
		points = append(append([]geo.Point{}, a.Points...), b.Points[1:]...)
	case samePoint(aEnd, bEnd):
		points = append(append([]geo.Point{}, a.Points...), reversed(b.Points)[1:]...)
	case samePoint(aStart, bEnd):
		points = append(append([]geo.Point{}, b.Points...), a.Points[1:]...)
	case samePoint(aStart, bStart):
		points = append(reversed(b.Points), a.Points[1:]...)
	default:
		return Feature{}, false
	}

	merged := Feature{ID: a.ID, Points: points, Tags: a.Tags}
	if b.ID < a.ID {
		merged.ID = b.ID
		if len(merged.Tags) == 0 {
			merged.Tags = b.Tags
		}
	}
	return merged, true
}

func isClosed(f Feature) bool {
	return len(f.Points) >= 4 && samePoint(f.Points[0], f.Points[len(f.Points)-1])
}

func samePoint(a, b geo.Point) bool {
	const eps = 1e-9
	dLat := a.Lat - b.Lat
	dLng := a.Lng - b.Lng
	if dLat < 0 {
		dLat = -dLat
	}
	if dLng < 0 {
		dLng = -dLng
	}
	return dLat < eps && dLng < eps
}

func reversed(points []geo.Point) []geo.Point {
	out := make([]geo.Point, len(points))
	for i, p := range points {
		out[len(points)-1-i] = p
	}
	return out
}
