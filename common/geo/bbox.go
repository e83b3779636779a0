package geo

import (
	"fmt"
	"strings"

	"github.com/geoforge/chunk-processing-service/common"
)

// Point is a geographic coordinate in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// BoundingRegion is an axis-aligned rectangle in geographic coordinates.
// Both axes satisfy min < max; use NewBoundingRegion to enforce this.
type BoundingRegion struct {
	MinLat float64 `json:"min_lat"`
	MinLng float64 `json:"min_lng"`
	MaxLat float64 `json:"max_lat"`
	MaxLng float64 `json:"max_lng"`
}

// NewBoundingRegion validates and builds a BoundingRegion.
func NewBoundingRegion(minLat, minLng, maxLat, maxLng float64) (BoundingRegion, error) {
	if minLat >= maxLat || minLng >= maxLng {
		return BoundingRegion{}, fmt.Errorf("%w: bounding region must have min < max on both axes (got lat %f..%f, lng %f..%f)",
			common.ErrInvalidConfiguration, minLat, maxLat, minLng, maxLng)
	}
	return BoundingRegion{MinLat: minLat, MinLng: minLng, MaxLat: maxLat, MaxLng: maxLng}, nil
}

// Validate reports whether the region still satisfies the min < max invariant.
// Useful for regions decoded from JSON, which bypass the constructor.
func (b BoundingRegion) Validate() error {
	_, err := NewBoundingRegion(b.MinLat, b.MinLng, b.MaxLat, b.MaxLng)
	return err
}

// Width is the longitude span in degrees.
func (b BoundingRegion) Width() float64 { return b.MaxLng - b.MinLng }

// Height is the latitude span in degrees.
func (b BoundingRegion) Height() float64 { return b.MaxLat - b.MinLat }

// Area is the extent area in square degrees.
func (b BoundingRegion) Area() float64 { return b.Width() * b.Height() }

// Contains reports whether the point lies inside the region.
// The min edges are inclusive, the max edges exclusive, so points on a
// shared grid line belong to exactly one tile.
func (b BoundingRegion) Contains(p Point) bool {
	return p.Lat >= b.MinLat && p.Lat < b.MaxLat && p.Lng >= b.MinLng && p.Lng < b.MaxLng
}

// Intersects reports whether the two regions share any area.
func (b BoundingRegion) Intersects(o BoundingRegion) bool {
	return b.MinLat < o.MaxLat && o.MinLat < b.MaxLat && b.MinLng < o.MaxLng && o.MinLng < b.MaxLng
}

// Quadrants splits the region into four equal sub-regions at the midpoint.
// Order: south-west, south-east, north-west, north-east.
func (b BoundingRegion) Quadrants() [4]BoundingRegion {
	midLat := (b.MinLat + b.MaxLat) / 2
	midLng := (b.MinLng + b.MaxLng) / 2
	return [4]BoundingRegion{
		{MinLat: b.MinLat, MinLng: b.MinLng, MaxLat: midLat, MaxLng: midLng},
		{MinLat: b.MinLat, MinLng: midLng, MaxLat: midLat, MaxLng: b.MaxLng},
		{MinLat: midLat, MinLng: b.MinLng, MaxLat: b.MaxLat, MaxLng: midLng},
		{MinLat: midLat, MinLng: midLng, MaxLat: b.MaxLat, MaxLng: b.MaxLng},
	}
}

// CacheKey returns the canonical fixed-precision key for this region.
// Coordinates are rendered at 6 decimal places and the result is made
// filesystem-safe. Matching on this key is exact; two regions differing in
// the seventh decimal place are distinct cache entries.
func (b BoundingRegion) CacheKey() string {
	key := fmt.Sprintf("%.6f_%.6f_%.6f_%.6f", b.MinLat, b.MinLng, b.MaxLat, b.MaxLng)
	return strings.NewReplacer(".", "_", "-", "_").Replace(key)
}

func (b BoundingRegion) String() string {
	return fmt.Sprintf("[%f,%f .. %f,%f]", b.MinLat, b.MinLng, b.MaxLat, b.MaxLng)
}
