package decomposer

import (
	"errors"
	"testing"

	"github.com/geoforge/chunk-processing-service/common"
	"github.com/geoforge/chunk-processing-service/common/geo"
)

func chain(id int64, points ...geo.Point) Feature {
	return Feature{ID: id, Points: points}
}

func p(lat, lng float64) geo.Point {
	return geo.Point{Lat: lat, Lng: lng}
}

func TestMergeLoopsJoinsFragmentsIntoRing(t *testing.T) {
	// Two halves of a square, split across the shared endpoints.
	fragments := []Feature{
		chain(1, p(0, 0), p(0, 1), p(1, 1)),
		chain(2, p(1, 1), p(1, 0), p(0, 0)),
	}

	rings, err := MergeLoops(fragments, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rings) != 1 {
		t.Fatalf("got %d features, want 1 ring", len(rings))
	}
	ring := rings[0]
	if !ring.Closed {
		t.Error("merged ring not marked closed")
	}
	if ring.ID != 1 {
		t.Errorf("ring id = %d, want the lower fragment id", ring.ID)
	}
	if !samePoint(ring.Points[0], ring.Points[len(ring.Points)-1]) {
		t.Error("ring endpoints do not meet")
	}
}

func TestMergeLoopsHandlesReversedFragments(t *testing.T) {
	// The second fragment runs in the opposite direction; join must reverse it.
	fragments := []Feature{
		chain(1, p(0, 0), p(0, 1), p(1, 1)),
		chain(2, p(0, 0), p(1, 0), p(1, 1)),
	}

	rings, err := MergeLoops(fragments, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rings) != 1 {
		t.Fatalf("got %d features, want 1 ring", len(rings))
	}
	if !rings[0].Closed {
		t.Error("merged ring not marked closed")
	}
}

func TestMergeLoopsThreeFragments(t *testing.T) {
	fragments := []Feature{
		chain(3, p(1, 1), p(1, 0)),
		chain(1, p(0, 0), p(0, 1), p(1, 1)),
		chain(2, p(1, 0), p(0, 0)),
	}

	rings, err := MergeLoops(fragments, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rings) != 1 {
		t.Fatalf("got %d features, want 1 ring", len(rings))
	}
	if rings[0].ID != 1 {
		t.Errorf("ring id = %d, want 1", rings[0].ID)
	}
}

func TestMergeLoopsPassesClosedRingsThrough(t *testing.T) {
	ring := chain(7, p(0, 0), p(0, 1), p(1, 1), p(0, 0))

	rings, err := MergeLoops([]Feature{ring}, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rings) != 1 {
		t.Fatalf("got %d features, want 1", len(rings))
	}
	if !rings[0].Closed {
		t.Error("already-closed ring lost its closed flag")
	}
}

func TestMergeLoopsLeavesDanglingChainsOpen(t *testing.T) {
	// Disconnected chains, e.g. clipped at the extent boundary. Not an error;
	// they come back open.
	fragments := []Feature{
		chain(1, p(0, 0), p(0, 1)),
		chain(2, p(5, 5), p(5, 6)),
	}

	out, err := MergeLoops(fragments, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d features, want 2 open chains", len(out))
	}
	for _, f := range out {
		if f.Closed {
			t.Errorf("chain %d wrongly marked closed", f.ID)
		}
	}
}

func TestMergeLoopsIterationCap(t *testing.T) {
	// A long joinable chain sequence with a cap too small to finish.
	var fragments []Feature
	for i := 0; i < 64; i++ {
		fragments = append(fragments, chain(int64(i), p(float64(i), 0), p(float64(i+1), 0)))
	}

	_, err := MergeLoops(fragments, 1)
	if !errors.Is(err, common.ErrLoopMergeIterations) {
		t.Fatalf("expected ErrLoopMergeIterations, got %v", err)
	}

	// With a sane cap the same input reduces fine.
	out, err := MergeLoops(fragments, 100)
	if err != nil {
		t.Fatalf("unexpected error with larger cap: %v", err)
	}
	if len(out) != 1 {
		t.Errorf("got %d features, want 1 merged chain", len(out))
	}
}

func TestMergeLoopsDeterministicOverPermutations(t *testing.T) {
	base := []Feature{
		chain(1, p(0, 0), p(0, 1), p(1, 1)),
		chain(2, p(1, 1), p(1, 0)),
		chain(3, p(1, 0), p(0, 0)),
	}
	permuted := []Feature{base[2], base[0], base[1]}

	a, err := MergeLoops(base, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := MergeLoops(permuted, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("got %d and %d features, want 1 each", len(a), len(b))
	}
	if a[0].ID != b[0].ID {
		t.Errorf("ring ids differ across input orders: %d vs %d", a[0].ID, b[0].ID)
	}
	if len(a[0].Points) != len(b[0].Points) {
		t.Errorf("ring sizes differ across input orders: %d vs %d", len(a[0].Points), len(b[0].Points))
	}
}

func TestMergeLoopsEmptyInput(t *testing.T) {
	out, err := MergeLoops(nil, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("got %d features from empty input", len(out))
	}
}
