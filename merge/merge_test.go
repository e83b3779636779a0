package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/geoforge/chunk-processing-service/common/geo"
	"github.com/geoforge/chunk-processing-service/common/storage"
	"github.com/geoforge/chunk-processing-service/partition"
)

func unit(id string) partition.WorkUnit {
	return partition.WorkUnit{ID: id, Extent: geo.BoundingRegion{MinLat: 0, MinLng: 0, MaxLat: 1, MaxLng: 1}}
}

func element(address string) Element {
	return Element{Address: address, Value: json.RawMessage(`{}`)}
}

// memoryLoader serves canned unit outputs keyed by location.
func memoryLoader(outputs map[string]UnitOutput) Loader {
	return func(location string) (UnitOutput, error) {
		out, ok := outputs[location]
		if !ok {
			return UnitOutput{}, fmt.Errorf("no output at %s", location)
		}
		return out, nil
	}
}

func TestMergeLowestUnitWinsOverlap(t *testing.T) {
	units := []partition.WorkUnit{unit("chunk_0_0"), unit("chunk_0_1")}
	locations := map[string]string{"chunk_0_0": "a", "chunk_0_1": "b"}
	outputs := map[string]UnitOutput{
		"a": {UnitID: "chunk_0_0", Elements: []Element{
			{Address: "feature/1", Value: json.RawMessage(`"from-0-0"`)},
			element("feature/2"),
		}},
		"b": {UnitID: "chunk_0_1", Elements: []Element{
			{Address: "feature/1", Value: json.RawMessage(`"from-0-1"`)},
			element("feature/3"),
		}},
	}

	merged, report, err := Merge(units, locations, memoryLoader(outputs))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	if report.MergedUnits != 2 {
		t.Errorf("MergedUnits = %d, want 2", report.MergedUnits)
	}
	if report.DuplicatesDropped != 1 {
		t.Errorf("DuplicatesDropped = %d, want 1", report.DuplicatesDropped)
	}
	if report.Elements != 3 {
		t.Errorf("Elements = %d, want 3", report.Elements)
	}

	byAddress := make(map[string]Element)
	for _, e := range merged {
		byAddress[e.Address] = e
	}
	if string(byAddress["feature/1"].Value) != `"from-0-0"` {
		t.Errorf("overlap winner = %s, want the lower unit's value", byAddress["feature/1"].Value)
	}
}

// The winner must not depend on the order the unit list arrives in.
func TestMergeDeterministicAcrossInputOrder(t *testing.T) {
	forward := []partition.WorkUnit{unit("chunk_0_0"), unit("chunk_0_1"), unit("chunk_1_0")}
	backward := []partition.WorkUnit{unit("chunk_1_0"), unit("chunk_0_1"), unit("chunk_0_0")}

	locations := map[string]string{"chunk_0_0": "a", "chunk_0_1": "b", "chunk_1_0": "c"}
	outputs := map[string]UnitOutput{
		"a": {Elements: []Element{{Address: "feature/9", Value: json.RawMessage(`"a"`)}}},
		"b": {Elements: []Element{{Address: "feature/9", Value: json.RawMessage(`"b"`)}}},
		"c": {Elements: []Element{{Address: "feature/9", Value: json.RawMessage(`"c"`)}}},
	}

	first, _, err := Merge(forward, locations, memoryLoader(outputs))
	if err != nil {
		t.Fatalf("merge forward: %v", err)
	}
	second, _, err := Merge(backward, locations, memoryLoader(outputs))
	if err != nil {
		t.Fatalf("merge backward: %v", err)
	}

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("got %d and %d elements, want 1 each", len(first), len(second))
	}
	if string(first[0].Value) != `"a"` || string(second[0].Value) != `"a"` {
		t.Errorf("winner differs by input order: %s vs %s", first[0].Value, second[0].Value)
	}
}

func TestMergeNaturalUnitOrdering(t *testing.T) {
	// chunk_2_0 must sort below chunk_10_0: numeric grid order, not string
	// order.
	units := []partition.WorkUnit{unit("chunk_10_0"), unit("chunk_2_0")}
	locations := map[string]string{"chunk_10_0": "ten", "chunk_2_0": "two"}
	outputs := map[string]UnitOutput{
		"ten": {Elements: []Element{{Address: "feature/5", Value: json.RawMessage(`"ten"`)}}},
		"two": {Elements: []Element{{Address: "feature/5", Value: json.RawMessage(`"two"`)}}},
	}

	merged, _, err := Merge(units, locations, memoryLoader(outputs))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(merged) != 1 {
		t.Fatalf("got %d elements, want 1", len(merged))
	}
	if string(merged[0].Value) != `"two"` {
		t.Errorf("winner = %s, want chunk_2_0's element", merged[0].Value)
	}
}

func TestMergeReportsMissingUnits(t *testing.T) {
	units := []partition.WorkUnit{unit("chunk_0_0"), unit("chunk_0_1"), unit("chunk_0_2")}
	locations := map[string]string{"chunk_0_1": "b"}
	outputs := map[string]UnitOutput{
		"b": {Elements: []Element{element("feature/1")}},
	}

	merged, report, err := Merge(units, locations, memoryLoader(outputs))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	if len(merged) != 1 {
		t.Errorf("got %d elements, want 1", len(merged))
	}
	if report.MergedUnits != 1 {
		t.Errorf("MergedUnits = %d, want 1", report.MergedUnits)
	}
	want := []string{"chunk_0_0", "chunk_0_2"}
	if len(report.MissingUnits) != len(want) {
		t.Fatalf("MissingUnits = %v, want %v", report.MissingUnits, want)
	}
	for i, id := range want {
		if report.MissingUnits[i] != id {
			t.Errorf("MissingUnits[%d] = %s, want %s", i, report.MissingUnits[i], id)
		}
	}
}

func TestMergeLoaderFailureSurfaces(t *testing.T) {
	units := []partition.WorkUnit{unit("chunk_0_0")}
	locations := map[string]string{"chunk_0_0": "gone"}

	if _, _, err := Merge(units, locations, memoryLoader(nil)); err == nil {
		t.Fatal("expected loader error to surface")
	}
}

func TestFileLoaderAndWriteOutput(t *testing.T) {
	dir := t.TempDir()

	output := UnitOutput{
		UnitID:   "chunk_0_0",
		Elements: []Element{{Address: "feature/1", Location: geo.Point{Lat: 0.5, Lng: 0.5}, Value: json.RawMessage(`{"kind":"building"}`)}},
	}
	encoded, err := json.Marshal(output)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	location := filepath.Join(dir, "chunk_0_0.json")
	if err := os.WriteFile(location, encoded, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	loaded, err := FileLoader(location)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.UnitID != output.UnitID || len(loaded.Elements) != 1 {
		t.Errorf("loaded %+v, want %+v", loaded, output)
	}

	merged, _, err := Merge([]partition.WorkUnit{unit("chunk_0_0")}, map[string]string{"chunk_0_0": location}, nil)
	if err != nil {
		t.Fatalf("merge with default loader: %v", err)
	}

	outPath := filepath.Join(dir, "merged.json")
	if err := WriteOutput(outPath, merged); err != nil {
		t.Fatalf("write output: %v", err)
	}
	raw, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var doc struct {
		Elements []Element `json:"elements"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(doc.Elements) != 1 || doc.Elements[0].Address != "feature/1" {
		t.Errorf("written output = %+v, want the merged element", doc.Elements)
	}
}

func TestStorageLoader(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("create storage: %v", err)
	}

	output := UnitOutput{UnitID: "chunk_0_0", Elements: []Element{element("feature/1")}}
	encoded, err := json.Marshal(output)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	location, err := store.Store(ctx, "chunk_0_0.json", encoded)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	merged, report, err := Merge([]partition.WorkUnit{unit("chunk_0_0")}, map[string]string{"chunk_0_0": location}, StorageLoader(ctx, store))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if report.MergedUnits != 1 || len(merged) != 1 {
		t.Errorf("merged %d units with %d elements, want 1 and 1", report.MergedUnits, len(merged))
	}

	if _, err := StorageLoader(ctx, store)("does-not-exist"); err == nil {
		t.Error("expected an error for a missing location")
	}
}

func TestCompletedOnly(t *testing.T) {
	units := []partition.WorkUnit{unit("chunk_0_0"), unit("chunk_0_1")}
	locations := map[string]string{"chunk_0_1": "b"}

	completed := CompletedOnly(units, locations)
	if len(completed) != 1 || completed[0].ID != "chunk_0_1" {
		t.Errorf("CompletedOnly = %v, want just chunk_0_1", completed)
	}
}
