// Package merge combines completed per-unit outputs into one consistent
// dataset. Units overlap at their borders by construction; any address
// claimed by more than one unit resolves to the lowest-id unit, a fixed rule
// that makes the merged output reproducible across runs.
package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/geoforge/chunk-processing-service/common/geo"
	"github.com/geoforge/chunk-processing-service/common/logger"
	"github.com/geoforge/chunk-processing-service/common/storage"
	"github.com/geoforge/chunk-processing-service/partition"
)

// Element is one addressable output value produced while processing a unit.
// Elements inside an overlap zone appear in more than one unit's output with
// the same address.
type Element struct {
	Address  string          `json:"address"`
	Location geo.Point       `json:"location"`
	Value    json.RawMessage `json:"value"`
}

// UnitOutput is the payload a worker stores at its result location.
type UnitOutput struct {
	UnitID   string    `json:"unit_id"`
	Elements []Element `json:"elements"`
}

// Loader fetches a unit's output payload from its result location.
type Loader func(location string) (UnitOutput, error)

// FileLoader reads a UnitOutput JSON document from a local path, the default
// for workers writing to a shared filesystem.
func FileLoader(location string) (UnitOutput, error) {
	raw, err := os.ReadFile(location)
	if err != nil {
		return UnitOutput{}, fmt.Errorf("read unit output: %w", err)
	}
	var out UnitOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return UnitOutput{}, fmt.Errorf("decode unit output: %w", err)
	}
	return out, nil
}

// StorageLoader adapts a ResultStorage into a Loader, so the merge reads
// unit outputs through the same store the workers wrote them to.
func StorageLoader(ctx context.Context, store storage.ResultStorage) Loader {
	return func(location string) (UnitOutput, error) {
		raw, err := store.Load(ctx, location)
		if err != nil {
			return UnitOutput{}, fmt.Errorf("read unit output: %w", err)
		}
		var out UnitOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return UnitOutput{}, fmt.Errorf("decode unit output: %w", err)
		}
		return out, nil
	}
}

// Report describes what the merge kept and what it could not.
type Report struct {
	MergedUnits       int `json:"merged_units"`
	Elements          int `json:"elements"`
	DuplicatesDropped int `json:"duplicates_dropped"`
	// MissingUnits lists units without a completed result. They leave a gap
	// in the output and are reported, never silently filled.
	MissingUnits []string `json:"missing_units,omitempty"`
}

// Merge walks the units in ascending unit-id order and claims each address
// on first sight, so the lowest-id unit deterministically wins every overlap.
// locations maps unit id to result location for completed units only.
func Merge(units []partition.WorkUnit, locations map[string]string, load Loader) ([]Element, Report, error) {
	log := logger.Component("merge")
	if load == nil {
		load = FileLoader
	}

	ordered := make([]partition.WorkUnit, len(units))
	copy(ordered, units)
	sort.Slice(ordered, func(i, j int) bool { return unitLess(ordered[i].ID, ordered[j].ID) })

	var (
		merged  []Element
		report  Report
		claimed = make(map[string]string) // address -> winning unit id
	)

	for _, unit := range ordered {
		location, ok := locations[unit.ID]
		if !ok {
			report.MissingUnits = append(report.MissingUnits, unit.ID)
			continue
		}

		output, err := load(location)
		if err != nil {
			return nil, Report{}, fmt.Errorf("load output of %s: %w", unit.ID, err)
		}

		for _, element := range output.Elements {
			if winner, taken := claimed[element.Address]; taken {
				report.DuplicatesDropped++
				logDuplicate(log, element.Address, winner, unit.ID)
				continue
			}
			claimed[element.Address] = unit.ID
			merged = append(merged, element)
		}
		report.MergedUnits++
	}

	report.Elements = len(merged)
	if len(report.MissingUnits) > 0 {
		log.Warn().
			Strs("missingUnits", report.MissingUnits).
			Msg("Merged output has gaps from failed units")
	}

	return merged, report, nil
}

// WriteOutput stores the merged element list as a JSON document.
func WriteOutput(path string, elements []Element) error {
	encoded, err := json.MarshalIndent(struct {
		Elements []Element `json:"elements"`
	}{Elements: elements}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode merged output: %w", err)
	}
	return os.WriteFile(path, encoded, 0o644)
}

// CompletedOnly filters the unit list down to those with a result location.
func CompletedOnly(units []partition.WorkUnit, locations map[string]string) []partition.WorkUnit {
	return lo.Filter(units, func(u partition.WorkUnit, _ int) bool {
		_, ok := locations[u.ID]
		return ok
	})
}

func logDuplicate(log zerolog.Logger, address, winner, loser string) {
	log.Debug().
		Str("address", address).
		Str("keptFrom", winner).
		Str("droppedFrom", loser).
		Msg("Overlap duplicate resolved")
}

// unitLess orders unit ids numerically on their grid indices, falling back
// to plain string order for ids that do not match the chunk pattern. This
// keeps chunk_2_0 below chunk_10_0, matching partition order.
func unitLess(a, b string) bool {
	ai, aok := parseChunkID(a)
	bi, bok := parseChunkID(b)
	if aok && bok {
		if ai[0] != bi[0] {
			return ai[0] < bi[0]
		}
		if ai[1] != bi[1] {
			return ai[1] < bi[1]
		}
		return a < b
	}
	return a < b
}

func parseChunkID(id string) ([2]int, bool) {
	rest, ok := strings.CutPrefix(id, "chunk_")
	if !ok {
		return [2]int{}, false
	}
	parts := strings.Split(rest, "_")
	if len(parts) != 2 {
		return [2]int{}, false
	}
	lat, err1 := strconv.Atoi(parts[0])
	lng, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return [2]int{}, false
	}
	return [2]int{lat, lng}, true
}
