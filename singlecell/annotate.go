package singlecell

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Annotate assigns a human-readable cell type to every cell from an
// explicit cluster-id to label mapping at the given resolution.  The
// mapping must cover exactly the distinct cluster ids of that resolution:
// a missing or surplus id is an error and nothing is applied.  This
// replaces the fragile convention of a positional label array that silently
// mismaps when the cluster count changes between runs.
func Annotate(d *Dataset, resolution float64, names map[int]string) error {
	clustering, err := d.ClusteringAt(resolution)
	if err != nil {
		return err
	}
	var missing, surplus []int
	for id := 0; id < clustering.K; id++ {
		if name, ok := names[id]; !ok || name == "" {
			missing = append(missing, id)
		}
	}
	for id := range names {
		if id < 0 || id >= clustering.K {
			surplus = append(surplus, id)
		}
	}
	if len(missing) > 0 || len(surplus) > 0 {
		sort.Ints(missing)
		sort.Ints(surplus)
		return errors.Errorf(
			"singlecell: label map does not match the %d clusters at resolution %g (missing ids %v, unknown ids %v)",
			clustering.K, resolution, missing, surplus)
	}
	for j := range d.Cells {
		d.Cells[j].CellType = names[int(clustering.Assign[j])]
	}
	return nil
}

// CellTypeCounts tallies annotated cells per label, sorted by descending
// count for reporting.
func CellTypeCounts(d *Dataset) []struct {
	CellType string
	N        int
} {
	counts := map[string]int{}
	for j := range d.Cells {
		counts[d.Cells[j].CellType]++
	}
	out := make([]struct {
		CellType string
		N        int
	}, 0, len(counts))
	for t, n := range counts {
		out = append(out, struct {
			CellType string
			N        int
		}{t, n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].N != out[j].N {
			return out[i].N > out[j].N
		}
		return strings.Compare(out[i].CellType, out[j].CellType) < 0
	})
	return out
}
