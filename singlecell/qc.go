package singlecell

import (
	"strings"

	"github.com/pkg/errors"
)

// ComputeQCMetrics fills the per-cell QC fields: NFeatures and NCounts are
// recomputed from the raw counts and PctMito is the percentage of counts on
// genes whose symbol carries opts.MitoPrefix.
func ComputeQCMetrics(d *Dataset, opts Opts) {
	mito := make([]bool, d.NGenes())
	for i, g := range d.Genes {
		mito[i] = strings.HasPrefix(g, opts.MitoPrefix)
	}
	fillCountMetrics(d)
	for j := 0; j < d.Counts.Cols; j++ {
		rows, vals := d.Counts.Col(j)
		mitoSum := 0.0
		for k, i := range rows {
			if mito[i] {
				mitoSum += vals[k]
			}
		}
		if d.Cells[j].NCounts > 0 {
			d.Cells[j].PctMito = 100 * mitoSum / d.Cells[j].NCounts
		}
	}
}

// FilterCells removes cells outside the QC bounds.  A cell is retained iff
//
//	MinFeatures < NFeatures < MaxFeatures  and  PctMito < MaxPctMito
//
// with all bounds exclusive.  An empty post-filter cell set is an error.
// ComputeQCMetrics must have run first.
func FilterCells(d *Dataset, stats *Stats, opts Opts) error {
	var keep []int
	for j := range d.Cells {
		c := &d.Cells[j]
		switch {
		case c.NFeatures <= opts.MinFeatures:
			stats.CellsDroppedLowFeatures++
		case c.NFeatures >= opts.MaxFeatures:
			stats.CellsDroppedHighFeatures++
		case c.PctMito >= opts.MaxPctMito:
			stats.CellsDroppedMito++
		default:
			keep = append(keep, j)
		}
	}
	if len(keep) == 0 {
		return errors.Errorf("singlecell: no cell passes QC (nFeature in (%d, %d), percent.mt < %g)",
			opts.MinFeatures, opts.MaxFeatures, opts.MaxPctMito)
	}
	stats.CellsQCPass = len(keep)
	subsetCells(d, keep)
	return nil
}
