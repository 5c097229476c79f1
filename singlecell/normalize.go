package singlecell

import (
	"math"
	"sort"

	"github.com/JanBartosch/10978-BMMC/encoding/mtx"
	"github.com/grailbio/base/traverse"
	"github.com/pkg/errors"
)

// NormalizeTotal rescales each cell's counts to opts.TargetSum total and
// applies log1p, producing d.LogNorm with the same sparsity pattern as the
// raw counts.  The raw counts are left untouched.
func NormalizeTotal(d *Dataset, opts Opts) error {
	if opts.TargetSum <= 0 {
		return errors.Errorf("singlecell: target sum must be positive, got %g", opts.TargetSum)
	}
	src := d.Counts
	out := &mtx.Matrix{
		Rows:   src.Rows,
		Cols:   src.Cols,
		ColPtr: src.ColPtr,
		RowIdx: src.RowIdx,
		Val:    make([]float64, len(src.Val)),
	}
	for j := 0; j < src.Cols; j++ {
		if d.Cells[j].NCounts == 0 {
			return errors.Errorf("singlecell: cell %s has zero counts after QC", d.Barcodes[j])
		}
		scale := opts.TargetSum / d.Cells[j].NCounts
		s, e := src.ColPtr[j], src.ColPtr[j+1]
		for k := s; k < e; k++ {
			out.Val[k] = math.Log1p(src.Val[k] * scale)
		}
	}
	d.LogNorm = out
	return nil
}

// geneMoments accumulates per-gene mean and variance over all cells
// (zeros included) from one column-major scan of the log-normalized matrix.
func geneMoments(d *Dataset) (mean, variance []float64) {
	n := float64(d.NCells())
	sum := make([]float64, d.NGenes())
	sumsq := make([]float64, d.NGenes())
	for j := 0; j < d.LogNorm.Cols; j++ {
		rows, vals := d.LogNorm.Col(j)
		for k, i := range rows {
			sum[i] += vals[k]
			sumsq[i] += vals[k] * vals[k]
		}
	}
	mean = make([]float64, d.NGenes())
	variance = make([]float64, d.NGenes())
	for i := range sum {
		mean[i] = sum[i] / n
		if n > 1 {
			variance[i] = (sumsq[i] - n*mean[i]*mean[i]) / (n - 1)
		}
	}
	return mean, variance
}

// FindVariableGenes ranks genes by cell-to-cell variability and records the
// top opts.NTopGenes as d.HVG.  The ranking statistic is the dispersion
// (variance over mean) of the log-normalized expression, z-scored within
// opts.NBins equal-width bins of mean expression so that highly expressed
// genes do not dominate.  NormalizeTotal must have run first.
func FindVariableGenes(d *Dataset, stats *Stats, opts Opts) error {
	if d.LogNorm == nil {
		return errors.New("singlecell: FindVariableGenes requires NormalizeTotal")
	}
	mean, variance := geneMoments(d)

	type geneDisp struct {
		gene int32
		mean float64
		disp float64
	}
	var expressed []geneDisp
	minMean, maxMean := math.Inf(1), math.Inf(-1)
	for i := range mean {
		if mean[i] <= 0 {
			continue
		}
		expressed = append(expressed, geneDisp{int32(i), mean[i], variance[i] / mean[i]})
		minMean = math.Min(minMean, mean[i])
		maxMean = math.Max(maxMean, mean[i])
	}
	if len(expressed) == 0 {
		return errors.New("singlecell: no expressed gene")
	}

	// Z-score dispersions within equal-width mean bins.
	nBins := opts.NBins
	if nBins < 1 {
		nBins = 1
	}
	binOf := func(m float64) int {
		if maxMean == minMean {
			return 0
		}
		b := int(float64(nBins) * (m - minMean) / (maxMean - minMean))
		if b >= nBins {
			b = nBins - 1
		}
		return b
	}
	binSum := make([]float64, nBins)
	binSumSq := make([]float64, nBins)
	binN := make([]int, nBins)
	for _, g := range expressed {
		b := binOf(g.mean)
		binSum[b] += g.disp
		binSumSq[b] += g.disp * g.disp
		binN[b]++
	}
	normed := make([]float64, len(expressed))
	for gi, g := range expressed {
		b := binOf(g.mean)
		n := float64(binN[b])
		mu := binSum[b] / n
		sd := 0.0
		if binN[b] > 1 {
			sd = math.Sqrt((binSumSq[b] - n*mu*mu) / (n - 1))
		}
		if sd > 0 {
			normed[gi] = (g.disp - mu) / sd
		}
		// Singleton bins keep a normalized dispersion of zero.
	}

	order := make([]int, len(expressed))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return normed[order[a]] > normed[order[b]] })
	nTop := opts.NTopGenes
	if nTop > len(order) {
		nTop = len(order)
	}
	hvg := make([]int32, nTop)
	for i := 0; i < nTop; i++ {
		hvg[i] = expressed[order[i]].gene
	}
	sort.Slice(hvg, func(a, b int) bool { return hvg[a] < hvg[b] })
	d.HVG = hvg
	stats.VariableGenes = nTop
	return nil
}

// ScaleData standardizes each selected gene's log-normalized expression
// across cells to zero mean and unit variance, clipping at
// +/- opts.MaxScaledValue, into the dense d.Scaled matrix (cells x HVG).
// FindVariableGenes must have run first.
func ScaleData(d *Dataset, opts Opts) error {
	if len(d.HVG) == 0 {
		return errors.New("singlecell: ScaleData requires FindVariableGenes")
	}
	nCells := d.NCells()
	e := newEmbedding(nCells, len(d.HVG))

	// Scatter the sparse columns into the dense matrix.  hvgPos maps a gene
	// row to its dense column, or -1.
	hvgPos := make([]int32, d.NGenes())
	for i := range hvgPos {
		hvgPos[i] = -1
	}
	for p, g := range d.HVG {
		hvgPos[g] = int32(p)
	}
	for j := 0; j < d.LogNorm.Cols; j++ {
		rows, vals := d.LogNorm.Col(j)
		row := e.Row(j)
		for k, i := range rows {
			if p := hvgPos[i]; p >= 0 {
				row[p] = vals[k]
			}
		}
	}

	// Standardize per gene (dense column), in parallel.
	n := float64(nCells)
	err := traverse.Each(len(d.HVG), func(p int) error {
		sum, sumsq := 0.0, 0.0
		for j := 0; j < nCells; j++ {
			v := e.At(j, p)
			sum += v
			sumsq += v * v
		}
		mu := sum / n
		sd := 0.0
		if nCells > 1 {
			sd = math.Sqrt((sumsq - n*mu*mu) / (n - 1))
		}
		for j := 0; j < nCells; j++ {
			v := 0.0
			if sd > 0 {
				v = (e.At(j, p) - mu) / sd
			}
			if v > opts.MaxScaledValue {
				v = opts.MaxScaledValue
			} else if v < -opts.MaxScaledValue {
				v = -opts.MaxScaledValue
			}
			e.Set(j, p, v)
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.Scaled = e
	return nil
}
