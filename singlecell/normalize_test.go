package singlecell_test

import (
	"math"
	"testing"

	"github.com/JanBartosch/10978-BMMC/singlecell"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestNormalizeTotal(t *testing.T) {
	opts := testOpts()
	d, stats := blobDataset(t, opts)
	singlecell.ComputeQCMetrics(d, opts)
	assert.NoError(t, singlecell.FilterCells(d, stats, opts))
	assert.NoError(t, singlecell.NormalizeTotal(d, opts))

	// The raw counts are untouched and LogNorm shares their sparsity.
	expect.EQ(t, d.LogNorm.Rows, d.Counts.Rows)
	expect.EQ(t, d.LogNorm.Cols, d.Counts.Cols)
	expect.EQ(t, d.LogNorm.NNZ(), d.Counts.NNZ())

	// Undoing the log1p must recover TargetSum in every cell.
	for j := 0; j < d.LogNorm.Cols; j++ {
		_, vals := d.LogNorm.Col(j)
		sum := 0.0
		for _, v := range vals {
			sum += math.Expm1(v)
		}
		expect.True(t, math.Abs(sum-opts.TargetSum) < 1e-6,
			"cell %d renormalizes to %f, want %f", j, sum, opts.TargetSum)
	}
}

func TestNormalizeTotalBadTarget(t *testing.T) {
	opts := testOpts()
	d, _ := blobDataset(t, opts)
	opts.TargetSum = 0
	assert.Regexp(t, singlecell.NormalizeTotal(d, opts), "target sum must be positive")
}

func TestFindVariableGenes(t *testing.T) {
	opts := testOpts()
	d, stats := blobDataset(t, opts)
	singlecell.ComputeQCMetrics(d, opts)
	assert.NoError(t, singlecell.FilterCells(d, stats, opts))
	assert.NoError(t, singlecell.NormalizeTotal(d, opts))

	opts.NTopGenes = 10
	assert.NoError(t, singlecell.FindVariableGenes(d, stats, opts))
	expect.EQ(t, len(d.HVG), 10)
	expect.EQ(t, stats.VariableGenes, 10)
	// Indices are sorted and valid.
	for i, g := range d.HVG {
		expect.True(t, g >= 0 && int(g) < d.NGenes())
		if i > 0 {
			expect.True(t, d.HVG[i-1] < g)
		}
	}
	// The population markers switch on and off between blobs, so they carry
	// almost all the variance; housekeeping genes must not be selected.
	hvgNames := map[string]bool{}
	for _, g := range d.HVG {
		hvgNames[d.Genes[g]] = true
	}
	for _, hk := range []string{"GENE30", "GENE31", "MT-ND1", "MT-CO1"} {
		expect.False(t, hvgNames[hk], "uniformly expressed gene %s selected as variable", hk)
	}
}

func TestFindVariableGenesRequiresNormalize(t *testing.T) {
	opts := testOpts()
	d, stats := blobDataset(t, opts)
	assert.Regexp(t, singlecell.FindVariableGenes(d, stats, opts), "requires NormalizeTotal")
}

func TestScaleData(t *testing.T) {
	opts := testOpts()
	d, stats := blobDataset(t, opts)
	singlecell.ComputeQCMetrics(d, opts)
	assert.NoError(t, singlecell.FilterCells(d, stats, opts))
	assert.NoError(t, singlecell.NormalizeTotal(d, opts))
	assert.NoError(t, singlecell.FindVariableGenes(d, stats, opts))
	assert.NoError(t, singlecell.ScaleData(d, opts))

	n := d.NCells()
	expect.EQ(t, d.Scaled.Rows, n)
	expect.EQ(t, d.Scaled.Cols, len(d.HVG))
	for p := 0; p < d.Scaled.Cols; p++ {
		sum, sumsq := 0.0, 0.0
		for j := 0; j < n; j++ {
			v := d.Scaled.At(j, p)
			expect.True(t, math.Abs(v) <= opts.MaxScaledValue)
			sum += v
			sumsq += v * v
		}
		mean := sum / float64(n)
		sd := math.Sqrt((sumsq - float64(n)*mean*mean) / float64(n-1))
		expect.True(t, math.Abs(mean) < 1e-8, "gene %d has scaled mean %f", p, mean)
		expect.True(t, math.Abs(sd-1) < 1e-8, "gene %d has scaled sd %f", p, sd)
	}
}

func TestScaleDataClips(t *testing.T) {
	opts := testOpts()
	d, stats := blobDataset(t, opts)
	singlecell.ComputeQCMetrics(d, opts)
	assert.NoError(t, singlecell.FilterCells(d, stats, opts))
	assert.NoError(t, singlecell.NormalizeTotal(d, opts))
	assert.NoError(t, singlecell.FindVariableGenes(d, stats, opts))
	opts.MaxScaledValue = 0.5
	assert.NoError(t, singlecell.ScaleData(d, opts))
	for j := 0; j < d.Scaled.Rows; j++ {
		for p := 0; p < d.Scaled.Cols; p++ {
			expect.True(t, math.Abs(d.Scaled.At(j, p)) <= 0.5)
		}
	}
}
