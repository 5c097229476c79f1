package singlecell_test

// Shared synthetic-data helpers.  The blob dataset has two well-separated
// cell populations so that clustering and embedding behavior is predictable
// without real sequencing data.

import (
	"fmt"
	"testing"

	"github.com/JanBartosch/10978-BMMC/encoding/mtx"
	"github.com/JanBartosch/10978-BMMC/singlecell"
	"github.com/grailbio/testutil/assert"
	"golang.org/x/exp/rand"
)

// testOpts scales the default parameters down to toy-dataset sizes.
func testOpts() singlecell.Opts {
	opts := singlecell.DefaultOpts
	opts.MinCellsPerGene = 2
	opts.MinFeaturesPerCell = 5
	opts.MinFeatures = 5
	opts.MaxFeatures = 39
	opts.MaxPctMito = 20
	opts.NTopGenes = 30
	opts.NBins = 5
	opts.NPCs = 10
	opts.KNeighbors = 8
	opts.Resolutions = []float64{0.5, 1.0}
	opts.Seed = 1
	opts.UMAPEpochs = 50
	return opts
}

const (
	nBlobCells = 30 // per population
	nBlobGenes = 40
)

// blobCounts builds a deterministic two-population count matrix.  Genes
// 0-14 mark population A, 15-29 mark population B, 30-37 are housekeeping,
// and the last two are mitochondrial.
func blobCounts() (dense [][]float64, genes, barcodes []string) {
	rng := rand.New(rand.NewSource(7))
	dense = make([][]float64, nBlobGenes)
	for i := range dense {
		dense[i] = make([]float64, 2*nBlobCells)
	}
	for j := 0; j < 2*nBlobCells; j++ {
		lo, hi := 0, 15
		if j >= nBlobCells { // population B
			lo, hi = 15, 30
		}
		for i := lo; i < hi; i++ {
			dense[i][j] = float64(5 + rng.Intn(11))
		}
		for i := 30; i < 38; i++ {
			dense[i][j] = float64(1 + rng.Intn(5))
		}
		dense[38][j] = 1
		dense[39][j] = 1
	}
	for i := 0; i < nBlobGenes; i++ {
		genes = append(genes, fmt.Sprintf("GENE%d", i))
	}
	genes[38], genes[39] = "MT-ND1", "MT-CO1"
	for j := 0; j < 2*nBlobCells; j++ {
		barcodes = append(barcodes, fmt.Sprintf("CELL%03d-1", j))
	}
	return dense, genes, barcodes
}

// denseToMatrix converts a dense genes-by-cells array to sparse CSC form.
func denseToMatrix(dense [][]float64) *mtx.Matrix {
	rows, cols := len(dense), len(dense[0])
	m := &mtx.Matrix{Rows: rows, Cols: cols, ColPtr: make([]int, cols+1)}
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			if v := dense[i][j]; v != 0 {
				m.RowIdx = append(m.RowIdx, int32(i))
				m.Val = append(m.Val, v)
			}
		}
		m.ColPtr[j+1] = len(m.Val)
	}
	return m
}

// blobDataset constructs the two-population dataset.
func blobDataset(t *testing.T, opts singlecell.Opts) (*singlecell.Dataset, *singlecell.Stats) {
	dense, genes, barcodes := blobCounts()
	stats := &singlecell.Stats{}
	d, err := singlecell.NewDataset(denseToMatrix(dense), genes, barcodes, stats, opts)
	assert.NoError(t, err)
	return d, stats
}

// clusteredDataset runs the pipeline through clustering on the blob data.
func clusteredDataset(t *testing.T, opts singlecell.Opts) (*singlecell.Dataset, *singlecell.Stats) {
	d, stats := blobDataset(t, opts)
	singlecell.ComputeQCMetrics(d, opts)
	assert.NoError(t, singlecell.FilterCells(d, stats, opts))
	assert.NoError(t, singlecell.NormalizeTotal(d, opts))
	assert.NoError(t, singlecell.FindVariableGenes(d, stats, opts))
	assert.NoError(t, singlecell.ScaleData(d, opts))
	assert.NoError(t, singlecell.RunPCA(d, opts))
	assert.NoError(t, singlecell.BuildNeighborGraph(d, opts))
	assert.NoError(t, singlecell.ClusterGraph(d, opts))
	return d, stats
}

// blobPCs fabricates a dataset with two point clouds directly in PC space,
// bypassing the expression stages, for neighbor/cluster/UMAP unit tests.
func blobPCs(n int, sep float64) *singlecell.Dataset {
	rng := rand.New(rand.NewSource(3))
	d := &singlecell.Dataset{}
	pcs := &singlecell.Embedding{Rows: 2 * n, Cols: 2, Data: make([]float64, 4*n)}
	for j := 0; j < 2*n; j++ {
		cx := 0.0
		if j >= n {
			cx = sep
		}
		pcs.Set(j, 0, cx+rng.NormFloat64())
		pcs.Set(j, 1, rng.NormFloat64())
		d.Barcodes = append(d.Barcodes, fmt.Sprintf("CELL%03d", j))
		d.Cells = append(d.Cells, singlecell.CellMeta{Barcode: fmt.Sprintf("CELL%03d", j)})
	}
	d.PCs = pcs
	return d
}
