package singlecell_test

import (
	"testing"

	"github.com/JanBartosch/10978-BMMC/singlecell"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestNewDatasetConstructionFilters(t *testing.T) {
	// gene1 is detected in one cell only; cell3 detects one gene only.
	dense := [][]float64{
		{5, 3, 0, 2}, // gene0
		{1, 0, 0, 0}, // gene1: dropped (detected once)
		{0, 2, 4, 0}, // gene2
		{2, 1, 3, 0}, // gene3
	}
	genes := []string{"G0", "G1", "G2", "G3"}
	barcodes := []string{"C0", "C1", "C2", "C3"}
	opts := singlecell.DefaultOpts
	opts.MinCellsPerGene = 2
	opts.MinFeaturesPerCell = 2

	stats := &singlecell.Stats{}
	d, err := singlecell.NewDataset(denseToMatrix(dense), genes, barcodes, stats, opts)
	assert.NoError(t, err)
	expect.EQ(t, d.Genes, []string{"G0", "G2", "G3"})
	// cell3 had counts on G0 only after dropping G1.
	expect.EQ(t, d.Barcodes, []string{"C0", "C1", "C2"})
	expect.EQ(t, stats.GenesIn, 4)
	expect.EQ(t, stats.CellsIn, 4)
	expect.EQ(t, stats.GenesKept, 3)
	expect.EQ(t, stats.CellsKept, 3)

	// Counts follow the subset, with gene rows remapped.
	rows, vals := d.Counts.Col(0)
	expect.EQ(t, rows, []int32{0, 2})
	expect.EQ(t, vals, []float64{5, 2})
	expect.EQ(t, d.Cells[0].NFeatures, 2)
	expect.EQ(t, d.Cells[0].NCounts, 7.0)
}

func TestNewDatasetValidation(t *testing.T) {
	dense := [][]float64{{1, 2}, {3, 4}}
	m := denseToMatrix(dense)
	stats := &singlecell.Stats{}
	opts := singlecell.DefaultOpts
	opts.MinCellsPerGene = 0
	opts.MinFeaturesPerCell = 0

	_, err := singlecell.NewDataset(m, []string{"G0"}, []string{"C0", "C1"}, stats, opts)
	assert.Regexp(t, err, "2 rows but 1 gene labels")
	_, err = singlecell.NewDataset(m, []string{"G0", "G1"}, []string{"C0"}, stats, opts)
	assert.Regexp(t, err, "2 columns but 1 barcodes")
	_, err = singlecell.NewDataset(m, []string{"G0", "G0"}, []string{"C0", "C1"}, stats, opts)
	assert.Regexp(t, err, `duplicate gene "G0"`)
	_, err = singlecell.NewDataset(m, []string{"G0", "G1"}, []string{"C0", "C0"}, stats, opts)
	assert.Regexp(t, err, `duplicate barcode "C0"`)
}

func TestNewDatasetAllFiltered(t *testing.T) {
	dense := [][]float64{{1, 0}, {0, 1}}
	stats := &singlecell.Stats{}
	opts := singlecell.DefaultOpts
	opts.MinCellsPerGene = 2
	_, err := singlecell.NewDataset(denseToMatrix(dense), []string{"G0", "G1"}, []string{"C0", "C1"}, stats, opts)
	assert.Regexp(t, err, "no gene detected")
}

func TestClusteringAt(t *testing.T) {
	d := &singlecell.Dataset{
		Clusterings: []singlecell.Clustering{
			{Resolution: 0.5, Assign: []int32{0, 1, 0}, K: 2},
		},
	}
	c, err := d.ClusteringAt(0.5)
	assert.NoError(t, err)
	expect.EQ(t, c.K, 2)
	expect.EQ(t, c.Sizes(), []int{2, 1})
	_, err = d.ClusteringAt(0.7)
	assert.Regexp(t, err, "no clustering at resolution 0.7")
}
