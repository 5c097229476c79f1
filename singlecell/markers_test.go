package singlecell_test

import (
	"context"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/JanBartosch/10978-BMMC/singlecell"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

// markerDataset hand-builds a log-normalized dataset with two clusters of 10
// cells each.  MARKA is on only in cluster 0, MARKB only in cluster 1, HOUSE
// is flat, and RARE is detected in a single cell.
func markerDataset() *singlecell.Dataset {
	genes := []string{"MARKA", "MARKB", "HOUSE", "RARE"}
	const nPer = 10
	dense := make([][]float64, len(genes))
	for i := range dense {
		dense[i] = make([]float64, 2*nPer)
	}
	for j := 0; j < 2*nPer; j++ {
		if j < nPer {
			dense[0][j] = 2 + 0.1*float64(j)
		} else {
			dense[1][j] = 2 + 0.1*float64(j-nPer)
		}
		dense[2][j] = 1.5
	}
	dense[3][0] = 3

	d := &singlecell.Dataset{Genes: genes, LogNorm: denseToMatrix(dense)}
	assign := make([]int32, 2*nPer)
	for j := nPer; j < 2*nPer; j++ {
		assign[j] = 1
	}
	for j := 0; j < 2*nPer; j++ {
		d.Barcodes = append(d.Barcodes, fmt.Sprintf("CELL%02d", j))
		d.Cells = append(d.Cells, singlecell.CellMeta{Barcode: d.Barcodes[j]})
	}
	d.Clusterings = []singlecell.Clustering{{Resolution: 0.5, Assign: assign, K: 2}}
	return d
}

func TestRankMarkers(t *testing.T) {
	d := markerDataset()
	opts := testOpts()
	opts.MinPct = 0.2
	var stats singlecell.Stats
	markers, err := singlecell.RankMarkers(d, 0.5, &stats, opts)
	assert.NoError(t, err)
	assert.True(t, len(markers) > 0)

	byGene := map[string][]singlecell.Marker{}
	for _, m := range markers {
		byGene[m.Gene] = append(byGene[m.Gene], m)
		expect.True(t, m.PValue >= 0 && m.PValue <= 1, "%s p=%f", m.Gene, m.PValue)
		expect.GE(t, m.FDR, m.PValue)
		expect.LE(t, m.FDR, 1.0)
	}

	// Each population's exclusive gene is a strong up marker of its cluster.
	for gene, cluster := range map[string]int32{"MARKA": 0, "MARKB": 1} {
		found := false
		for _, m := range byGene[gene] {
			if m.Cluster == cluster {
				found = true
				expect.True(t, m.Log2FC > 1, "%s log2fc %f", gene, m.Log2FC)
				expect.True(t, m.PValue < 0.01, "%s p %f", gene, m.PValue)
				expect.EQ(t, m.Pct1, 1.0)
				expect.EQ(t, m.Pct2, 0.0)
			}
		}
		expect.True(t, found, "no %s marker for cluster %d", gene, cluster)
	}

	// The flat gene misses the fold-change cutoff, the near-absent one the
	// detection cutoff.
	expect.EQ(t, len(byGene["HOUSE"]), 0)
	expect.EQ(t, len(byGene["RARE"]), 0)

	expect.True(t, stats.MarkersTested > 0)
	expect.EQ(t, stats.MarkersReported, len(markers))

	// Per cluster, ordering is by FDR then |log2FC|.
	for cluster := int32(0); cluster < 2; cluster++ {
		var prev *singlecell.Marker
		for i := range markers {
			m := &markers[i]
			if m.Cluster != cluster {
				continue
			}
			if prev != nil {
				expect.LE(t, prev.FDR, m.FDR)
			}
			prev = m
		}
	}
}

func TestRankMarkersRequiresNormalize(t *testing.T) {
	d := markerDataset()
	d.LogNorm = nil
	var stats singlecell.Stats
	_, err := singlecell.RankMarkers(d, 0.5, &stats, testOpts())
	assert.Regexp(t, err, "requires NormalizeTotal")
}

func TestRankMarkersUnknownResolution(t *testing.T) {
	d := markerDataset()
	var stats singlecell.Stats
	_, err := singlecell.RankMarkers(d, 0.9, &stats, testOpts())
	assert.Regexp(t, err, "no clustering at resolution 0.9")
}

func TestRankMarkersOnBlobs(t *testing.T) {
	opts := testOpts()
	d, _ := clusteredDataset(t, opts)
	var stats singlecell.Stats
	markers, err := singlecell.RankMarkers(d, 0.5, &stats, opts)
	assert.NoError(t, err)
	assert.True(t, len(markers) > 0)
	for _, m := range markers {
		c, err := d.ClusteringAt(0.5)
		assert.NoError(t, err)
		expect.True(t, m.Cluster >= 0 && int(m.Cluster) < c.K)
	}
}

func TestWriteMarkersTSV(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "markers.tsv")
	markers := []singlecell.Marker{
		{Gene: "MARKA", Cluster: 0, Log2FC: 2.5, PValue: 1e-8, FDR: 2e-8, Pct1: 1, Pct2: 0, Mean1: 2.4, Mean2: 0},
		{Gene: "MARKB", Cluster: 1, Log2FC: 2.4, PValue: 1e-7, FDR: 2e-7, Pct1: 0.9, Pct2: 0.1, Mean1: 2.2, Mean2: 0.1},
	}
	assert.NoError(t, singlecell.WriteMarkersTSV(context.Background(), path, markers))

	data, err := ioutil.ReadFile(path)
	assert.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	assert.EQ(t, len(lines), 3)
	expect.EQ(t, lines[0], "gene\tcluster\tlog2fc\tp_val\tfdr\tpct.1\tpct.2\tmean.1\tmean.2")
	expect.True(t, strings.HasPrefix(lines[1], "MARKA\t0\t2.5\t"), "row %q", lines[1])
	expect.True(t, strings.HasPrefix(lines[2], "MARKB\t1\t2.4\t"), "row %q", lines[2])
}
