// Package singlecell implements a single-cell RNA-seq clustering pipeline
// over a sparse gene-by-cell count matrix: QC filtering, total-count
// normalization, variable-gene selection, scaling, PCA, shared-nearest-
// neighbor Louvain clustering at a sweep of resolutions, a 2-D UMAP
// embedding, one-vs-rest marker ranking, and validated cluster annotation.
//
// The stages mutate one Dataset in place and are strictly sequential: each
// stage requires the previous stage's derived state and fails otherwise.  A
// Dataset is never shared across concurrent pipelines.
package singlecell

import (
	"github.com/JanBartosch/10978-BMMC/encoding/mtx"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// CellMeta is the per-cell metadata record.  Fields are filled in
// incrementally as the pipeline progresses.
type CellMeta struct {
	Barcode string
	// NFeatures is the number of genes with at least one count.
	NFeatures int
	// NCounts is the total count over all genes.
	NCounts float64
	// PctMito is the percentage of counts on mitochondrial genes, set by
	// ComputeQCMetrics.
	PctMito float64
	// CellType is the human-assigned identity, set by Annotate.
	CellType string
}

// Clustering is one resolution's partition of the retained cells.
type Clustering struct {
	Resolution float64
	// Assign[i] is the cluster id of cell i, in [0, K).  Ids are ordered by
	// decreasing cluster size.
	Assign []int32
	// K is the number of distinct clusters.
	K int
}

// Sizes returns the number of cells per cluster id.
func (c *Clustering) Sizes() []int {
	sizes := make([]int, c.K)
	for _, id := range c.Assign {
		sizes[id]++
	}
	return sizes
}

// Embedding is a dense row-major cells-by-components matrix.  It is a plain
// exported struct rather than a mat.Dense so that checkpoints can gob-encode
// it directly.
type Embedding struct {
	Rows, Cols int
	Data       []float64
}

func newEmbedding(rows, cols int) *Embedding {
	return &Embedding{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// At returns element (i, j).
func (e *Embedding) At(i, j int) float64 { return e.Data[i*e.Cols+j] }

// Set assigns element (i, j).
func (e *Embedding) Set(i, j int, v float64) { e.Data[i*e.Cols+j] = v }

// Row returns row i.  The slice aliases the embedding.
func (e *Embedding) Row(i int) []float64 { return e.Data[i*e.Cols : (i+1)*e.Cols] }

// Dense returns a gonum view sharing the embedding's backing array.
func (e *Embedding) Dense() *mat.Dense { return mat.NewDense(e.Rows, e.Cols, e.Data) }

// Dataset is the analysis container.  The raw count matrix is read once and
// never mutated after construction; derived state accumulates stage by
// stage.
type Dataset struct {
	// Genes and Barcodes label the rows and columns of Counts.
	Genes    []string
	Barcodes []string
	// Counts is the raw count matrix after the construction-time filters.
	Counts *mtx.Matrix
	// Cells holds per-cell metadata, parallel to Barcodes.
	Cells []CellMeta

	// LogNorm is the log1p-transformed, total-count-normalized matrix.  It
	// shares the sparsity pattern of Counts.
	LogNorm *mtx.Matrix
	// HVG lists the selected highly variable genes as sorted indices into
	// Genes.
	HVG []int32
	// Scaled is the cells x len(HVG) standardized expression matrix.
	Scaled *Embedding
	// PCs holds per-cell principal component scores and PCVariance the
	// variance captured by each component.
	PCs        *Embedding
	PCVariance []float64
	// Neighbors is the KNN/SNN graph in PC space.
	Neighbors *NeighborGraph
	// Clusterings holds one partition per clustering resolution, in the
	// order the resolutions were run.
	Clusterings []Clustering
	// UMAP is the cells x 2 visualization embedding.
	UMAP *Embedding
}

// NCells returns the number of retained cells.
func (d *Dataset) NCells() int { return len(d.Barcodes) }

// NGenes returns the number of retained genes.
func (d *Dataset) NGenes() int { return len(d.Genes) }

// ClusteringAt returns the clustering computed at the given resolution.
func (d *Dataset) ClusteringAt(resolution float64) (*Clustering, error) {
	for i := range d.Clusterings {
		if d.Clusterings[i].Resolution == resolution {
			return &d.Clusterings[i], nil
		}
	}
	return nil, errors.Errorf("singlecell: no clustering at resolution %g (have %d clusterings)",
		resolution, len(d.Clusterings))
}

func uniqueLabels(what string, labels []string) error {
	seen := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		if _, ok := seen[l]; ok {
			return errors.Errorf("singlecell: duplicate %s %q", what, l)
		}
		seen[l] = struct{}{}
	}
	return nil
}

// NewDataset wraps a count matrix and its labels into a Dataset, applying
// the construction-time filters: a gene is kept iff it is detected in at
// least opts.MinCellsPerGene cells, and a cell is kept iff it has at least
// opts.MinFeaturesPerCell detected genes (counted over kept genes).  The
// matrix dimensions must match the label list lengths exactly.
func NewDataset(m *mtx.Matrix, genes, barcodes []string, stats *Stats, opts Opts) (*Dataset, error) {
	if m.Rows != len(genes) {
		return nil, errors.Errorf("singlecell: matrix has %d rows but %d gene labels", m.Rows, len(genes))
	}
	if m.Cols != len(barcodes) {
		return nil, errors.Errorf("singlecell: matrix has %d columns but %d barcodes", m.Cols, len(barcodes))
	}
	if err := uniqueLabels("gene", genes); err != nil {
		return nil, err
	}
	if err := uniqueLabels("barcode", barcodes); err != nil {
		return nil, err
	}
	stats.GenesIn = m.Rows
	stats.CellsIn = m.Cols

	// Pass 1: count detecting cells per gene.
	cellsPerGene := make([]int, m.Rows)
	for _, i := range m.RowIdx {
		cellsPerGene[i]++
	}
	geneMap := make([]int32, m.Rows) // old row -> new row, -1 if dropped
	var keptGenes []string
	for i := range cellsPerGene {
		if cellsPerGene[i] >= opts.MinCellsPerGene {
			geneMap[i] = int32(len(keptGenes))
			keptGenes = append(keptGenes, genes[i])
		} else {
			geneMap[i] = -1
		}
	}
	if len(keptGenes) == 0 {
		return nil, errors.Errorf("singlecell: no gene detected in >= %d cells", opts.MinCellsPerGene)
	}

	// Pass 2: count detected kept genes per cell and select columns.
	var keptCols []int
	for j := 0; j < m.Cols; j++ {
		rows, _ := m.Col(j)
		n := 0
		for _, i := range rows {
			if geneMap[i] >= 0 {
				n++
			}
		}
		if n >= opts.MinFeaturesPerCell {
			keptCols = append(keptCols, j)
		}
	}
	if len(keptCols) == 0 {
		return nil, errors.Errorf("singlecell: no cell with >= %d detected genes", opts.MinFeaturesPerCell)
	}

	d := &Dataset{
		Genes:  keptGenes,
		Counts: subsetMatrix(m, geneMap, len(keptGenes), keptCols),
	}
	d.Barcodes = make([]string, len(keptCols))
	d.Cells = make([]CellMeta, len(keptCols))
	for jj, j := range keptCols {
		d.Barcodes[jj] = barcodes[j]
		d.Cells[jj].Barcode = barcodes[j]
	}
	fillCountMetrics(d)
	stats.GenesKept = d.NGenes()
	stats.CellsKept = d.NCells()
	return d, nil
}

// subsetMatrix builds a new CSC matrix keeping the listed columns and the
// rows with geneMap[i] >= 0, remapped to geneMap[i].  Row order within a
// column is preserved, so sortedness is too.
func subsetMatrix(m *mtx.Matrix, geneMap []int32, nRows int, cols []int) *mtx.Matrix {
	out := &mtx.Matrix{Rows: nRows, Cols: len(cols), ColPtr: make([]int, len(cols)+1)}
	for jj, j := range cols {
		rows, vals := m.Col(j)
		for k, i := range rows {
			if geneMap[i] < 0 {
				continue
			}
			out.RowIdx = append(out.RowIdx, geneMap[i])
			out.Val = append(out.Val, vals[k])
		}
		out.ColPtr[jj+1] = len(out.Val)
	}
	return out
}

// subsetCells narrows the dataset to the given column subset.  Only valid
// before any stage past QC has run; derived per-cell state other than
// CellMeta is not carried over.
func subsetCells(d *Dataset, keep []int) {
	identity := make([]int32, d.Counts.Rows)
	for i := range identity {
		identity[i] = int32(i)
	}
	d.Counts = subsetMatrix(d.Counts, identity, d.Counts.Rows, keep)
	barcodes := make([]string, len(keep))
	cells := make([]CellMeta, len(keep))
	for jj, j := range keep {
		barcodes[jj] = d.Barcodes[j]
		cells[jj] = d.Cells[j]
	}
	d.Barcodes = barcodes
	d.Cells = cells
}

// fillCountMetrics sets NFeatures and NCounts from the raw counts.
func fillCountMetrics(d *Dataset) {
	for j := 0; j < d.Counts.Cols; j++ {
		rows, vals := d.Counts.Col(j)
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		d.Cells[j].NFeatures = len(rows)
		d.Cells[j].NCounts = sum
	}
}

// CountsBytes estimates the in-memory size of the sparse count matrix.  A
// dense float64 matrix of the same shape is reported alongside it by the
// driver for comparison.
func (d *Dataset) CountsBytes() int64 {
	m := d.Counts
	return int64(len(m.ColPtr))*8 + int64(len(m.RowIdx))*4 + int64(len(m.Val))*8
}

// DenseBytes is the size the count matrix would occupy densely.
func (d *Dataset) DenseBytes() int64 {
	return int64(d.Counts.Rows) * int64(d.Counts.Cols) * 8
}
