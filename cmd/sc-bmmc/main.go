package main

//
// sc-bmmc
//
// Clustering pipeline for the 10k bone-marrow mononuclear cell dataset.
//
// The pipeline has two phases:
//
//   1. ingest the sparse count matrix, QC-filter, normalize, select variable
//      genes, scale, run PCA, build the SNN graph, cluster at a sweep of
//      resolutions, compute the UMAP embedding, and write the result to
//      -checkpoint.
//
//   2. rank marker genes, annotate clusters with cell-type labels, write the
//      annotated checkpoint, the marker table, and the UMAP plot.
//
// Example 1: run everything from the raw matrix.
//
//    sc-bmmc -matrix=data/matrix.mtx.gz -features=data/features.tsv.gz -barcodes=data/barcodes.tsv.gz
//
// Example 2: rerun only the 2nd phase from the checkpoint of a previous run.
//
//    sc-bmmc -resume=bmmc.rio

import (
	"context"
	"flag"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JanBartosch/10978-BMMC/encoding/mtx"
	"github.com/JanBartosch/10978-BMMC/singlecell"
	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
)

type memStats struct {
	mu sync.Mutex
	// Below are copies of runtime.MemStats
	alloc      uint64
	totalAlloc uint64
	sys        uint64
	heapSys    uint64
}

func (m *memStats) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("Alloc: %v TotalAlloc: %v, Sys: %v, HeapSys: %v",
		m.alloc, m.totalAlloc, m.sys, m.heapSys)
}

func (m *memStats) update() {
	var s runtime.MemStats
	runtime.ReadMemStats(&s)
	m.mu.Lock()
	if m.alloc < s.Alloc {
		m.alloc = s.Alloc
	}
	if m.totalAlloc < s.TotalAlloc {
		m.totalAlloc = s.TotalAlloc
	}
	if m.sys < s.Sys {
		m.sys = s.Sys
	}
	if m.heapSys < s.HeapSys {
		m.heapSys = s.HeapSys
	}
	m.mu.Unlock()
}

// Collection of options set via cmdline flags.
type pipelineFlags struct {
	matrixPath   string
	featuresPath string
	barcodesPath string

	checkpointPath string
	annotatedPath  string
	markersPath    string
	plotPath       string
	resumePath     string

	resolution  float64
	resolutions string
}

// bmmcCellTypes maps the Louvain cluster ids at the chosen resolution to
// cell-type labels, assigned by marker inspection (ids are ordered by
// cluster size, largest first).  Annotate rejects the map if the cluster
// count ever disagrees with it, instead of silently mismapping.
var bmmcCellTypes = map[int]string{
	0:  "CD14+ Monocytes",
	1:  "CD4 Naive T",
	2:  "CD4 Memory T",
	3:  "CD8 T",
	4:  "NK",
	5:  "B",
	6:  "Erythroid progenitors",
	7:  "CD16+ Monocytes",
	8:  "HSPC",
	9:  "pDC",
	10: "Plasma",
}

// openInput opens a possibly gzipped input file.
func openInput(ctx context.Context, path string) (io.Reader, func()) {
	in, err := file.Open(ctx, path)
	if err != nil {
		log.Panicf("open %s: %v", path, err)
	}
	var r io.Reader = in.Reader(ctx)
	if u, _ := compress.NewReaderPath(r, in.Name()); u != nil {
		r = u
	}
	return r, func() {
		if err := in.Close(ctx); err != nil {
			log.Panicf("close %s: %v", path, err)
		}
	}
}

// makeUnique disambiguates repeated gene symbols by appending ".1", ".2",
// ... to later occurrences, the same scheme CellRanger downstream tools use.
func makeUnique(labels []string) []string {
	seen := make(map[string]int, len(labels))
	out := make([]string, len(labels))
	for i, l := range labels {
		if n, ok := seen[l]; ok {
			seen[l] = n + 1
			out[i] = l + "." + strconv.Itoa(n)
			continue
		}
		seen[l] = 1
		out[i] = l
	}
	return out
}

func ingest(ctx context.Context, flags pipelineFlags, stats *singlecell.Stats, opts singlecell.Opts) *singlecell.Dataset {
	log.Printf("Reading count matrix from %s", flags.matrixPath)
	mr, closeMatrix := openInput(ctx, flags.matrixPath)
	m, err := mtx.Read(mr)
	if err != nil {
		log.Panicf("read %s: %v", flags.matrixPath, err)
	}
	closeMatrix()

	fr, closeFeatures := openInput(ctx, flags.featuresPath)
	genes, err := mtx.ReadLabels(fr, 1) // id, symbol, feature type
	if err != nil {
		log.Panicf("read %s: %v", flags.featuresPath, err)
	}
	closeFeatures()
	genes = makeUnique(genes)

	br, closeBarcodes := openInput(ctx, flags.barcodesPath)
	barcodes, err := mtx.ReadLabels(br, 0)
	if err != nil {
		log.Panicf("read %s: %v", flags.barcodesPath, err)
	}
	closeBarcodes()
	log.Printf("Stats: %d genes x %d barcodes, %d nonzero entries", m.Rows, m.Cols, m.NNZ())

	d, err := singlecell.NewDataset(m, genes, barcodes, stats, opts)
	if err != nil {
		log.Panicf("construct dataset: %v", err)
	}
	log.Printf("Stats: kept %d/%d genes and %d/%d cells at construction",
		stats.GenesKept, stats.GenesIn, stats.CellsKept, stats.CellsIn)
	log.Printf("Stats: sparse counts occupy %d bytes (dense equivalent %d bytes)",
		d.CountsBytes(), d.DenseBytes())
	return d
}

func cluster(ctx context.Context, d *singlecell.Dataset, stats *singlecell.Stats, opts singlecell.Opts) {
	log.Printf("Computing QC metrics")
	singlecell.ComputeQCMetrics(d, opts)
	if err := singlecell.FilterCells(d, stats, opts); err != nil {
		log.Panic(err)
	}
	log.Printf("Stats: %d cells pass QC (dropped %d low-feature, %d high-feature, %d high-mito)",
		stats.CellsQCPass, stats.CellsDroppedLowFeatures, stats.CellsDroppedHighFeatures, stats.CellsDroppedMito)

	log.Printf("Normalizing to %g counts per cell", opts.TargetSum)
	if err := singlecell.NormalizeTotal(d, opts); err != nil {
		log.Panic(err)
	}
	if err := singlecell.FindVariableGenes(d, stats, opts); err != nil {
		log.Panic(err)
	}
	log.Printf("Stats: selected %d variable genes", stats.VariableGenes)
	if err := singlecell.ScaleData(d, opts); err != nil {
		log.Panic(err)
	}

	log.Printf("Running PCA (%d components)", opts.NPCs)
	if err := singlecell.RunPCA(d, opts); err != nil {
		log.Panic(err)
	}
	log.Printf("Building %d-nearest-neighbor graph", opts.KNeighbors)
	if err := singlecell.BuildNeighborGraph(d, opts); err != nil {
		log.Panic(err)
	}
	log.Printf("Stats: %d SNN edges", len(d.Neighbors.SNN))

	log.Printf("Clustering at resolutions %v", opts.Resolutions)
	if err := singlecell.ClusterGraph(d, opts); err != nil {
		log.Panic(err)
	}
	for _, c := range d.Clusterings {
		log.Printf("Stats: resolution %g -> %d clusters, sizes %v", c.Resolution, c.K, c.Sizes())
	}

	log.Printf("Computing UMAP embedding")
	if err := singlecell.RunUMAP(d, opts); err != nil {
		log.Panic(err)
	}
}

func annotate(ctx context.Context, d *singlecell.Dataset, flags pipelineFlags, stats *singlecell.Stats, opts singlecell.Opts) {
	log.Printf("Ranking marker genes at resolution %g", flags.resolution)
	markers, err := singlecell.RankMarkers(d, flags.resolution, stats, opts)
	if err != nil {
		log.Panic(err)
	}
	log.Printf("Stats: %d markers reported (%d tested)", stats.MarkersReported, stats.MarkersTested)
	if err := singlecell.WriteMarkersTSV(ctx, flags.markersPath, markers); err != nil {
		log.Panicf("write %s: %v", flags.markersPath, err)
	}
	log.Printf("Wrote marker table to %s", flags.markersPath)

	if err := singlecell.Annotate(d, flags.resolution, bmmcCellTypes); err != nil {
		log.Panic(err)
	}
	for _, tc := range singlecell.CellTypeCounts(d) {
		log.Printf("Stats: %6d cells  %s", tc.N, tc.CellType)
	}
}

func run(ctx context.Context, flags pipelineFlags, opts singlecell.Opts) {
	stats := singlecell.Stats{}
	var d *singlecell.Dataset
	if flags.resumePath == "" {
		d = ingest(ctx, flags, &stats, opts)
		cluster(ctx, d, &stats, opts)
		if err := singlecell.WriteCheckpoint(ctx, flags.checkpointPath, d, opts); err != nil {
			log.Panic(err)
		}
		log.Printf("Wrote checkpoint to %s", flags.checkpointPath)
	} else {
		var err error
		var savedOpts singlecell.Opts
		if d, savedOpts, err = singlecell.ReadCheckpoint(ctx, flags.resumePath); err != nil {
			log.Panic(err)
		}
		opts = savedOpts
		log.Printf("Resumed %d cells x %d genes from %s", d.NCells(), d.NGenes(), flags.resumePath)
	}

	annotate(ctx, d, flags, &stats, opts)
	if err := singlecell.WriteCheckpoint(ctx, flags.annotatedPath, d, opts); err != nil {
		log.Panic(err)
	}
	log.Printf("Wrote annotated checkpoint to %s", flags.annotatedPath)

	if err := writeUMAPPlot(flags.plotPath, d, flags.resolution); err != nil {
		log.Panicf("plot %s: %v", flags.plotPath, err)
	}
	log.Printf("Wrote UMAP plot to %s", flags.plotPath)
}

func parseResolutions(s string) ([]float64, error) {
	var out []float64
	for _, f := range strings.Split(s, ",") {
		r, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func main() {
	opts := singlecell.DefaultOpts
	flags := pipelineFlags{}
	flag.StringVar(&flags.matrixPath, "matrix", "data/matrix.mtx.gz", "MatrixMarket sparse count matrix.")
	flag.StringVar(&flags.featuresPath, "features", "data/features.tsv.gz", "Tab-separated feature list (one gene per matrix row).")
	flag.StringVar(&flags.barcodesPath, "barcodes", "data/barcodes.tsv.gz", "Cell barcode list (one barcode per matrix column).")
	flag.StringVar(&flags.checkpointPath, "checkpoint", "bmmc.rio", "Checkpoint written after the UMAP stage.")
	flag.StringVar(&flags.annotatedPath, "annotated-checkpoint", "bmmc_annotated.rio", "Checkpoint written after annotation.")
	flag.StringVar(&flags.markersPath, "markers", "markers.tsv", "Marker gene table output.")
	flag.StringVar(&flags.plotPath, "plot", "umap.png", "Cluster-colored UMAP scatter plot.")
	flag.StringVar(&flags.resumePath, "resume", "", `Checkpoint from a previous run.  If nonempty, the ingest/cluster/UMAP
phase is skipped and only marker ranking, annotation, and plotting run.`)
	flag.Float64Var(&flags.resolution, "resolution", 0.5, "Clustering resolution used for markers, annotation, and the plot.")
	flag.StringVar(&flags.resolutions, "resolutions", "0.1,0.3,0.5,0.7,1.0", "Comma-separated clustering resolution sweep.")
	flag.IntVar(&opts.KNeighbors, "k", singlecell.DefaultOpts.KNeighbors, "Neighborhood size of the KNN graph.")
	flag.IntVar(&opts.NPCs, "n-pcs", singlecell.DefaultOpts.NPCs, "Number of principal components.")
	flag.IntVar(&opts.NTopGenes, "n-top-genes", singlecell.DefaultOpts.NTopGenes, "Number of highly variable genes.")
	flag.Uint64Var(&opts.Seed, "seed", singlecell.DefaultOpts.Seed, "Seed for clustering and UMAP.")

	cleanup := grail.Init()
	defer cleanup()
	ctx := vcontext.Background()

	var err error
	if opts.Resolutions, err = parseResolutions(flags.resolutions); err != nil {
		log.Fatalf("bad -resolutions: %v", err)
	}
	found := false
	for _, r := range opts.Resolutions {
		if r == flags.resolution {
			found = true
		}
	}
	if !found {
		log.Fatalf("-resolution %g is not part of the -resolutions sweep", flags.resolution)
	}

	var memStats memStats
	go func() {
		for {
			time.Sleep(500 * time.Millisecond)
			memStats.update()
		}
	}()

	start := time.Now()
	run(ctx, flags, opts)
	memStats.update()
	log.Printf("MemStats: %s", memStats.String())
	log.Printf("All done in %s", time.Since(start))
}
