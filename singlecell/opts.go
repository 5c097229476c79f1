package singlecell

// Opts collects the tunable parameters of every pipeline stage.
type Opts struct {
	// MinCellsPerGene drops genes detected in fewer cells when the dataset
	// is constructed.
	MinCellsPerGene int
	// MinFeaturesPerCell drops barcodes with fewer detected genes when the
	// dataset is constructed.
	MinFeaturesPerCell int

	// MitoPrefix marks mitochondrial features by gene symbol prefix.
	MitoPrefix string
	// MinFeatures and MaxFeatures bound the per-cell detected gene count
	// during QC filtering. Both bounds are exclusive.
	MinFeatures int
	MaxFeatures int
	// MaxPctMito is the exclusive upper bound on the per-cell mitochondrial
	// read percentage.
	MaxPctMito float64

	// TargetSum is the per-cell total that counts are rescaled to before
	// log1p transformation.
	TargetSum float64
	// NTopGenes is the number of highly variable genes to select.
	NTopGenes int
	// NBins is the number of mean-expression bins used to standardize
	// per-gene dispersions.
	NBins int
	// MaxScaledValue clips scaled expression at +/- this value.
	MaxScaledValue float64

	// NPCs is the number of principal components retained.
	NPCs int
	// KNeighbors is the neighborhood size for the KNN graph.
	KNeighbors int
	// SNNPruneCutoff removes shared-nearest-neighbor edges whose Jaccard
	// weight falls below it.
	SNNPruneCutoff float64
	// Resolutions is the sweep of clustering resolution parameters. Every
	// resolution's assignment is retained; picking one is a manual decision.
	Resolutions []float64

	// Seed feeds every stochastic stage (clustering, UMAP).
	Seed uint64
	// UMAPEpochs is the number of optimization epochs for the 2-D layout.
	UMAPEpochs int
	// UMAPMinDist controls how tightly the layout packs neighboring points.
	UMAPMinDist float64
	// UMAPNegativeSamples is the number of repulsive samples per positive
	// edge update.
	UMAPNegativeSamples int

	// MinPct skips genes detected in less than this fraction of cells in
	// both the in-cluster and rest groups during marker ranking.
	MinPct float64
	// MinLogFC skips genes with |log2 fold change| below it.
	MinLogFC float64
}

// DefaultOpts sets the default values to Opts.
var DefaultOpts = Opts{
	MinCellsPerGene:     3,      // Seurat: CreateSeuratObject min.cells
	MinFeaturesPerCell:  200,    // Seurat: CreateSeuratObject min.features
	MitoPrefix:          "MT-",  // human mitochondrial gene symbols
	MinFeatures:         200,    // retained iff 200 < nFeature < 5000
	MaxFeatures:         5000,   //
	MaxPctMito:          10,     // retained iff percent.mt < 10
	TargetSum:           1e4,    // Seurat: NormalizeData scale.factor
	NTopGenes:           2000,   // Seurat: FindVariableFeatures nfeatures
	NBins:               20,     // scanpy: highly_variable_genes n_bins
	MaxScaledValue:      10,     // Seurat: ScaleData clips at 10
	NPCs:                50,     // Seurat: RunPCA npcs
	KNeighbors:          20,     // Seurat: FindNeighbors k.param
	SNNPruneCutoff:      1.0 / 15.0, // Seurat: FindNeighbors prune.SNN
	Resolutions:         []float64{0.1, 0.3, 0.5, 0.7, 1.0},
	Seed:                42,
	UMAPEpochs:          200, // umap-learn default for datasets above 10k cells
	UMAPMinDist:         0.3, // Seurat: RunUMAP min.dist
	UMAPNegativeSamples: 5,
	MinPct:              0.1,  // Seurat: FindAllMarkers min.pct
	MinLogFC:            0.25, // Seurat: FindAllMarkers logfc.threshold
}
