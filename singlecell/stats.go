package singlecell

// Stats represents high-level counters collected while running the pipeline.
type Stats struct {
	// GenesIn and CellsIn are the raw matrix dimensions before any filter.
	GenesIn int
	CellsIn int
	// GenesKept and CellsKept count survivors of the construction-time
	// min-cells / min-features filters.
	GenesKept int
	CellsKept int
	// CellsDroppedLowFeatures counts QC drops with nFeature at or below the
	// lower bound.
	CellsDroppedLowFeatures int
	// CellsDroppedHighFeatures counts QC drops with nFeature at or above the
	// upper bound.
	CellsDroppedHighFeatures int
	// CellsDroppedMito counts QC drops with percent.mt at or above the bound.
	// A cell failing both bounds is counted once, as a feature-count drop.
	CellsDroppedMito int
	// CellsQCPass counts cells surviving QC.
	CellsQCPass int
	// VariableGenes is the size of the selected highly variable gene set.
	VariableGenes int
	// MarkersTested and MarkersReported count marker-gene candidates over
	// all clusters.
	MarkersTested   int
	MarkersReported int
}

// Merge adds the field values of the two Stats objects and creates new Stats.
func (s Stats) Merge(o Stats) Stats {
	s.GenesIn += o.GenesIn
	s.CellsIn += o.CellsIn
	s.GenesKept += o.GenesKept
	s.CellsKept += o.CellsKept
	s.CellsDroppedLowFeatures += o.CellsDroppedLowFeatures
	s.CellsDroppedHighFeatures += o.CellsDroppedHighFeatures
	s.CellsDroppedMito += o.CellsDroppedMito
	s.CellsQCPass += o.CellsQCPass
	s.VariableGenes += o.VariableGenes
	s.MarkersTested += o.MarkersTested
	s.MarkersReported += o.MarkersReported
	return s
}
