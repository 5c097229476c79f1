package singlecell

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// RunPCA computes a principal-component embedding of the scaled matrix and
// stores the first opts.NPCs component scores per cell in d.PCs, with the
// variance captured by each component in d.PCVariance.  The decomposition
// itself is gonum's; ScaleData must have run first.
func RunPCA(d *Dataset, opts Opts) error {
	if d.Scaled == nil {
		return errors.New("singlecell: RunPCA requires ScaleData")
	}
	x := d.Scaled.Dense()
	nCells, nGenes := x.Dims()
	k := opts.NPCs
	if k > nGenes {
		k = nGenes
	}
	if k > nCells {
		k = nCells
	}
	if k < 2 {
		return errors.Errorf("singlecell: cannot compute %d principal components from %dx%d data",
			opts.NPCs, nCells, nGenes)
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(x, nil); !ok {
		return errors.New("singlecell: principal component decomposition failed")
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	vars := pc.VarsTo(nil)

	scores := newEmbedding(nCells, k)
	var proj mat.Dense
	proj.Mul(x, vecs.Slice(0, nGenes, 0, k))
	for j := 0; j < nCells; j++ {
		copy(scores.Row(j), proj.RawRowView(j))
	}
	d.PCs = scores
	d.PCVariance = append([]float64(nil), vars[:k]...)
	return nil
}
