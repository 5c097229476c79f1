package singlecell

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
)

// RunUMAP computes a 2-D embedding of the cells from the KNN graph and
// stores it in d.UMAP.  The construction follows the reference UMAP
// procedure: per-cell smoothed-knn calibration of edge weights, fuzzy union
// symmetrization, and stochastic gradient descent over an attractive/
// repulsive cross-entropy with negative sampling.  The layout is
// initialized from the first two principal components and is deterministic
// for a fixed opts.Seed.  BuildNeighborGraph must have run first.
func RunUMAP(d *Dataset, opts Opts) error {
	if d.Neighbors == nil {
		return errors.New("singlecell: RunUMAP requires BuildNeighborGraph")
	}
	if d.PCs == nil || d.PCs.Cols < 2 {
		return errors.New("singlecell: RunUMAP requires at least two principal components")
	}
	nCells := d.NCells()
	if nCells < 3 {
		return errors.New("singlecell: too few cells for a UMAP embedding")
	}

	edges := fuzzyGraph(d.Neighbors)
	if len(edges) == 0 {
		return errors.New("singlecell: empty fuzzy graph")
	}
	a, b := fitABParams(opts.UMAPMinDist)

	// Initialize from PC1/PC2, rescaled to [-10, 10] with a small
	// deterministic jitter to break exact ties.
	rng := rand.New(rand.NewSource(opts.Seed))
	emb := newEmbedding(nCells, 2)
	maxAbs := 0.0
	for j := 0; j < nCells; j++ {
		maxAbs = math.Max(maxAbs, math.Abs(d.PCs.At(j, 0)))
		maxAbs = math.Max(maxAbs, math.Abs(d.PCs.At(j, 1)))
	}
	if maxAbs == 0 {
		maxAbs = 1
	}
	for j := 0; j < nCells; j++ {
		emb.Set(j, 0, 10*d.PCs.At(j, 0)/maxAbs+1e-4*rng.NormFloat64())
		emb.Set(j, 1, 10*d.PCs.At(j, 1)/maxAbs+1e-4*rng.NormFloat64())
	}

	optimizeLayout(emb, edges, a, b, nCells, opts, rng)
	d.UMAP = emb
	return nil
}

// fuzzyEdge is one symmetrized fuzzy-graph edge.
type fuzzyEdge struct {
	from, to int32
	weight   float64
}

// fuzzyGraph converts KNN distances into symmetrized membership strengths.
// For each cell, rho is the distance to its nearest neighbor and sigma is
// calibrated so that the neighborhood's total membership is log2(k); the
// directed strengths are then combined with the fuzzy union a+b-ab.
func fuzzyGraph(g *NeighborGraph) []fuzzyEdge {
	n := len(g.Idx)
	directed := make(map[[2]int32]float64, n*g.K)
	for j := 0; j < n; j++ {
		dists := g.Dist[j]
		if len(dists) == 0 {
			continue
		}
		rho := dists[0]
		sigma := smoothKNNDist(dists, rho)
		for i, q := range g.Idx[j] {
			dd := dists[i] - rho
			w := 1.0
			if dd > 0 && sigma > 0 {
				w = math.Exp(-dd / sigma)
			}
			directed[[2]int32{int32(j), q}] = w
		}
	}
	merged := make(map[[2]int32]float64, len(directed))
	for k, w := range directed {
		a, bb := k[0], k[1]
		if a > bb {
			a, bb = bb, a
		}
		key := [2]int32{a, bb}
		if prev, ok := merged[key]; ok {
			merged[key] = prev + w - prev*w
		} else {
			merged[key] = w
		}
	}
	edges := make([]fuzzyEdge, 0, len(merged))
	for k, w := range merged {
		edges = append(edges, fuzzyEdge{from: k[0], to: k[1], weight: w})
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].from != edges[j].from {
			return edges[i].from < edges[j].from
		}
		return edges[i].to < edges[j].to
	})
	return edges
}

// smoothKNNDist binary-searches the kernel bandwidth so that the smoothed
// neighborhood size equals log2(k).
func smoothKNNDist(dists []float64, rho float64) float64 {
	target := math.Log2(float64(len(dists)))
	lo, hi, mid := 0.0, math.Inf(1), 1.0
	for iter := 0; iter < 64; iter++ {
		sum := 0.0
		for _, dd := range dists {
			if dd > rho {
				sum += math.Exp(-(dd - rho) / mid)
			} else {
				sum += 1
			}
		}
		if math.Abs(sum-target) < 1e-5 {
			break
		}
		if sum > target {
			hi = mid
			mid = (lo + hi) / 2
		} else {
			lo = mid
			if math.IsInf(hi, 1) {
				mid *= 2
			} else {
				mid = (lo + hi) / 2
			}
		}
	}
	return mid
}

// fitABParams fits the differentiable curve 1/(1+a*x^(2b)) to the ideal
// membership curve for the given min-dist by damped Gauss-Newton least
// squares, replacing the reference implementation's scipy curve_fit call.
func fitABParams(minDist float64) (a, b float64) {
	const (
		samples = 300
		span    = 3.0
	)
	xs := make([]float64, samples)
	ys := make([]float64, samples)
	for i := range xs {
		x := span * float64(i+1) / samples
		xs[i] = x
		if x <= minDist {
			ys[i] = 1
		} else {
			ys[i] = math.Exp(-(x - minDist))
		}
	}
	a, b = 1.5, 1.0
	for iter := 0; iter < 200; iter++ {
		// Accumulate J^T J and J^T r for the two parameters.
		var jtj00, jtj01, jtj11, jtr0, jtr1 float64
		for i, x := range xs {
			xp := math.Pow(x, 2*b)
			den := 1 + a*xp
			f := 1 / den
			r := ys[i] - f
			// df/da and df/db.
			dfda := -xp / (den * den)
			dfdb := -2 * a * xp * math.Log(x) / (den * den)
			jtj00 += dfda * dfda
			jtj01 += dfda * dfdb
			jtj11 += dfdb * dfdb
			jtr0 += dfda * r
			jtr1 += dfdb * r
		}
		// Damped 2x2 solve.
		const lambda = 1e-6
		jtj00 += lambda
		jtj11 += lambda
		det := jtj00*jtj11 - jtj01*jtj01
		if det == 0 {
			break
		}
		da := (jtj11*jtr0 - jtj01*jtr1) / det
		db := (jtj00*jtr1 - jtj01*jtr0) / det
		a += da
		b += db
		if a <= 0 {
			a = 1e-3
		}
		if b <= 0 {
			b = 1e-3
		}
		if math.Abs(da)+math.Abs(db) < 1e-9 {
			break
		}
	}
	return a, b
}

func clip4(v float64) float64 {
	if v > 4 {
		return 4
	}
	if v < -4 {
		return -4
	}
	return v
}

// optimizeLayout runs the sampled SGD over the fuzzy graph edges.  Edge i
// is applied once every epochsPerSample[i] epochs, in proportion to its
// weight, with opts.UMAPNegativeSamples repulsive updates per application.
func optimizeLayout(emb *Embedding, edges []fuzzyEdge, a, b float64, nCells int, opts Opts, rng *rand.Rand) {
	epochs := opts.UMAPEpochs
	if epochs < 1 {
		epochs = 1
	}
	maxW := 0.0
	for _, e := range edges {
		maxW = math.Max(maxW, e.weight)
	}
	epochsPerSample := make([]float64, len(edges))
	nextEpoch := make([]float64, len(edges))
	for i, e := range edges {
		epochsPerSample[i] = maxW / e.weight
		nextEpoch[i] = epochsPerSample[i]
	}
	negRate := float64(opts.UMAPNegativeSamples)
	if negRate < 1 {
		negRate = 1
	}

	for epoch := 1; epoch <= epochs; epoch++ {
		alpha := 1 - float64(epoch-1)/float64(epochs)
		for i, e := range edges {
			if nextEpoch[i] > float64(epoch) {
				continue
			}
			nextEpoch[i] += epochsPerSample[i]
			head := emb.Row(int(e.from))
			tail := emb.Row(int(e.to))

			d2 := sqDist2(head, tail)
			if d2 > 0 {
				grad := -2 * a * b * math.Pow(d2, b-1) / (1 + a*math.Pow(d2, b))
				for c := 0; c < 2; c++ {
					g := clip4(grad*(head[c]-tail[c])) * alpha
					head[c] += g
					tail[c] -= g
				}
			}
			for s := 0; s < int(negRate); s++ {
				other := emb.Row(rng.Intn(nCells))
				d2 := sqDist2(head, other)
				if d2 <= 0 {
					continue
				}
				grad := 2 * b / ((0.001 + d2) * (1 + a*math.Pow(d2, b)))
				for c := 0; c < 2; c++ {
					head[c] += clip4(grad*(head[c]-other[c])) * alpha
				}
			}
		}
	}
}

func sqDist2(p, q []float64) float64 {
	dx, dy := p[0]-q[0], p[1]-q[1]
	return dx*dx + dy*dy
}
