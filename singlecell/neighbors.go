package singlecell

import (
	"math"
	"sort"

	"github.com/biogo/store/kdtree"
	"github.com/grailbio/base/traverse"
	"github.com/pkg/errors"
)

// NeighborGraph is the nearest-neighbor structure computed in principal-
// component space.  Idx and Dist are parallel per-cell slices ordered by
// increasing distance; SNN holds the pruned shared-nearest-neighbor edges.
type NeighborGraph struct {
	K int
	// Idx[i] lists the K nearest neighbors of cell i, excluding i itself.
	Idx [][]int32
	// Dist[i] are the matching euclidean distances.
	Dist [][]float64
	// SNN lists Jaccard-weighted edges with A < B.
	SNN []SNNEdge
}

// SNNEdge is one shared-nearest-neighbor edge.
type SNNEdge struct {
	A, B   int32
	Weight float64
}

// pcVec is a cell position in PC space, usable as a kd-tree element.
type pcVec struct {
	pos []float64
	id  int32
}

func (p pcVec) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(pcVec)
	return p.pos[d] - q.pos[d]
}

func (p pcVec) Dims() int { return len(p.pos) }

func (p pcVec) Distance(c kdtree.Comparable) float64 {
	q := c.(pcVec)
	var sum float64
	for i, v := range p.pos {
		dd := v - q.pos[i]
		sum += dd * dd
	}
	return sum
}

type pcVecs []pcVec

func (p pcVecs) Index(i int) kdtree.Comparable         { return p[i] }
func (p pcVecs) Len() int                              { return len(p) }
func (p pcVecs) Pivot(d kdtree.Dim) int                { return plane{Dim: d, pcVecs: p}.Pivot() }
func (p pcVecs) Slice(start, end int) kdtree.Interface { return p[start:end] }

// plane is the kd-tree pivoting helper over one dimension.
type plane struct {
	kdtree.Dim
	pcVecs
}

func (p plane) Less(i, j int) bool { return p.pcVecs[i].pos[p.Dim] < p.pcVecs[j].pos[p.Dim] }
func (p plane) Pivot() int         { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.pcVecs = p.pcVecs[start:end]
	return p
}
func (p plane) Swap(i, j int) { p.pcVecs[i], p.pcVecs[j] = p.pcVecs[j], p.pcVecs[i] }

// BuildNeighborGraph finds each cell's opts.KNeighbors nearest neighbors in
// PC space with a kd-tree and derives the shared-nearest-neighbor graph:
// each candidate edge is weighted by the Jaccard overlap of the two cells'
// neighborhoods (self included, as in Seurat) and dropped below
// opts.SNNPruneCutoff.  RunPCA must have run first.
func BuildNeighborGraph(d *Dataset, opts Opts) error {
	if d.PCs == nil {
		return errors.New("singlecell: BuildNeighborGraph requires RunPCA")
	}
	nCells := d.NCells()
	k := opts.KNeighbors
	if k < 1 {
		return errors.Errorf("singlecell: k must be positive, got %d", k)
	}
	if k >= nCells {
		k = nCells - 1
	}
	if k == 0 {
		return errors.New("singlecell: not enough cells for a neighbor graph")
	}

	pts := make(pcVecs, nCells)
	for j := 0; j < nCells; j++ {
		pts[j] = pcVec{pos: d.PCs.Row(j), id: int32(j)}
	}
	tree := kdtree.New(pts, false)

	g := &NeighborGraph{
		K:    k,
		Idx:  make([][]int32, nCells),
		Dist: make([][]float64, nCells),
	}
	err := traverse.Each(nCells, func(j int) error {
		keep := kdtree.NewNKeeper(k + 1) // the query point comes back too
		tree.NearestSet(keep, pts[j])
		type nbr struct {
			id   int32
			dist float64
		}
		nbrs := make([]nbr, 0, k)
		for _, cd := range keep.Heap {
			if cd.Comparable == nil {
				continue
			}
			q := cd.Comparable.(pcVec)
			if q.id == int32(j) {
				continue
			}
			nbrs = append(nbrs, nbr{q.id, math.Sqrt(cd.Dist)})
		}
		sort.Slice(nbrs, func(a, b int) bool { return nbrs[a].dist < nbrs[b].dist })
		if len(nbrs) > k {
			nbrs = nbrs[:k]
		}
		idx := make([]int32, len(nbrs))
		dist := make([]float64, len(nbrs))
		for i, n := range nbrs {
			idx[i] = n.id
			dist[i] = n.dist
		}
		g.Idx[j] = idx
		g.Dist[j] = dist
		return nil
	})
	if err != nil {
		return err
	}

	g.SNN = sharedNeighborEdges(g, opts.SNNPruneCutoff)
	d.Neighbors = g
	return nil
}

// sharedNeighborEdges computes Jaccard weights between each cell and its
// nearest neighbors and keeps edges at or above the cutoff, each once with
// A < B.
func sharedNeighborEdges(g *NeighborGraph, cutoff float64) []SNNEdge {
	n := len(g.Idx)
	// Neighborhood sets, sorted, with the cell itself included.
	sets := make([][]int32, n)
	for j := 0; j < n; j++ {
		s := make([]int32, 0, len(g.Idx[j])+1)
		s = append(s, int32(j))
		s = append(s, g.Idx[j]...)
		sort.Slice(s, func(a, b int) bool { return s[a] < s[b] })
		sets[j] = s
	}
	jaccard := func(a, b []int32) float64 {
		inter := 0
		for i, j := 0, 0; i < len(a) && j < len(b); {
			switch {
			case a[i] == b[j]:
				inter++
				i++
				j++
			case a[i] < b[j]:
				i++
			default:
				j++
			}
		}
		union := len(a) + len(b) - inter
		return float64(inter) / float64(union)
	}

	type pair struct{ a, b int32 }
	seen := make(map[pair]struct{})
	var edges []SNNEdge
	for j := 0; j < n; j++ {
		for _, q := range g.Idx[j] {
			a, b := int32(j), q
			if a > b {
				a, b = b, a
			}
			if _, ok := seen[pair{a, b}]; ok {
				continue
			}
			seen[pair{a, b}] = struct{}{}
			if w := jaccard(sets[a], sets[b]); w >= cutoff {
				edges = append(edges, SNNEdge{A: a, B: b, Weight: w})
			}
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].A != edges[j].A {
			return edges[i].A < edges[j].A
		}
		return edges[i].B < edges[j].B
	})
	return edges
}
