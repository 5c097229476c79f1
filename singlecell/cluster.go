package singlecell

import (
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"
)

// ClusterGraph partitions the SNN graph by Louvain modularity optimization
// (gonum graph/community) once per resolution in opts.Resolutions.  All
// partitions are retained on the dataset; no automatic resolution selection
// happens here.  Within each partition, cluster ids are assigned by
// decreasing cluster size, ties broken by the smallest member cell, so ids
// are stable for a fixed seed.  BuildNeighborGraph must have run first.
func ClusterGraph(d *Dataset, opts Opts) error {
	if d.Neighbors == nil {
		return errors.New("singlecell: ClusterGraph requires BuildNeighborGraph")
	}
	if len(opts.Resolutions) == 0 {
		return errors.New("singlecell: no clustering resolutions configured")
	}
	nCells := d.NCells()

	g := simple.NewWeightedUndirectedGraph(0, 0)
	for j := 0; j < nCells; j++ {
		g.AddNode(simple.Node(j))
	}
	for _, e := range d.Neighbors.SNN {
		g.SetWeightedEdge(simple.WeightedEdge{
			F: simple.Node(e.A),
			T: simple.Node(e.B),
			W: e.Weight,
		})
	}

	d.Clusterings = d.Clusterings[:0]
	for _, res := range opts.Resolutions {
		// A fresh source per resolution keeps each sweep entry independent
		// of the order the sweep runs in.
		reduced := community.Modularize(g, res, rand.NewSource(opts.Seed))
		comms := reduced.Communities()

		// Order communities by size, largest first.
		type comm struct {
			members []int32
			minCell int32
		}
		cs := make([]comm, 0, len(comms))
		for _, nodes := range comms {
			c := comm{minCell: int32(nCells)}
			for _, n := range nodes {
				id := int32(n.ID())
				c.members = append(c.members, id)
				if id < c.minCell {
					c.minCell = id
				}
			}
			cs = append(cs, c)
		}
		sort.Slice(cs, func(a, b int) bool {
			if len(cs[a].members) != len(cs[b].members) {
				return len(cs[a].members) > len(cs[b].members)
			}
			return cs[a].minCell < cs[b].minCell
		})

		assign := make([]int32, nCells)
		for i := range assign {
			assign[i] = -1
		}
		for id, c := range cs {
			for _, cell := range c.members {
				assign[cell] = int32(id)
			}
		}
		for cell, id := range assign {
			if id < 0 {
				return errors.Errorf("singlecell: cell %d missing from the resolution %g partition", cell, res)
			}
		}
		d.Clusterings = append(d.Clusterings, Clustering{
			Resolution: res,
			Assign:     assign,
			K:          len(cs),
		})
	}
	return nil
}
