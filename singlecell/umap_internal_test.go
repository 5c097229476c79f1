package singlecell

import (
	"math"
	"testing"

	"github.com/grailbio/testutil/expect"
)

func TestFitABParams(t *testing.T) {
	// The published reference values for min_dist=0.1 are a~1.58, b~0.90.
	a, b := fitABParams(0.1)
	expect.True(t, math.Abs(a-1.58) < 0.15, "a=%f", a)
	expect.True(t, math.Abs(b-0.90) < 0.1, "b=%f", b)

	// Larger min-dist flattens the curve.
	a2, _ := fitABParams(0.5)
	expect.True(t, a2 < a, "a(0.5)=%f a(0.1)=%f", a2, a)
}

func TestSmoothKNNDist(t *testing.T) {
	dists := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	rho := dists[0]
	sigma := smoothKNNDist(dists, rho)
	expect.True(t, sigma > 0)

	// The calibrated bandwidth hits the log2(k) membership target.
	sum := 0.0
	for _, dd := range dists {
		if dd > rho {
			sum += math.Exp(-(dd - rho) / sigma)
		} else {
			sum++
		}
	}
	expect.True(t, math.Abs(sum-math.Log2(float64(len(dists)))) < 1e-3, "sum=%f", sum)
}

func TestFuzzyGraphSymmetrizes(t *testing.T) {
	g := &NeighborGraph{
		K:    2,
		Idx:  [][]int32{{1, 2}, {0, 2}, {0, 1}},
		Dist: [][]float64{{1, 2}, {1, 3}, {2, 3}},
	}
	edges := fuzzyGraph(g)
	expect.EQ(t, len(edges), 3) // each unordered pair once
	for i, e := range edges {
		expect.True(t, e.from < e.to)
		expect.True(t, e.weight > 0 && e.weight <= 1, "edge %d weight %f", i, e.weight)
		if i > 0 {
			expect.True(t, edges[i-1].from < e.from ||
				(edges[i-1].from == e.from && edges[i-1].to < e.to))
		}
	}
}
