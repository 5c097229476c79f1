package singlecell

import (
	"context"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/base/tsv"
	pkgerrors "github.com/pkg/errors"
)

// Marker is one (gene, cluster) row of the marker table.  A gene may be a
// marker for more than one cluster.
type Marker struct {
	Gene    string
	Cluster int32
	// Log2FC is the log2 fold change of in-cluster over rest mean
	// expression.
	Log2FC float64
	// PValue is the two-sided Wilcoxon rank-sum p against the rest group;
	// FDR is its Benjamini-Hochberg adjustment within the cluster.
	PValue float64
	FDR    float64
	// Pct1 and Pct2 are the detection fractions inside and outside the
	// cluster.
	Pct1, Pct2 float64
	// Mean1 and Mean2 are the group means of log-normalized expression.
	Mean1, Mean2 float64
}

// geneAcc accumulates one gene's nonzero expression within a cell group.
type geneAcc struct {
	sum  float64
	nnz  int
	vals []float64
}

// RankMarkers ranks genes by differential expression for every cluster at
// the given resolution, one cluster against all remaining cells, on the
// log-normalized data.  Genes detected in less than opts.MinPct of both
// groups, or with |log2 fold change| below opts.MinLogFC, are not tested.
// Within each cluster the surviving genes get Benjamini-Hochberg adjusted
// Wilcoxon p-values and are sorted by FDR, then by |log2FC|.  Clusters are
// processed in parallel.  NormalizeTotal and ClusterGraph must have run.
func RankMarkers(d *Dataset, resolution float64, stats *Stats, opts Opts) ([]Marker, error) {
	if d.LogNorm == nil {
		return nil, pkgerrors.New("singlecell: RankMarkers requires NormalizeTotal")
	}
	clustering, err := d.ClusteringAt(resolution)
	if err != nil {
		return nil, err
	}
	nCells := d.NCells()
	sizes := clustering.Sizes()

	perCluster := make([][]Marker, clustering.K)
	clusterStats := make([]Stats, clustering.K)
	err = traverse.Each(clustering.K, func(ci int) error {
		cluster := int32(ci)
		n1 := sizes[ci]
		n2 := nCells - n1
		if n1 == 0 || n2 == 0 {
			return pkgerrors.Errorf("singlecell: cluster %d leaves an empty group (%d vs %d cells)", ci, n1, n2)
		}

		acc1 := make([]geneAcc, d.NGenes())
		acc2 := make([]geneAcc, d.NGenes())
		for j := 0; j < nCells; j++ {
			acc := acc2
			if clustering.Assign[j] == cluster {
				acc = acc1
			}
			rows, vals := d.LogNorm.Col(j)
			for k, i := range rows {
				a := &acc[i]
				a.sum += vals[k]
				a.nnz++
				a.vals = append(a.vals, vals[k])
			}
		}

		var markers []Marker
		for i := 0; i < d.NGenes(); i++ {
			a1, a2 := &acc1[i], &acc2[i]
			pct1 := float64(a1.nnz) / float64(n1)
			pct2 := float64(a2.nnz) / float64(n2)
			if pct1 < opts.MinPct && pct2 < opts.MinPct {
				continue
			}
			mean1 := a1.sum / float64(n1)
			mean2 := a2.sum / float64(n2)
			const eps = 1e-9
			log2fc := math.Log2((mean1 + eps) / (mean2 + eps))
			if math.Abs(log2fc) < opts.MinLogFC {
				continue
			}
			clusterStats[ci].MarkersTested++
			markers = append(markers, Marker{
				Gene:    d.Genes[i],
				Cluster: cluster,
				Log2FC:  log2fc,
				PValue:  wilcoxonRankSum(a1.vals, n1, a2.vals, n2),
				Pct1:    pct1,
				Pct2:    pct2,
				Mean1:   mean1,
				Mean2:   mean2,
			})
		}

		pvals := make([]float64, len(markers))
		for i := range markers {
			pvals[i] = markers[i].PValue
		}
		for i, fdr := range benjaminiHochberg(pvals) {
			markers[i].FDR = fdr
		}
		sort.Slice(markers, func(a, b int) bool {
			if markers[a].FDR != markers[b].FDR {
				return markers[a].FDR < markers[b].FDR
			}
			return math.Abs(markers[a].Log2FC) > math.Abs(markers[b].Log2FC)
		})
		clusterStats[ci].MarkersReported = len(markers)
		perCluster[ci] = markers
		return nil
	})
	if err != nil {
		return nil, err
	}

	var all []Marker
	for ci := range perCluster {
		all = append(all, perCluster[ci]...)
		*stats = stats.Merge(clusterStats[ci])
	}
	return all, nil
}

// wilcoxonRankSum computes a two-sided Wilcoxon rank-sum (Mann-Whitney U)
// p-value via the tie-corrected normal approximation.  vals1 and vals2 hold
// only the nonzero observations; the remaining n1-len(vals1) and
// n2-len(vals2) observations are zeros and enter the ranking as one large
// tie group.
func wilcoxonRankSum(vals1 []float64, n1 int, vals2 []float64, n2 int) float64 {
	if n1 == 0 || n2 == 0 {
		return 1
	}
	type obs struct {
		val   float64
		group int8
	}
	combined := make([]obs, 0, n1+n2)
	for _, v := range vals1 {
		combined = append(combined, obs{v, 1})
	}
	for _, v := range vals2 {
		combined = append(combined, obs{v, 2})
	}
	for i := len(vals1); i < n1; i++ {
		combined = append(combined, obs{0, 1})
	}
	for i := len(vals2); i < n2; i++ {
		combined = append(combined, obs{0, 2})
	}
	sort.Slice(combined, func(i, j int) bool { return combined[i].val < combined[j].val })

	total := len(combined)
	// Average ranks within tie groups, tracking the tie correction term.
	ranks := make([]float64, total)
	tieSum := 0.0
	for i := 0; i < total; {
		j := i
		for j < total && combined[j].val == combined[i].val {
			j++
		}
		avg := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			ranks[k] = avg
		}
		if t := float64(j - i); t > 1 {
			tieSum += t*t*t - t
		}
		i = j
	}
	r1 := 0.0
	for i, o := range combined {
		if o.group == 1 {
			r1 += ranks[i]
		}
	}
	f1, f2, ft := float64(n1), float64(n2), float64(total)
	u1 := r1 - f1*(f1+1)/2
	u := math.Min(u1, f1*f2-u1)
	mu := f1 * f2 / 2
	sigma := math.Sqrt(f1 * f2 * ((ft + 1) - tieSum/(ft*(ft-1))) / 12)
	if sigma < 1e-10 {
		return 1
	}
	z := (u - mu + 0.5) / sigma
	return 2 * normalCDF(-math.Abs(z))
}

func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

// benjaminiHochberg converts p-values to FDR-adjusted q-values.
func benjaminiHochberg(pvals []float64) []float64 {
	n := len(pvals)
	if n == 0 {
		return nil
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return pvals[idx[i]] < pvals[idx[j]] })
	fdr := make([]float64, n)
	minQ := 1.0
	for i := n - 1; i >= 0; i-- {
		q := pvals[idx[i]] * float64(n) / float64(i+1)
		if q < minQ {
			minQ = q
		}
		fdr[idx[i]] = minQ
	}
	return fdr
}

// WriteMarkersTSV writes the marker table with a header row.
func WriteMarkersTSV(ctx context.Context, path string, markers []Marker) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := tsv.NewWriter(out.Writer(ctx))
	w.WriteString("gene\tcluster\tlog2fc\tp_val\tfdr\tpct.1\tpct.2\tmean.1\tmean.2")
	if err = w.EndLine(); err != nil {
		return err
	}
	e := errors.Once{}
	for _, m := range markers {
		w.WriteString(m.Gene)
		w.WriteInt64(int64(m.Cluster))
		w.WriteFloat64(m.Log2FC, 'g', 6)
		w.WriteFloat64(m.PValue, 'g', 6)
		w.WriteFloat64(m.FDR, 'g', 6)
		w.WriteFloat64(m.Pct1, 'g', 4)
		w.WriteFloat64(m.Pct2, 'g', 4)
		w.WriteFloat64(m.Mean1, 'g', 6)
		w.WriteFloat64(m.Mean2, 'g', 6)
		e.Set(w.EndLine())
	}
	e.Set(w.Flush())
	return e.Err()
}
