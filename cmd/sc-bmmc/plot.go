package main

import (
	"fmt"

	"github.com/JanBartosch/10978-BMMC/singlecell"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// writeUMAPPlot renders the 2-D embedding as a PNG scatter plot, one series
// per cluster at the given resolution.  Series are labeled with the
// annotated cell type when present, otherwise with the cluster id.
func writeUMAPPlot(path string, d *singlecell.Dataset, resolution float64) error {
	if d.UMAP == nil {
		return fmt.Errorf("no UMAP embedding to plot")
	}
	clustering, err := d.ClusteringAt(resolution)
	if err != nil {
		return err
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("BMMC UMAP, Louvain resolution %g", resolution)
	p.X.Label.Text = "UMAP_1"
	p.Y.Label.Text = "UMAP_2"

	for id := 0; id < clustering.K; id++ {
		var xys plotter.XYs
		label := fmt.Sprintf("cluster %d", id)
		for j, c := range clustering.Assign {
			if int(c) != id {
				continue
			}
			xys = append(xys, plotter.XY{X: d.UMAP.At(j, 0), Y: d.UMAP.At(j, 1)})
			if t := d.Cells[j].CellType; t != "" {
				label = t
			}
		}
		s, err := plotter.NewScatter(xys)
		if err != nil {
			return err
		}
		s.GlyphStyle.Color = plotutil.Color(id)
		s.GlyphStyle.Shape = draw.CircleGlyph{}
		s.GlyphStyle.Radius = vg.Points(1)
		p.Add(s)
		p.Legend.Add(label, s)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	return p.Save(8*vg.Inch, 6*vg.Inch, path)
}
