package training

import (
	"io"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

var plotPanels = []struct{ title, key string }{
	{"Model Loss", "loss"},
	{"Model Accuracy", "accuracy"},
	{"Model Precision", "precision"},
	{"Model Recall", "recall"},
}

// PlotHistory draws train and validation curves of loss, accuracy,
// precision and recall on a 2x2 grid and writes it to w as PNG.
func PlotHistory(h *History, w io.Writer) error {
	if h.Len() == 0 {
		return errors.New("no epochs to plot")
	}

	plots := make([][]*plot.Plot, 2)
	for i, panel := range plotPanels {
		p, err := plot.New()
		if err != nil {
			return errors.Wrap(err, "creating plot")
		}
		p.Title.Text = panel.title
		p.X.Label.Text = "Epoch"
		p.Y.Label.Text = panel.key
		if err := plotutil.AddLinePoints(p,
			"Train", series(h, panel.key),
			"Validation", series(h, "val_"+panel.key)); err != nil {
			return errors.Wrapf(err, "plotting %s", panel.key)
		}
		p.Legend.Top = true
		plots[i/2] = append(plots[i/2], p)
	}

	img := vgimg.New(12*vg.Inch, 10*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 2, Cols: 2, PadX: vg.Millimeter * 4, PadY: vg.Millimeter * 4}
	canvases := plot.Align(plots, tiles, dc)
	for r := range plots {
		for c := range plots[r] {
			plots[r][c].Draw(canvases[r][c])
		}
	}

	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(w); err != nil {
		return errors.Wrap(err, "encoding plot")
	}
	return nil
}

func series(h *History, key string) plotter.XYs {
	values := h.Series(key)
	pts := make(plotter.XYs, len(values))
	for i, v := range values {
		pts[i].X = float64(i + 1)
		pts[i].Y = v
	}
	return pts
}
