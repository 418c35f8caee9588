package training

import (
	"fmt"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// RenderPNG draws the plot with gonum/plot. Non-finite points are skipped
// and a log axis falls back to linear when a value is not positive. A plot
// without points writes nothing.
func (pd PlotData) RenderPNG(path string) error {
	series := make([]plotter.XYs, len(pd.Series))
	total := 0
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, s := range pd.Series {
		for _, d := range s.Data {
			if math.IsNaN(d.Y) || math.IsInf(d.Y, 0) {
				continue
			}
			series[i] = append(series[i], plotter.XY{X: float64(d.X), Y: d.Y})
			lo, hi = math.Min(lo, d.Y), math.Max(hi, d.Y)
		}
		total += len(series[i])
	}
	if total == 0 {
		return nil
	}
	logY := pd.Config.YAxisScale == "log" && lo > 0

	p := plot.New()
	p.Title.Text = pd.Title
	p.X.Label.Text = pd.Config.XAxisLabel
	p.Y.Label.Text = pd.Config.YAxisLabel
	if logY {
		p.Y.Scale = plot.LogScale{}
		p.Y.Tick.Marker = plot.LogTicks{}
	}
	if pd.Config.ShowGrid {
		p.Add(plotter.NewGrid())
	}

	for i, s := range pd.Series {
		if len(series[i]) == 0 {
			continue
		}
		switch s.Type {
		case "scatter":
			sc, err := plotter.NewScatter(series[i])
			if err != nil {
				return fmt.Errorf("failed to plot %s: %w", s.Name, err)
			}
			sc.Color = plotutil.Color(i)
			sc.Shape = plotutil.Shape(i)
			p.Add(sc)
			if pd.Config.ShowLegend {
				p.Legend.Add(s.Name, sc)
			}
		default:
			l, err := plotter.NewLine(series[i])
			if err != nil {
				return fmt.Errorf("failed to plot %s: %w", s.Name, err)
			}
			l.Color = plotutil.Color(i)
			p.Add(l)
			if pd.Config.ShowLegend {
				p.Legend.Add(s.Name, l)
			}
		}
	}

	// gonum widens a flat range by ±1, which leaves the positive half-line
	// for y <= 1, so a flat log range spans a decade either side instead.
	if logY && lo == hi {
		p.Y.Min, p.Y.Max = lo/10, hi*10
	}

	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save plot: %w", err)
	}
	return nil
}
