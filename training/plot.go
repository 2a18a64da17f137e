package training

import (
	"image/color"
	"sort"

	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// CurvesFileName is the rendered loss/accuracy chart in the run directory.
const CurvesFileName = "curves.png"

var curveColors = []color.RGBA{
	{R: 20, G: 80, B: 200, A: 255},
	{R: 200, G: 30, B: 30, A: 255},
	{R: 40, G: 140, B: 40, A: 255},
	{R: 180, G: 120, B: 20, A: 255},
	{R: 130, G: 40, B: 160, A: 255},
	{R: 30, G: 150, B: 150, A: 255},
}

// RenderCurves draws one line per metric over epochs and writes the chart as
// a PNG to outPath. Loss metrics go on the plot as-is; accuracies are scaled
// to percent so both families stay readable on one chart.
func RenderCurves(points []plots.Point, outPath string) error {
	byMetric := make(map[string]plotter.XYs)
	var names []string
	for _, pt := range points {
		value := pt.Value
		if pt.MetricType == "accuracy" {
			value *= 100
		}
		if _, seen := byMetric[pt.MetricName]; !seen {
			names = append(names, pt.MetricName)
		}
		byMetric[pt.MetricName] = append(byMetric[pt.MetricName], plotter.XY{X: pt.Step, Y: value})
	}
	sort.Strings(names)

	p := plot.New()
	p.Title.Text = "Training curves"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "loss / accuracy (%)"
	p.Add(plotter.NewGrid())

	for i, name := range names {
		xys := byMetric[name]
		sort.Slice(xys, func(a, b int) bool { return xys[a].X < xys[b].X })
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "failed to plot %s", name)
		}
		line.Color = curveColors[i%len(curveColors)]
		line.Width = vg.Points(1.2)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	p.Legend.Top = true

	if err := p.Save(8*vg.Inch, 6*vg.Inch, outPath); err != nil {
		return errors.Wrapf(err, "failed to save %s", outPath)
	}
	return nil
}
