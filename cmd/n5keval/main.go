// Command n5keval re-evaluates a finished training run on its held-out test
// split. It loads the run's checkpoint and the test_split.gob artifact written
// by n5ktrain, reports loss and threshold accuracies, and renders a
// predicted-versus-actual scatter plot into the run directory.
//
// Usage:
//
//	n5keval -config train.yaml
//
// The same config file as the training run selects the dataset root, the run
// directory and the preprocessing constants.
package main

import (
	"flag"
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/janpfeifer/must"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"

	"github.com/foodvision/nutrition5k/config"
	"github.com/foodvision/nutrition5k/dataset"
	"github.com/foodvision/nutrition5k/model"
	"github.com/foodvision/nutrition5k/transform"
)

var flagConfig = flag.String("config", "", "Path to the YAML run configuration of the finished run (required).")

const scatterFileName = "eval_scatter.png"

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagConfig == "" && flag.NArg() == 1 {
		*flagConfig = flag.Arg(0)
	}
	if *flagConfig == "" {
		fmt.Fprintln(os.Stderr, "usage: n5keval -config <run.yaml>")
		os.Exit(2)
	}

	cfg := must.M1(config.Load(*flagConfig))
	artifact := must.M1(dataset.LoadSplit(filepath.Join(cfg.RunDir, dataset.TestSplitFileName)))
	if len(artifact.Records) == 0 {
		klog.Exitf("test split artifact in %s holds no records", cfg.RunDir)
	}
	klog.Infof("evaluating %d held-out dishes from %s", len(artifact.Records), cfg.RunDir)

	ctx := context.New()
	ctx.SetParams(map[string]any{
		model.ParamHalfPrecision: cfg.MixedPrecisionEnabled,
	})
	checkpoint := must.M1(checkpoints.Build(ctx).
		Dir(filepath.Join(cfg.RunDir, "checkpoints")).Done())
	if has := must.M1(checkpoint.HasCheckpoints()); !has {
		klog.Exitf("no checkpoints under %s", checkpoint.Dir())
	}

	var backend backends.Backend
	if cfg.Backend != "" {
		backend = must.M1(backends.NewWithConfig(cfg.Backend))
	} else {
		backend = backends.MustNew()
	}

	pipeline := must.M1(transform.NewPipeline(
		transform.Resize{Height: artifact.ImageSize, Width: artifact.ImageSize},
		transform.CenterCrop{Size: artifact.ImageSize},
		transform.ToTensor{},
		transform.Normalize{
			Means:       cfg.ImageMeans,
			Stds:        cfg.ImageStds,
			MassMax:     cfg.MassMax,
			CaloriesMax: cfg.CaloriesMax,
		}))
	loader := &dataset.Loader{Root: cfg.DatasetDir}
	ds := must.M1(dataset.New("test", artifact.Records, loader, pipeline, artifact.BatchSize))

	exec := must.M1(context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
		return model.BuildGraph(ctx, nil, inputs)
	}))

	var massPoints, caloriePoints plotter.XYs
	var massErrSum, calorieErrSum float64
	examples := 0
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		must.M(err)
		outputs := exec.MustExec(inputs[0])
		massPred := outputs[0].Value().([][]float32)
		caloriePred := outputs[1].Value().([][]float32)
		massLabel := labels[0].Value().([][]float32)
		calorieLabel := labels[1].Value().([][]float32)
		for i := range massPred {
			// Back to grams and kcal for reporting.
			pm := float64(massPred[i][0]) * cfg.MassMax
			lm := float64(massLabel[i][0]) * cfg.MassMax
			pc := float64(caloriePred[i][0]) * cfg.CaloriesMax
			lc := float64(calorieLabel[i][0]) * cfg.CaloriesMax
			massPoints = append(massPoints, plotter.XY{X: lm, Y: pm})
			caloriePoints = append(caloriePoints, plotter.XY{X: lc, Y: pc})
			massErrSum += abs(pm - lm)
			calorieErrSum += abs(pc - lc)
			examples++
		}
	}

	fmt.Printf("Evaluated %d dishes.\n", examples)
	fmt.Printf("Mean absolute error: mass %.1f g, calories %.1f kcal\n",
		massErrSum/float64(examples), calorieErrSum/float64(examples))

	outPath := filepath.Join(cfg.RunDir, scatterFileName)
	must.M(plotScatter(massPoints, caloriePoints, outPath))
	fmt.Printf("Scatter written to %s.\n", outPath)
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// plotScatter draws predicted against actual values for both heads, with the
// identity line as the reference.
func plotScatter(mass, calories plotter.XYs, outPath string) error {
	p := plot.New()
	p.Title.Text = "Predicted vs actual"
	p.X.Label.Text = "actual (g / kcal)"
	p.Y.Label.Text = "predicted (g / kcal)"
	p.Add(plotter.NewGrid())

	ms, err := plotter.NewScatter(mass)
	if err != nil {
		return err
	}
	ms.GlyphStyle.Color = color.RGBA{R: 20, G: 80, B: 200, A: 200}
	ms.GlyphStyle.Radius = vg.Points(2)
	p.Add(ms)
	p.Legend.Add("mass (g)", ms)

	cs, err := plotter.NewScatter(calories)
	if err != nil {
		return err
	}
	cs.GlyphStyle.Color = color.RGBA{R: 200, G: 30, B: 30, A: 200}
	cs.GlyphStyle.Radius = vg.Points(2)
	p.Add(cs)
	p.Legend.Add("calories (kcal)", cs)

	maxV := 1.0
	for _, xys := range []plotter.XYs{mass, calories} {
		for _, pt := range xys {
			if pt.X > maxV {
				maxV = pt.X
			}
			if pt.Y > maxV {
				maxV = pt.Y
			}
		}
	}
	identity := plotter.XYs{{X: 0, Y: 0}, {X: maxV, Y: maxV}}
	line, err := plotter.NewLine(identity)
	if err != nil {
		return err
	}
	line.Color = color.RGBA{R: 120, G: 120, B: 120, A: 160}
	line.Width = vg.Points(0.8)
	p.Add(line)
	p.Legend.Add("ideal", line)

	return p.Save(8*vg.Inch, 6*vg.Inch, outPath)
}
