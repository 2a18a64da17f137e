// Command n5ktrain trains the mass and calorie regression model on a
// Nutrition5k dataset tree.
//
// Usage:
//
//	n5ktrain -config train.yaml
//
// The config file selects the dataset root, the run directory and all
// training options; see the config package for the full list and defaults.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/foodvision/nutrition5k/config"
	"github.com/foodvision/nutrition5k/dataset"
	"github.com/foodvision/nutrition5k/model"
	"github.com/foodvision/nutrition5k/training"
	"github.com/foodvision/nutrition5k/transform"
)

var flagConfig = flag.String("config", "", "Path to the YAML run configuration (required).")

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagConfig == "" && flag.NArg() == 1 {
		*flagConfig = flag.Arg(0)
	}
	if *flagConfig == "" {
		fmt.Fprintln(os.Stderr, "usage: n5ktrain -config <run.yaml>")
		os.Exit(2)
	}

	cfg := must.M1(config.Load(*flagConfig))
	seed := cfg.EffectiveSeed()
	klog.Infof("run directory %s, seed %d", cfg.RunDir, seed)

	index := must.M1(dataset.LoadIndex(cfg.DatasetDir, dataset.IndexOptions{Strict: cfg.StrictMetadata}))
	klog.Infof("indexed %d dishes with imagery under %s", index.Len(), cfg.DatasetDir)

	splitRng := rand.New(rand.NewSource(seed))
	split := must.M1(dataset.Partition(index.Len(), dataset.Fractions{
		Train:      cfg.Split.Train,
		Validation: cfg.Split.Validation,
	}, splitRng))
	klog.Infof("split: %d train, %d validation, %d test",
		len(split.Train), len(split.Validation), len(split.Test))

	ds := must.M1(buildDatasets(cfg, index, split, seed))

	must.M(os.MkdirAll(cfg.RunDir, 0755))
	testRecords := index.Select(split.Test)
	must.M(dataset.SaveSplit(filepath.Join(cfg.RunDir, dataset.TestSplitFileName), dataset.SplitArtifact{
		Phase:     string(training.PhaseTest),
		Records:   testRecords,
		BatchSize: cfg.BatchSize,
		ImageSize: cfg.ImageSize,
	}))

	ctx := context.New()
	must.M(ctx.SetRNGStateFromSeed(seed))
	ctx.SetParams(map[string]any{
		model.ParamHalfPrecision: cfg.MixedPrecisionEnabled,
	})

	var backend backends.Backend
	if cfg.Backend != "" {
		backend = must.M1(backends.NewWithConfig(cfg.Backend))
	} else {
		backend = backends.MustNew()
	}

	orchestrator := must.M1(training.New(cfg, backend, ctx, model.BuildGraph, ds))
	summary := must.M1(orchestrator.Run())
	if parallel, ok := ds.Train.(*datasets.ParallelDataset); ok {
		parallel.Done()
	}

	fmt.Printf("Finished %d epochs in %s (global step %d).\n",
		summary.Epochs, summary.Duration, summary.GlobalStep)
	fmt.Printf("Best train loss: %.4f\n", summary.BestTrainLoss)
	if summary.BestValidationLoss > 0 {
		fmt.Printf("Best validation loss: %.4f\n", summary.BestValidationLoss)
	}
	if summary.Test != nil {
		fmt.Printf("Test: loss %.4f, mass accuracy %.2f%%, calories accuracy %.2f%%\n",
			summary.Test.AverageLoss, 100*summary.Test.MassAccuracy, 100*summary.Test.CaloriesAccuracy)
	}
	fmt.Printf("Artifacts written to %s.\n", cfg.RunDir)
}

// buildDatasets assembles the per-split datasets with their transform
// pipelines. Only the training split gets random flips, shuffling and
// parallel loading; evaluation splits stay sequential and deterministic.
func buildDatasets(cfg config.Config, index *dataset.Index, split dataset.Split, seed int64) (training.Datasets, error) {
	loader := &dataset.Loader{Root: index.Root()}

	trainPipe, err := trainPipeline(cfg, rand.New(rand.NewSource(seed+1)))
	if err != nil {
		return training.Datasets{}, err
	}
	evalPipe, err := evalPipeline(cfg)
	if err != nil {
		return training.Datasets{}, err
	}

	var ds training.Datasets
	if len(split.Train) > 0 {
		trainDS, err := dataset.New("train", index.Select(split.Train), loader, trainPipe, cfg.BatchSize)
		if err != nil {
			return training.Datasets{}, err
		}
		trainDS.WithShuffle(rand.New(rand.NewSource(seed + 2)))
		ds.TrainBatches = trainDS.NumBatches()
		ds.Train = trainDS
		if cfg.DatasetWorkers > 0 {
			ds.Train = datasets.CustomParallel(trainDS).
				Parallelism(cfg.DatasetWorkers).
				Buffer(cfg.DatasetWorkers).
				Start()
		}
	}
	if len(split.Validation) > 0 {
		validationDS, err := dataset.New("validation", index.Select(split.Validation), loader, evalPipe, cfg.BatchSize)
		if err != nil {
			return training.Datasets{}, err
		}
		ds.Validation = validationDS
		ds.ValidationBatches = validationDS.NumBatches()
	}
	if len(split.Test) > 0 && cfg.EvaluateTestSplit {
		testDS, err := dataset.New("test", index.Select(split.Test), loader, evalPipe, cfg.BatchSize)
		if err != nil {
			return training.Datasets{}, err
		}
		ds.Test = testDS
		ds.TestBatches = testDS.NumBatches()
	}
	return ds, nil
}

func trainPipeline(cfg config.Config, rng *rand.Rand) (*transform.Pipeline, error) {
	return newPipeline(cfg,
		&transform.RandomHorizontalFlip{P: cfg.FlipProbability, Rng: rng},
		&transform.RandomVerticalFlip{P: cfg.FlipProbability, Rng: rng})
}

func evalPipeline(cfg config.Config) (*transform.Pipeline, error) {
	return newPipeline(cfg)
}

// newPipeline builds the standard preprocessing chain with the optional
// augmentations slotted between the crop and the tensor conversion.
func newPipeline(cfg config.Config, augmentations ...transform.Transform) (*transform.Pipeline, error) {
	chain := []transform.Transform{
		&transform.Resize{Height: cfg.ImageSize, Width: cfg.ImageSize},
		&transform.CenterCrop{Size: cfg.ImageSize},
	}
	chain = append(chain, augmentations...)
	chain = append(chain,
		&transform.ToTensor{},
		&transform.Normalize{
			Means:       cfg.ImageMeans,
			Stds:        cfg.ImageStds,
			MassMax:     cfg.MassMax,
			CaloriesMax: cfg.CaloriesMax,
		})
	return transform.NewPipeline(chain...)
}
