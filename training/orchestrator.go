package training

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/foodvision/nutrition5k/config"
)

// ErrCheckpointIO is returned when reading or writing model checkpoints fails.
var ErrCheckpointIO = errors.New("checkpoint read or write failed")

// SummaryFileName is written to the run directory after a completed run.
const SummaryFileName = "summary.json"

// Datasets bundles the per-split datasets handed to the orchestrator. Only
// Train is required; batch counts size the progress bars.
type Datasets struct {
	Train        train.Dataset
	TrainBatches int

	Validation        train.Dataset
	ValidationBatches int

	Test        train.Dataset
	TestBatches int
}

// Summary is the final report of a run, also serialized to summary.json in
// the run directory.
type Summary struct {
	Epochs     int   `json:"epochs"`
	GlobalStep int64 `json:"global_step"`

	BestTrainLoss      float64 `json:"best_train_loss"`
	BestValidationLoss float64 `json:"best_validation_loss,omitempty"`

	History []EpochStats `json:"history"`
	Test    *EpochStats  `json:"test,omitempty"`

	CheckpointPolicy string `json:"checkpoint_policy"`
	CheckpointsSaved int    `json:"checkpoints_saved"`

	Duration time.Duration `json:"duration"`

	// Config echoes the run's hyperparameters so a summary is
	// self-describing.
	Config config.Config `json:"config"`
}

// Orchestrator runs the full training schedule: the per-epoch train and
// validation passes, best-loss tracking, checkpointing and metric logging.
type Orchestrator struct {
	cfg    config.Config
	ctx    *context.Context
	runner *Runner
	ds     Datasets
	policy CheckpointPolicy

	checkpoint *checkpoints.Handler

	points       []plots.Point
	pointsWriter chan<- plots.Point
	pointsErr    <-chan error

	bestTrainLoss      float64
	bestValidationLoss float64
}

// New builds the trainer and checkpoint handlers for a run. The run directory
// is created if needed; a start_checkpoint, when configured, is loaded into
// ctx before the fresh run-dir checkpoint handler takes over saving.
func New(cfg config.Config, backend backends.Backend, ctx *context.Context,
	modelFn train.ModelFn, ds Datasets) (*Orchestrator, error) {
	if ds.Train == nil {
		return nil, errors.New("training dataset is required")
	}
	ctx.SetParam(optimizers.ParamLearningRate, cfg.LearningRate)

	if cfg.StartCheckpoint != "" {
		loader, err := checkpoints.Build(ctx).Dir(cfg.StartCheckpoint).Done()
		if err != nil {
			return nil, errors.Wrapf(ErrCheckpointIO, "failed to load start checkpoint %s: %v",
				cfg.StartCheckpoint, err)
		}
		if has, _ := loader.HasCheckpoints(); !has {
			return nil, errors.Wrapf(ErrCheckpointIO, "start checkpoint %s has no saved checkpoints",
				cfg.StartCheckpoint)
		}
	}

	trainer := train.NewTrainer(backend, ctx, modelFn, Loss,
		optimizers.RMSProp().Done(),
		AccuracyMetrics(cfg.PredictionThreshold),
		AccuracyMetrics(cfg.PredictionThreshold))
	if cfg.GradientAccSteps > 1 {
		if err := trainer.AccumulateGradients(cfg.GradientAccSteps); err != nil {
			return nil, errors.Wrapf(err, "failed to enable gradient accumulation over %d steps",
				cfg.GradientAccSteps)
		}
	}
	if optimizers.GetGlobalStep(ctx) > 0 {
		trainer.SetContext(ctx.Reuse())
	}

	if err := os.MkdirAll(cfg.RunDir, 0755); err != nil {
		return nil, errors.Wrapf(ErrCheckpointIO, "failed to create run directory %s: %v", cfg.RunDir, err)
	}
	checkpoint, err := checkpoints.Build(ctx).
		Dir(filepath.Join(cfg.RunDir, "checkpoints")).
		Keep(cfg.KeepCheckpoints).Done()
	if err != nil {
		return nil, errors.Wrapf(ErrCheckpointIO, "failed to set up checkpoints under %s: %v", cfg.RunDir, err)
	}

	pointsWriter, pointsErr := plots.CreatePointsWriter(filepath.Join(cfg.RunDir, plots.TrainingPlotFileName))
	return &Orchestrator{
		cfg:                cfg,
		ctx:                ctx,
		runner:             NewRunner(trainer, true),
		ds:                 ds,
		policy:             PolicyFor(cfg.SaveBestModelOnly),
		checkpoint:         checkpoint,
		pointsWriter:       pointsWriter,
		pointsErr:          pointsErr,
		bestTrainLoss:      math.Inf(1),
		bestValidationLoss: math.Inf(1),
	}, nil
}

// Run executes the configured number of epochs and, if a test dataset was
// given, a final test evaluation. It returns the run summary, which is also
// written to summary.json in the run directory along with the loss curves.
func (o *Orchestrator) Run() (Summary, error) {
	summary := Summary{CheckpointPolicy: o.policy.String(), Config: o.cfg}
	start := time.Now()
	defer func() {
		if err := o.closePoints(); err != nil {
			klog.Warningf("metric log writer: %v", err)
		}
	}()
	for epoch := 1; epoch <= o.cfg.Epochs; epoch++ {
		trainStats, err := o.runner.Train(epoch, o.ds.Train, o.ds.TrainBatches)
		if err != nil {
			return summary, err
		}
		o.record(trainStats)
		summary.History = append(summary.History, trainStats)
		trainImproved := trainStats.AverageLoss < o.bestTrainLoss
		if trainImproved {
			o.bestTrainLoss = trainStats.AverageLoss
		}

		improved := trainImproved
		if o.ds.Validation != nil {
			valStats, err := o.runner.Evaluate(PhaseValidation, epoch, o.ds.Validation, o.ds.ValidationBatches)
			if err != nil {
				return summary, err
			}
			o.record(valStats)
			summary.History = append(summary.History, valStats)
			improved = valStats.AverageLoss < o.bestValidationLoss
			if improved {
				o.bestValidationLoss = valStats.AverageLoss
			}
			klog.Infof("epoch %d/%d: train loss %.4f, validation loss %.4f, mass acc %.2f%%, calories acc %.2f%%",
				epoch, o.cfg.Epochs, trainStats.AverageLoss, valStats.AverageLoss,
				100*valStats.MassAccuracy, 100*valStats.CaloriesAccuracy)
		} else {
			klog.Infof("epoch %d/%d: train loss %.4f, mass acc %.2f%%, calories acc %.2f%%",
				epoch, o.cfg.Epochs, trainStats.AverageLoss,
				100*trainStats.MassAccuracy, 100*trainStats.CaloriesAccuracy)
		}

		if o.policy.ShouldSave(improved) {
			if err := o.checkpoint.Save(); err != nil {
				return summary, errors.Wrapf(ErrCheckpointIO, "failed to save checkpoint after epoch %d: %v",
					epoch, err)
			}
			summary.CheckpointsSaved++
			klog.V(1).Infof("epoch %d: checkpoint saved to %s", epoch, o.checkpoint.Dir())
		}
	}

	if o.ds.Test != nil {
		testStats, err := o.runner.Evaluate(PhaseTest, o.cfg.Epochs, o.ds.Test, o.ds.TestBatches)
		if err != nil {
			return summary, err
		}
		o.record(testStats)
		summary.Test = &testStats
		klog.Infof("test: loss %.4f, mass acc %.2f%%, calories acc %.2f%%",
			testStats.AverageLoss, 100*testStats.MassAccuracy, 100*testStats.CaloriesAccuracy)
	}

	if err := o.closePoints(); err != nil {
		return summary, errors.WithMessage(err, "failed to write metric log")
	}

	summary.Epochs = o.cfg.Epochs
	summary.GlobalStep = optimizers.GetGlobalStep(o.ctx)
	summary.BestTrainLoss = o.bestTrainLoss
	if !math.IsInf(o.bestValidationLoss, 1) {
		summary.BestValidationLoss = o.bestValidationLoss
	}
	summary.Duration = time.Since(start)

	if err := o.writeSummary(summary); err != nil {
		return summary, err
	}
	if err := RenderCurves(o.points, filepath.Join(o.cfg.RunDir, CurvesFileName)); err != nil {
		return summary, err
	}
	return summary, nil
}

// closePoints shuts the metric sink down at most once and reports the
// writer's error. The sink must not be fed after this returns.
func (o *Orchestrator) closePoints() error {
	if o.pointsWriter == nil {
		return nil
	}
	close(o.pointsWriter)
	o.pointsWriter = nil
	return <-o.pointsErr
}

// record logs one epoch's statistics to the metric sink, keyed by phase.
func (o *Orchestrator) record(stats EpochStats) {
	step := float64(stats.Epoch)
	for _, p := range []plots.Point{
		{MetricName: string(stats.Phase) + ": loss", Short: "loss",
			MetricType: "loss", Step: step, Value: stats.AverageLoss},
		{MetricName: string(stats.Phase) + ": mass accuracy", Short: MassAccuracyShortName,
			MetricType: "accuracy", Step: step, Value: stats.MassAccuracy},
		{MetricName: string(stats.Phase) + ": calories accuracy", Short: CaloriesAccuracyShortName,
			MetricType: "accuracy", Step: step, Value: stats.CaloriesAccuracy},
	} {
		o.points = append(o.points, p)
		o.pointsWriter <- p
	}
}

func (o *Orchestrator) writeSummary(summary Summary) error {
	encoded, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode run summary")
	}
	path := filepath.Join(o.cfg.RunDir, SummaryFileName)
	if err := os.WriteFile(path, encoded, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}
