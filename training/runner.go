package training

import (
	"io"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// Phase names the pass a set of statistics belongs to.
type Phase string

const (
	PhaseTrain      Phase = "train"
	PhaseValidation Phase = "validation"
	PhaseTest       Phase = "test"
)

// EpochStats aggregates the results of one full pass over a dataset.
type EpochStats struct {
	Phase Phase `json:"phase"`
	Epoch int   `json:"epoch"`

	Batches  int `json:"batches"`
	Examples int `json:"examples"`

	// AverageLoss is the batch losses averaged over the epoch.
	AverageLoss float64 `json:"average_loss"`
	// MassAccuracy and CaloriesAccuracy are the fractions of examples whose
	// relative prediction error stayed within the configured threshold.
	MassAccuracy     float64 `json:"mass_accuracy"`
	CaloriesAccuracy float64 `json:"calories_accuracy"`

	Duration time.Duration `json:"duration"`
}

// Runner executes single epochs of training or evaluation with a given
// trainer. It aggregates the trainer's per-batch metrics into EpochStats.
type Runner struct {
	trainer      *train.Trainer
	showProgress bool
}

// NewRunner wraps trainer. With showProgress a progress bar is rendered per
// epoch on stderr.
func NewRunner(trainer *train.Trainer, showProgress bool) *Runner {
	return &Runner{trainer: trainer, showProgress: showProgress}
}

// Trainer returns the wrapped trainer.
func (r *Runner) Trainer() *train.Trainer { return r.trainer }

// Train runs one training epoch over ds and returns its statistics. The
// dataset is reset before the pass. Batch failures abort the epoch.
func (r *Runner) Train(epoch int, ds train.Dataset, numBatches int) (EpochStats, error) {
	step := func(spec any, inputs, labels []*tensors.Tensor) ([]*tensors.Tensor, error) {
		return r.trainer.TrainStep(spec, inputs, labels)
	}
	return r.run(PhaseTrain, epoch, ds, numBatches, step, r.trainer.TrainMetrics(), false)
}

// Evaluate runs one evaluation pass over ds without touching the model
// weights. The phase only labels the resulting statistics.
//
// The trainer's evaluation loss is a running mean accumulated across
// EvalStep calls, so it is reset before the pass and its value after the
// final batch is the epoch loss.
func (r *Runner) Evaluate(phase Phase, epoch int, ds train.Dataset, numBatches int) (EpochStats, error) {
	for _, metric := range r.trainer.EvalMetrics() {
		if err := exceptions.TryCatch[error](func() { metric.Reset(r.trainer.Context()) }); err != nil {
			return EpochStats{Phase: phase, Epoch: epoch},
				errors.WithMessagef(err, "%s epoch %d: resetting evaluation metrics", phase, epoch)
		}
	}
	step := func(spec any, inputs, labels []*tensors.Tensor) ([]*tensors.Tensor, error) {
		return r.trainer.EvalStep(spec, inputs, labels)
	}
	return r.run(phase, epoch, ds, numBatches, step, r.trainer.EvalMetrics(), true)
}

type stepFn func(spec any, inputs, labels []*tensors.Tensor) ([]*tensors.Tensor, error)

// run drives one pass over ds. With lossIsRunningMean the loss metric
// already averages over the batches seen since the last reset and its final
// value is reported directly; otherwise per-batch losses are summed and
// divided by the batch count.
func (r *Runner) run(phase Phase, epoch int, ds train.Dataset, numBatches int,
	step stepFn, metricDescs []metrics.Interface, lossIsRunningMean bool) (EpochStats, error) {
	stats := EpochStats{Phase: phase, Epoch: epoch}
	lossIdx, massIdx, caloriesIdx := metricIndices(metricDescs)
	if lossIdx < 0 {
		return stats, errors.Errorf("trainer has no loss metric for phase %q", phase)
	}

	var bar *progressbar.ProgressBar
	if r.showProgress {
		bar = progressbar.Default(int64(numBatches), string(phase))
	}

	ds.Reset()
	start := time.Now()
	var lossSum, massSum, caloriesSum float64
	for {
		spec, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, errors.WithMessagef(err, "%s epoch %d, batch %d", phase, epoch, stats.Batches)
		}
		values, err := step(spec, inputs, labels)
		if err != nil {
			return stats, errors.WithMessagef(err, "%s epoch %d, batch %d", phase, epoch, stats.Batches)
		}
		if lossIsRunningMean {
			lossSum = metricValue(values[lossIdx])
		} else {
			lossSum += metricValue(values[lossIdx])
		}
		if massIdx >= 0 {
			massSum += metricValue(values[massIdx])
		}
		if caloriesIdx >= 0 {
			caloriesSum += metricValue(values[caloriesIdx])
		}
		stats.Batches++
		stats.Examples += inputs[0].Shape().Dimensions[0]
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	stats.Duration = time.Since(start)
	if stats.Batches == 0 {
		return stats, errors.Errorf("%s epoch %d yielded no batches", phase, epoch)
	}
	n := float64(stats.Batches)
	if lossIsRunningMean {
		stats.AverageLoss = lossSum
	} else {
		stats.AverageLoss = lossSum / n
	}
	stats.MassAccuracy = massSum / n
	stats.CaloriesAccuracy = caloriesSum / n
	return stats, nil
}

// metricIndices locates the batch loss and the two accuracy metrics among a
// trainer's metric list. Missing accuracies return -1.
func metricIndices(descs []metrics.Interface) (lossIdx, massIdx, caloriesIdx int) {
	lossIdx, massIdx, caloriesIdx = -1, -1, -1
	for idx, desc := range descs {
		switch {
		case desc.MetricType() == metrics.LossMetricType && lossIdx < 0:
			lossIdx = idx
		case desc.ShortName() == MassAccuracyShortName:
			massIdx = idx
		case desc.ShortName() == CaloriesAccuracyShortName:
			caloriesIdx = idx
		}
	}
	return
}

func metricValue(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	default:
		return 0
	}
}
