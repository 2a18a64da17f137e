package training

import (
	"io"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// constantDataset yields numBatches identical batches of batchSize examples
// with fixed mass and calorie labels.
type constantDataset struct {
	batchSize, numBatches int
	mass, calories        float32
	yielded               int
}

func (ds *constantDataset) Name() string { return "constant" }

func (ds *constantDataset) Reset() { ds.yielded = 0 }

func (ds *constantDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.yielded >= ds.numBatches {
		return nil, nil, nil, io.EOF
	}
	ds.yielded++
	ones := make([]float32, ds.batchSize)
	massBuf := make([]float32, ds.batchSize)
	calBuf := make([]float32, ds.batchSize)
	for i := range ones {
		ones[i] = 1
		massBuf[i] = ds.mass
		calBuf[i] = ds.calories
	}
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(ones, ds.batchSize, 1)}
	labels = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(massBuf, ds.batchSize, 1),
		tensors.FromFlatDataAndDimensions(calBuf, ds.batchSize, 1),
	}
	return nil, inputs, labels, nil
}

// varyingDataset yields one batch per entry of masses and calories, so the
// per-batch losses differ within an epoch.
type varyingDataset struct {
	batchSize int
	masses    []float32
	calories  []float32
	yielded   int
}

func (ds *varyingDataset) Name() string { return "varying" }

func (ds *varyingDataset) Reset() { ds.yielded = 0 }

func (ds *varyingDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.yielded >= len(ds.masses) {
		return nil, nil, nil, io.EOF
	}
	ones := make([]float32, ds.batchSize)
	massBuf := make([]float32, ds.batchSize)
	calBuf := make([]float32, ds.batchSize)
	for i := range ones {
		ones[i] = 1
		massBuf[i] = ds.masses[ds.yielded]
		calBuf[i] = ds.calories[ds.yielded]
	}
	ds.yielded++
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(ones, ds.batchSize, 1)}
	labels = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(massBuf, ds.batchSize, 1),
		tensors.FromFlatDataAndDimensions(calBuf, ds.batchSize, 1),
	}
	return nil, inputs, labels, nil
}

// scalarHeadsModel predicts a learned constant per head, broadcast over the
// batch.
func scalarHeadsModel(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	x := inputs[0]
	g := x.Graph()
	zero := MulScalar(x, 0)
	mass := ctx.In("model").VariableWithValue("mass", float32(0)).ValueGraph(g)
	calories := ctx.In("model").VariableWithValue("calories", float32(0)).ValueGraph(g)
	return []*Node{Add(zero, mass), Add(zero, calories)}
}

func newTestRunner(t *testing.T, threshold float64) *Runner {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	trainer := train.NewTrainer(backend, ctx, scalarHeadsModel, Loss,
		optimizers.StochasticGradientDescent().WithDecay(false).WithLearningRate(0.1).Done(),
		AccuracyMetrics(threshold), AccuracyMetrics(threshold))
	return NewRunner(trainer, false)
}

func TestEvaluateConstantLoss(t *testing.T) {
	runner := newTestRunner(t, 0.2)
	ds := &constantDataset{batchSize: 2, numBatches: 3, mass: 3, calories: 5}

	stats, err := runner.Evaluate(PhaseValidation, 1, ds, ds.numBatches)
	require.NoError(t, err)
	require.Equal(t, PhaseValidation, stats.Phase)
	require.Equal(t, 3, stats.Batches)
	require.Equal(t, 6, stats.Examples)
	// Untrained heads predict 0, so the loss is |0-3| + |0-5| on every batch.
	require.InDelta(t, 8.0, stats.AverageLoss, 1e-4)
	// Relative error is 1 for both heads, far above the 0.2 threshold.
	require.InDelta(t, 0.0, stats.MassAccuracy, 1e-6)
	require.InDelta(t, 0.0, stats.CaloriesAccuracy, 1e-6)
}

func TestEvaluatePerfectPredictions(t *testing.T) {
	runner := newTestRunner(t, 0.2)
	// Zero labels match the untrained zero predictions exactly.
	ds := &constantDataset{batchSize: 4, numBatches: 2, mass: 0, calories: 0}

	stats, err := runner.Evaluate(PhaseTest, 1, ds, ds.numBatches)
	require.NoError(t, err)
	require.InDelta(t, 0.0, stats.AverageLoss, 1e-6)
	require.InDelta(t, 1.0, stats.MassAccuracy, 1e-6)
	require.InDelta(t, 1.0, stats.CaloriesAccuracy, 1e-6)
}

func TestEvaluateVaryingBatchLosses(t *testing.T) {
	runner := newTestRunner(t, 0.2)
	// Against the untrained zero predictions the two batches lose 0 and 8.
	ds := &varyingDataset{batchSize: 2, masses: []float32{0, 3}, calories: []float32{0, 5}}

	stats, err := runner.Evaluate(PhaseValidation, 1, ds, len(ds.masses))
	require.NoError(t, err)
	require.Equal(t, 2, stats.Batches)
	require.InDelta(t, 4.0, stats.AverageLoss, 1e-4)

	// A repeated pass over the same data reports the same loss.
	again, err := runner.Evaluate(PhaseValidation, 2, ds, len(ds.masses))
	require.NoError(t, err)
	require.InDelta(t, 4.0, again.AverageLoss, 1e-4)

	// A pass over different data starts from a clean slate.
	zeros := &constantDataset{batchSize: 2, numBatches: 2}
	testStats, err := runner.Evaluate(PhaseTest, 2, zeros, zeros.numBatches)
	require.NoError(t, err)
	require.InDelta(t, 0.0, testStats.AverageLoss, 1e-6)
}

func TestTrainReducesLoss(t *testing.T) {
	runner := newTestRunner(t, 0.2)
	ds := &constantDataset{batchSize: 2, numBatches: 4, mass: 3, calories: 5}

	first, err := runner.Train(1, ds, ds.numBatches)
	require.NoError(t, err)
	require.Equal(t, PhaseTrain, first.Phase)
	require.Equal(t, 4, first.Batches)

	// More epochs on a constant target keep shrinking the loss.
	var last EpochStats
	for epoch := 2; epoch <= 10; epoch++ {
		last, err = runner.Train(epoch, ds, ds.numBatches)
		require.NoError(t, err)
	}
	require.Less(t, last.AverageLoss, first.AverageLoss)
}

func TestTrainEmptyDataset(t *testing.T) {
	runner := newTestRunner(t, 0.2)
	ds := &constantDataset{batchSize: 2, numBatches: 0}
	_, err := runner.Train(1, ds, 0)
	require.Error(t, err)
}

func TestMetricIndices(t *testing.T) {
	runner := newTestRunner(t, 0.2)
	lossIdx, massIdx, caloriesIdx := metricIndices(runner.Trainer().TrainMetrics())
	require.GreaterOrEqual(t, lossIdx, 0)
	require.GreaterOrEqual(t, massIdx, 0)
	require.GreaterOrEqual(t, caloriesIdx, 0)
	require.NotEqual(t, massIdx, caloriesIdx)
}

func TestTrainWithGradientAccumulation(t *testing.T) {
	// Two runners over identical data: one stepping every batch, one
	// accumulating gradients over pairs of batches.
	plain := newTestRunner(t, 0.2)
	accumulating := newTestRunner(t, 0.2)
	require.NoError(t, accumulating.Trainer().AccumulateGradients(2))

	ds := &constantDataset{batchSize: 2, numBatches: 4, mass: 100, calories: 100}
	_, err := plain.Train(1, ds, ds.numBatches)
	require.NoError(t, err)
	_, err = accumulating.Train(1, ds, ds.numBatches)
	require.NoError(t, err)

	// MAE on a far-off constant target gives a sign gradient, so each
	// optimizer step moves a head by the learning rate. Four batches mean
	// four steps without accumulation and two with it.
	plainMass := plain.Trainer().Context().GetVariableByScopeAndName("/model", "mass")
	require.NotNil(t, plainMass)
	accMass := accumulating.Trainer().Context().GetVariableByScopeAndName("/model", "mass")
	require.NotNil(t, accMass)

	plainValue := plainMass.MustValue().Value().(float32)
	accValue := accMass.MustValue().Value().(float32)
	require.InDelta(t, 0.4, plainValue, 1e-4)
	require.InDelta(t, 0.2, accValue, 1e-4)
}
