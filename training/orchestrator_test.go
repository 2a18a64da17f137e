package training

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/foodvision/nutrition5k/config"
)

// failingDataset fails on the first batch.
type failingDataset struct{}

func (failingDataset) Name() string { return "failing" }

func (failingDataset) Reset() {}

func (failingDataset) Yield() (any, []*tensors.Tensor, []*tensors.Tensor, error) {
	return nil, nil, nil, errors.New("broken batch")
}

func testRunConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DatasetDir = "/unused"
	cfg.RunDir = t.TempDir()
	cfg.Epochs = 2
	cfg.BatchSize = 2
	cfg.LearningRate = 0.1
	return cfg
}

func TestOrchestratorRun(t *testing.T) {
	cfg := testRunConfig(t)
	backend := graphtest.BuildTestBackend()
	ctx := context.New()

	ds := Datasets{
		Train:             &constantDataset{batchSize: 2, numBatches: 3, mass: 3, calories: 5},
		TrainBatches:      3,
		Validation:        &constantDataset{batchSize: 2, numBatches: 2, mass: 3, calories: 5},
		ValidationBatches: 2,
		Test:              &constantDataset{batchSize: 2, numBatches: 1, mass: 3, calories: 5},
		TestBatches:       1,
	}

	orchestrator, err := New(cfg, backend, ctx, scalarHeadsModel, ds)
	require.NoError(t, err)

	summary, err := orchestrator.Run()
	require.NoError(t, err)
	require.Equal(t, 2, summary.Epochs)
	require.Greater(t, summary.GlobalStep, int64(0))
	require.NotNil(t, summary.Test)
	// One train and one validation entry per epoch, two epochs.
	require.Len(t, summary.History, 4)
	require.Greater(t, summary.BestTrainLoss, 0.0)
	require.Greater(t, summary.BestValidationLoss, 0.0)
	// AlwaysSave checkpoints every epoch.
	require.Equal(t, 2, summary.CheckpointsSaved)

	for _, name := range []string{SummaryFileName, CurvesFileName, plots.TrainingPlotFileName} {
		_, err := os.Stat(filepath.Join(cfg.RunDir, name))
		require.NoErrorf(t, err, "expected %s in the run directory", name)
	}
	points, err := plots.LoadPoints(filepath.Join(cfg.RunDir, plots.TrainingPlotFileName))
	require.NoError(t, err)
	require.NotEmpty(t, points)
}

func TestOrchestratorRequiresTrainDataset(t *testing.T) {
	cfg := testRunConfig(t)
	_, err := New(cfg, graphtest.BuildTestBackend(), context.New(), scalarHeadsModel, Datasets{})
	require.Error(t, err)
}

func TestOrchestratorRunClosesMetricLogOnError(t *testing.T) {
	cfg := testRunConfig(t)
	ds := Datasets{Train: failingDataset{}, TrainBatches: 1}
	orchestrator, err := New(cfg, graphtest.BuildTestBackend(), context.New(), scalarHeadsModel, ds)
	require.NoError(t, err)

	_, err = orchestrator.Run()
	require.Error(t, err)
	// The metric sink is shut down even on an aborted run.
	require.Nil(t, orchestrator.pointsWriter)
	_, err = os.Stat(filepath.Join(cfg.RunDir, plots.TrainingPlotFileName))
	require.NoError(t, err)
}

func TestOrchestratorMissingStartCheckpoint(t *testing.T) {
	cfg := testRunConfig(t)
	cfg.StartCheckpoint = t.TempDir() // empty: no checkpoints saved there
	ds := Datasets{
		Train:        &constantDataset{batchSize: 2, numBatches: 1},
		TrainBatches: 1,
	}
	_, err := New(cfg, graphtest.BuildTestBackend(), context.New(), scalarHeadsModel, ds)
	require.ErrorIs(t, err, ErrCheckpointIO)
}
