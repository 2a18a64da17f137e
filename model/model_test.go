package model_test

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"

	"github.com/foodvision/nutrition5k/model"

	_ "github.com/gomlx/gomlx/backends/default"
)

// smallModelContext shrinks the trunk so the test runs fast on the test
// backend.
func smallModelContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		model.ParamNumConvBlocks: 2,
		model.ParamBaseChannels:  4,
		model.ParamEmbeddingSize: 8,
	})
	return ctx
}

func runModel(t *testing.T, ctx *context.Context, batchSize, imageSize int) []*tensors.Tensor {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		return model.BuildGraph(ctx, nil, inputs)
	})

	pixels := make([]float32, batchSize*3*imageSize*imageSize)
	for i := range pixels {
		pixels[i] = float32(i%256) / 255
	}
	input := tensors.FromFlatDataAndDimensions(pixels, batchSize, 3, imageSize, imageSize)

	var outputs []*tensors.Tensor
	require.NotPanics(t, func() { outputs = exec.MustExec(input) })
	return outputs
}

func TestGraphOutputShapes(t *testing.T) {
	outputs := runModel(t, smallModelContext(), 2, 16)
	require.Len(t, outputs, 2) // mass and calories heads
	for i, out := range outputs {
		dims := out.Shape().Dimensions
		require.Equalf(t, []int{2, 1}, dims, "head %d shape", i)
		require.Equal(t, dtypes.Float32, out.Shape().DType)
	}
}

func TestGraphHalfPrecisionKeepsFloat32Heads(t *testing.T) {
	ctx := smallModelContext()
	ctx.SetParam(model.ParamHalfPrecision, true)
	outputs := runModel(t, ctx, 2, 16)
	require.Len(t, outputs, 2)
	for _, out := range outputs {
		require.Equal(t, dtypes.Float32, out.Shape().DType)
	}
}
