// Package model defines the two-headed regression network that maps a dish
// image to its mass and calorie estimates.
package model

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
)

// Context hyperparameters read by the model graph.
const (
	// ParamNumConvBlocks is the number of convolutional blocks in the trunk.
	ParamNumConvBlocks = "model_conv_blocks"
	// ParamBaseChannels is the channel count of the first convolutional block,
	// doubled after each spatial reduction up to ParamMaxChannels.
	ParamBaseChannels = "model_base_channels"
	// ParamMaxChannels caps the channel growth of deeper blocks.
	ParamMaxChannels = "model_max_channels"
	// ParamEmbeddingSize is the width of the shared embedding fed to the heads.
	ParamEmbeddingSize = "model_embedding_size"
	// ParamHalfPrecision runs the convolutional trunk in float16. The heads,
	// loss and metrics stay in float32.
	ParamHalfPrecision = "model_half_precision"
)

// BuildGraph builds the regression network. It takes one input tensor shaped
// `[batch_size, 3, height, width]` and returns two `[batch_size, 1]` float32
// outputs, mass first and calories second, matching the label order of the
// dataset.
func BuildGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	ctx = ctx.In("model")
	embeddings := Embeddings(ctx, inputs[0])
	mass := fnn.New(ctx.In("mass_head"), embeddings, 1).NumHiddenLayers(0, 0).Done()
	calories := fnn.New(ctx.In("calories_head"), embeddings, 1).NumHiddenLayers(0, 0).Done()
	return []*Node{mass, calories}
}

// Embeddings builds the convolutional trunk and returns a flat embedding
// per example, always in float32.
func Embeddings(ctx *context.Context, batch *Node) *Node {
	batch.AssertRank(4) // [batch_size, channels, height, width]
	batchSize := batch.Shape().Dimensions[0]
	numBlocks := context.GetParamOr(ctx, ParamNumConvBlocks, 5)
	baseChannels := context.GetParamOr(ctx, ParamBaseChannels, 16)
	maxChannels := context.GetParamOr(ctx, ParamMaxChannels, 128)

	dropoutRate := context.GetParamOr(ctx, layers.ParamDropoutRate, 0.0)
	var dropoutNode *Node
	if dropoutRate > 0.0 {
		dropoutNode = Scalar(batch.Graph(), dtypes.Float32, dropoutRate)
	}

	logits := batch
	if context.GetParamOr(ctx, ParamHalfPrecision, false) {
		logits = ConvertDType(logits, dtypes.Float16)
		if dropoutNode != nil {
			dropoutNode = ConvertDType(dropoutNode, dtypes.Float16)
		}
	}

	numChannels := baseChannels
	imgSize := logits.Shape().Dimensions[2]
	for blockIdx := range numBlocks {
		ctx := ctx.Inf("%03d_conv", blockIdx)
		for repeat := range 2 {
			ctx := ctx.Inf("repeat_%02d", repeat)
			residual := logits
			logits = layers.Convolution(ctx, logits).
				ChannelsAxis(images.ChannelsFirst).
				Channels(numChannels).KernelSize(3).PadSame().Done()
			logits = activations.ApplyFromContext(ctx, logits)
			if dropoutNode != nil {
				logits = layers.Dropout(ctx, logits, dropoutNode)
			}
			if residual.Shape().Equal(logits.Shape()) {
				logits = Add(logits, residual)
			}
		}
		if imgSize > 8 {
			logits = MaxPool(logits).ChannelsAxis(images.ChannelsFirst).Window(2).Done()
			imgSize = logits.Shape().Dimensions[2]
		}
		logits.AssertDims(batchSize, numChannels, imgSize, imgSize)
		if numChannels < maxChannels {
			numChannels *= 2
		}
	}

	// Flatten the remaining spatial map and project to the embedding width.
	logits = Reshape(logits, batchSize, -1)
	logits = ConvertDType(logits, dtypes.Float32)
	embeddingSize := context.GetParamOr(ctx, ParamEmbeddingSize, 128)
	return fnn.New(ctx.Inf("%03d_fnn", numBlocks), logits, embeddingSize).Done()
}
