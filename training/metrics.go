package training

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
)

// Short names used to locate the metric values among the trainer's outputs.
const (
	MassAccuracyShortName     = "MassAcc"
	CaloriesAccuracyShortName = "CalAcc"
)

// relativeErrorEpsilon guards the relative error against division by zero on
// zero-valued labels.
const relativeErrorEpsilon = 1e-6

// thresholdAccuracyGraph returns the fraction of the batch whose relative
// prediction error on the given head is within threshold. Computed in float32
// independently of the model's precision.
func thresholdAccuracyGraph(head int, threshold float64) metrics.BaseMetricGraph {
	return func(ctx *context.Context, labels, predictions []*Node) *Node {
		_ = ctx
		label := ConvertDType(labels[head], dtypes.Float32)
		pred := ConvertDType(predictions[head], dtypes.Float32)
		g := label.Graph()
		absErr := Abs(Sub(pred, label))
		denom := Max(Abs(label), Scalar(g, dtypes.Float32, relativeErrorEpsilon))
		within := LessOrEqual(Div(absErr, denom), Scalar(g, dtypes.Float32, threshold))
		return ReduceAllMean(ConvertDType(within, dtypes.Float32))
	}
}

func percentPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.2f%%", 100*value.Value().(float32))
}

// AccuracyMetrics builds the per-batch threshold accuracy metrics for the
// mass head (index 0) and the calories head (index 1).
func AccuracyMetrics(threshold float64) []metrics.Interface {
	return []metrics.Interface{
		metrics.NewBaseMetric("Mass Accuracy", MassAccuracyShortName,
			metrics.AccuracyMetricType, thresholdAccuracyGraph(0, threshold), percentPrint),
		metrics.NewBaseMetric("Calories Accuracy", CaloriesAccuracyShortName,
			metrics.AccuracyMetricType, thresholdAccuracyGraph(1, threshold), percentPrint),
	}
}
