// Package training drives the epoch loop: per-batch train and eval steps,
// per-epoch statistics, checkpoint policy and the run orchestration on top.
package training

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
)

// Loss is the training objective: the sum of the mean absolute errors of the
// mass and calorie heads. Labels and predictions carry the two heads in the
// same order, mass first.
//
// The per-head slices are cut to a single element so a second label tensor is
// never mistaken for a weights tensor.
func Loss(labels, predictions []*Node) *Node {
	massLoss := losses.MeanAbsoluteError(labels[0:1], predictions[0:1])
	caloriesLoss := losses.MeanAbsoluteError(labels[1:2], predictions[1:2])
	return Add(massLoss, caloriesLoss)
}
