// Package transform implements the sample transformation pipeline that turns a
// decoded dish photograph and its nutrition targets into the model-ready
// numeric representation.
//
// Transforms are pure: each takes a Sample by value and returns a new Sample,
// so a pipeline is just an ordered chain with no shared mutable state. Every
// transform declares a Stage, and the pipeline validates at construction time
// that image-space transforms come before ToTensor and numeric transforms come
// after it, instead of leaving the ordering an implicit caller contract.
package transform

import (
	"image"

	"github.com/pkg/errors"
)

// ErrPipelineOrder is returned by NewPipeline when transforms are chained in
// an order that cannot produce a valid sample (e.g. Normalize before ToTensor).
var ErrPipelineOrder = errors.New("invalid transform pipeline ordering")

// Sample carries one dish example through the pipeline. Before ToTensor the
// image lives in Image (8-bit RGB, channels-last); after ToTensor it lives in
// Pixels as a flat channels-first (C, H, W) float32 buffer and Image is nil.
// Mass and Calories hold the regression targets, in grams and kcal until
// Normalize rescales them.
type Sample struct {
	Image image.Image

	Pixels                  []float32
	Channels, Height, Width int

	Mass     float64
	Calories float64
}

// Stage tags where in the pipeline a transform is allowed to run.
type Stage int

const (
	// StagePreTensor transforms operate on Sample.Image (resize, crop, flips).
	StagePreTensor Stage = iota
	// StageTensor is the single image-to-tensor conversion point.
	StageTensor
	// StagePostTensor transforms operate on Sample.Pixels and the targets.
	StagePostTensor
)

func (s Stage) String() string {
	switch s {
	case StagePreTensor:
		return "pre-tensor"
	case StageTensor:
		return "tensor"
	case StagePostTensor:
		return "post-tensor"
	}
	return "unknown"
}

// Transform is a stateless sample transformation.
type Transform interface {
	// Name identifies the transform in errors and logs.
	Name() string
	// Stage tags the pipeline phase this transform belongs to.
	Stage() Stage
	// Apply returns a new sample derived from s.
	Apply(s Sample) (Sample, error)
}

// Pipeline is an ordered, validated chain of transforms.
type Pipeline struct {
	transforms []Transform
}

// NewPipeline validates the ordering of the given transforms and returns the
// composed pipeline. It fails with ErrPipelineOrder if any pre-tensor
// transform appears after the tensor conversion, any post-tensor transform
// appears before it, or more than one tensor conversion is present.
func NewPipeline(transforms ...Transform) (*Pipeline, error) {
	seenTensor := false
	for _, t := range transforms {
		switch t.Stage() {
		case StagePreTensor:
			if seenTensor {
				return nil, errors.Wrapf(ErrPipelineOrder,
					"%s is a pre-tensor transform but appears after the tensor conversion", t.Name())
			}
		case StageTensor:
			if seenTensor {
				return nil, errors.Wrapf(ErrPipelineOrder,
					"%s is a second tensor conversion, only one is allowed", t.Name())
			}
			seenTensor = true
		case StagePostTensor:
			if !seenTensor {
				return nil, errors.Wrapf(ErrPipelineOrder,
					"%s is a post-tensor transform but no tensor conversion precedes it", t.Name())
			}
		}
	}
	return &Pipeline{transforms: transforms}, nil
}

// Apply runs the sample through every transform in order.
func (p *Pipeline) Apply(s Sample) (Sample, error) {
	var err error
	for _, t := range p.transforms {
		s, err = t.Apply(s)
		if err != nil {
			return Sample{}, errors.WithMessagef(err, "transform %s", t.Name())
		}
	}
	return s, nil
}

// Len returns the number of transforms in the pipeline.
func (p *Pipeline) Len() int { return len(p.transforms) }
