package transform

import (
	"fmt"

	"github.com/pkg/errors"
)

// ToTensor converts the image from channels-last (H, W, C) pixels to a flat
// channels-first (C, H, W) float32 buffer. Pixel values stay in their original
// 0..255 range; bringing them to a normalized range is Normalize's job. The
// mass and calorie targets pass through unchanged, already in numeric form.
type ToTensor struct{}

func (t ToTensor) Name() string { return "ToTensor" }

func (t ToTensor) Stage() Stage { return StageTensor }

func (t ToTensor) Apply(s Sample) (Sample, error) {
	if s.Image == nil {
		return Sample{}, errors.Wrap(ErrPipelineOrder, "ToTensor applied to a sample without an image")
	}
	bounds := s.Image.Bounds()
	height, width := bounds.Dy(), bounds.Dx()
	const channels = 3
	pixels := make([]float32, channels*height*width)
	plane := height * width
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := s.Image.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			pos := y*width + x
			pixels[pos] = float32(r >> 8)
			pixels[plane+pos] = float32(g >> 8)
			pixels[2*plane+pos] = float32(b >> 8)
		}
	}
	s.Image = nil
	s.Pixels = pixels
	s.Channels, s.Height, s.Width = channels, height, width
	return s, nil
}

// Normalize standardizes the image per channel with (x - mean) / std and
// divides the mass and calorie targets by their configured maxima, bringing
// the regression targets into a bounded range for stable loss values.
type Normalize struct {
	Means, Stds          []float64
	MassMax, CaloriesMax float64
}

func (t Normalize) Name() string { return "Normalize" }

func (t Normalize) Stage() Stage { return StagePostTensor }

func (t Normalize) Apply(s Sample) (Sample, error) {
	if s.Pixels == nil {
		return Sample{}, errors.Wrap(ErrPipelineOrder, "Normalize applied before ToTensor")
	}
	if len(t.Means) != s.Channels || len(t.Stds) != s.Channels {
		return Sample{}, fmt.Errorf("normalize expects %d means and stds, got %d and %d",
			s.Channels, len(t.Means), len(t.Stds))
	}
	out := make([]float32, len(s.Pixels))
	plane := s.Height * s.Width
	for c := 0; c < s.Channels; c++ {
		mean, std := float32(t.Means[c]), float32(t.Stds[c])
		for i := c * plane; i < (c+1)*plane; i++ {
			out[i] = (s.Pixels[i] - mean) / std
		}
	}
	s.Pixels = out
	s.Mass = s.Mass / t.MassMax
	s.Calories = s.Calories / t.CaloriesMax
	return s, nil
}
