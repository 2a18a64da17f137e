package transform

import (
	"fmt"
	"math/rand"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// ErrCrop is returned when a crop region does not fit inside the source image.
var ErrCrop = errors.New("crop larger than source image")

// Resize resamples the image to exactly Height x Width pixels. The pixel value
// range is preserved (8-bit per channel in, 8-bit out); no rescaling to [0,1]
// happens here.
type Resize struct {
	Height, Width int
}

func (t Resize) Name() string { return fmt.Sprintf("Resize(%dx%d)", t.Height, t.Width) }

func (t Resize) Stage() Stage { return StagePreTensor }

func (t Resize) Apply(s Sample) (Sample, error) {
	s.Image = imaging.Resize(s.Image, t.Width, t.Height, imaging.Lanczos)
	return s, nil
}

// CenterCrop crops the geometric center Size x Size region of the image.
type CenterCrop struct {
	Size int
}

func (t CenterCrop) Name() string { return fmt.Sprintf("CenterCrop(%d)", t.Size) }

func (t CenterCrop) Stage() Stage { return StagePreTensor }

func (t CenterCrop) Apply(s Sample) (Sample, error) {
	bounds := s.Image.Bounds().Size()
	if bounds.X < t.Size || bounds.Y < t.Size {
		return Sample{}, errors.Wrapf(ErrCrop, "source is %dx%d, crop wants %dx%d",
			bounds.X, bounds.Y, t.Size, t.Size)
	}
	s.Image = imaging.CropCenter(s.Image, t.Size, t.Size)
	return s, nil
}

// RandomHorizontalFlip mirrors the image along the vertical axis with
// probability P per call. The caller provides the random source, so
// deterministic runs reseed it once at startup.
type RandomHorizontalFlip struct {
	P   float64
	Rng *rand.Rand
}

func (t RandomHorizontalFlip) Name() string { return fmt.Sprintf("RandomHorizontalFlip(%g)", t.P) }

func (t RandomHorizontalFlip) Stage() Stage { return StagePreTensor }

func (t RandomHorizontalFlip) Apply(s Sample) (Sample, error) {
	if t.Rng.Float64() < t.P {
		s.Image = imaging.FlipH(s.Image)
	}
	return s, nil
}

// RandomVerticalFlip mirrors the image along the horizontal axis with
// probability P per call.
type RandomVerticalFlip struct {
	P   float64
	Rng *rand.Rand
}

func (t RandomVerticalFlip) Name() string { return fmt.Sprintf("RandomVerticalFlip(%g)", t.P) }

func (t RandomVerticalFlip) Stage() Stage { return StagePreTensor }

func (t RandomVerticalFlip) Apply(s Sample) (Sample, error) {
	if t.Rng.Float64() < t.P {
		s.Image = imaging.FlipV(s.Image)
	}
	return s, nil
}
