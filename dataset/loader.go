package dataset

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/pkg/errors"

	"github.com/foodvision/nutrition5k/transform"
)

// ErrImageDecode is returned when a dish's image file is unreadable or
// corrupt. It is never swallowed here: the batch source propagates it so a bad
// file fails the batch instead of silently desynchronizing it.
var ErrImageDecode = errors.New("unreadable or corrupt image")

// Loader reads a dish's side-angle frame and packages it as a raw sample.
type Loader struct {
	Root string
}

// Load decodes the dish's image and returns the raw sample: decoded pixels
// plus the mass and calorie targets. Samples are produced per access, nothing
// is cached.
func (l *Loader) Load(rec DishRecord) (transform.Sample, error) {
	path := ImagePath(l.Root, rec.ID)
	f, err := os.Open(path)
	if err != nil {
		return transform.Sample{}, errors.Wrapf(ErrImageDecode, "dish %s: %v", rec.ID, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return transform.Sample{}, errors.Wrapf(ErrImageDecode, "dish %s (%s): %v", rec.ID, path, err)
	}
	return transform.Sample{
		Image:    img,
		Mass:     rec.Mass,
		Calories: rec.Calories,
	}, nil
}
