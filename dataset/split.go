package dataset

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// Fractions is the split specification: the test fraction is implied as the
// remainder of train + validation.
type Fractions struct {
	Train      float64
	Validation float64
}

// Split holds three disjoint sets of index positions covering the full index.
// Assignment is randomized per program run; pin the partitioner's random
// source if a stable split across runs is needed.
type Split struct {
	Train      []int
	Validation []int
	Test       []int
}

// Partition shuffles the positions 0..n-1 with rng and cuts them into
// round(n*train) train positions, round(n*validation) validation positions and
// the remainder as test. The three sets are always disjoint and cover all n
// positions.
//
// A fraction small enough that its share rounds to zero yields an empty split;
// that is allowed here, callers that need a non-empty train set must choose
// fractions accordingly.
func Partition(n int, f Fractions, rng *rand.Rand) (Split, error) {
	if f.Train < 0 || f.Validation < 0 {
		return Split{}, errors.Errorf("split fractions must be non-negative, got train=%g validation=%g",
			f.Train, f.Validation)
	}
	if f.Train+f.Validation > 1.0 {
		return Split{}, errors.Errorf("split fractions sum to %g, must be <= 1.0", f.Train+f.Validation)
	}

	perm := rng.Perm(n)
	trainEnd := int(math.Round(float64(n) * f.Train))
	valEnd := trainEnd + int(math.Round(float64(n)*f.Validation))
	if valEnd > n {
		valEnd = n
	}
	return Split{
		Train:      perm[:trainEnd],
		Validation: perm[trainEnd:valEnd],
		Test:       perm[valEnd:],
	}, nil
}
