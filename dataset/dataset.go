package dataset

import (
	"io"
	"math/rand"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"

	"github.com/foodvision/nutrition5k/transform"
)

// Dataset yields batches of transformed dish samples as gomlx tensors. It
// implements train.Dataset:
//
//   - inputs: one tensor, the image batch shaped [batch, channels, height, width].
//   - labels: two tensors, mass then calories, each shaped [batch, 1].
//
// Batches are fixed-size except the final one of an epoch, which may be
// smaller. With a shuffle source set, the record order is re-drawn on every
// Reset (once per epoch); without one, records are yielded in index order,
// which keeps validation and test passes deterministic.
//
// Yield is safe for concurrent use, so the train dataset can be wrapped in a
// parallel prefetcher.
type Dataset struct {
	name      string
	records   []DishRecord
	loader    *Loader
	pipeline  *transform.Pipeline
	batchSize int
	shuffle   *rand.Rand

	// mu protects order and next.
	mu    sync.Mutex
	order []int
	next  int
}

var _ train.Dataset = (*Dataset)(nil)

// New creates a batch source over the given records. The pipeline must end in
// tensor form (contain a ToTensor); otherwise batch assembly fails at the
// first Yield.
func New(name string, records []DishRecord, loader *Loader, pipeline *transform.Pipeline,
	batchSize int) (*Dataset, error) {
	if batchSize < 1 {
		return nil, errors.Errorf("batch size must be >= 1, got %d", batchSize)
	}
	ds := &Dataset{
		name:      name,
		records:   records,
		loader:    loader,
		pipeline:  pipeline,
		batchSize: batchSize,
	}
	ds.resetLocked()
	return ds, nil
}

// WithShuffle sets the random source used to reshuffle the record order at
// every Reset. It returns the dataset to allow chaining.
func (ds *Dataset) WithShuffle(rng *rand.Rand) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.shuffle = rng
	ds.resetLocked()
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// NumExamples returns the number of records backing the dataset.
func (ds *Dataset) NumExamples() int { return len(ds.records) }

// NumBatches returns the number of batches one epoch yields.
func (ds *Dataset) NumBatches() int {
	return (len(ds.records) + ds.batchSize - 1) / ds.batchSize
}

// Records returns the backing records, in index order.
func (ds *Dataset) Records() []DishRecord { return ds.records }

// Reset implements train.Dataset: restarts the epoch, reshuffling if a
// shuffle source is configured.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.resetLocked()
}

func (ds *Dataset) resetLocked() {
	if ds.order == nil {
		ds.order = make([]int, len(ds.records))
		for i := range ds.order {
			ds.order[i] = i
		}
	}
	ds.next = 0
	if ds.shuffle != nil {
		ds.shuffle.Shuffle(len(ds.order), func(i, j int) {
			ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
		})
	}
}

// nextIndices reserves the next batch worth of record positions, or io.EOF at
// the end of the epoch.
func (ds *Dataset) nextIndices() ([]int, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.next >= len(ds.order) {
		return nil, io.EOF
	}
	end := ds.next + ds.batchSize
	if end > len(ds.order) {
		end = len(ds.order)
	}
	indices := ds.order[ds.next:end]
	ds.next = end
	return indices, nil
}

// Yield implements train.Dataset. A decode or transform failure aborts the
// batch and surfaces the error: skipping a sample here would desynchronize
// the batch and corrupt the epoch's aggregate statistics.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	indices, err := ds.nextIndices()
	if err != nil {
		return nil, nil, nil, err
	}

	samples := make([]transform.Sample, len(indices))
	for i, pos := range indices {
		rec := ds.records[pos]
		sample, err := ds.loader.Load(rec)
		if err != nil {
			return nil, nil, nil, err
		}
		sample, err = ds.pipeline.Apply(sample)
		if err != nil {
			return nil, nil, nil, errors.WithMessagef(err, "dish %s", rec.ID)
		}
		samples[i] = sample
	}

	images, mass, calories, err := batchTensors(samples)
	if err != nil {
		return nil, nil, nil, err
	}
	return nil, []*tensors.Tensor{images}, []*tensors.Tensor{mass, calories}, nil
}

// batchTensors flattens transformed samples into contiguous buffers and wraps
// them as gomlx tensors. All samples in a batch must agree on tensor shape.
func batchTensors(samples []transform.Sample) (images, mass, calories *tensors.Tensor, err error) {
	n := len(samples)
	first := samples[0]
	if first.Pixels == nil {
		return nil, nil, nil, errors.New("pipeline did not produce tensor samples, missing ToTensor")
	}
	c, h, w := first.Channels, first.Height, first.Width
	size := c * h * w

	imgBuf := make([]float32, n*size)
	massBuf := make([]float32, n)
	calBuf := make([]float32, n)
	for i, s := range samples {
		if s.Channels != c || s.Height != h || s.Width != w {
			return nil, nil, nil, errors.Errorf(
				"inconsistent image shapes in batch: sample 0 is %dx%dx%d, sample %d is %dx%dx%d",
				c, h, w, i, s.Channels, s.Height, s.Width)
		}
		copy(imgBuf[i*size:], s.Pixels)
		massBuf[i] = float32(s.Mass)
		calBuf[i] = float32(s.Calories)
	}

	images = tensors.FromFlatDataAndDimensions(imgBuf, n, c, h, w)
	mass = tensors.FromFlatDataAndDimensions(massBuf, n, 1)
	calories = tensors.FromFlatDataAndDimensions(calBuf, n, 1)
	return images, mass, calories, nil
}
