// Package dataset builds the Nutrition5k dish index from the per-cafe CSV
// metadata, partitions it into train/validation/test subsets, and exposes each
// subset as a batched tensor source for training (a gomlx train.Dataset).
//
// The on-disk layout it consumes:
//
//	<root>/metadata/dish_metadata_<cafe>.csv      rows: dish_id,calories,mass,...
//	<root>/imagery/side_angles/<dish_id>/camera_A/1.jpg
//
// All loading is lazy: the index keeps only dish ids and targets, images are
// read and decoded at batch-assembly time.
package dataset

import (
	"encoding/csv"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrParse is returned (in strict mode) for metadata rows that cannot be
// parsed into a dish record.
var ErrParse = errors.New("malformed metadata row")

// Side-angle imagery constants: one fixed lateral viewpoint, first frame.
const (
	metadataDirName = "metadata"
	metadataPattern = "dish_metadata_*.csv"
	cameraName      = "camera_A"
	frameName       = "1.jpg"
)

// DishRecord is one labeled meal: the dish id names a directory of side-angle
// imagery, mass is in grams, calories in kcal. Records are immutable once the
// index is built.
type DishRecord struct {
	ID       string
	Mass     float64
	Calories float64
}

// Index is the ordered, read-only collection of dish records with imagery
// present on disk. Built once at startup.
type Index struct {
	root    string
	records []DishRecord
}

// IndexOptions configures metadata parsing.
type IndexOptions struct {
	// Strict aborts index construction on the first malformed row with
	// ErrParse. The default (lenient) logs and skips malformed rows, which
	// mirrors how missing imagery is handled.
	Strict bool
}

// ImagePath returns the expected side-angle frame for a dish id under root.
func ImagePath(root, dishID string) string {
	return filepath.Join(root, "imagery", "side_angles", dishID, cameraName, frameName)
}

// LoadIndex parses every metadata/dish_metadata_*.csv under root into an
// Index. Rows whose side-angle frame is missing on disk are skipped silently:
// the dataset release ships metadata for more dishes than imagery. Malformed
// rows follow the IndexOptions policy.
func LoadIndex(root string, opts IndexOptions) (*Index, error) {
	pattern := filepath.Join(root, metadataDirName, metadataPattern)
	csvPaths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to glob pattern %s", pattern)
	}
	if len(csvPaths) == 0 {
		return nil, errors.Errorf("no metadata CSV files found matching %s", pattern)
	}

	idx := &Index{root: root}
	for _, path := range csvPaths {
		if err := idx.loadFile(path, opts); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// loadFile appends the records of a single metadata CSV to the index.
func (idx *Index) loadFile(path string, opts IndexOptions) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open metadata CSV %s", path)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	// Rows carry a variable tail of per-ingredient columns.
	reader.FieldsPerRecord = -1

	line := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err == nil && len(row) < 3 {
			err = errors.Errorf("expected at least 3 columns, got %d", len(row))
		}
		var rec DishRecord
		if err == nil {
			rec, err = parseRecord(row)
		}
		if err != nil {
			if opts.Strict {
				return errors.Wrapf(ErrParse, "%s line %d: %v", path, line, err)
			}
			klog.Warningf("Skipping malformed metadata row %s line %d: %v", path, line, err)
			continue
		}
		if _, statErr := os.Stat(ImagePath(idx.root, rec.ID)); statErr != nil {
			// Listed dish without imagery: excluded, not an error.
			continue
		}
		idx.records = append(idx.records, rec)
	}
	return nil
}

// parseRecord converts one CSV row into a DishRecord. Calories are
// integer-valued in the release; the fractional part is dropped.
func parseRecord(row []string) (DishRecord, error) {
	id := strings.TrimSpace(row[0])
	if id == "" {
		return DishRecord{}, errors.New("empty dish id")
	}
	calories, err := strconv.ParseFloat(strings.TrimSpace(row[1]), 64)
	if err != nil {
		return DishRecord{}, errors.Wrap(err, "failed to parse calories")
	}
	mass, err := strconv.ParseFloat(strings.TrimSpace(row[2]), 64)
	if err != nil {
		return DishRecord{}, errors.Wrap(err, "failed to parse mass")
	}
	return DishRecord{ID: id, Mass: mass, Calories: math.Trunc(calories)}, nil
}

// Root returns the dataset root directory the index was built from.
func (idx *Index) Root() string { return idx.root }

// Len returns the number of dishes with imagery present.
func (idx *Index) Len() int { return len(idx.records) }

// Record returns the dish at position i.
func (idx *Index) Record(i int) DishRecord { return idx.records[i] }

// Select returns the records at the given index positions, in order.
func (idx *Index) Select(positions []int) []DishRecord {
	out := make([]DishRecord, len(positions))
	for i, p := range positions {
		out[i] = idx.records[p]
	}
	return out
}
