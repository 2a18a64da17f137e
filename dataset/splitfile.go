package dataset

import (
	"encoding/gob"
	"os"

	"github.com/pkg/errors"
)

// TestSplitFileName is the conventional artifact name in a run directory.
const TestSplitFileName = "test_split.gob"

// SplitArtifact is the serialized form of one split's batch source, written
// next to the checkpoints so the held-out records can be re-evaluated offline
// with the exact preprocessing of the run.
type SplitArtifact struct {
	Phase     string
	Records   []DishRecord
	BatchSize int
	ImageSize int
}

// SaveSplit gob-encodes the artifact to path.
func SaveSplit(path string, artifact SplitArtifact) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create split file %s", path)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(artifact); err != nil {
		return errors.Wrapf(err, "failed to encode split file %s", path)
	}
	return nil
}

// LoadSplit reads an artifact previously written by SaveSplit.
func LoadSplit(path string) (SplitArtifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return SplitArtifact{}, errors.Wrapf(err, "failed to open split file %s", path)
	}
	defer f.Close()
	var artifact SplitArtifact
	if err := gob.NewDecoder(f).Decode(&artifact); err != nil {
		return SplitArtifact{}, errors.Wrapf(err, "failed to decode split file %s", path)
	}
	return artifact, nil
}
