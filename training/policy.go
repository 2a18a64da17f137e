package training

// CheckpointPolicy decides after which epochs the model weights are written.
type CheckpointPolicy int

const (
	// AlwaysSave writes a checkpoint after every epoch.
	AlwaysSave CheckpointPolicy = iota
	// SaveOnImprovement writes a checkpoint only when the epoch improved the
	// tracked loss over its previous best.
	SaveOnImprovement
)

func (p CheckpointPolicy) String() string {
	switch p {
	case AlwaysSave:
		return "always_save"
	case SaveOnImprovement:
		return "save_on_improvement"
	}
	return "unknown"
}

// PolicyFor maps the save_best_model_only option to a policy.
func PolicyFor(saveBestOnly bool) CheckpointPolicy {
	if saveBestOnly {
		return SaveOnImprovement
	}
	return AlwaysSave
}

// ShouldSave reports whether a checkpoint is due given whether the epoch
// improved on the tracked best loss.
func (p CheckpointPolicy) ShouldSave(improved bool) bool {
	return p == AlwaysSave || improved
}
