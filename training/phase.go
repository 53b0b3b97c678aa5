package training

// Phase is the orchestrator's position in its state machine:
// Initializing → {TrainingEpoch → Validating}×N → EarlyStopped | Completed.
type Phase int

const (
	PhaseInitializing Phase = iota
	PhaseTrainingEpoch
	PhaseValidating
	PhaseEarlyStopped
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseTrainingEpoch:
		return "training"
	case PhaseValidating:
		return "validating"
	case PhaseEarlyStopped:
		return "early-stopped"
	case PhaseCompleted:
		return "completed"
	default:
		return "unknown"
	}
}
