package checkpoint

// Phase is a step of the task state machine recorded on checkpoints.
type Phase string

const (
	PhasePreparation  Phase = "preparation"
	PhaseDrafting     Phase = "drafting"
	PhaseVerification Phase = "verification"
	PhaseCompliance   Phase = "compliance"
	PhaseExecution    Phase = "execution"
	PhaseConfirmation Phase = "confirmation"
)

// transitions is the legal-successor table. The empty phase is the start.
var transitions = map[Phase][]Phase{
	"":                {PhasePreparation, PhaseDrafting},
	PhasePreparation:  {PhaseDrafting},
	PhaseDrafting:     {PhaseVerification, PhaseDrafting},
	PhaseVerification: {PhaseCompliance, PhaseExecution, PhaseDrafting},
	PhaseCompliance:   {PhaseExecution, PhaseDrafting},
	PhaseExecution:    {PhaseConfirmation, PhaseVerification},
	PhaseConfirmation: {},
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	if p == "" {
		return false
	}
	_, ok := transitions[p]
	return ok
}

// CanTransition reports whether next may follow from. Repeating a phase is
// always legal; from == "" means no prior checkpoint.
func CanTransition(from, next Phase) bool {
	if from == next && from != "" {
		return true
	}
	for _, p := range transitions[from] {
		if p == next {
			return true
		}
	}
	return false
}

// Phases returns the known phases in pipeline order.
func Phases() []Phase {
	return []Phase{PhasePreparation, PhaseDrafting, PhaseVerification, PhaseCompliance, PhaseExecution, PhaseConfirmation}
}
