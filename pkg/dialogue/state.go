package dialogue

// State is one node in the conversation graph: a set of alternative
// phrasings (formulations) for the same semantic move, plus weighted
// transitions to follow-up states.
type State struct {
	name          string
	formulations  []string
	transitions   []string
	probabilities map[string]float64
	subtask       string
	slots         []string
	fixed         bool
}

// NewState builds a regular state from a definition, making the
// probability map structurally uniform: every declared transition gets
// a weight (missing ones default to 0) and an all-zero map is evenly
// redistributed.
func NewState(def StateDefinition) *State {
	probs := make(map[string]float64, len(def.TransitionStates))
	var sum float64
	for _, target := range def.TransitionStates {
		p := def.TransitionProbabilities[target]
		probs[target] = p
		sum += p
	}
	if sum == 0 && len(probs) > 0 {
		even := 1.0 / float64(len(probs))
		for target := range probs {
			probs[target] = even
		}
	}

	return &State{
		name:          def.Name,
		formulations:  def.Formulations,
		transitions:   def.TransitionStates,
		probabilities: probs,
		subtask:       def.Subtask,
		slots:         def.Slots,
	}
}

// NewFixedState builds a terminal state with a single phrasing and no
// outgoing transitions. Fixed states never appear as offered choices.
func NewFixedState(name, formulation string) *State {
	return &State{
		name:          name,
		formulations:  []string{formulation},
		probabilities: map[string]float64{},
		fixed:         true,
	}
}

// Name returns the unique state name.
func (s *State) Name() string { return s.name }

// Formulations returns the alternative phrasings for this state.
func (s *State) Formulations() []string { return s.formulations }

// Transitions returns the declared transition target names.
func (s *State) Transitions() []string { return s.transitions }

// TransitionProbability returns the declared weight for a transition
// target, or 0 if the target is not declared.
func (s *State) TransitionProbability(target string) float64 {
	return s.probabilities[target]
}

// Subtask returns the subtask tag gating this state, or "" if the
// state is always eligible.
func (s *State) Subtask() string { return s.subtask }

// Slots returns the slot metadata for this state.
func (s *State) Slots() []string { return s.slots }

// IsFixed reports whether this is a single-formulation terminal state.
func (s *State) IsFixed() bool { return s.fixed }
