package dialogue

// StateDefinition is a YAML-mappable dialogue state definition.
type StateDefinition struct {
	Name                    string             `yaml:"name"`
	Formulations            []string           `yaml:"formulations"`
	TransitionStates        []string           `yaml:"transition_states"`
	TransitionProbabilities map[string]float64 `yaml:"transition_probabilities"`
	Subtask                 string             `yaml:"subtask"`
	Slots                   []string           `yaml:"slots"`
}

// fixedStatesFile maps state name to its single formulation. Files named
// fixed_states*.yaml use this shape.
type fixedStatesFile map[string]string
