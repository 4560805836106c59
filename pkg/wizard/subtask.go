package wizard

// Subtask is one ordered phase of the scenario. Dialogue transitions
// tagged with a subtask are only offered while that phase is current.
type Subtask int

const (
	SubtaskInspect Subtask = iota + 1
	SubtaskExtinguish
	SubtaskAssessDamage
)

// SubtaskStart is the phase every room begins in; SubtaskFinal gates
// whether a task may be finished by the participants.
const (
	SubtaskStart = SubtaskInspect
	SubtaskFinal = SubtaskAssessDamage
)

var subtaskNames = map[Subtask]string{
	SubtaskInspect:      "inspect",
	SubtaskExtinguish:   "extinguish",
	SubtaskAssessDamage: "assess_damage",
}

func (s Subtask) String() string {
	if name, ok := subtaskNames[s]; ok {
		return name
	}
	return "unknown"
}

// SubtaskByName resolves a subtask tag from a dialogue state definition.
func SubtaskByName(name string) (Subtask, bool) {
	for s, n := range subtaskNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}
