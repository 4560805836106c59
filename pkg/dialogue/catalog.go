package dialogue

import (
	"fmt"
	"sort"
)

// Catalog holds the immutable set of dialogue states loaded at startup.
type Catalog struct {
	states map[string]*State
}

// NewCatalog creates a catalog from a set of states. Most callers go
// through Loader instead.
func NewCatalog(states map[string]*State) *Catalog {
	return &Catalog{states: states}
}

// Get returns the state definition for the given name.
func (c *Catalog) Get(name string) (*State, bool) {
	s, ok := c.states[name]
	return s, ok
}

// Has reports whether a state with the given name exists.
func (c *Catalog) Has(name string) bool {
	_, ok := c.states[name]
	return ok
}

// Len returns the number of loaded states.
func (c *Catalog) Len() int { return len(c.states) }

// StateNames returns all state names in sorted order.
func (c *Catalog) StateNames() []string {
	names := make([]string, 0, len(c.states))
	for name := range c.states {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FixedStateNames returns the names of all fixed states.
func (c *Catalog) FixedStateNames() []string {
	var names []string
	for name, s := range c.states {
		if s.IsFixed() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Validate checks the catalog for consistency: every transition target
// must resolve to a loaded state. A failure here is fatal to startup.
func (c *Catalog) Validate() error {
	for name, s := range c.states {
		for _, target := range s.Transitions() {
			if _, ok := c.states[target]; !ok {
				return fmt.Errorf("state %q: transition target %q not found", name, target)
			}
		}
	}
	return nil
}

// TransitionProbabilities returns the transition weights for a state,
// normalized to sum to 1. With filterFixed set, transitions into fixed
// states are removed before normalizing; an all-zero remainder is
// evenly redistributed.
func (c *Catalog) TransitionProbabilities(name string, filterFixed bool) (map[string]float64, error) {
	s, ok := c.states[name]
	if !ok {
		return nil, fmt.Errorf("state %q not found", name)
	}

	result := make(map[string]float64)
	var sum float64
	for _, target := range s.Transitions() {
		if filterFixed {
			if ts, ok := c.states[target]; ok && ts.IsFixed() {
				continue
			}
		}
		p := s.TransitionProbability(target)
		result[target] = p
		sum += p
	}

	if len(result) == 0 {
		return result, nil
	}
	if sum == 0 {
		even := 1.0 / float64(len(result))
		for target := range result {
			result[target] = even
		}
		return result, nil
	}
	if sum != 1 {
		for target, p := range result {
			result[target] = p / sum
		}
	}
	return result, nil
}
