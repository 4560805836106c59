package wizard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crwiz/crwiz/pkg/dialogue"
	"github.com/crwiz/crwiz/pkg/events"
)

func seededRoom(t *testing.T, f *fixture) *Runtime {
	t.Helper()
	_, created, err := f.manager.resolveRuntime(t.Context(), testWizardID)
	require.NoError(t, err)
	require.True(t, created)
	return f.manager.runtime(testRoom)
}

func stateNames(sel events.ChoiceSelection) []string {
	names := make([]string, len(sel.Elements))
	for i, c := range sel.Elements {
		names[i] = c.StateName
	}
	return names
}

func TestChoicesAtInitialState(t *testing.T) {
	f := newFixture(testCatalog())
	rt := seededRoom(t, f)

	sel, err := f.engine.Choices(t.Context(), rt)
	require.NoError(t, err)

	assert.True(t, sel.AllowFreeText)
	assert.True(t, sel.ShowStaticUtterances)
	assert.ElementsMatch(t, []string{"greet", "silence"}, stateNames(sel))

	// the offered menu becomes the continuity record
	logs, err := f.store.UserEvents(t.Context(), testWizardID, string(events.ChoicesOffered), true)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "start", logs[0].Data["current_state"])
}

func TestChoicesDedupByState(t *testing.T) {
	states := map[string]*dialogue.State{
		"start": dialogue.NewState(dialogue.StateDefinition{
			Name:             "start",
			Formulations:     []string{"hi"},
			TransitionStates: []string{"a", "a", "b"},
		}),
		"a": dialogue.NewState(dialogue.StateDefinition{
			Name: "a", Formulations: []string{"say a"},
		}),
		"b": dialogue.NewState(dialogue.StateDefinition{
			Name: "b", Formulations: []string{"say b"},
		}),
		"inform_end": dialogue.NewState(dialogue.StateDefinition{
			Name: "inform_end", Formulations: []string{"done"},
		}),
	}
	f := newFixture(dialogue.NewCatalog(states))
	rt := seededRoom(t, f)

	sel, err := f.engine.Choices(t.Context(), rt)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, stateNames(sel))
}

func TestChoicesFilteredBySubtask(t *testing.T) {
	states := map[string]*dialogue.State{
		"start": dialogue.NewState(dialogue.StateDefinition{
			Name:             "start",
			Formulations:     []string{"hi"},
			TransitionStates: []string{"inspect_it", "put_out", "anytime"},
		}),
		"inspect_it": dialogue.NewState(dialogue.StateDefinition{
			Name: "inspect_it", Formulations: []string{"look around"}, Subtask: "inspect",
		}),
		"put_out": dialogue.NewState(dialogue.StateDefinition{
			Name: "put_out", Formulations: []string{"spray it"}, Subtask: "extinguish",
		}),
		"anytime": dialogue.NewState(dialogue.StateDefinition{
			Name: "anytime", Formulations: []string{"always available"},
		}),
		"inform_end": dialogue.NewState(dialogue.StateDefinition{
			Name: "inform_end", Formulations: []string{"done"},
		}),
	}
	f := newFixture(dialogue.NewCatalog(states))
	rt := seededRoom(t, f)

	// current subtask defaults to inspect
	sel, err := f.engine.Choices(t.Context(), rt)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"inspect_it", "anytime"}, stateNames(sel))

	rt.AdvanceSubtask(t.Context(), SubtaskExtinguish)
	sel, err = f.engine.Choices(t.Context(), rt)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"put_out", "anytime"}, stateNames(sel))
}

func TestChoicesFormulationContinuity(t *testing.T) {
	f := newFixture(testCatalog())
	rt := seededRoom(t, f)

	first, err := f.engine.Choices(t.Context(), rt)
	require.NoError(t, err)
	second, err := f.engine.Choices(t.Context(), rt)
	require.NoError(t, err)

	// greet has two alternative formulations; the one shown first is
	// kept on subsequent menus while the state is unchanged
	assert.Equal(t, first.Elements, second.Elements)
}

func TestChoicesPostProcessing(t *testing.T) {
	states := map[string]*dialogue.State{
		"start": dialogue.NewState(dialogue.StateDefinition{
			Name:             "start",
			Formulations:     []string{"hi"},
			TransitionStates: []string{"a"},
		}),
		"a": dialogue.NewState(dialogue.StateDefinition{
			Name: "a", Formulations: []string{"  the robot is ready  "},
		}),
		"inform_end": dialogue.NewState(dialogue.StateDefinition{
			Name: "inform_end", Formulations: []string{"done"},
		}),
	}
	f := newFixture(dialogue.NewCatalog(states))
	rt := seededRoom(t, f)

	sel, err := f.engine.Choices(t.Context(), rt)
	require.NoError(t, err)
	require.Len(t, sel.Elements, 1)
	assert.Equal(t, "The robot is ready", sel.Elements[0].Utterance)
}

func TestChoicesBackfillFromHistory(t *testing.T) {
	f := newFixture(testCatalog())
	rt := seededRoom(t, f)

	require.NoError(t, f.engine.SubmitChoice(t.Context(), rt, "greet", "Hello"))
	require.NoError(t, f.engine.SubmitChoice(t.Context(), rt, "inform_end", "We are all done here"))

	// inform_end has no transitions; the walk back through visited
	// states skips greet's used target and surfaces silence from start
	sel, err := f.engine.Choices(t.Context(), rt)
	require.NoError(t, err)
	assert.Equal(t, []string{"silence"}, stateNames(sel))
}

func TestSubmitChoiceUnknownState(t *testing.T) {
	f := newFixture(testCatalog())
	rt := seededRoom(t, f)

	err := f.engine.SubmitChoice(t.Context(), rt, "no_such_state", "text")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSubmitChoiceRecordsTransition(t *testing.T) {
	f := newFixture(testCatalog())
	rt := seededRoom(t, f)

	require.NoError(t, f.engine.SubmitChoice(t.Context(), rt, "greet", "Hello"))

	states, err := f.store.UserStates(t.Context(), testWizardID)
	require.NoError(t, err)
	require.Len(t, states, 2) // seed + greet
	assert.Equal(t, "greet", states[0].CurrentState)
	assert.Equal(t, "start", states[0].PreviousState)
	assert.Equal(t, "Hello", states[0].Utterance)

	changes, err := f.store.UserEvents(t.Context(), testWizardID, string(events.StateChanged), true)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "greet", changes[0].Data["current_state"])
}

func TestHintCachedUntilStateChanges(t *testing.T) {
	f := newFixture(testCatalog())
	rt := seededRoom(t, f)

	first, _, err := f.engine.Hint(t.Context(), rt)
	require.NoError(t, err)
	second, _, err := f.engine.Hint(t.Context(), rt)
	require.NoError(t, err)

	assert.Equal(t, first, second)

	fresh, err := f.store.UserEvents(t.Context(), testWizardID, string(events.HintRequested), true)
	require.NoError(t, err)
	assert.Len(t, fresh, 1)
	repeats, err := f.store.UserEvents(t.Context(), testWizardID, string(events.HintRequestedAgain), true)
	require.NoError(t, err)
	assert.Len(t, repeats, 1)

	// a state change invalidates the cache
	require.NoError(t, f.engine.SubmitChoice(t.Context(), rt, "greet", "Hello"))
	third, _, err := f.engine.Hint(t.Context(), rt)
	require.NoError(t, err)
	assert.Equal(t, "inform_end", third.UtteranceID)
}

func TestHintFollowsProbabilities(t *testing.T) {
	f := newFixture(testCatalog())
	rt := seededRoom(t, f)

	require.NoError(t, f.engine.SubmitChoice(t.Context(), rt, "greet", "Hello"))

	hint, menu, err := f.engine.Hint(t.Context(), rt)
	require.NoError(t, err)
	assert.Equal(t, "inform_end", hint.UtteranceID)
	assert.InDelta(t, 1.0, hint.Probability, 1e-9)
	assert.Contains(t, stateNames(menu), "inform_end")
}
