package wizard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/crwiz/crwiz/pkg/dialogue"
	"github.com/crwiz/crwiz/pkg/events"
	"github.com/crwiz/crwiz/pkg/store"
)

const (
	// InitialState seeds every new room's dialogue.
	InitialState = "start"

	// TerminalState marks the dialogue as complete.
	TerminalState = "inform_end"

	// Minimum number of choices before the history backfill kicks in.
	minTransitionUtterances = 1

	// Bound on weighted hint draws before falling back to uniform.
	hintSampleBound = 1000
)

// Engine computes, for a session, the menu of next-move choices and
// probability-weighted hints over the dialogue catalog.
type Engine struct {
	catalog CatalogSource
	store   Store
	pub     Publisher
	rng     *rand.Rand
}

// NewEngine creates an engine. A nil rng gets a time-seeded PCG;
// tests inject a seeded one.
func NewEngine(catalog CatalogSource, st Store, pub Publisher, rng *rand.Rand) *Engine {
	if rng == nil {
		now := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(now, now>>32))
	}
	return &Engine{catalog: catalog, store: st, pub: pub, rng: rng}
}

// Choices computes the menu of next-move choices for a session: the
// current state's transitions filtered by subtask, backfilled from the
// visited-state history when too few remain, deduplicated and logged.
func (e *Engine) Choices(ctx context.Context, rt *Runtime) (events.ChoiceSelection, error) {
	cat := e.catalog.Catalog()
	st, ok := cat.Get(rt.CurrentState())
	if !ok {
		return events.ChoiceSelection{}, fmt.Errorf("%w: %q", ErrInvalidState, rt.CurrentState())
	}

	transitions := e.filterBySubtask(cat, st.Transitions(), rt.CurrentSubtask())
	choices := e.statesUtterances(ctx, cat, transitions, rt.WizardID())

	if len(choices) < minTransitionUtterances {
		extra, err := e.backfillUtterances(ctx, cat, rt)
		if err != nil {
			return events.ChoiceSelection{}, err
		}
		choices = append(choices, extra...)
	}

	choices = dedupByState(choices)
	choices = postProcess(choices)

	rt.LogUserEvent(ctx, events.ChoicesOffered, map[string]any{
		"current_state":       rt.CurrentState(),
		"possible_utterances": choicesPayload(choices),
	}, "")

	if _, ok := StateAction(rt.CurrentState()); ok {
		if err := e.triggerAction(ctx, rt); err != nil {
			slog.Warn("cannot trigger state action",
				slog.String("room", rt.Name()), slog.String("error", err.Error()))
		}
	}

	return events.ChoiceSelection{
		AllowFreeText:        true,
		ShowStaticUtterances: true,
		Elements:             choices,
	}, nil
}

// SubmitChoice applies a wizard's chosen transition: moves the session
// to the new state, persists the transition and logs the state change.
func (e *Engine) SubmitChoice(ctx context.Context, rt *Runtime, stateName, text string) error {
	if !e.catalog.Catalog().Has(stateName) {
		return fmt.Errorf("%w: %q", ErrInvalidState, stateName)
	}

	rt.setCurrentState(stateName)

	if err := e.store.AppendStateTransition(ctx, &store.StateTransition{
		UserID:        rt.WizardID(),
		PreviousState: rt.PreviousState(),
		Utterance:     text,
		CurrentState:  stateName,
	}); err != nil {
		return fmt.Errorf("persist state transition: %w", err)
	}

	rt.LogUserEvent(ctx, events.StateChanged, map[string]any{
		"previous_state": rt.PreviousState(),
		"utterance":      text,
		"current_state":  stateName,
	}, "")
	return nil
}

// Hint suggests the most likely next transition. A cached hint for an
// unchanged state is returned as-is with a distinguishable repeat log
// entry. Fresh hints are drawn from the state's normalized transition
// distribution, rejection-sampled against the currently offered menu,
// with a uniform fallback after the draw bound.
func (e *Engine) Hint(ctx context.Context, rt *Runtime) (events.HintData, events.ChoiceSelection, error) {
	if rt.hint != nil {
		menu, err := e.Choices(ctx, rt)
		if err != nil {
			return events.HintData{}, events.ChoiceSelection{}, err
		}
		hint := *rt.hint
		rt.LogUserEvent(ctx, events.HintRequestedAgain, map[string]any{
			"current_state": rt.CurrentState(),
			"utterance_id":  hint.UtteranceID,
			"probability":   hint.Probability,
		}, "")
		return hint, menu, nil
	}

	probabilities, err := e.catalog.Catalog().TransitionProbabilities(rt.CurrentState(), true)
	if err != nil {
		return events.HintData{}, events.ChoiceSelection{}, err
	}

	menu, err := e.Choices(ctx, rt)
	if err != nil {
		return events.HintData{}, events.ChoiceSelection{}, err
	}
	offered := make(map[string]bool, len(menu.Elements))
	names := make([]string, 0, len(menu.Elements))
	for _, c := range menu.Elements {
		offered[c.StateName] = true
		names = append(names, c.StateName)
	}
	if len(names) == 0 {
		return events.HintData{}, events.ChoiceSelection{}, ErrNoChoices
	}

	hint := ""
	if len(probabilities) > 0 {
		for range hintSampleBound {
			candidate := e.weightedDraw(probabilities)
			if offered[candidate] {
				hint = candidate
				break
			}
		}
	}
	if hint == "" {
		hint = names[e.rng.IntN(len(names))]
		slog.Debug("selected uniform fallback hint",
			slog.String("hint", hint), slog.String("room", rt.Name()))
	}

	result := events.HintData{
		UtteranceID: hint,
		Probability: probabilities[hint],
	}
	rt.hint = &result

	rt.LogUserEvent(ctx, events.HintRequested, map[string]any{
		"current_state": rt.CurrentState(),
		"utterance_id":  result.UtteranceID,
		"probability":   result.Probability,
	}, "")
	return result, menu, nil
}

// weightedDraw samples one key from a probability map. Keys are sorted
// so a seeded rng produces a stable sequence.
func (e *Engine) weightedDraw(probabilities map[string]float64) string {
	keys := make([]string, 0, len(probabilities))
	for k := range probabilities {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	x := e.rng.Float64()
	var cumulative float64
	for _, k := range keys {
		cumulative += probabilities[k]
		if x < cumulative {
			return k
		}
	}
	return keys[len(keys)-1]
}

func (e *Engine) filterBySubtask(cat *dialogue.Catalog, transitions []string, subtask Subtask) []string {
	var filtered []string
	for _, target := range transitions {
		st, ok := cat.Get(target)
		if !ok {
			continue
		}
		if st.Subtask() == "" || st.Subtask() == subtask.String() {
			filtered = append(filtered, target)
		}
	}
	return filtered
}

// statesUtterances resolves each transition to a single formulation,
// keeping the previously shown one for continuity when it still
// matches, otherwise picking uniformly at random.
func (e *Engine) statesUtterances(ctx context.Context, cat *dialogue.Catalog, stateNames []string, wizardID string) []events.Choice {
	var choices []events.Choice
	for _, name := range stateNames {
		st, ok := cat.Get(name)
		if !ok || len(st.Formulations()) == 0 || st.Formulations()[0] == name {
			slog.Warn("cannot get state utterances", slog.String("state", name))
			continue
		}

		formulation := e.lastStateFormulation(ctx, wizardID, st)
		if formulation == "" {
			formulation = st.Formulations()[e.rng.IntN(len(st.Formulations()))]
		}
		choices = append(choices, events.Choice{
			Utterance: formulation,
			StateName: name,
		})
	}
	return choices
}

// lastStateFormulation finds the formulation previously shown for a
// state, but only if the dialogue state has not changed since the last
// menu was offered. Slot substitutions made at display time are
// reconciled through the wildcard matcher.
func (e *Engine) lastStateFormulation(ctx context.Context, wizardID string, st *dialogue.State) string {
	logs, err := e.store.UserEvents(ctx, wizardID, string(events.ChoicesOffered), true)
	if err != nil || len(logs) == 0 {
		return ""
	}
	current, err := e.userDialogueState(ctx, wizardID)
	if err != nil || logs[0].Data["current_state"] != current {
		return ""
	}

	for _, shown := range choicesFromPayload(logs[0].Data["possible_utterances"]) {
		if shown.StateName != st.Name() {
			continue
		}
		for _, formulation := range st.Formulations() {
			if dialogue.MatchesFormulation(shown.Utterance, formulation) {
				return formulation
			}
		}
	}
	return ""
}

// userDialogueState returns the wizard's current dialogue state as
// recorded in the durable log.
func (e *Engine) userDialogueState(ctx context.Context, wizardID string) (string, error) {
	logs, err := e.store.UserEvents(ctx, wizardID, string(events.StateChanged), true)
	if err != nil {
		return "", err
	}
	if len(logs) == 0 {
		return "", fmt.Errorf("no state changes recorded for user %q", wizardID)
	}
	current, _ := logs[0].Data["current_state"].(string)
	return current, nil
}

// backfillUtterances walks backward through the visited-state history
// (most recent excluded, it already failed to yield transitions) and
// returns the first visited state's still-unused, subtask-eligible
// transitions.
func (e *Engine) backfillUtterances(ctx context.Context, cat *dialogue.Catalog, rt *Runtime) ([]events.Choice, error) {
	userStates, err := e.store.UserStates(ctx, rt.WizardID())
	if err != nil {
		return nil, fmt.Errorf("load state history: %w", err)
	}
	if len(userStates) == 0 {
		return nil, nil
	}

	current := userStates[0]
	for _, visited := range userStates[1:] {
		st, ok := cat.Get(visited.CurrentState)
		if !ok {
			continue
		}
		transitions := e.filterBySubtask(cat, st.Transitions(), rt.CurrentSubtask())
		choices := e.statesUtterances(ctx, cat, transitions, rt.WizardID())
		choices, err = e.filterUsed(ctx, rt.WizardID(), choices)
		if err != nil {
			return nil, err
		}
		if len(choices) > 0 {
			stateNames := make([]string, len(choices))
			for i, c := range choices {
				stateNames[i] = c.StateName
			}
			slog.Debug("adding extra utterances",
				slog.String("at_state", current.CurrentState),
				slog.Any("states", stateNames))
			return choices, nil
		}
	}
	return nil, nil
}

// filterUsed drops choices whose target state the wizard has already
// visited.
func (e *Engine) filterUsed(ctx context.Context, wizardID string, choices []events.Choice) ([]events.Choice, error) {
	var filtered []events.Choice
	for _, c := range choices {
		used, err := e.store.StateUsed(ctx, wizardID, c.StateName)
		if err != nil {
			return nil, err
		}
		if !used {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

// dedupByState keeps the first occurrence of each target state.
func dedupByState(choices []events.Choice) []events.Choice {
	seen := make(map[string]bool, len(choices))
	out := choices[:0]
	for _, c := range choices {
		if seen[c.StateName] {
			continue
		}
		seen[c.StateName] = true
		out = append(out, c)
	}
	return out
}

// postProcess trims whitespace and upper-cases only the first rune;
// full-casing would mangle names inside the utterance.
func postProcess(choices []events.Choice) []events.Choice {
	for i := range choices {
		u := strings.TrimSpace(choices[i].Utterance)
		if u != "" {
			r := []rune(u)
			r[0] = []rune(strings.ToUpper(string(r[0])))[0]
			u = string(r)
		}
		choices[i].Utterance = u
	}
	return choices
}

// choicesPayload renders choices as log payload maps.
func choicesPayload(choices []events.Choice) []map[string]any {
	out := make([]map[string]any, len(choices))
	for i, c := range choices {
		out[i] = map[string]any{
			"utterance":  c.Utterance,
			"state_name": c.StateName,
		}
	}
	return out
}

// choicesFromPayload decodes a logged possible_utterances value, which
// may be the in-memory slice or the JSONB round-tripped form.
func choicesFromPayload(v any) []events.Choice {
	if choices, ok := v.([]events.Choice); ok {
		return choices
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var choices []events.Choice
	if err := json.Unmarshal(raw, &choices); err != nil {
		return nil
	}
	return choices
}
