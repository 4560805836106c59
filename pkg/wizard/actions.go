package wizard

import (
	"context"
	"fmt"

	"github.com/crwiz/crwiz/pkg/events"
)

// ActionTrigger is the policy deciding when a state's out-of-band
// action fires.
type ActionTrigger int

const (
	// TriggerNone fires unconditionally when evaluated.
	TriggerNone ActionTrigger = iota + 1
	// TriggerOnStateChange fires as soon as the state is entered.
	TriggerOnStateChange
	// TriggerOnOperatorMessage fires once the operator has sent a
	// message while on the state.
	TriggerOnOperatorMessage
)

func (t ActionTrigger) String() string {
	switch t {
	case TriggerNone:
		return "no_trigger"
	case TriggerOnStateChange:
		return "on_state_change"
	case TriggerOnOperatorMessage:
		return "on_operator_message"
	}
	return "unknown"
}

// Action is an out-of-band prompt shown to the wizard alongside the
// choice menu, e.g. a confirmation popup. It is a side channel, not a
// state-machine transition.
type Action struct {
	Trigger          ActionTrigger
	Name             string
	Title            string
	Body             string
	ConfirmBtn       string
	CancelBtn        string
	FrontendCallback string
}

var stateActions = map[string]Action{
	"trigger_popup": {
		Trigger:    TriggerOnOperatorMessage,
		Name:       "trigger_popup",
		Title:      "Example Pop-up",
		ConfirmBtn: "Do something",
		CancelBtn:  "Cancel",
	},
}

// StateAction returns the action attached to a dialogue state, if any.
func StateAction(stateName string) (Action, bool) {
	action, ok := stateActions[stateName]
	return action, ok
}

// triggerAction evaluates the current state's action policy and, when
// it fires, publishes the prompt and logs the trigger.
func (e *Engine) triggerAction(ctx context.Context, rt *Runtime) error {
	action, ok := StateAction(rt.CurrentState())
	if !ok {
		return nil
	}

	fire, err := e.shouldTriggerAction(ctx, rt, action)
	if err != nil || !fire {
		return err
	}

	if err := e.pub.Emit(ctx, events.PerformAction, rt.Name(), events.ActionPromptData{
		ActionName:       action.Name,
		Title:            action.Title,
		Body:             action.Body,
		ConfirmBtn:       action.ConfirmBtn,
		CancelBtn:        action.CancelBtn,
		FrontendCallback: action.FrontendCallback,
	}); err != nil {
		return fmt.Errorf("publish action prompt: %w", err)
	}

	rt.LogUserEvent(ctx, events.ActionTriggered, map[string]any{
		"action_name": action.Name,
		"state_name":  rt.CurrentState(),
		"state_count": rt.StateCount(),
		"trigger":     action.Trigger.String(),
		"callback":    action.FrontendCallback,
	}, "")
	return nil
}

// shouldTriggerAction applies the trigger policy: state-entry policies
// always fire; the operator-message policy requires the action not to
// have already fired for this state visit, and at least one operator
// message logged strictly after the state was entered.
func (e *Engine) shouldTriggerAction(ctx context.Context, rt *Runtime, action Action) (bool, error) {
	switch action.Trigger {
	case TriggerNone, TriggerOnStateChange:
		return true, nil
	case TriggerOnOperatorMessage:
	default:
		return false, nil
	}

	triggered, err := e.store.UserEvents(ctx, rt.WizardID(), string(events.ActionTriggered), true)
	if err != nil {
		return false, err
	}
	if len(triggered) > 0 {
		last := triggered[0].Data
		sameVisit := payloadInt(last["state_count"]) == rt.StateCount() ||
			rt.CurrentState() == rt.PreviousState()
		if last["action_name"] == action.Name && sameVisit &&
			last["state_name"] == rt.CurrentState() {
			// already fired for this visit
			return false, nil
		}
	}

	entryLogID, err := e.stateEntryLogID(ctx, rt.WizardID(), rt.CurrentState())
	if err != nil {
		return false, err
	}

	messages, err := e.store.RoomUserMessagesSince(ctx, rt.Name(), entryLogID)
	if err != nil {
		return false, err
	}
	operatorID := rt.OperatorID()
	for _, msg := range messages {
		if msg.Data["message"] != nil && msg.UserID == operatorID {
			return true, nil
		}
	}
	return false, nil
}

// stateEntryLogID finds the log id of the most recent state-change
// record entering the given state.
func (e *Engine) stateEntryLogID(ctx context.Context, wizardID, stateName string) (string, error) {
	logs, err := e.store.UserEvents(ctx, wizardID, string(events.StateChanged), true)
	if err != nil {
		return "", err
	}
	for _, rec := range logs {
		if rec.Data["current_state"] == stateName {
			return rec.ID, nil
		}
	}
	return "", fmt.Errorf("no state change recorded for %q", stateName)
}

// payloadInt reads an int out of a JSONB round-tripped payload value.
func payloadInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
