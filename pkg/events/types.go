package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event flowing through the system.
type EventType string

const (
	// Log-only events recorded in the durable history.
	ChoicesOffered      EventType = "fsa_get_state_transitions"
	StateChanged        EventType = "fsa_state_change"
	HintRequested       EventType = "fsa_request_task_hint"
	HintRequestedAgain  EventType = "fsa_request_task_hint_again"
	TaskStarted         EventType = "start_task"
	TaskEnded           EventType = "end_task"
	UserEndedTask       EventType = "user_end_task"
	DisconnectEndedTask EventType = "disconnect_end_task"
	SubtaskAdvanced     EventType = "advance_subtask"
	TokenGenerated      EventType = "generate_game_token"
	ActionTriggered     EventType = "perform_action_triggered"
	ActionResponded     EventType = "perform_action_response"
	PostTaskAnalysis    EventType = "post_task_analysis"
	TextMessage         EventType = "text_message"

	// Events pushed to room subscribers.
	StatusUpdate    EventType = "status_update"
	DialogueChoices EventType = "dialogue_choices"
	CloseRoom       EventType = "close_room"
	PerformAction   EventType = "perform_action"
	UserFinishTask  EventType = "user_finish_task"
)

// Envelope is the standard event wrapper published to room subscribers.
type Envelope struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Source    string            `json:"source"`
	RoomName  string            `json:"room_name"`
	Timestamp time.Time         `json:"timestamp"`
	Data      json.RawMessage   `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Choice is one selectable utterance offered to the wizard.
type Choice struct {
	Utterance string `json:"utterance"`
	StateName string `json:"state_name"`
}

// ChoiceSelection is the menu of next-move choices for the wizard.
type ChoiceSelection struct {
	AllowFreeText        bool     `json:"allow_free_text"`
	ShowStaticUtterances bool     `json:"show_static_utterances"`
	Elements             []Choice `json:"elements"`
}

// DialogueChoicesData is the payload for dialogue_choices events.
type DialogueChoicesData struct {
	RoomName        string          `json:"room_name"`
	ChoiceSelection ChoiceSelection `json:"choice_selection"`
}

// OperatorWait tells the operator to hold until the wizard speaks.
type OperatorWait struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// StatusUpdateData is the payload for status_update events.
type StatusUpdateData struct {
	StartTime        int64             `json:"start_time,omitempty"`
	RemainingSeconds int               `json:"remaining_seconds"`
	CanFinishTask    bool              `json:"can_finish_task"`
	TaskProgress     float64           `json:"task_progress"`
	Users            map[string]string `json:"users"`
	UserTurns        bool              `json:"user_turns"`
	OperatorWait     *OperatorWait     `json:"operator_wait,omitempty"`
}

// Participant carries the completion token handed out at task close.
type Participant struct {
	Name            string `json:"name"`
	CompletionToken string `json:"game_token"`
}

// CloseRoomData is the payload for close_room events.
type CloseRoomData struct {
	RoomName     string                 `json:"room_name"`
	Reason       string                 `json:"reason"`
	Participants map[string]Participant `json:"participants"`
}

// ActionPromptData is the payload for perform_action events.
type ActionPromptData struct {
	ActionName       string `json:"action_name"`
	Title            string `json:"title"`
	Body             string `json:"body,omitempty"`
	ConfirmBtn       string `json:"confirmBtn"`
	CancelBtn        string `json:"cancelBtn"`
	FrontendCallback string `json:"frontend_callback,omitempty"`
}

// HintData is the payload returned for a task hint: the suggested
// transition target and the probability it was drawn with.
type HintData struct {
	UtteranceID string  `json:"utterance_id"`
	Probability float64 `json:"probability"`
}

// UserFinishTaskData is the payload for user_finish_task events.
type UserFinishTaskData struct {
	UserID       string            `json:"user_id"`
	RoomName     string            `json:"room_name"`
	Participants map[string]string `json:"participants"`
}
