package taskapi

import "github.com/crwiz/crwiz/pkg/events"

// ErrorResponse is the structured rejection body.
type ErrorResponse struct {
	Reason string `json:"reason"`
}

// ChoicesResponse carries the wizard's current dialogue options. When
// the task already finished only the reason is set; that is a benign
// condition, not an error.
type ChoicesResponse struct {
	Reason          string                  `json:"reason,omitempty"`
	ChoiceSelection *events.ChoiceSelection `json:"choice_selection,omitempty"`
}

// SubmitChoiceRequest is the body for POST /api/v1/wizard/choice.
type SubmitChoiceRequest struct {
	UserID    string `json:"user_id"`
	StateName string `json:"state_name"`
	Text      string `json:"text"`
}

// HintRequest is the body for POST /api/v1/wizard/hint.
type HintRequest struct {
	UserID string `json:"user_id"`
}

// HintResponse returns the suggested transition and the probability it
// was drawn with (0 when the uniform fallback was used).
type HintResponse struct {
	UtteranceID string  `json:"utterance_id"`
	Probability float64 `json:"probability"`
}

// FinishTaskRequest is the body for POST /api/v1/task/finish.
type FinishTaskRequest struct {
	UserID   string `json:"user_id"`
	RoomName string `json:"room_name"`
}

// DisconnectRequest is the body for POST /api/v1/task/disconnected.
type DisconnectRequest struct {
	RoomName           string `json:"room_name"`
	DisconnectedUserID string `json:"disconnected_user_id"`
}

// FeedbackRequest is the body for POST /api/v1/task/feedback.
type FeedbackRequest struct {
	RoomName string `json:"room_name"`
}

// ActionResponseRequest is the body for POST /api/v1/wizard/action-response.
type ActionResponseRequest struct {
	UserID          string `json:"user_id"`
	ActionName      string `json:"action_name"`
	ActionPerformed bool   `json:"action_performed"`
}

// RoomsResponse lists the live task rooms.
type RoomsResponse struct {
	Rooms []string `json:"rooms"`
}

// ResultResponse acknowledges an accepted request.
type ResultResponse struct {
	Result bool `json:"result"`
}
