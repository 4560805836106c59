// Package taskapi exposes the session manager over an authenticated
// JSON HTTP surface. Authorization happens in middleware; handlers
// trust the caller identity they are given.
package taskapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/crwiz/crwiz/pkg/wizard"
)

const maxRequestBodySize = 1 << 20 // 1 MiB

// Service is the slice of the session manager the API drives.
type Service interface {
	Choices(ctx context.Context, wizardID string) (*wizard.ChoicesResult, error)
	SubmitChoice(ctx context.Context, wizardID, stateName, text string) (*wizard.ChoicesResult, error)
	RequestHint(ctx context.Context, wizardID string) (*wizard.HintResult, error)
	FinishTask(ctx context.Context, userID, roomName string) error
	CloseOnDisconnect(ctx context.Context, roomName, disconnectedUserID string) error
	RoomFeedback(ctx context.Context, roomName string) error
	LogActionResponse(ctx context.Context, userID, actionName string, performed bool) error
	Rooms() []string
}

// Handler provides the REST endpoints for the task lifecycle.
type Handler struct {
	svc Service
}

// NewHandler creates a new task API handler.
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers all task API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/wizard/choices", h.Choices)
	mux.HandleFunc("POST /api/v1/wizard/choice", h.SubmitChoice)
	mux.HandleFunc("POST /api/v1/wizard/hint", h.Hint)
	mux.HandleFunc("POST /api/v1/wizard/action-response", h.ActionResponse)
	mux.HandleFunc("POST /api/v1/task/finish", h.Finish)
	mux.HandleFunc("POST /api/v1/task/disconnected", h.Disconnected)
	mux.HandleFunc("POST /api/v1/task/feedback", h.Feedback)
	mux.HandleFunc("GET /api/v1/task/rooms", h.Rooms)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Reason: msg})
}

// writeDomainError maps the manager's error taxonomy onto status
// codes: not-found and invalid input are structured 400 rejections,
// anything else is a 500.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, wizard.ErrRoomNotFound),
		errors.Is(err, wizard.ErrUserNotFound),
		errors.Is(err, wizard.ErrInvalidState),
		errors.Is(err, wizard.ErrEmptyText),
		errors.Is(err, wizard.ErrCannotFinish),
		errors.Is(err, wizard.ErrNoChoices):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// Choices handles GET /api/v1/wizard/choices
func (h *Handler) Choices(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	result, err := h.svc.Choices(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if result.AlreadyFinished {
		writeJSON(w, http.StatusOK, ChoicesResponse{Reason: result.Reason})
		return
	}
	writeJSON(w, http.StatusOK, ChoicesResponse{ChoiceSelection: &result.Selection})
}

// SubmitChoice handles POST /api/v1/wizard/choice
func (h *Handler) SubmitChoice(w http.ResponseWriter, r *http.Request) {
	var req SubmitChoiceRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	result, err := h.svc.SubmitChoice(r.Context(), req.UserID, req.StateName, req.Text)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if result.AlreadyFinished {
		writeJSON(w, http.StatusOK, ChoicesResponse{Reason: result.Reason})
		return
	}
	writeJSON(w, http.StatusOK, ResultResponse{Result: true})
}

// Hint handles POST /api/v1/wizard/hint
func (h *Handler) Hint(w http.ResponseWriter, r *http.Request) {
	var req HintRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	result, err := h.svc.RequestHint(r.Context(), req.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HintResponse{
		UtteranceID: result.Hint.UtteranceID,
		Probability: result.Hint.Probability,
	})
}

// Finish handles POST /api/v1/task/finish
func (h *Handler) Finish(w http.ResponseWriter, r *http.Request) {
	var req FinishTaskRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.RoomName == "" {
		writeError(w, http.StatusBadRequest, "user_id and room_name are required")
		return
	}

	if err := h.svc.FinishTask(r.Context(), req.UserID, req.RoomName); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResultResponse{Result: true})
}

// Disconnected handles POST /api/v1/task/disconnected
func (h *Handler) Disconnected(w http.ResponseWriter, r *http.Request) {
	var req DisconnectRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RoomName == "" {
		writeError(w, http.StatusBadRequest, "room_name is required")
		return
	}

	if err := h.svc.CloseOnDisconnect(r.Context(), req.RoomName, req.DisconnectedUserID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResultResponse{Result: true})
}

// Feedback handles POST /api/v1/task/feedback
func (h *Handler) Feedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RoomName == "" {
		writeError(w, http.StatusBadRequest, "room_name is required")
		return
	}

	if err := h.svc.RoomFeedback(r.Context(), req.RoomName); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResultResponse{Result: true})
}

// Rooms handles GET /api/v1/task/rooms
func (h *Handler) Rooms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, RoomsResponse{Rooms: h.svc.Rooms()})
}

// ActionResponse handles POST /api/v1/wizard/action-response
func (h *Handler) ActionResponse(w http.ResponseWriter, r *http.Request) {
	var req ActionResponseRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.ActionName == "" {
		writeError(w, http.StatusBadRequest, "user_id and action_name are required")
		return
	}

	if err := h.svc.LogActionResponse(r.Context(), req.UserID, req.ActionName, req.ActionPerformed); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResultResponse{Result: true})
}
