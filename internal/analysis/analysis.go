// Package analysis builds the post-task summary logged when a room
// closes: mission timings, per-subtask breakdowns, participant message
// statistics and a compact dialogue transcript.
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/crwiz/crwiz/pkg/events"
	"github.com/crwiz/crwiz/pkg/store"
)

const helperBotID = "2"

var subtaskNames = []string{"inspect", "extinguish", "assess_damage"}

// Store is the slice of the repository the analyzer reads from.
type Store interface {
	AppendEvent(ctx context.Context, event, userID, roomID string, payload map[string]any) (*store.EventLog, error)
	UserEvents(ctx context.Context, userID, event string, orderDesc bool) ([]store.EventLog, error)
	RoomEvents(ctx context.Context, roomID, event string, orderDesc bool) ([]store.EventLog, error)
	RoomUserMessagesSince(ctx context.Context, roomID, minLogID string) ([]store.EventLog, error)
	RoomUsers(ctx context.Context, roomName string) ([]store.User, error)
	GetUser(ctx context.Context, id string) (*store.User, error)
}

// Analyzer summarizes finished rooms into the durable log.
type Analyzer struct {
	store Store
}

// New creates an analyzer.
func New(st Store) *Analyzer {
	return &Analyzer{store: st}
}

// Analyze computes the post-task summary for a room and appends it as
// a single log record attributed to the helper bot. Failures are
// logged, never propagated: analysis must not block a room close.
func (a *Analyzer) Analyze(ctx context.Context, roomName string) {
	data, err := a.summarize(ctx, roomName)
	if err != nil {
		slog.Warn("post-task analysis failed",
			slog.String("room", roomName), slog.String("error", err.Error()))
		return
	}
	if _, err := a.store.AppendEvent(ctx, string(events.PostTaskAnalysis), helperBotID, roomName, data); err != nil {
		slog.Warn("cannot log post-task analysis",
			slog.String("room", roomName), slog.String("error", err.Error()))
	}
}

func (a *Analyzer) summarize(ctx context.Context, roomName string) (map[string]any, error) {
	startLogs, err := a.store.RoomEvents(ctx, roomName, string(events.TaskStarted), true)
	if err != nil {
		return nil, err
	}
	endLogs, err := a.store.RoomEvents(ctx, roomName, string(events.TaskEnded), true)
	if err != nil {
		return nil, err
	}
	users, err := a.store.RoomUsers(ctx, roomName)
	if err != nil {
		return nil, err
	}

	humans := make([]store.User, 0, len(users))
	for _, u := range users {
		if !u.IsBot() {
			humans = append(humans, u)
		}
	}
	if len(startLogs) == 0 && len(endLogs) == 0 && len(humans) == 0 {
		return nil, fmt.Errorf("room %q has no task history", roomName)
	}

	data := map[string]any{
		"mission_end_reason": endReason(endLogs),
	}
	if len(startLogs) > 0 {
		data["mission_start_time"] = startLogs[0].CreatedAt.Unix()
	}
	if len(endLogs) > 0 {
		data["mission_end_time"] = endLogs[0].CreatedAt.Unix()
	}
	if len(startLogs) > 0 && len(endLogs) > 0 {
		data["mission_elapsed_time"] = endLogs[0].CreatedAt.Sub(startLogs[0].CreatedAt).Seconds()
	}

	for _, name := range subtaskNames {
		info, err := a.subtaskInformation(ctx, roomName, name, endLogs)
		if err != nil {
			return nil, err
		}
		data["subtask_"+name] = info
	}

	for _, u := range humans {
		info, err := a.userMessageInformation(ctx, u)
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(u.Name) {
		case "fred":
			data["participant_wizard"] = info
		case "operator":
			data["participant_operator"] = info
		default:
			data["participant_"+strings.ToLower(u.Name)] = info
		}
	}

	subtaskLogs, err := a.store.RoomEvents(ctx, roomName, string(events.SubtaskAdvanced), true)
	if err != nil {
		return nil, err
	}
	missionSubtask := subtaskNames[0]
	if len(subtaskLogs) > 0 {
		if s, ok := subtaskLogs[0].Data["current_subtask"].(string); ok {
			missionSubtask = s
		}
	}
	data["mission_subtask"] = missionSubtask
	data["mission_successful"] = missionSubtask == subtaskNames[len(subtaskNames)-1]

	summary, err := a.dialogueSummary(ctx, roomName)
	if err != nil {
		return nil, err
	}
	data["dialogue_summary"] = summary

	return data, nil
}

func endReason(endLogs []store.EventLog) map[string]any {
	reason := map[string]any{"id": "", "description": ""}
	if len(endLogs) > 0 {
		reason["id"] = endLogs[0].Data["reason_id"]
		reason["description"] = endLogs[0].Data["reason"]
	}
	return reason
}

// subtaskInformation finds the subtask's start and end markers in the
// milestone log and counts the human messages in between.
func (a *Analyzer) subtaskInformation(ctx context.Context, roomName, subtaskName string, endLogs []store.EventLog) (map[string]any, error) {
	subtaskLogs, err := a.store.RoomEvents(ctx, roomName, string(events.SubtaskAdvanced), false)
	if err != nil {
		return nil, err
	}

	var start, end *store.EventLog
	for i := range subtaskLogs {
		if subtaskLogs[i].Data["current_subtask"] == subtaskName {
			start = &subtaskLogs[i]
		} else if start != nil {
			end = &subtaskLogs[i]
			break
		}
	}
	if start == nil {
		return map[string]any{}, nil
	}
	if end == nil {
		if len(endLogs) > 0 {
			end = &endLogs[0]
		} else {
			end = start
		}
	}

	messages, err := a.store.RoomUserMessagesSince(ctx, roomName, start.ID)
	if err != nil {
		return nil, err
	}
	wizardTurns, operatorTurns := 0, 0
	for _, msg := range messages {
		if msg.ID > end.ID {
			continue
		}
		u, err := a.store.GetUser(ctx, msg.UserID)
		if err != nil {
			continue
		}
		switch strings.ToLower(u.Name) {
		case "fred":
			wizardTurns++
		case "operator":
			operatorTurns++
		}
	}
	// the opening message initiates the inspect subtask rather than
	// counting toward it
	if subtaskName == subtaskNames[0] {
		wizardTurns++
	}

	return map[string]any{
		"subtask_elapsed_time": secondsSince(end.Data) - secondsSince(start.Data),
		"subtask_start_time": map[string]any{
			"timestamp":           start.CreatedAt.Unix(),
			"seconds_since_start": secondsSince(start.Data),
		},
		"subtask_end_time": map[string]any{
			"timestamp":           end.CreatedAt.Unix(),
			"seconds_since_start": secondsSince(end.Data),
		},
		"messages": map[string]any{
			"wizard_turns":   wizardTurns,
			"operator_turns": operatorTurns,
		},
	}, nil
}

func (a *Analyzer) userMessageInformation(ctx context.Context, u store.User) (map[string]any, error) {
	messages, err := a.store.UserEvents(ctx, u.ID, string(events.TextMessage), false)
	if err != nil {
		return nil, err
	}

	totalWords := 0
	for _, msg := range messages {
		if text, ok := msg.Data["message"].(string); ok {
			totalWords += len(strings.Fields(text))
		}
	}

	data := map[string]any{
		"user_id":     u.ID,
		"game_token":  u.CompletionToken,
		"total_turns": len(messages),
		"total_words": totalWords,
	}
	if len(messages) > 0 {
		data["mean_words_per_turn"] = float64(totalWords) / float64(len(messages))
		data["first_message"] = messageInfo(messages[0])
		data["last_message"] = messageInfo(messages[len(messages)-1])
	} else {
		data["mean_words_per_turn"] = 0.0
	}

	disconnects, err := a.store.UserEvents(ctx, helperBotID, string(events.DisconnectEndedTask), true)
	if err != nil {
		return nil, err
	}
	data["disconnected"] = len(disconnects) > 0 &&
		disconnects[0].Data["disconnected_user_id"] == u.ID

	return data, nil
}

func messageInfo(msg store.EventLog) map[string]any {
	return map[string]any{
		"timestamp":           msg.CreatedAt.Unix(),
		"seconds_since_start": secondsSince(msg.Data),
		"message":             msg.Data["message"],
		"message_log_id":      msg.ID,
	}
}

// dialogueSummary renders the room's transcript keyed by time, speaker
// prefix and log id so entries stay unique and ordered.
func (a *Analyzer) dialogueSummary(ctx context.Context, roomName string) (map[string]any, error) {
	messages, err := a.store.RoomUserMessagesSince(ctx, roomName, "")
	if err != nil {
		return nil, err
	}

	dialogue := make(map[string]any, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		name := msg.UserID
		if u, err := a.store.GetUser(ctx, msg.UserID); err == nil {
			name = u.Name
		}
		if len(name) > 4 {
			name = name[:4]
		}
		key := fmt.Sprintf("%s_%s_%s", msg.CreatedAt.Format("15:04:05"), name, msg.ID)
		dialogue[key] = msg.Data["message"]
	}
	return dialogue, nil
}

func secondsSince(data store.PayloadJSON) float64 {
	switch v := data["seconds_since_start"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
