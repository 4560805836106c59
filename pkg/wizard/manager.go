package wizard

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/crwiz/crwiz/pkg/events"
	"github.com/crwiz/crwiz/pkg/token"
)

// Close reason identifiers handed to the helper bot alongside the
// close-room broadcast.
const (
	ReasonDialogueCompleted = "dialogue_completed"
	ReasonTimeOut           = "time_out"
	ReasonUserTriggered     = "user_triggered"
	ReasonUserDisconnected  = "user_disconnected"
	ReasonUnspecified       = "unspecified"
)

const alreadyFinishedReason = "Room task has already finished"

// ChoicesResult is the outcome of a choice-menu request. A finished
// session is a benign terminal condition, not an error.
type ChoicesResult struct {
	AlreadyFinished bool
	Reason          string
	Selection       events.ChoiceSelection
}

// HintResult pairs a hint with the menu it was validated against.
type HintResult struct {
	Hint      events.HintData
	Selection events.ChoiceSelection
}

// CloseOptions tunes how a session is closed. Zero values fall through
// to the reason priority rules.
type CloseOptions struct {
	UserTriggered bool
	Reason        string
	ReasonID      string
}

// Analyzer produces the post-task summary when a room closes.
type Analyzer interface {
	Analyze(ctx context.Context, roomName string)
}

// Manager owns the live sessions, keyed by room name, and is the only
// entry point external callers use. It guarantees at most one live
// runtime per room and serializes each room's requests against its
// timers through the runtime mutex.
type Manager struct {
	mu    sync.Mutex
	rooms map[string]*Runtime

	engine   *Engine
	store    Store
	pub      Publisher
	clock    Clock
	cfg      Config
	analyzer Analyzer
}

// NewManager creates a session manager. The analyzer may be nil.
func NewManager(engine *Engine, st Store, pub Publisher, clock Clock, cfg Config, analyzer Analyzer) *Manager {
	return &Manager{
		rooms:    make(map[string]*Runtime),
		engine:   engine,
		store:    st,
		pub:      pub,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		analyzer: analyzer,
	}
}

// Choices returns the wizard's current dialogue options, lazily
// creating the session on first access, and publishes a status update.
func (m *Manager) Choices(ctx context.Context, wizardID string) (*ChoicesResult, error) {
	rt, created, err := m.resolveRuntime(ctx, wizardID)
	if err != nil {
		return nil, err
	}

	rt.lock()
	defer rt.unlock()

	if !created && rt.taskFinished {
		return &ChoicesResult{AlreadyFinished: true, Reason: alreadyFinishedReason}, nil
	}

	selection, err := m.engine.Choices(ctx, rt)
	if err != nil {
		return nil, err
	}
	rt.EmitStatusUpdate(ctx, "")
	return &ChoicesResult{Selection: selection}, nil
}

// SubmitChoice applies a dialogue choice made by the wizard. When the
// previous state was the initial one this marks the task's true
// beginning: the mission timer starts and the operator is allowed to
// send messages. The updated menu is always re-published to the room.
func (m *Manager) SubmitChoice(ctx context.Context, wizardID, stateName, text string) (*ChoicesResult, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	rt, _, err := m.resolveRuntime(ctx, wizardID)
	if err != nil {
		return nil, err
	}

	rt.lock()
	defer rt.unlock()

	if rt.taskFinished {
		return &ChoicesResult{AlreadyFinished: true, Reason: alreadyFinishedReason}, nil
	}

	if stateName != "" {
		if err := m.engine.SubmitChoice(ctx, rt, stateName, text); err != nil {
			return nil, err
		}
		if rt.PreviousState() == InitialState {
			m.startTask(ctx, rt)
		}
	}

	rt.EmitStatusUpdate(ctx, "")
	m.publishChoices(ctx, rt, nil)
	return &ChoicesResult{}, nil
}

// RequestHint computes (or replays) the hint for the wizard's current
// state and re-publishes the validated menu alongside it.
func (m *Manager) RequestHint(ctx context.Context, wizardID string) (*HintResult, error) {
	rt, _, err := m.resolveRuntime(ctx, wizardID)
	if err != nil {
		return nil, err
	}

	rt.lock()
	defer rt.unlock()

	hint, selection, err := m.engine.Hint(ctx, rt)
	if err != nil {
		return nil, err
	}
	m.publishChoices(ctx, rt, &selection)
	return &HintResult{Hint: hint, Selection: selection}, nil
}

// FinishTask ends a session at a participant's request. Rejected when
// the room is not yet eligible to finish.
func (m *Manager) FinishTask(ctx context.Context, userID, roomName string) error {
	rt := m.runtime(roomName)
	if rt == nil {
		return fmt.Errorf("%w: %q", ErrRoomNotFound, roomName)
	}

	rt.lock()
	if !rt.CanFinish(ctx) {
		rt.unlock()
		slog.Warn("task cannot finish yet", slog.String("room", roomName))
		return fmt.Errorf("%w: room %q", ErrCannotFinish, roomName)
	}

	if err := m.pub.Emit(ctx, events.UserFinishTask, roomName, events.UserFinishTaskData{
		UserID:       userID,
		RoomName:     roomName,
		Participants: rt.Participants(),
	}); err != nil {
		slog.Warn("cannot publish finish request",
			slog.String("room", roomName), slog.String("error", err.Error()))
	}
	rt.LogUserEvent(ctx, events.UserEndedTask, map[string]any{}, userID)

	m.closeLocked(ctx, rt, CloseOptions{UserTriggered: true})
	rt.unlock()
	return nil
}

// CloseOnDisconnect ends a session because a participant has been away
// for too long.
func (m *Manager) CloseOnDisconnect(ctx context.Context, roomName, disconnectedUserID string) error {
	rt := m.runtime(roomName)
	if rt == nil {
		return fmt.Errorf("%w: %q", ErrRoomNotFound, roomName)
	}

	rt.lock()
	rt.LogUserEvent(ctx, events.DisconnectEndedTask, map[string]any{
		"disconnected_user_id": disconnectedUserID,
	}, "2")
	m.closeLocked(ctx, rt, CloseOptions{
		ReasonID: ReasonUserDisconnected,
		Reason:   "Your partner has been away for too long, the game cannot continue.",
	})
	rt.unlock()
	return nil
}

// CloseRoom ends a session. Idempotent: a room with no live session or
// already finished is a no-op.
func (m *Manager) CloseRoom(ctx context.Context, roomName string, opts CloseOptions) {
	rt := m.runtime(roomName)
	if rt == nil {
		return
	}
	rt.lock()
	m.closeLocked(ctx, rt, opts)
	rt.unlock()
}

// RoomFeedback is the helper bot's confirmation that a closed room's
// logs are safely stored: the room goes read-only and the token timer
// starts, which will eventually dispose the session.
func (m *Manager) RoomFeedback(ctx context.Context, roomName string) error {
	rt := m.runtime(roomName)
	if rt == nil {
		return fmt.Errorf("%w: %q", ErrRoomNotFound, roomName)
	}

	if err := m.store.SetRoomReadOnly(ctx, roomName, true); err != nil {
		return fmt.Errorf("mark room read-only: %w", err)
	}

	rt.lock()
	rt.StartTokenTimer(func(room string) {
		m.Dispose(context.Background(), room)
	})
	rt.unlock()
	slog.Debug("finished closing room", slog.String("room", roomName))
	return nil
}

// LogActionResponse records whether the wizard performed a prompted
// action.
func (m *Manager) LogActionResponse(ctx context.Context, userID, actionName string, performed bool) error {
	room, err := m.store.UserTaskRoom(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: user %q", ErrUserNotFound, userID)
	}
	_, err = m.store.AppendEvent(ctx, string(events.ActionResponded), userID, room.Name, map[string]any{
		"action_name":      actionName,
		"action_performed": performed,
	})
	return err
}

// Dispose invalidates the participants' login tokens and frees the
// session. This is the only path that removes a runtime from the live
// map; it is normally the token timer's callback.
func (m *Manager) Dispose(ctx context.Context, roomName string) {
	m.mu.Lock()
	rt, ok := m.rooms[roomName]
	if ok {
		delete(m.rooms, roomName)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	rt.lock()
	rt.InvalidateUserTokens(ctx)
	rt.CancelTimers()
	rt.unlock()
	slog.Debug("room deleted from active sessions", slog.String("room", roomName))
}

// Shutdown cancels every live room's timers so no callback fires
// against a torn-down system.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rt := range m.rooms {
		rt.lock()
		rt.CancelTimers()
		rt.unlock()
	}
}

// Rooms returns the names of all live sessions, sorted.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.rooms))
	for name := range m.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// closeLocked implements the close lifecycle under the runtime lock:
// mark finished, publish a final status update, resolve the close
// reason, log it, hand out completion tokens and broadcast close_room.
func (m *Manager) closeLocked(ctx context.Context, rt *Runtime, opts CloseOptions) {
	if rt.taskFinished {
		return
	}
	rt.taskFinished = true
	if rt.missionTimer != nil {
		rt.missionTimer.Stop()
		rt.missionTimer = nil
	}
	slog.Info("closing active room", slog.String("room", rt.Name()))

	rt.EmitStatusUpdate(ctx, "")

	reason := opts.Reason
	reasonID := opts.ReasonID
	if reasonID == "" {
		switch {
		case rt.CurrentState() == TerminalState:
			reasonID = ReasonDialogueCompleted
		case opts.UserTriggered:
			reasonID = ReasonUserTriggered
		case rt.CurrentSubtask() != SubtaskFinal:
			reasonID = ReasonTimeOut
			reason = "Time out! The facility needs to evacuate immediately."
		default:
			reasonID = ReasonUnspecified
		}
	}

	// attributed to the helper bot, like the reason it relays
	rt.LogUserEvent(ctx, events.TaskEnded, map[string]any{
		"reason_id": reasonID,
		"reason":    reason,
	}, "2")

	participants := make(map[string]events.Participant)
	for userID, name := range rt.Participants() {
		if err := m.store.UpdateUserPermissions(ctx, userID, map[string]bool{"message_text": false}); err != nil {
			slog.Warn("cannot revoke message permission",
				slog.String("user_id", userID), slog.String("error", err.Error()))
		}

		completionToken, err := token.Generate()
		if err != nil {
			slog.Error("cannot issue completion token",
				slog.String("user_id", userID), slog.String("error", err.Error()))
			continue
		}
		if err := m.store.SetUserTaskFinished(ctx, userID, completionToken); err != nil {
			slog.Error("cannot mark task finished",
				slog.String("user_id", userID), slog.String("error", err.Error()))
			continue
		}

		slog.Debug("user has finished its task",
			slog.String("user_id", userID), slog.String("name", name))
		rt.LogUserEvent(ctx, events.TokenGenerated, map[string]any{
			"game_token": completionToken,
		}, userID)

		participants[userID] = events.Participant{Name: name, CompletionToken: completionToken}
	}

	if m.analyzer != nil {
		m.analyzer.Analyze(ctx, rt.Name())
	}

	if err := m.pub.Emit(ctx, events.CloseRoom, rt.Name(), events.CloseRoomData{
		RoomName:     rt.Name(),
		Reason:       reason,
		Participants: participants,
	}); err != nil {
		slog.Warn("cannot publish close room",
			slog.String("room", rt.Name()), slog.String("error", err.Error()))
	}
}

// missionTimeout is the mission timer's callback. A timer racing a
// disposed or already-finished room is absorbed as a no-op.
func (m *Manager) missionTimeout(roomName string) {
	ctx := context.Background()
	rt := m.runtime(roomName)
	if rt == nil {
		slog.Debug("mission timeout for disposed room", slog.String("room", roomName))
		return
	}
	slog.Info("timeout triggered for task", slog.String("room", roomName))
	rt.lock()
	m.closeLocked(ctx, rt, CloseOptions{})
	rt.unlock()
}

// startTask begins the mission and grants the operator permission to
// talk now that the wizard has sent the opening message.
func (m *Manager) startTask(ctx context.Context, rt *Runtime) {
	rt.StartTask(ctx)
	operatorID := rt.OperatorID()
	if operatorID == "" {
		return
	}
	if err := m.store.UpdateUserPermissions(ctx, operatorID, map[string]bool{"message_text": true}); err != nil {
		slog.Warn("cannot grant operator message permission",
			slog.String("user_id", operatorID), slog.String("error", err.Error()))
	}
}

// publishChoices pushes a dialogue_choices update to the room. A nil
// selection is recomputed first.
func (m *Manager) publishChoices(ctx context.Context, rt *Runtime, selection *events.ChoiceSelection) {
	if selection == nil {
		computed, err := m.engine.Choices(ctx, rt)
		if err != nil {
			slog.Warn("cannot compute dialogue choices",
				slog.String("room", rt.Name()), slog.String("error", err.Error()))
			return
		}
		selection = &computed
	}
	if err := m.pub.Emit(ctx, events.DialogueChoices, rt.Name(), events.DialogueChoicesData{
		RoomName:        rt.Name(),
		ChoiceSelection: *selection,
	}); err != nil {
		slog.Warn("cannot publish dialogue choices",
			slog.String("room", rt.Name()), slog.String("error", err.Error()))
	}
}

func (m *Manager) runtime(roomName string) *Runtime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[roomName]
}

// resolveRuntime finds the wizard's session, creating it on first
// access. Creation seeds the dialogue at the initial state. The
// created flag tells callers the finished check does not apply.
func (m *Manager) resolveRuntime(ctx context.Context, wizardID string) (*Runtime, bool, error) {
	roomName, err := m.roomNameFor(ctx, wizardID)
	if err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	rt, ok := m.rooms[roomName]
	m.mu.Unlock()
	if ok {
		return rt, false, nil
	}

	rt, err = NewRuntime(ctx, roomName, wizardID, m.cfg, m.store, m.pub, m.clock, m.missionTimeout)
	if err != nil {
		return nil, false, fmt.Errorf("create session for room %q: %w", roomName, err)
	}

	// Publication and seeding happen under the runtime lock: a
	// concurrent request for the same room blocks until the initial
	// state is set.
	rt.lock()
	m.mu.Lock()
	if existing, ok := m.rooms[roomName]; ok {
		// lost the race, keep the live one
		m.mu.Unlock()
		rt.unlock()
		return existing, false, nil
	}
	m.rooms[roomName] = rt
	m.mu.Unlock()

	err = m.engine.SubmitChoice(ctx, rt, InitialState, "")
	rt.unlock()
	if err != nil {
		m.mu.Lock()
		delete(m.rooms, roomName)
		m.mu.Unlock()
		return nil, false, fmt.Errorf("seed session for room %q: %w", roomName, err)
	}
	return rt, true, nil
}

// roomNameFor resolves the wizard's room: live sessions first, then
// the durable task-room assignment.
func (m *Manager) roomNameFor(ctx context.Context, wizardID string) (string, error) {
	m.mu.Lock()
	for name, rt := range m.rooms {
		if rt.WizardID() == wizardID {
			m.mu.Unlock()
			return name, nil
		}
	}
	m.mu.Unlock()

	room, err := m.store.UserTaskRoom(ctx, wizardID)
	if err != nil {
		slog.Error("cannot find room for user", slog.String("user_id", wizardID))
		return "", fmt.Errorf("%w: for user %q", ErrRoomNotFound, wizardID)
	}
	return room.Name, nil
}
