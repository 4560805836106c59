package wizard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/crwiz/crwiz/pkg/events"
	"github.com/crwiz/crwiz/pkg/store"
)

const (
	// DefaultMissionDuration is how long a task runs once started.
	DefaultMissionDuration = 6 * time.Minute

	// DefaultTokenGrace is the delay between a room closing and its
	// participants' login tokens being invalidated.
	DefaultTokenGrace = 5 * time.Minute

	// DefaultMinimumUserTurns is the total message count across all
	// participants required before the task may be finished. 14 is the
	// minimum to reach the final subtask, so 15 means at least one
	// extra message was sent.
	DefaultMinimumUserTurns = 15

	// Each subtask accounts for a 30%-wide band of progress.
	subtaskThreshold = 30

	progressIncrement = 0.015
	progressClamp     = 0.95
)

// Config carries the tunable session parameters. Zero values fall back
// to the defaults above.
type Config struct {
	MissionDuration  time.Duration
	TokenGrace       time.Duration
	MinimumUserTurns int
}

func (c Config) withDefaults() Config {
	if c.MissionDuration <= 0 {
		c.MissionDuration = DefaultMissionDuration
	}
	if c.TokenGrace <= 0 {
		c.TokenGrace = DefaultTokenGrace
	}
	if c.MinimumUserTurns <= 0 {
		c.MinimumUserTurns = DefaultMinimumUserTurns
	}
	return c
}

type participant struct {
	name       string
	utterances int
}

type subtaskEntry struct {
	subtask Subtask
	at      time.Time
}

// Runtime is the live per-room session state: timers, subtask stack,
// state history pointers, participant roster and progress estimate.
// It is a cache over the durable log, mutated only under its mutex by
// the manager serving a request or a firing timer.
type Runtime struct {
	mu sync.Mutex

	name     string
	wizardID string

	taskFinished bool
	startTime    time.Time
	endTime      time.Time

	subtaskStack  []subtaskEntry
	currentState  string
	previousState []string
	hint          *events.HintData
	progress      float64

	missionTimer Timer
	tokenTimer   Timer

	operatorID string
	users      map[string]*participant

	cfg     Config
	clock   Clock
	store   Store
	pub     Publisher
	timeout func(roomName string)
}

// NewRuntime creates the session state for a room, seeding the roster
// from the durable store. The timeout callback fires when the mission
// timer expires.
func NewRuntime(ctx context.Context, name, wizardID string, cfg Config, st Store, pub Publisher, clock Clock, timeout func(roomName string)) (*Runtime, error) {
	cfg = cfg.withDefaults()
	users, err := st.RoomUsers(ctx, name)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		name:     name,
		wizardID: wizardID,
		users:    make(map[string]*participant, len(users)),
		cfg:      cfg,
		clock:    clock,
		store:    st,
		pub:      pub,
		timeout:  timeout,
	}
	rt.endTime = clock.Now().Add(cfg.MissionDuration)
	for i := range users {
		rt.users[users[i].ID] = &participant{name: users[i].Name}
	}
	return rt, nil
}

// Name returns the room name.
func (r *Runtime) Name() string { return r.name }

// WizardID returns the id of the wizard driving this room.
func (r *Runtime) WizardID() string { return r.wizardID }

func (r *Runtime) lock()   { r.mu.Lock() }
func (r *Runtime) unlock() { r.mu.Unlock() }

// CurrentState returns the current dialogue state name.
func (r *Runtime) CurrentState() string { return r.currentState }

// setCurrentState pushes the prior state onto the history stack and,
// only on an actual change, re-evaluates progress and clears the
// cached hint.
func (r *Runtime) setCurrentState(name string) {
	r.previousState = append(r.previousState, r.currentState)
	r.currentState = name
	if r.PreviousState() != r.currentState {
		r.checkStateForMilestones(r.currentState)
		r.hint = nil
	}
}

// PreviousState returns the most recently visited state, or "".
func (r *Runtime) PreviousState() string {
	if n := len(r.previousState); n > 0 {
		return r.previousState[n-1]
	}
	return ""
}

// StateCount returns how many states have been passed so far,
// used to detect state revisits.
func (r *Runtime) StateCount() int { return len(r.previousState) + 1 }

// CurrentSubtask returns the top of the subtask stack.
func (r *Runtime) CurrentSubtask() Subtask {
	if n := len(r.subtaskStack); n > 0 {
		return r.subtaskStack[n-1].subtask
	}
	return SubtaskStart
}

// AdvanceSubtask pushes the next phase. Advancing to the phase already
// on top is a no-op with a warning.
func (r *Runtime) AdvanceSubtask(ctx context.Context, next Subtask) {
	if next != r.CurrentSubtask() || len(r.subtaskStack) == 0 {
		r.subtaskStack = append(r.subtaskStack, subtaskEntry{subtask: next, at: r.clock.Now()})
		r.LogUserEvent(ctx, events.SubtaskAdvanced, map[string]any{
			"current_subtask": r.CurrentSubtask().String(),
		}, "")
	} else {
		slog.Warn("trying to advance to the same subtask",
			slog.String("room", r.name), slog.String("subtask", next.String()))
	}
}

// RemainingSeconds returns the seconds left on the mission clock, or
// the full mission duration if the timer is not armed yet.
func (r *Runtime) RemainingSeconds() int {
	if r.missionTimer == nil {
		return int(r.cfg.MissionDuration.Seconds())
	}
	secs := int(r.endTime.Sub(r.clock.Now()).Seconds())
	if secs < 0 {
		return 0
	}
	return secs
}

// ElapsedSeconds returns the seconds since the task started, 0 before.
func (r *Runtime) ElapsedSeconds() int {
	if r.startTime.IsZero() {
		return 0
	}
	secs := int(r.clock.Now().Sub(r.startTime).Seconds())
	if secs < 0 {
		return 0
	}
	return secs
}

// Progress returns the current progress estimate in [0,1].
func (r *Runtime) Progress() float64 { return r.progress }

// checkStateForMilestones updates progress for a state change. The
// terminal state jumps to 1.0 and schedules mission end in 1 second so
// in-flight messages can land; any other change nudges progress by a
// fixed increment, held back at each 30%-wide band boundary and
// clamped at 0.95 until the terminal state.
func (r *Runtime) checkStateForMilestones(stateName string) {
	if stateName == TerminalState {
		r.progress = 1
		r.setEndTime(time.Second, true)
		return
	}
	if int((r.progress+progressIncrement*1.5)*100/subtaskThreshold) ==
		int(r.progress*100/subtaskThreshold) {
		r.progress += progressIncrement
	}
	if r.progress > progressClamp {
		r.progress = progressClamp
	}
}

// setEndTime moves the mission deadline and, when startTimer is set,
// re-arms the mission timer. Arming always cancels any previously
// armed timer first, so at most one is live per room.
func (r *Runtime) setEndTime(d time.Duration, startTimer bool) {
	if d <= 0 {
		return
	}
	r.endTime = r.clock.Now().Add(d)
	if !startTimer {
		return
	}
	if r.missionTimer != nil {
		r.missionTimer.Stop()
		slog.Debug("mission timer cancelled", slog.String("room", r.name))
	}
	room := r.name
	r.missionTimer = r.clock.AfterFunc(d+time.Second, func() {
		r.timeout(room)
	})
	slog.Debug("mission timer armed",
		slog.String("room", r.name), slog.Duration("in", d))
}

// StartTask records the mission start, logs the full roster, advances
// to the starting subtask and arms the mission timer.
func (r *Runtime) StartTask(ctx context.Context) {
	r.startTime = r.clock.Now()
	r.LogUserEvent(ctx, events.TaskStarted, map[string]any{
		"mission_start": r.startTime.Unix(),
		"users":         r.Users(),
	}, "")
	r.AdvanceSubtask(ctx, SubtaskStart)
	r.setEndTime(r.cfg.MissionDuration, true)
}

// Started reports whether the task has begun.
func (r *Runtime) Started() bool { return !r.startTime.IsZero() }

// StartTokenTimer arms the one-shot post-closure timer that frees the
// session and invalidates participant login tokens.
func (r *Runtime) StartTokenTimer(callback func(roomName string)) {
	room := r.name
	r.tokenTimer = r.clock.AfterFunc(r.cfg.TokenGrace, func() {
		callback(room)
	})
}

// CancelTimers cancels both timers unconditionally. Idempotent; called
// when the runtime is destroyed so no orphaned callback fires against
// a deleted room.
func (r *Runtime) CancelTimers() {
	if r.missionTimer != nil {
		r.missionTimer.Stop()
		r.missionTimer = nil
	}
	if r.tokenTimer != nil {
		r.tokenTimer.Stop()
		r.tokenTimer = nil
	}
}

// CanFinish reports whether the participants may end the task: total
// message count at least the minimum and the final subtask reached.
func (r *Runtime) CanFinish(ctx context.Context) bool {
	r.refreshUtterances(ctx)
	total := 0
	for _, p := range r.users {
		total += p.utterances
	}
	return total >= r.cfg.MinimumUserTurns && r.CurrentSubtask() == SubtaskFinal
}

// refreshUtterances merges fresh counts from the durable log. Counts
// are monotonic, so the max of cached and queried wins.
func (r *Runtime) refreshUtterances(ctx context.Context) {
	for userID, p := range r.users {
		count, err := r.store.CountUserMessages(ctx, userID)
		if err != nil {
			slog.Warn("cannot refresh utterance count",
				slog.String("user_id", userID), slog.String("error", err.Error()))
			continue
		}
		if count > p.utterances {
			p.utterances = count
		}
	}
}

// Users returns everyone in the room, bots included.
func (r *Runtime) Users() map[string]string {
	out := make(map[string]string, len(r.users))
	for id, p := range r.users {
		out[id] = p.name
	}
	return out
}

// Participants returns the human participants only.
func (r *Runtime) Participants() map[string]string {
	out := r.Users()
	for _, botID := range store.BotUserIDs {
		delete(out, botID)
	}
	return out
}

// OperatorID lazily resolves the operator: the other non-wizard
// participant in the room.
func (r *Runtime) OperatorID() string {
	if r.operatorID != "" {
		return r.operatorID
	}
	for id := range r.Participants() {
		if id != r.wizardID {
			r.operatorID = id
		}
	}
	if r.operatorID == "" {
		slog.Error("cannot find the operator", slog.String("room", r.name))
	}
	return r.operatorID
}

// EmitStatusUpdate publishes a status snapshot to the room. A non-empty
// source tag additionally writes the snapshot to the durable log.
func (r *Runtime) EmitStatusUpdate(ctx context.Context, source string) {
	data := events.StatusUpdateData{
		RemainingSeconds: r.RemainingSeconds(),
		CanFinishTask:    r.CanFinish(ctx),
		TaskProgress:     r.progress * 100,
		Users:            r.Users(),
		UserTurns:        false,
	}
	if r.startTime.IsZero() {
		data.OperatorWait = &events.OperatorWait{
			UserID: r.OperatorID(),
			Reason: "Wait for Fred to start the conversation",
		}
	} else {
		data.StartTime = r.startTime.Unix()
	}

	if source != "" {
		r.LogUserEvent(ctx, events.StatusUpdate, map[string]any{
			"start_time":        data.StartTime,
			"remaining_seconds": data.RemainingSeconds,
			"can_finish_task":   data.CanFinishTask,
			"task_progress":     data.TaskProgress,
			"users":             data.Users,
			"source":            source,
		}, "")
	}

	if err := r.pub.Emit(ctx, events.StatusUpdate, r.name, data); err != nil {
		slog.Warn("cannot publish status update",
			slog.String("room", r.name), slog.String("error", err.Error()))
	}
}

// LogUserEvent appends a room event to the durable log. Events default
// to the wizard's identity when userID is empty; the elapsed mission
// time is stamped into every payload.
func (r *Runtime) LogUserEvent(ctx context.Context, event events.EventType, data map[string]any, userID string) {
	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["seconds_since_start"] = r.ElapsedSeconds()
	if userID == "" {
		userID = r.wizardID
	}
	if _, err := r.store.AppendEvent(ctx, string(event), userID, r.name, payload); err != nil {
		slog.Error("cannot log room event",
			slog.String("room", r.name), slog.String("event", string(event)),
			slog.String("error", err.Error()))
	}
}

// InvalidateUserTokens marks every participant's login token invalid,
// so they cannot log in again once the room is gone.
func (r *Runtime) InvalidateUserTokens(ctx context.Context) {
	for userID := range r.Participants() {
		if err := r.store.SetUserTokenValidity(ctx, userID, false); err != nil {
			slog.Warn("cannot invalidate login token",
				slog.String("user_id", userID), slog.String("error", err.Error()))
		}
	}
}
