package wizard

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/crwiz/crwiz/pkg/dialogue"
	"github.com/crwiz/crwiz/pkg/events"
	"github.com/crwiz/crwiz/pkg/store"
)

// --- fake clock ---

type fakeTimer struct {
	clock    *fakeClock
	deadline time.Time
	f        func()
	stopped  bool
	fired    bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasLive := !t.stopped && !t.fired
	t.stopped = true
	return wasLive
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2020, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and fires every due, unstopped timer.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.deadline.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

// --- fake publisher ---

type emitted struct {
	eventType events.EventType
	roomName  string
	data      any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []emitted
}

func (p *fakePublisher) Emit(_ context.Context, eventType events.EventType, roomName string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, emitted{eventType: eventType, roomName: roomName, data: data})
	return nil
}

func (p *fakePublisher) byType(eventType events.EventType) []emitted {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []emitted
	for _, e := range p.events {
		if e.eventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// --- fake store ---

type fakeStore struct {
	mu          sync.Mutex
	nextID      int
	clock       *fakeClock
	logs        []store.EventLog
	transitions []store.StateTransition
	users       map[string]*store.User
	rooms       map[string]*store.Room
	perms       map[string]map[string]bool
	readOnly    map[string]bool
	finished    map[string]string
	validity    map[string]bool
}

func newFakeStore(clock *fakeClock) *fakeStore {
	return &fakeStore{
		clock:    clock,
		users:    make(map[string]*store.User),
		rooms:    make(map[string]*store.Room),
		perms:    make(map[string]map[string]bool),
		readOnly: make(map[string]bool),
		finished: make(map[string]string),
		validity: make(map[string]bool),
	}
}

func (s *fakeStore) addUser(id, name, roomName string) {
	u := &store.User{Name: name, RoomID: roomName, TaskRoomID: roomName}
	u.ID = id
	s.users[id] = u
	if _, ok := s.rooms[roomName]; !ok {
		r := &store.Room{Name: roomName}
		r.ID = roomName
		s.rooms[roomName] = r
	}
}

func (s *fakeStore) newID() string {
	s.nextID++
	return fmt.Sprintf("%08d", s.nextID)
}

func (s *fakeStore) AppendEvent(_ context.Context, event, userID, roomID string, payload map[string]any) (*store.EventLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := store.EventLog{
		Event:  event,
		UserID: userID,
		RoomID: roomID,
		Data:   store.PayloadJSON(payload),
	}
	rec.ID = s.newID()
	rec.CreatedAt = s.clock.Now()
	s.logs = append(s.logs, rec)
	return &rec, nil
}

func (s *fakeStore) addMessage(userID, roomName, text string) {
	_, _ = s.AppendEvent(context.Background(), string(events.TextMessage), userID, roomName,
		map[string]any{"message": text})
}

func (s *fakeStore) UserEvents(_ context.Context, userID, event string, orderDesc bool) ([]store.EventLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.EventLog
	for _, rec := range s.logs {
		if rec.UserID == userID && rec.Event == event {
			out = append(out, rec)
		}
	}
	if orderDesc {
		reverse(out)
	}
	return out, nil
}

func (s *fakeStore) RoomEvents(_ context.Context, roomID, event string, orderDesc bool) ([]store.EventLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.EventLog
	for _, rec := range s.logs {
		if rec.RoomID == roomID && rec.Event == event {
			out = append(out, rec)
		}
	}
	if orderDesc {
		reverse(out)
	}
	return out, nil
}

func (s *fakeStore) AppendStateTransition(_ context.Context, t *store.StateTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := *t
	rec.ID = s.newID()
	s.transitions = append(s.transitions, rec)
	return nil
}

func (s *fakeStore) UserStates(_ context.Context, userID string) ([]store.StateTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.StateTransition
	for _, t := range s.transitions {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *fakeStore) StateUsed(_ context.Context, userID, stateName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.transitions {
		if t.UserID == userID && t.CurrentState == stateName {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) CountUserMessages(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, rec := range s.logs {
		if rec.UserID == userID && rec.Event == string(events.TextMessage) {
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) RoomUserMessagesSince(_ context.Context, roomID, minLogID string) ([]store.EventLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bots := make(map[string]bool)
	for _, id := range store.BotUserIDs {
		bots[id] = true
	}
	var out []store.EventLog
	for _, rec := range s.logs {
		if rec.RoomID != roomID || rec.Event != string(events.TextMessage) || bots[rec.UserID] {
			continue
		}
		if minLogID != "" && rec.ID <= minLogID {
			continue
		}
		out = append(out, rec)
	}
	reverse(out)
	return out, nil
}

func (s *fakeStore) GetUser(_ context.Context, id string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %q not found", id)
	}
	return u, nil
}

func (s *fakeStore) RoomUsers(_ context.Context, roomName string) ([]store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, u := range s.users {
		if u.RoomID == roomName {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]store.User, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.users[id])
	}
	return out, nil
}

func (s *fakeStore) UserTaskRoom(_ context.Context, userID string) (*store.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok || u.TaskRoomID == "" {
		return nil, fmt.Errorf("task room for user %q not found", userID)
	}
	room, ok := s.rooms[u.TaskRoomID]
	if !ok {
		return nil, fmt.Errorf("room %q not found", u.TaskRoomID)
	}
	return room, nil
}

func (s *fakeStore) UpdateUserPermissions(_ context.Context, userID string, perms map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.perms[userID] == nil {
		s.perms[userID] = make(map[string]bool)
	}
	for k, v := range perms {
		s.perms[userID][k] = v
	}
	return nil
}

func (s *fakeStore) SetUserTaskFinished(_ context.Context, userID, completionToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished[userID] = completionToken
	return nil
}

func (s *fakeStore) SetUserTokenValidity(_ context.Context, userID string, valid bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validity[userID] = valid
	return nil
}

func (s *fakeStore) SetRoomReadOnly(_ context.Context, roomName string, readOnly bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readOnly[roomName] = readOnly
	return nil
}

func reverse(logs []store.EventLog) {
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
}

// --- test fixture ---

const (
	testRoom     = "room-1"
	testWizardID = "10"
	testOperator = "11"
)

// testCatalog builds the scenario graph used across the session tests:
// start branches into greet (0.6) and silence (0.4); greet completes
// the dialogue, silence loops back to greet.
func testCatalog() *dialogue.Catalog {
	states := map[string]*dialogue.State{
		"start": dialogue.NewState(dialogue.StateDefinition{
			Name:             "start",
			Formulations:     []string{"Hi! I'm Fred, what do you see?"},
			TransitionStates: []string{"greet", "silence"},
			TransitionProbabilities: map[string]float64{
				"greet":   0.6,
				"silence": 0.4,
			},
		}),
		"greet": dialogue.NewState(dialogue.StateDefinition{
			Name:             "greet",
			Formulations:     []string{"hello there", "good to see you"},
			TransitionStates: []string{"inform_end"},
			TransitionProbabilities: map[string]float64{
				"inform_end": 1.0,
			},
		}),
		"silence": dialogue.NewState(dialogue.StateDefinition{
			Name:             "silence",
			Formulations:     []string{"..."},
			TransitionStates: []string{"greet"},
			TransitionProbabilities: map[string]float64{
				"greet": 1.0,
			},
		}),
		"inform_end": dialogue.NewState(dialogue.StateDefinition{
			Name:         "inform_end",
			Formulations: []string{"we are all done here"},
		}),
	}
	return dialogue.NewCatalog(states)
}

type fixture struct {
	clock   *fakeClock
	store   *fakeStore
	pub     *fakePublisher
	engine  *Engine
	manager *Manager
}

func newFixture(catalog *dialogue.Catalog) *fixture {
	clock := newFakeClock()
	st := newFakeStore(clock)
	st.addUser("1", "ConciergeBot", testRoom)
	st.addUser("2", "HelperBot", testRoom)
	st.addUser(testWizardID, "Fred", testRoom)
	st.addUser(testOperator, "Operator", testRoom)

	pub := &fakePublisher{}
	rng := rand.New(rand.NewPCG(1, 2))
	engine := NewEngine(StaticCatalog{C: catalog}, st, pub, rng)
	manager := NewManager(engine, st, pub, clock, Config{}, nil)
	return &fixture{clock: clock, store: st, pub: pub, engine: engine, manager: manager}
}
