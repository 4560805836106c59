package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeSerialization(t *testing.T) {
	data := &CloseRoomData{
		RoomName: "room-7",
		Reason:   "Time out! The facility needs to evacuate immediately.",
		Participants: map[string]Participant{
			"10": {Name: "Fred", CompletionToken: "A1B2C3D4"},
		},
	}

	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}

	env := Envelope{
		ID:        "test-id",
		Type:      CloseRoom,
		Source:    "crwiz",
		RoomName:  "room-7",
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}

	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}

	if decoded.Type != CloseRoom {
		t.Errorf("type = %q, want %q", decoded.Type, CloseRoom)
	}
	if decoded.RoomName != "room-7" {
		t.Errorf("room_name = %q, want %q", decoded.RoomName, "room-7")
	}

	var payload CloseRoomData
	if err := json.Unmarshal(decoded.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Participants["10"].CompletionToken != "A1B2C3D4" {
		t.Errorf("game_token = %q, want %q",
			payload.Participants["10"].CompletionToken, "A1B2C3D4")
	}
}

func TestEventTypeConstants(t *testing.T) {
	types := []EventType{
		ChoicesOffered, StateChanged,
		HintRequested, HintRequestedAgain,
		TaskStarted, TaskEnded, UserEndedTask, DisconnectEndedTask,
		SubtaskAdvanced, TokenGenerated,
		ActionTriggered, ActionResponded,
		PostTaskAnalysis, TextMessage,
		StatusUpdate, DialogueChoices, CloseRoom,
		PerformAction, UserFinishTask,
	}

	seen := make(map[EventType]bool)
	for _, et := range types {
		if et == "" {
			t.Error("empty event type constant")
		}
		if seen[et] {
			t.Errorf("duplicate event type: %q", et)
		}
		seen[et] = true
	}
}

func TestEmitFansOutLocally(t *testing.T) {
	pub := NewPublisher(nil, "crwiz", "events")
	ch := pub.Subscribe("helper-bot", 4)
	defer pub.Unsubscribe("helper-bot")

	err := pub.Emit(context.Background(), StatusUpdate, "room-1", StatusUpdateData{
		RemainingSeconds: 42,
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	select {
	case env := <-ch:
		if env.Type != StatusUpdate {
			t.Errorf("type = %q, want %q", env.Type, StatusUpdate)
		}
		if env.RoomName != "room-1" {
			t.Errorf("room_name = %q, want %q", env.RoomName, "room-1")
		}
		var data StatusUpdateData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if data.RemainingSeconds != 42 {
			t.Errorf("remaining_seconds = %d, want 42", data.RemainingSeconds)
		}
	default:
		t.Fatal("subscriber did not receive the event")
	}
}

func TestEmitDropsWhenSubscriberFull(t *testing.T) {
	pub := NewPublisher(nil, "crwiz", "events")
	pub.Subscribe("slow", 1)
	defer pub.Unsubscribe("slow")

	for i := 0; i < 3; i++ {
		if err := pub.Emit(context.Background(), TextMessage, "room-1", nil); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	pub := NewPublisher(nil, "crwiz", "events")
	ch := pub.Subscribe("once", 1)
	pub.Unsubscribe("once")

	if _, ok := <-ch; ok {
		t.Error("channel still open after unsubscribe")
	}
}
