package events

import (
	"context"
	"encoding/json"

	"github.com/pitabwire/frame/workerpool"
	"github.com/pitabwire/util"
)

// RoomFeedback acknowledges that a closed room's logs are safely
// stored, which lets the session enter its token grace period.
type RoomFeedback interface {
	RoomFeedback(ctx context.Context, roomName string) error
}

// Subscriber implements queue.SubscribeWorker for the room event queue.
// It stands in for the helper bot on the queue side: when a close_room
// broadcast comes back around, it confirms the room so the grace timer
// can start.
type Subscriber struct {
	Feedback RoomFeedback
	Pool     workerpool.WorkerPool
}

// Handle is called by frame's pub/sub for each event message.
func (s *Subscriber) Handle(ctx context.Context, _ map[string]string, message []byte) error {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		util.Log(ctx).WithError(err).Error("event subscriber: unmarshal envelope")
		return err
	}

	if env.Type != CloseRoom || s.Feedback == nil {
		return nil
	}

	room := env.RoomName
	confirm := func() {
		if err := s.Feedback.RoomFeedback(ctx, room); err != nil {
			util.Log(ctx).WithError(err).Error("event subscriber: confirm closed room " + room)
		}
	}
	if s.Pool != nil {
		if err := s.Pool.Submit(ctx, confirm); err != nil {
			util.Log(ctx).WithError(err).Error("event subscriber: submit confirm for room " + room)
			confirm()
		}
		return nil
	}
	confirm()
	return nil
}
