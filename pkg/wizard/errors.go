package wizard

import "errors"

var (
	// ErrRoomNotFound is returned when no room can be resolved for a
	// user, live or assigned.
	ErrRoomNotFound = errors.New("room not found")

	// ErrUserNotFound is returned when a user id does not resolve to a
	// known participant.
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidState is returned when a submitted state name is not a
	// catalog member. Never retried automatically.
	ErrInvalidState = errors.New("invalid dialogue state")

	// ErrEmptyText rejects a choice submission with no utterance text.
	ErrEmptyText = errors.New("text is empty")

	// ErrCannotFinish rejects a finish request before the minimum turn
	// count and final subtask are both reached.
	ErrCannotFinish = errors.New("task cannot finish yet")

	// ErrNoChoices is returned when a hint is requested but the menu
	// is empty.
	ErrNoChoices = errors.New("no dialogue choices available")
)
