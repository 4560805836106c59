package wizard

import (
	"context"

	"github.com/crwiz/crwiz/pkg/dialogue"
	"github.com/crwiz/crwiz/pkg/events"
	"github.com/crwiz/crwiz/pkg/store"
)

// History is the read/append surface over the durable event log. The
// log is the source of truth for dialogue progress; Runtime is a cache.
type History interface {
	AppendEvent(ctx context.Context, event, userID, roomID string, payload map[string]any) (*store.EventLog, error)
	UserEvents(ctx context.Context, userID, event string, orderDesc bool) ([]store.EventLog, error)
	RoomEvents(ctx context.Context, roomID, event string, orderDesc bool) ([]store.EventLog, error)
	AppendStateTransition(ctx context.Context, t *store.StateTransition) error
	UserStates(ctx context.Context, userID string) ([]store.StateTransition, error)
	StateUsed(ctx context.Context, userID, stateName string) (bool, error)
}

// Messages exposes the monotonic message counters used for finish
// eligibility and action triggers.
type Messages interface {
	CountUserMessages(ctx context.Context, userID string) (int, error)
	RoomUserMessagesSince(ctx context.Context, roomID, minLogID string) ([]store.EventLog, error)
}

// Directory resolves users and rooms and applies permission/token side
// effects at session boundaries.
type Directory interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	RoomUsers(ctx context.Context, roomName string) ([]store.User, error)
	UserTaskRoom(ctx context.Context, userID string) (*store.Room, error)
	UpdateUserPermissions(ctx context.Context, userID string, perms map[string]bool) error
	SetUserTaskFinished(ctx context.Context, userID, completionToken string) error
	SetUserTokenValidity(ctx context.Context, userID string, valid bool) error
	SetRoomReadOnly(ctx context.Context, roomName string, readOnly bool) error
}

// Store is the full collaborator surface the session core depends on.
// *store.Repository satisfies it.
type Store interface {
	History
	Messages
	Directory
}

// Publisher pushes an event to all subscribers of a room.
type Publisher interface {
	Emit(ctx context.Context, eventType events.EventType, roomName string, data any) error
}

// CatalogSource yields the current dialogue catalog. *dialogue.Loader
// satisfies it; hot reload swaps the catalog between calls.
type CatalogSource interface {
	Catalog() *dialogue.Catalog
}

// StaticCatalog adapts a fixed catalog to CatalogSource.
type StaticCatalog struct {
	C *dialogue.Catalog
}

func (s StaticCatalog) Catalog() *dialogue.Catalog { return s.C }
