package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/pitabwire/frame/datastore/pool"
)

// Repository provides the durable log and entity queries the dialogue
// core depends on. Each write is a single atomic append or update; no
// multi-step read-modify-write is required of callers.
type Repository struct {
	pool pool.Pool
}

// NewRepository creates a new repository.
func NewRepository(pool pool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) db(ctx context.Context, readOnly bool) *gorm.DB {
	return r.pool.DB(ctx, readOnly)
}

// AppendEvent appends one record to the durable history log.
func (r *Repository) AppendEvent(ctx context.Context, event, userID, roomID string, payload map[string]any) (*EventLog, error) {
	rec := &EventLog{
		Event:  event,
		UserID: userID,
		RoomID: roomID,
		Data:   PayloadJSON(payload),
	}
	if err := r.db(ctx, false).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("append event %q: %w", event, err)
	}
	return rec, nil
}

// UserEvents returns all log records for a user and event name,
// most recent first unless orderDesc is false.
func (r *Repository) UserEvents(ctx context.Context, userID, event string, orderDesc bool) ([]EventLog, error) {
	var logs []EventLog
	err := r.db(ctx, true).
		Where("user_id = ? AND event = ?", userID, event).
		Order(order("id", orderDesc)).
		Find(&logs).Error
	return logs, err
}

// RoomEvents returns all log records for a room and event name,
// most recent first unless orderDesc is false.
func (r *Repository) RoomEvents(ctx context.Context, roomID, event string, orderDesc bool) ([]EventLog, error) {
	var logs []EventLog
	err := r.db(ctx, true).
		Where("room_id = ? AND event = ?", roomID, event).
		Order(order("id", orderDesc)).
		Find(&logs).Error
	return logs, err
}

// AppendStateTransition persists one dialogue transition.
func (r *Repository) AppendStateTransition(ctx context.Context, t *StateTransition) error {
	return r.db(ctx, false).Create(t).Error
}

// UserStates returns a user's dialogue transitions, newest first.
func (r *Repository) UserStates(ctx context.Context, userID string) ([]StateTransition, error) {
	var states []StateTransition
	err := r.db(ctx, true).
		Where("user_id = ?", userID).
		Order("id DESC").
		Find(&states).Error
	return states, err
}

// StateUsed reports whether the user has visited a dialogue state before.
func (r *Repository) StateUsed(ctx context.Context, userID, stateName string) (bool, error) {
	var count int64
	err := r.db(ctx, true).
		Model(&StateTransition{}).
		Where("user_id = ? AND current_state = ?", userID, stateName).
		Count(&count).Error
	return count > 0, err
}

// CountUserMessages returns the number of text messages a user has
// sent. The count is monotonic.
func (r *Repository) CountUserMessages(ctx context.Context, userID string) (int, error) {
	var count int64
	err := r.db(ctx, true).
		Model(&EventLog{}).
		Where("user_id = ? AND event = ?", userID, string(TextMessageEvent)).
		Count(&count).Error
	return int(count), err
}

// RoomUserMessagesSince returns human text messages in a room with a
// log id strictly greater than minLogID, newest first.
func (r *Repository) RoomUserMessagesSince(ctx context.Context, roomID, minLogID string) ([]EventLog, error) {
	var logs []EventLog
	q := r.db(ctx, true).
		Where("room_id = ? AND event = ?", roomID, string(TextMessageEvent)).
		Where("user_id NOT IN ?", BotUserIDs).
		Order("id DESC")
	if minLogID != "" {
		q = q.Where("id > ?", minLogID)
	}
	err := q.Find(&logs).Error
	return logs, err
}

// GetUser returns a user by id.
func (r *Repository) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	if err := r.db(ctx, true).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// GetRoom returns a room by name.
func (r *Repository) GetRoom(ctx context.Context, name string) (*Room, error) {
	var room Room
	if err := r.db(ctx, true).Where("name = ?", name).First(&room).Error; err != nil {
		return nil, err
	}
	return &room, nil
}

// RoomUsers returns every user currently in a room, bots included.
func (r *Repository) RoomUsers(ctx context.Context, roomName string) ([]User, error) {
	var users []User
	err := r.db(ctx, true).Where("room_id = ?", roomName).Find(&users).Error
	return users, err
}

// UserTaskRoom resolves the room a user is assigned to for their task.
func (r *Repository) UserTaskRoom(ctx context.Context, userID string) (*Room, error) {
	u, err := r.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.TaskRoomID == "" {
		return nil, gorm.ErrRecordNotFound
	}
	return r.GetRoom(ctx, u.TaskRoomID)
}

// UpdateUserPermissions merges permission flags into a user's
// permission set.
func (r *Repository) UpdateUserPermissions(ctx context.Context, userID string, perms map[string]bool) error {
	u, err := r.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if u.Permissions == nil {
		u.Permissions = PermissionsJSON{}
	}
	for k, v := range perms {
		u.Permissions[k] = v
	}
	return r.db(ctx, false).
		Model(&User{}).
		Where("id = ?", userID).
		Update("permissions", u.Permissions).Error
}

// SetUserTaskFinished stamps the task-finished time and stores the
// freshly issued completion token.
func (r *Repository) SetUserTaskFinished(ctx context.Context, userID, completionToken string) error {
	return r.db(ctx, false).
		Model(&User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"task_finished":    gorm.Expr("CURRENT_TIMESTAMP"),
			"completion_token": completionToken,
		}).Error
}

// SetUserTokenValidity marks a user's login token valid or invalid.
func (r *Repository) SetUserTokenValidity(ctx context.Context, userID string, valid bool) error {
	return r.db(ctx, false).
		Model(&User{}).
		Where("id = ?", userID).
		Update("token_valid", valid).Error
}

// SetRoomReadOnly toggles a room's read-only flag.
func (r *Repository) SetRoomReadOnly(ctx context.Context, roomName string, readOnly bool) error {
	return r.db(ctx, false).
		Model(&Room{}).
		Where("name = ?", roomName).
		Update("read_only", readOnly).Error
}

// Migrate creates or updates the backing tables.
func (r *Repository) Migrate(ctx context.Context) error {
	return r.db(ctx, false).AutoMigrate(
		&EventLog{}, &StateTransition{}, &User{}, &Room{},
	)
}

func order(column string, desc bool) string {
	if desc {
		return column + " DESC"
	}
	return column + " ASC"
}
