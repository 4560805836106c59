package store

import (
	"database/sql"
	"encoding/json"

	"github.com/pitabwire/frame/data"
)

// Reserved identities for the concierge and helper bots. Participant
// queries exclude them by convention.
var BotUserIDs = []string{"1", "2"}

// TextMessageEvent is the event name chat messages are logged under.
const TextMessageEvent = "text_message"

// EventLog is one append-only record in the durable history. It is the
// only source of truth for dialogue progress; runtime state is a cache.
// BaseModel IDs are k-ordered, so ordering by id preserves per-room
// insertion order.
type EventLog struct {
	data.BaseModel

	Event  string      `gorm:"type:varchar(100);not null;index:idx_log_event" json:"event"`
	UserID string      `gorm:"type:varchar(50);not null;index:idx_log_user"   json:"user_id"`
	RoomID string      `gorm:"type:varchar(100);index:idx_log_room"           json:"room_id,omitempty"`
	Data   PayloadJSON `gorm:"type:jsonb;default:'{}'"                        json:"data"`
}

func (EventLog) TableName() string { return "event_logs" }

// PayloadJSON is a custom GORM type for JSONB storage of structured
// event payloads.
type PayloadJSON map[string]any

func (p PayloadJSON) Value() (interface{}, error) {
	return json.Marshal(p)
}

func (p *PayloadJSON) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		*p = PayloadJSON{}
		return nil
	}
}

// StateTransition records one dialogue state change made by a wizard.
type StateTransition struct {
	data.BaseModel

	UserID        string `gorm:"type:varchar(50);not null;index:idx_st_user" json:"user_id"`
	PreviousState string `gorm:"type:varchar(100);not null"                  json:"previous_state"`
	Utterance     string `gorm:"type:varchar(250);not null"                  json:"utterance"`
	CurrentState  string `gorm:"type:varchar(100);not null"                  json:"current_state"`
}

func (StateTransition) TableName() string { return "state_transitions" }

// PermissionsJSON is a custom GORM type for JSONB storage of
// permission flags.
type PermissionsJSON map[string]bool

func (p PermissionsJSON) Value() (interface{}, error) {
	return json.Marshal(p)
}

func (p *PermissionsJSON) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		*p = PermissionsJSON{}
		return nil
	}
}

// User is a task participant (or bot).
type User struct {
	data.BaseModel

	Name            string          `gorm:"type:varchar(255);not null"              json:"name"`
	RoomID          string          `gorm:"type:varchar(100);index:idx_user_room"   json:"room_id"`
	TaskRoomID      string          `gorm:"type:varchar(100)"                       json:"task_room_id"`
	TaskFinished    sql.NullTime    `json:"task_finished,omitempty"`
	CompletionToken string          `gorm:"type:varchar(50)"                        json:"-"`
	TokenValid      bool            `gorm:"default:true"                            json:"token_valid"`
	Permissions     PermissionsJSON `gorm:"type:jsonb;default:'{}'"                 json:"permissions"`
}

func (User) TableName() string { return "users" }

// IsBot reports whether the user is one of the reserved bot identities.
func (u *User) IsBot() bool {
	for _, id := range BotUserIDs {
		if u.ID == id {
			return true
		}
	}
	return false
}

// Room is a chat room hosting one task run. Rooms are keyed by name.
type Room struct {
	data.BaseModel

	Name     string `gorm:"type:varchar(100);not null;uniqueIndex" json:"name"`
	ReadOnly bool   `gorm:"default:false"                          json:"read_only"`
}

func (Room) TableName() string { return "rooms" }
