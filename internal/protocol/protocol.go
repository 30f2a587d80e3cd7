// Package protocol defines the event envelope and payloads exchanged
// between collaboration clients and the gateway over a websocket.
package protocol

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/manpreetbhatti/taskroom/internal/room"
)

// Client -> server events
const (
	EventJoinRoom           = "join_collaborative_room"
	EventLeaveRoom          = "leave_collaborative_room"
	EventOperation          = "collaborative_operation"
	EventRequestEditLock    = "request_edit_lock"
	EventReleaseEditLock    = "release_edit_lock"
	EventUpdatePresence     = "update_presence"
	EventUserActivityChange = "user_activity_change"
	EventPing               = "ping"
)

// Server -> client events
const (
	EventConnectionConfirmed = "connection_confirmed"
	EventStateSync           = "collaborative_state_sync"
	EventParticipantJoined   = "participant_joined"
	EventParticipantsUpdated = "participants_updated"
	EventOperationApplied    = "operation_applied"
	EventOperationRejected   = "operation_rejected"
	EventEditLockResponse    = "edit_lock_response"
	EventFieldLocked         = "field_locked"
	EventFieldUnlocked       = "field_unlocked"
	EventUserFieldsUnlocked  = "user_fields_unlocked"
	EventPresenceUpdated     = "presence_updated"
	EventUserActivityUpdated = "user_activity_updated"
	EventError               = "collaboration_error"
	EventPong                = "pong"
)

// Pseudo-events raised locally by client transports.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

var ErrEmptyEvent = errors.New("envelope has no event name")

// Envelope is one websocket text frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode wraps payload in an envelope for event.
func Encode(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, err
	}
	if env.Event == "" {
		return Envelope{}, ErrEmptyEvent
	}
	return env, nil
}

type JoinRoom struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type OperationRequest struct {
	RoomID    string         `json:"roomId"`
	Operation room.Operation `json:"operation"`
}

type EditLockRequest struct {
	RoomID string `json:"roomId"`
	Field  string `json:"field"`
	UserID string `json:"userId"`
}

type PresenceData struct {
	Cursor    *room.Cursor    `json:"cursor,omitempty"`
	Selection *room.Selection `json:"selection,omitempty"`
}

type UpdatePresence struct {
	RoomID       string       `json:"roomId"`
	UserID       string       `json:"userId"`
	PresenceData PresenceData `json:"presenceData"`
}

type ActivityChange struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	IsActive bool   `json:"isActive"`
}

type ConnectionConfirmed struct {
	SocketID  string    `json:"socketId"`
	Timestamp time.Time `json:"timestamp"`
}

type StateSync = room.Sync

type ParticipantJoined struct {
	RoomID      string           `json:"roomId"`
	Participant room.Participant `json:"participant"`
}

type ParticipantsUpdated struct {
	RoomID       string             `json:"roomId"`
	Participants []room.Participant `json:"participants"`
}

type OperationApplied struct {
	RoomID      string         `json:"roomId"`
	Operation   room.Operation `json:"operation"`
	SharedState *room.State    `json:"sharedState"`
}

type OperationRejected struct {
	RoomID   string `json:"roomId"`
	ClientID string `json:"clientId,omitempty"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

type EditLockResponse struct {
	Success       bool   `json:"success"`
	Field         string `json:"field"`
	CurrentEditor string `json:"currentEditor,omitempty"`
}

type FieldLocked = room.EditLock

type FieldUnlocked struct {
	Field  string `json:"field"`
	UserID string `json:"userId"`
}

type UserFieldsUnlocked struct {
	UserID string   `json:"userId"`
	Fields []string `json:"fields"`
}

type PresenceUpdated struct {
	UserID       string       `json:"userId"`
	PresenceData PresenceData `json:"presenceData"`
	Timestamp    time.Time    `json:"timestamp"`
}

type UserActivityUpdated struct {
	UserID    string    `json:"userId"`
	IsActive  bool      `json:"isActive"`
	Timestamp time.Time `json:"timestamp"`
}

type Error struct {
	RoomID  string `json:"roomId,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Pong echoes the ping payload with the server time added.
type Pong struct {
	Data            json.RawMessage `json:"data,omitempty"`
	ServerTimestamp time.Time       `json:"serverTimestamp"`
}
