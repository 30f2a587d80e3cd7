package agent

import (
	"errors"
	"fmt"

	"github.com/manpreetbhatti/taskroom/internal/room"
)

var (
	ErrTransportDisconnected = errors.New("transport disconnected")
	ErrLockResponseTimeout   = errors.New("timed out waiting for edit lock response")
	ErrNotJoined             = errors.New("agent has not joined a room")
)

// RemoteError is a failure reported by the server, either a rejected
// operation or a collaboration error.
type RemoteError struct {
	RoomID   string
	ClientID string
	Code     string
	Message  string
}

func (e *RemoteError) Error() string {
	if e.ClientID != "" {
		return fmt.Sprintf("%s: operation %s: %s", e.Code, e.ClientID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the room sentinel for the code so callers can use
// errors.Is(err, room.ErrLockDenied) and friends.
func (e *RemoteError) Unwrap() error {
	return room.ErrorForCode(e.Code)
}
