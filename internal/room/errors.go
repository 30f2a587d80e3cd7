package room

import "errors"

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrLockDenied         = errors.New("field is being edited by another user")
	ErrLockHeld           = errors.New("field is locked by another user")
	ErrMalformedOperation = errors.New("malformed operation")
	ErrTaskNotFound       = errors.New("task not found")
	ErrDuplicateOperation = errors.New("duplicate operation")
	ErrNotParticipant     = errors.New("user has not joined the room on this connection")
)

// Wire codes reported to clients.
const (
	CodeRoomNotFound       = "ROOM_NOT_FOUND"
	CodeLockDenied         = "LOCK_DENIED"
	CodeMalformedOperation = "MALFORMED_OPERATION"
	CodeDuplicateOperation = "DUPLICATE_OPERATION"
	CodeNotParticipant     = "NOT_IN_ROOM"
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeInternal           = "INTERNAL"
)

// Code maps an error returned by this package to its wire code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRoomNotFound):
		return CodeRoomNotFound
	case errors.Is(err, ErrLockDenied), errors.Is(err, ErrLockHeld):
		return CodeLockDenied
	case errors.Is(err, ErrNotParticipant):
		return CodeNotParticipant
	case errors.Is(err, ErrDuplicateOperation):
		return CodeDuplicateOperation
	case errors.Is(err, ErrMalformedOperation), errors.Is(err, ErrTaskNotFound):
		return CodeMalformedOperation
	default:
		return CodeInternal
	}
}

// ErrorForCode returns the sentinel behind a wire code, or nil when the
// code has none.
func ErrorForCode(code string) error {
	switch code {
	case CodeRoomNotFound:
		return ErrRoomNotFound
	case CodeLockDenied:
		return ErrLockDenied
	case CodeNotParticipant:
		return ErrNotParticipant
	case CodeDuplicateOperation:
		return ErrDuplicateOperation
	case CodeMalformedOperation:
		return ErrMalformedOperation
	}
	return nil
}
