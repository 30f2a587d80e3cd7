package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/manpreetbhatti/taskroom/internal/protocol"
	"github.com/manpreetbhatti/taskroom/internal/room"
)

func (s *shard) handle(c *Client, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventJoinRoom:
		var req protocol.JoinRoom
		if s.decode(c, env, &req) {
			s.handleJoin(c, req)
		}
	case protocol.EventLeaveRoom:
		var req protocol.LeaveRoom
		if s.decode(c, env, &req) {
			s.handleLeave(c, req)
		}
	case protocol.EventOperation:
		var req protocol.OperationRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			s.sendTo(c, protocol.EventOperationRejected, protocol.OperationRejected{
				Code:    room.CodeMalformedOperation,
				Message: err.Error(),
			})
			return
		}
		s.handleOperation(c, req)
	case protocol.EventRequestEditLock:
		var req protocol.EditLockRequest
		if s.decode(c, env, &req) {
			s.handleRequestLock(c, req)
		}
	case protocol.EventReleaseEditLock:
		var req protocol.EditLockRequest
		if s.decode(c, env, &req) {
			s.handleReleaseLock(c, req)
		}
	case protocol.EventUpdatePresence:
		var req protocol.UpdatePresence
		if s.decode(c, env, &req) {
			s.handlePresence(c, req)
		}
	case protocol.EventUserActivityChange:
		var req protocol.ActivityChange
		if s.decode(c, env, &req) {
			s.handleActivity(c, req)
		}
	default:
		s.sendTo(c, protocol.EventError, protocol.Error{
			Code:    room.CodeInvalidPayload,
			Message: fmt.Sprintf("unknown event %q", env.Event),
		})
	}
}

func (s *shard) decode(c *Client, env protocol.Envelope, v any) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		s.sendTo(c, protocol.EventError, protocol.Error{Code: room.CodeInvalidPayload, Message: err.Error()})
		return false
	}
	return true
}

func (s *shard) fail(c *Client, roomID string, err error) {
	s.sendTo(c, protocol.EventError, protocol.Error{RoomID: roomID, Code: room.Code(err), Message: err.Error()})
}

// member returns the room and participant for userID when the user
// joined through c.
func (s *shard) member(c *Client, roomID, userID string) (*room.Room, room.Participant, error) {
	r, ok := s.rooms.Get(roomID)
	if !ok {
		return nil, room.Participant{}, fmt.Errorf("%w: %s", room.ErrRoomNotFound, roomID)
	}
	p, ok := r.Participant(userID)
	if !ok || p.SocketID != c.id {
		return r, room.Participant{}, fmt.Errorf("%w: %s", room.ErrNotParticipant, userID)
	}
	return r, p, nil
}

func (s *shard) handleJoin(c *Client, req protocol.JoinRoom) {
	if req.UserID == "" {
		s.sendTo(c, protocol.EventError, protocol.Error{RoomID: req.RoomID, Code: room.CodeInvalidPayload, Message: "userId is required"})
		return
	}

	r, created := s.rooms.GetOrCreate(req.RoomID)
	if created {
		log.Printf("Room %s created on shard %d", req.RoomID, s.id)
	}
	p := r.Join(req.UserID, req.UserName, c.id)
	log.Printf("User %s joined room %s (participants: %d)", req.UserID, req.RoomID, r.ParticipantCount())

	s.sendTo(c, protocol.EventStateSync, r.SyncView(s.hub.opts.JoinHistory))
	s.broadcast(r, protocol.EventParticipantJoined, protocol.ParticipantJoined{RoomID: r.ID, Participant: p}, c.id)
	s.broadcast(r, protocol.EventParticipantsUpdated, protocol.ParticipantsUpdated{RoomID: r.ID, Participants: r.Participants()}, "")

	s.mirror(func(ctx context.Context, m PresenceMirror) error {
		return m.AddMember(ctx, req.RoomID, req.UserID, req.UserName)
	})
}

func (s *shard) handleLeave(c *Client, req protocol.LeaveRoom) {
	r, ok := s.rooms.Get(req.RoomID)
	if !ok {
		s.fail(c, req.RoomID, room.ErrRoomNotFound)
		return
	}
	if dep, ok := r.Leave(req.UserID, c.id); ok {
		s.announceDeparture(r, dep)
	}
}

func (s *shard) handleDisconnect(socketID string) {
	for _, r := range s.rooms.Rooms() {
		for _, dep := range r.RemoveSocket(socketID) {
			s.announceDeparture(r, dep)
		}
	}
}

func (s *shard) announceDeparture(r *room.Room, dep room.Departure) {
	userID := dep.Participant.UserID
	log.Printf("User %s left room %s (remaining: %d, locks released: %d)",
		userID, r.ID, r.ParticipantCount(), len(dep.Fields))

	for _, field := range dep.Fields {
		s.broadcast(r, protocol.EventFieldUnlocked, protocol.FieldUnlocked{Field: field, UserID: userID}, "")
	}
	s.broadcast(r, protocol.EventParticipantsUpdated, protocol.ParticipantsUpdated{RoomID: r.ID, Participants: r.Participants()}, "")

	fields := dep.Fields
	if fields == nil {
		fields = []string{}
	}
	s.broadcast(r, protocol.EventUserFieldsUnlocked, protocol.UserFieldsUnlocked{UserID: userID, Fields: fields}, "")

	roomID := r.ID
	s.mirror(func(ctx context.Context, m PresenceMirror) error {
		return m.RemoveMember(ctx, roomID, userID)
	})
}

func (s *shard) handleOperation(c *Client, req protocol.OperationRequest) {
	if _, _, err := s.member(c, req.RoomID, req.Operation.UserID); err != nil {
		if room.Code(err) == room.CodeRoomNotFound {
			s.fail(c, req.RoomID, err)
		}
		s.reject(c, req, err)
		return
	}
	if _, err := s.apply(req.RoomID, req.Operation); err != nil {
		s.reject(c, req, err)
	}
}

func (s *shard) reject(c *Client, req protocol.OperationRequest, err error) {
	s.sendTo(c, protocol.EventOperationRejected, protocol.OperationRejected{
		RoomID:   req.RoomID,
		ClientID: req.Operation.ClientID,
		Code:     room.Code(err),
		Message:  err.Error(),
	})
}

// apply runs op against the room and broadcasts the stamped operation
// with the full resulting state.
func (s *shard) apply(roomID string, op room.Operation) (room.Operation, error) {
	r, ok := s.rooms.Get(roomID)
	if !ok {
		return room.Operation{}, fmt.Errorf("%w: %s", room.ErrRoomNotFound, roomID)
	}
	stamped, err := r.ApplyOperation(op)
	if err != nil {
		log.Printf("Rejected %s from %s in room %s: %v", kindOf(op), op.UserID, roomID, err)
		return room.Operation{}, err
	}

	s.broadcast(r, protocol.EventOperationApplied, protocol.OperationApplied{
		RoomID:      roomID,
		Operation:   stamped,
		SharedState: r.State(),
	}, "")
	s.publish(roomID, stamped)
	return stamped, nil
}

func kindOf(op room.Operation) string {
	if op.Mutation == nil {
		return "operation"
	}
	return string(op.Mutation.Kind())
}

func (s *shard) handleRequestLock(c *Client, req protocol.EditLockRequest) {
	r, p, err := s.member(c, req.RoomID, req.UserID)
	if err != nil {
		s.fail(c, req.RoomID, err)
		s.sendTo(c, protocol.EventEditLockResponse, protocol.EditLockResponse{Success: false, Field: req.Field})
		return
	}

	res := r.StartEditing(p.UserID, p.UserName, req.Field)
	resp := protocol.EditLockResponse{Success: res.Success, Field: req.Field}
	if !res.Success {
		resp.CurrentEditor = res.CurrentEditor
	}
	s.sendTo(c, protocol.EventEditLockResponse, resp)

	if res.Acquired {
		s.broadcast(r, protocol.EventFieldLocked, protocol.FieldLocked{Field: req.Field, UserID: p.UserID, UserName: p.UserName}, "")
	}
}

func (s *shard) handleReleaseLock(c *Client, req protocol.EditLockRequest) {
	r, _, err := s.member(c, req.RoomID, req.UserID)
	if err != nil {
		s.fail(c, req.RoomID, err)
		return
	}
	if r.StopEditing(req.UserID, req.Field) {
		s.broadcast(r, protocol.EventFieldUnlocked, protocol.FieldUnlocked{Field: req.Field, UserID: req.UserID}, "")
	}
}

func (s *shard) handlePresence(c *Client, req protocol.UpdatePresence) {
	r, _, err := s.member(c, req.RoomID, req.UserID)
	if err != nil {
		s.fail(c, req.RoomID, err)
		return
	}
	r.UpdatePresence(req.UserID, req.PresenceData.Cursor, req.PresenceData.Selection)
	s.broadcast(r, protocol.EventPresenceUpdated, protocol.PresenceUpdated{
		UserID:       req.UserID,
		PresenceData: req.PresenceData,
		Timestamp:    time.Now().UTC(),
	}, c.id)

	if data, err := json.Marshal(req.PresenceData); err == nil {
		s.mirror(func(ctx context.Context, m PresenceMirror) error {
			return m.SetCursor(ctx, req.RoomID, req.UserID, data)
		})
	}
}

func (s *shard) handleActivity(c *Client, req protocol.ActivityChange) {
	r, _, err := s.member(c, req.RoomID, req.UserID)
	if err != nil {
		s.fail(c, req.RoomID, err)
		return
	}
	r.SetActivity(req.UserID, req.IsActive)
	s.broadcast(r, protocol.EventUserActivityUpdated, protocol.UserActivityUpdated{
		UserID:    req.UserID,
		IsActive:  req.IsActive,
		Timestamp: time.Now().UTC(),
	}, c.id)
}
