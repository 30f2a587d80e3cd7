package ws

import (
	"context"
	"log"
	"runtime/debug"
	"time"

	"github.com/manpreetbhatti/taskroom/internal/protocol"
	"github.com/manpreetbhatti/taskroom/internal/room"
)

const (
	shardQueueSize = 1024
	storeTimeout   = 2 * time.Second
	mirrorTimeout  = time.Second
	publishTimeout = 100 * time.Millisecond
)

type job func(s *shard)

// shard serialises every event for the rooms pinned to it. Room state is
// only mutated from its shard's goroutine.
type shard struct {
	id    int
	hub   *Hub
	rooms *room.Registry
	inbox chan job
}

func newShard(id int, h *Hub) *shard {
	s := &shard{
		id:    id,
		hub:   h,
		inbox: make(chan job, shardQueueSize),
	}
	s.rooms = room.NewRegistry(h.opts.Policy, s.newRoom)
	return s
}

func (s *shard) enqueue(j job) bool {
	select {
	case s.inbox <- j:
		return true
	case <-s.hub.done:
		return false
	}
}

func (s *shard) enqueueCtx(ctx context.Context, j job) bool {
	select {
	case s.inbox <- j:
		return true
	case <-ctx.Done():
		return false
	case <-s.hub.done:
		return false
	}
}

func (s *shard) run(ctx context.Context) {
	var reap <-chan time.Time
	if s.hub.opts.Policy.IdleTTL > 0 && s.hub.opts.ReapInterval > 0 {
		ticker := time.NewTicker(s.hub.opts.ReapInterval)
		defer ticker.Stop()
		reap = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.inbox:
			s.safely(j)
		case now := <-reap:
			s.reap(now)
		}
	}
}

// safely runs j, containing any panic to the event that caused it.
func (s *shard) safely(j job) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("⚠️ shard %d: recovered from panic: %v\n%s", s.id, r, debug.Stack())
		}
	}()
	j(s)
}

func (s *shard) newRoom(id string) *room.Room {
	r := room.NewRoom(id, room.WithEnforcedLocks(s.hub.opts.EnforceLocks))
	store := s.hub.opts.Store
	if store == nil {
		return r
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	snap, err := store.LoadSnapshot(ctx, id)
	if err != nil {
		log.Printf("Failed to load snapshot for room %s: %v", id, err)
		return r
	}
	if snap != nil {
		r.Restore(*snap)
		log.Printf("Room %s restored at operation %d", id, snap.LastOperationID)
	}
	return r
}

// cold runs a store change for an unloaded room on the shard goroutine.
// The shard waits for it, so it is bounded like a snapshot load.
func (s *shard) cold(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return fn(ctx)
}

func (s *shard) reap(now time.Time) {
	for _, r := range s.rooms.Reap(now) {
		if store := s.hub.opts.Store; store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			if err := store.SaveSnapshot(ctx, r.Snapshot()); err != nil {
				log.Printf("Failed to persist reaped room %s: %v", r.ID, err)
			}
			cancel()
		}
		log.Printf("Room %s closed (idle)", r.ID)
	}
}

// sendTo delivers one event to a single connection.
func (s *shard) sendTo(c *Client, event string, payload any) {
	c.sendEvent(event, payload)
}

// broadcast delivers one event to every connection in r except the
// socket named by except.
func (s *shard) broadcast(r *room.Room, event string, payload any, except string) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		log.Printf("Failed to encode %s for room %s: %v", event, r.ID, err)
		return
	}
	sent := make(map[string]bool)
	for _, p := range r.Participants() {
		if p.SocketID == except || sent[p.SocketID] {
			continue
		}
		sent[p.SocketID] = true
		if c, ok := s.hub.client(p.SocketID); ok {
			c.enqueue(frame)
		}
	}
}

// mirror runs a presence update off the shard goroutine.
func (s *shard) mirror(fn func(ctx context.Context, p PresenceMirror) error) {
	p := s.hub.opts.Presence
	if p == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := fn(ctx, p); err != nil {
			log.Printf("Presence mirror update failed: %v", err)
		}
	}()
}

func (s *shard) publish(roomID string, op room.Operation) {
	sink := s.hub.opts.Events
	if sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := sink.Publish(ctx, roomID, op); err != nil {
		log.Printf("Dropped event for room %s op %d: %v", roomID, op.ID, err)
	}
}
