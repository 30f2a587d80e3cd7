package ws

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/manpreetbhatti/taskroom/internal/protocol"
	"github.com/manpreetbhatti/taskroom/internal/room"
)

var (
	// ErrRoomLive is returned by WhenCold when a shard holds the room.
	ErrRoomLive = errors.New("room is live")
	// ErrHubStopped is returned for work handed to a hub that has stopped.
	ErrHubStopped = errors.New("hub stopped")
)

// Store persists room snapshots. LoadSnapshot returns nil, nil for a room
// that was never saved.
type Store interface {
	LoadSnapshot(ctx context.Context, roomID string) (*room.Snapshot, error)
	SaveSnapshot(ctx context.Context, snap room.Snapshot) error
}

// PresenceMirror publishes room membership outside this process.
type PresenceMirror interface {
	AddMember(ctx context.Context, roomID, userID, userName string) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	SetCursor(ctx context.Context, roomID, userID string, presence []byte) error
}

// EventSink receives every applied operation.
type EventSink interface {
	Publish(ctx context.Context, roomID string, op room.Operation) error
}

type Options struct {
	// Shards is the number of goroutines rooms are pinned to.
	Shards       int
	JoinHistory  int
	EnforceLocks bool
	Policy       room.Policy
	ReapInterval time.Duration

	MessagesPerSecond float64
	MessageBurst      int

	Store    Store
	Presence PresenceMirror
	Events   EventSink
}

func DefaultOptions() Options {
	return Options{
		Shards:            4,
		JoinHistory:       room.JoinHistory,
		ReapInterval:      time.Minute,
		MessagesPerSecond: 100,
		MessageBurst:      200,
	}
}

// The gateway: owns the connected clients and routes their events to
// the shard owning the target room.
type Hub struct {
	opts   Options
	shards []*shard

	// Registered clients by socket id
	clients map[string]*Client
	mu      sync.RWMutex

	done chan struct{}
	once sync.Once
}

func NewHub(opts Options) *Hub {
	if opts.Shards <= 0 {
		opts.Shards = 1
	}
	if opts.JoinHistory <= 0 {
		opts.JoinHistory = room.JoinHistory
	}
	h := &Hub{
		opts:    opts,
		clients: make(map[string]*Client),
		done:    make(chan struct{}),
	}
	h.shards = make([]*shard, opts.Shards)
	for i := range h.shards {
		h.shards[i] = newShard(i, h)
	}
	return h
}

// Run processes events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range h.shards {
		wg.Add(1)
		go func(s *shard) {
			defer wg.Done()
			s.run(ctx)
		}(s)
	}
	log.Printf("Hub running with %d shards", len(h.shards))
	<-ctx.Done()
	h.once.Do(func() { close(h.done) })
	wg.Wait()
	log.Println("Hub stopped")
}

func (h *Hub) shardFor(roomID string) *shard {
	f := fnv.New32a()
	f.Write([]byte(roomID))
	return h.shards[f.Sum32()%uint32(len(h.shards))]
}

// Register makes a connection reachable for broadcasts.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	count := len(h.clients)
	h.mu.Unlock()
	log.Printf("Client %s connected (total: %d)", c.id, count)
}

// Unregister drops a connection and removes it from every room it joined.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	count := len(h.clients)
	h.mu.Unlock()
	c.close()
	if !ok {
		return
	}
	log.Printf("Client %s disconnected (remaining: %d)", c.id, count)

	socketID := c.id
	for _, s := range h.shards {
		s.enqueue(func(s *shard) { s.handleDisconnect(socketID) })
	}
}

func (h *Hub) client(socketID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[socketID]
	return c, ok
}

// Dispatch decodes one frame from c and hands it to the owning shard.
func (h *Hub) Dispatch(c *Client, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		c.sendEvent(protocol.EventError, protocol.Error{Code: room.CodeInvalidPayload, Message: err.Error()})
		return
	}

	if env.Event == protocol.EventPing {
		c.sendEvent(protocol.EventPong, protocol.Pong{Data: env.Data, ServerTimestamp: time.Now().UTC()})
		return
	}

	var target struct {
		RoomID string `json:"roomId"`
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &target); err != nil {
			c.sendEvent(protocol.EventError, protocol.Error{Code: room.CodeInvalidPayload, Message: err.Error()})
			return
		}
	}
	if target.RoomID == "" {
		c.sendEvent(protocol.EventError, protocol.Error{Code: room.CodeInvalidPayload, Message: "roomId is required"})
		return
	}

	h.shardFor(target.RoomID).enqueue(func(s *shard) { s.handle(c, env) })
}

type shardResult struct {
	op   room.Operation
	live bool
	err  error
}

// onShard runs fn on the goroutine that owns roomID and waits for its
// result. While fn runs no event for rooms of that shard is handled.
func (h *Hub) onShard(ctx context.Context, roomID string, fn func(s *shard) shardResult) shardResult {
	resc := make(chan shardResult, 1)
	ok := h.shardFor(roomID).enqueueCtx(ctx, func(s *shard) { resc <- fn(s) })
	if !ok {
		if ctx.Err() != nil {
			return shardResult{err: ctx.Err()}
		}
		return shardResult{err: ErrHubStopped}
	}
	select {
	case res := <-resc:
		return res
	case <-ctx.Done():
		return shardResult{err: ctx.Err()}
	}
}

// Submit applies op to an existing room on behalf of the server itself
// and broadcasts the result like a client operation.
func (h *Hub) Submit(ctx context.Context, roomID string, op room.Operation) (room.Operation, error) {
	res := h.onShard(ctx, roomID, func(s *shard) shardResult {
		applied, err := s.apply(roomID, op)
		return shardResult{op: applied, live: true, err: err}
	})
	return res.op, res.err
}

// SubmitOrElse applies op when roomID is live. Otherwise it calls cold
// on the owning shard, where no join can load the room until cold
// returns. live reports which of the two ran.
func (h *Hub) SubmitOrElse(ctx context.Context, roomID string, op room.Operation, cold func(ctx context.Context) error) (applied room.Operation, live bool, err error) {
	res := h.onShard(ctx, roomID, func(s *shard) shardResult {
		if _, ok := s.rooms.Get(roomID); !ok {
			return shardResult{err: s.cold(ctx, cold)}
		}
		got, applyErr := s.apply(roomID, op)
		return shardResult{op: got, live: true, err: applyErr}
	})
	return res.op, res.live, res.err
}

// WhenCold calls fn on the shard owning roomID if no shard holds the
// room, and returns ErrRoomLive otherwise. The room cannot be loaded
// while fn runs.
func (h *Hub) WhenCold(ctx context.Context, roomID string, fn func(ctx context.Context) error) error {
	res := h.onShard(ctx, roomID, func(s *shard) shardResult {
		if _, ok := s.rooms.Get(roomID); ok {
			return shardResult{live: true, err: ErrRoomLive}
		}
		return shardResult{err: s.cold(ctx, fn)}
	})
	return res.err
}

// Room returns the live room for id, if any shard holds it.
func (h *Hub) Room(id string) (*room.Room, bool) {
	return h.shardFor(id).rooms.Get(id)
}

// Rooms returns every live room ordered by id.
func (h *Hub) Rooms() []*room.Room {
	var out []*room.Room
	for _, s := range h.shards {
		out = append(out, s.rooms.Rooms()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Returns the number of rooms with at least one participant
func (h *Hub) GetRoomCount() int {
	n := 0
	for _, r := range h.Rooms() {
		if r.ParticipantCount() > 0 {
			n++
		}
	}
	return n
}

// Returns the number of connected sockets
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Returns participant counts keyed by room id
func (h *Hub) GetActiveRooms() map[string]int {
	out := make(map[string]int)
	for _, r := range h.Rooms() {
		if n := r.ParticipantCount(); n > 0 {
			out[r.ID] = n
		}
	}
	return out
}
