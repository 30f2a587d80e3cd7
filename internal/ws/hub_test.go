package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/manpreetbhatti/taskroom/internal/protocol"
	"github.com/manpreetbhatti/taskroom/internal/room"
)

const eventTimeout = 2 * time.Second

func startHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	hub := NewHub(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

// connect registers a client with no socket behind it. Frames sent to it
// stay in its send buffer for the test to read.
func connect(hub *Hub, id string) *Client {
	c := newClient(hub, nil, id)
	hub.Register(c)
	return c
}

func send(t *testing.T, hub *Hub, c *Client, event string, payload any) {
	t.Helper()
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	hub.Dispatch(c, frame)
}

func next(t *testing.T, c *Client) protocol.Envelope {
	t.Helper()
	select {
	case frame := <-c.send:
		env, err := protocol.Decode(frame)
		if err != nil {
			t.Fatalf("Client %s got undecodable frame: %v", c.id, err)
		}
		return env
	case <-time.After(eventTimeout):
		t.Fatalf("Client %s timed out waiting for an event", c.id)
		return protocol.Envelope{}
	}
}

// expect skips events until one named event arrives and decodes it into v.
func expect(t *testing.T, c *Client, event string, v any) {
	t.Helper()
	deadline := time.After(eventTimeout)
	for {
		select {
		case frame := <-c.send:
			env, err := protocol.Decode(frame)
			if err != nil {
				t.Fatalf("Client %s got undecodable frame: %v", c.id, err)
			}
			if env.Event != event {
				continue
			}
			if v != nil {
				if err := json.Unmarshal(env.Data, v); err != nil {
					t.Fatalf("Decode %s failed: %v", event, err)
				}
			}
			return
		case <-deadline:
			t.Fatalf("Client %s timed out waiting for %s", c.id, event)
		}
	}
}

func drain(c *Client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func join(t *testing.T, hub *Hub, c *Client, roomID, userID string) protocol.StateSync {
	t.Helper()
	send(t, hub, c, protocol.EventJoinRoom, protocol.JoinRoom{RoomID: roomID, UserID: userID, UserName: userID})
	var sync protocol.StateSync
	expect(t, c, protocol.EventStateSync, &sync)
	expect(t, c, protocol.EventParticipantsUpdated, nil)
	return sync
}

func operation(roomID, userID, clientID string, m room.Mutation) protocol.OperationRequest {
	return protocol.OperationRequest{
		RoomID:    roomID,
		Operation: room.Operation{UserID: userID, ClientID: clientID, Mutation: m},
	}
}

func TestJoinSendsStateThenRoster(t *testing.T) {
	hub := startHub(t, DefaultOptions())
	a := connect(hub, "sock-a")

	send(t, hub, a, protocol.EventJoinRoom, protocol.JoinRoom{RoomID: "r1", UserID: "A", UserName: "Alice"})

	first := next(t, a)
	if first.Event != protocol.EventStateSync {
		t.Fatalf("Expected %s first, got %s", protocol.EventStateSync, first.Event)
	}
	var sync protocol.StateSync
	if err := json.Unmarshal(first.Data, &sync); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if sync.RoomID != "r1" || len(sync.Participants) != 1 {
		t.Errorf("Unexpected state sync: %+v", sync)
	}

	second := next(t, a)
	if second.Event != protocol.EventParticipantsUpdated {
		t.Errorf("Expected %s second, got %s", protocol.EventParticipantsUpdated, second.Event)
	}
}

func TestSecondJoinerIsAnnounced(t *testing.T) {
	hub := startHub(t, DefaultOptions())
	a := connect(hub, "sock-a")
	b := connect(hub, "sock-b")

	join(t, hub, a, "r1", "A")
	join(t, hub, b, "r1", "B")

	var joined protocol.ParticipantJoined
	expect(t, a, protocol.EventParticipantJoined, &joined)
	if joined.Participant.UserID != "B" {
		t.Errorf("Expected B to be announced, got %s", joined.Participant.UserID)
	}

	var roster protocol.ParticipantsUpdated
	expect(t, a, protocol.EventParticipantsUpdated, &roster)
	if len(roster.Participants) != 2 {
		t.Errorf("Expected 2 participants, got %d", len(roster.Participants))
	}
}

func TestAddTaskBroadcastsState(t *testing.T) {
	hub := startHub(t, DefaultOptions())
	a := connect(hub, "sock-a")
	b := connect(hub, "sock-b")
	join(t, hub, a, "r1", "A")
	join(t, hub, b, "r1", "B")

	send(t, hub, a, protocol.EventOperation, operation("r1", "A", "c1", room.AddTask{
		TaskID: "t1",
		Task:   map[string]any{"title": "Buy milk", "completed": false},
	}))

	for _, c := range []*Client{a, b} {
		var applied protocol.OperationApplied
		expect(t, c, protocol.EventOperationApplied, &applied)
		if applied.Operation.ID != 1 || applied.Operation.ClientID != "c1" {
			t.Errorf("Client %s: unexpected operation %+v", c.id, applied.Operation)
		}
		title, _ := applied.SharedState.Get("tasks.t1.title")
		if title != "Buy milk" {
			t.Errorf("Client %s: expected title Buy milk, got %v", c.id, title)
		}
	}
}

func TestLastWriterWinsByReceiptOrder(t *testing.T) {
	hub := startHub(t, DefaultOptions())
	a := connect(hub, "sock-a")
	b := connect(hub, "sock-b")
	join(t, hub, a, "r1", "A")
	join(t, hub, b, "r1", "B")

	send(t, hub, a, protocol.EventOperation, operation("r1", "A", "add", room.AddTask{TaskID: "t1", Task: map[string]any{"title": "start"}}))
	send(t, hub, a, protocol.EventOperation, operation("r1", "A", "x", room.UpdateTask{TaskID: "t1", Updates: map[string]any{"title": "X"}}))
	send(t, hub, b, protocol.EventOperation, operation("r1", "B", "y", room.UpdateTask{TaskID: "t1", Updates: map[string]any{"title": "Y"}}))

	var last protocol.OperationApplied
	for i := 0; i < 3; i++ {
		expect(t, b, protocol.EventOperationApplied, &last)
	}
	if last.Operation.ID != 3 {
		t.Fatalf("Expected third operation last, got id %d", last.Operation.ID)
	}
	title, _ := last.SharedState.Get("tasks.t1.title")
	if title != "Y" {
		t.Errorf("Expected title Y, got %v", title)
	}
	if by, _ := last.SharedState.Get("tasks.t1.lastModifiedBy"); by != "B" {
		t.Errorf("Expected lastModifiedBy B, got %v", by)
	}
}

func TestLockContention(t *testing.T) {
	hub := startHub(t, DefaultOptions())
	a := connect(hub, "sock-a")
	b := connect(hub, "sock-b")
	join(t, hub, a, "r1", "A")
	join(t, hub, b, "r1", "B")

	send(t, hub, a, protocol.EventRequestEditLock, protocol.EditLockRequest{RoomID: "r1", Field: "task_t1_title", UserID: "A"})
	var resp protocol.EditLockResponse
	expect(t, a, protocol.EventEditLockResponse, &resp)
	if !resp.Success {
		t.Fatal("Expected A to acquire the lock")
	}

	var locked protocol.FieldLocked
	expect(t, b, protocol.EventFieldLocked, &locked)
	if locked.UserID != "A" || locked.Field != "task_t1_title" {
		t.Errorf("Unexpected field_locked: %+v", locked)
	}

	send(t, hub, b, protocol.EventRequestEditLock, protocol.EditLockRequest{RoomID: "r1", Field: "task_t1_title", UserID: "B"})
	expect(t, b, protocol.EventEditLockResponse, &resp)
	if resp.Success || resp.CurrentEditor != "A" {
		t.Errorf("Expected denial naming A, got %+v", resp)
	}
}

func TestDisconnectReleasesLocks(t *testing.T) {
	hub := startHub(t, DefaultOptions())
	a := connect(hub, "sock-a")
	b := connect(hub, "sock-b")
	join(t, hub, a, "r1", "A")
	join(t, hub, b, "r1", "B")

	send(t, hub, a, protocol.EventRequestEditLock, protocol.EditLockRequest{RoomID: "r1", Field: "task_t1_title", UserID: "A"})
	expect(t, b, protocol.EventFieldLocked, nil)

	hub.Unregister(a)

	var unlocked protocol.FieldUnlocked
	expect(t, b, protocol.EventFieldUnlocked, &unlocked)
	if unlocked.Field != "task_t1_title" || unlocked.UserID != "A" {
		t.Errorf("Unexpected field_unlocked: %+v", unlocked)
	}
	var roster protocol.ParticipantsUpdated
	expect(t, b, protocol.EventParticipantsUpdated, &roster)
	if len(roster.Participants) != 1 || roster.Participants[0].UserID != "B" {
		t.Errorf("Expected only B left, got %+v", roster.Participants)
	}
	var released protocol.UserFieldsUnlocked
	expect(t, b, protocol.EventUserFieldsUnlocked, &released)
	if released.UserID != "A" || len(released.Fields) != 1 {
		t.Errorf("Unexpected user_fields_unlocked: %+v", released)
	}

	send(t, hub, b, protocol.EventRequestEditLock, protocol.EditLockRequest{RoomID: "r1", Field: "task_t1_title", UserID: "B"})
	var resp protocol.EditLockResponse
	expect(t, b, protocol.EventEditLockResponse, &resp)
	if !resp.Success {
		t.Error("Expected B to acquire the released lock")
	}
	if hub.GetClientCount() != 1 {
		t.Errorf("Expected 1 client, got %d", hub.GetClientCount())
	}
}

func TestOperationOnMissingRoom(t *testing.T) {
	hub := startHub(t, DefaultOptions())
	a := connect(hub, "sock-a")

	send(t, hub, a, protocol.EventOperation, operation("nowhere", "A", "c1", room.DeleteTask{TaskID: "t1"}))

	var e protocol.Error
	expect(t, a, protocol.EventError, &e)
	if e.Code != room.CodeRoomNotFound {
		t.Errorf("Expected %s, got %s", room.CodeRoomNotFound, e.Code)
	}
	var rej protocol.OperationRejected
	expect(t, a, protocol.EventOperationRejected, &rej)
	if rej.ClientID != "c1" {
		t.Errorf("Expected rejection for c1, got %q", rej.ClientID)
	}
}

func TestOperationFromNonMemberRejected(t *testing.T) {
	hub := startHub(t, DefaultOptions())
	a := connect(hub, "sock-a")
	b := connect(hub, "sock-b")
	join(t, hub, a, "r1", "A")

	send(t, hub, b, protocol.EventOperation, operation("r1", "A", "spoof", room.DeleteTask{TaskID: "t1"}))

	var rej protocol.OperationRejected
	expect(t, b, protocol.EventOperationRejected, &rej)
	if rej.Code != room.CodeNotParticipant {
		t.Errorf("Expected %s, got %s", room.CodeNotParticipant, rej.Code)
	}
}

func TestRejectedUpdateAfterDelete(t *testing.T) {
	hub := startHub(t, DefaultOptions())
	a := connect(hub, "sock-a")
	join(t, hub, a, "r1", "A")

	send(t, hub, a, protocol.EventOperation, operation("r1", "A", "add", room.AddTask{TaskID: "t1", Task: map[string]any{"title": "a"}}))
	send(t, hub, a, protocol.EventOperation, operation("r1", "A", "del", room.DeleteTask{TaskID: "t1"}))
	send(t, hub, a, protocol.EventOperation, operation("r1", "A", "upd", room.UpdateTask{TaskID: "t1", Updates: map[string]any{"title": "Z"}}))

	var rej protocol.OperationRejected
	expect(t, a, protocol.EventOperationRejected, &rej)
	if rej.ClientID != "upd" || rej.Code != room.CodeMalformedOperation {
		t.Errorf("Unexpected rejection: %+v", rej)
	}

	r, _ := hub.Room("r1")
	if r.State().HasTask("t1") {
		t.Error("Expected t1 to stay deleted")
	}
}

func TestPresenceSkipsSender(t *testing.T) {
	hub := startHub(t, DefaultOptions())
	a := connect(hub, "sock-a")
	b := connect(hub, "sock-b")
	join(t, hub, a, "r1", "A")
	join(t, hub, b, "r1", "B")
	drain(a)

	send(t, hub, a, protocol.EventUpdatePresence, protocol.UpdatePresence{
		RoomID:       "r1",
		UserID:       "A",
		PresenceData: protocol.PresenceData{Cursor: &room.Cursor{X: 3, Y: 4}},
	})

	var upd protocol.PresenceUpdated
	expect(t, b, protocol.EventPresenceUpdated, &upd)
	if upd.UserID != "A" || upd.PresenceData.Cursor == nil || upd.PresenceData.Cursor.X != 3 {
		t.Errorf("Unexpected presence: %+v", upd)
	}

	send(t, hub, a, protocol.EventPing, nil)
	if env := next(t, a); env.Event != protocol.EventPong {
		t.Errorf("Expected sender to see only pong, got %s", env.Event)
	}
}

func TestMissingRoomIDIsRejected(t *testing.T) {
	hub := startHub(t, DefaultOptions())
	a := connect(hub, "sock-a")

	send(t, hub, a, protocol.EventJoinRoom, protocol.JoinRoom{UserID: "A"})

	var e protocol.Error
	expect(t, a, protocol.EventError, &e)
	if e.Code != room.CodeInvalidPayload {
		t.Errorf("Expected %s, got %s", room.CodeInvalidPayload, e.Code)
	}
}

func TestRoomsArePinnedToShards(t *testing.T) {
	opts := DefaultOptions()
	opts.Shards = 8
	hub := NewHub(opts)

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("room-%d", i)
		if hub.shardFor(id) != hub.shardFor(id) {
			t.Fatalf("Room %s moved between shards", id)
		}
	}
}

func TestSubmitAppliesServerOperation(t *testing.T) {
	hub := startHub(t, DefaultOptions())
	a := connect(hub, "sock-a")
	join(t, hub, a, "r1", "A")

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	op, err := hub.Submit(ctx, "r1", room.Operation{
		UserID:   "system",
		Mutation: room.SetValue{Path: "tasks", Value: map[string]any{"t9": map[string]any{"title": "restored"}}},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if op.ID != 1 {
		t.Errorf("Expected id 1, got %d", op.ID)
	}

	var applied protocol.OperationApplied
	expect(t, a, protocol.EventOperationApplied, &applied)
	if !applied.SharedState.HasTask("t9") {
		t.Error("Expected restored task in broadcast state")
	}

	if _, err := hub.Submit(ctx, "missing", op); room.Code(err) != room.CodeRoomNotFound {
		t.Errorf("Expected ROOM_NOT_FOUND, got %v", err)
	}
}

// memStore keeps snapshots in memory.
type memStore struct {
	mu    sync.Mutex
	snaps map[string]room.Snapshot
}

func newMemStore() *memStore {
	return &memStore{snaps: make(map[string]room.Snapshot)}
}

func (m *memStore) LoadSnapshot(ctx context.Context, roomID string) (*room.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[roomID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (m *memStore) SaveSnapshot(ctx context.Context, snap room.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.RoomID] = snap
	return nil
}

func stateWithTask(t *testing.T, id string) *room.State {
	t.Helper()
	s := room.NewState()
	op := room.Operation{UserID: "A", Mutation: room.AddTask{TaskID: id, Task: map[string]any{"title": id}}}
	if err := room.Apply(s, op, time.Now()); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	return s
}

func TestColdWriteHoldsQueuedJoin(t *testing.T) {
	store := newMemStore()
	store.snaps["r1"] = room.Snapshot{RoomID: "r1", State: stateWithTask(t, "old")}
	opts := DefaultOptions()
	opts.Store = store
	hub := startHub(t, opts)
	a := connect(hub, "sock-a")

	joinFrame, err := protocol.Encode(protocol.EventJoinRoom, protocol.JoinRoom{RoomID: "r1", UserID: "A", UserName: "A"})
	if err != nil {
		t.Fatal(err)
	}
	restore := room.Operation{UserID: "system", Mutation: room.SetValue{Path: "tasks", Value: map[string]any{}}}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	_, live, err := hub.SubmitOrElse(ctx, "r1", restore, func(ctx context.Context) error {
		// The join lands in the shard inbox behind this write.
		hub.Dispatch(a, joinFrame)
		time.Sleep(20 * time.Millisecond)
		if _, ok := hub.Room("r1"); ok {
			t.Error("Expected room to stay unloaded during the cold write")
		}
		return store.SaveSnapshot(ctx, room.Snapshot{RoomID: "r1", State: stateWithTask(t, "restored")})
	})
	if err != nil {
		t.Fatalf("SubmitOrElse failed: %v", err)
	}
	if live {
		t.Error("Expected the cold path to run")
	}

	var synced protocol.StateSync
	expect(t, a, protocol.EventStateSync, &synced)
	if !synced.SharedState.HasTask("restored") || synced.SharedState.HasTask("old") {
		t.Errorf("Expected the joiner to load the restored snapshot, got tasks %v", synced.SharedState.TaskIDs())
	}
}

func TestSubmitOrElseAppliesToLiveRoom(t *testing.T) {
	hub := startHub(t, DefaultOptions())
	a := connect(hub, "sock-a")
	join(t, hub, a, "r1", "A")

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	coldRan := false
	op, live, err := hub.SubmitOrElse(ctx, "r1", room.Operation{
		UserID:   "system",
		Mutation: room.SetValue{Path: "tasks", Value: map[string]any{"t1": map[string]any{"title": "back"}}},
	}, func(context.Context) error {
		coldRan = true
		return nil
	})
	if err != nil {
		t.Fatalf("SubmitOrElse failed: %v", err)
	}
	if !live || coldRan {
		t.Errorf("Expected the live path, got live=%v coldRan=%v", live, coldRan)
	}
	if op.ID != 1 {
		t.Errorf("Expected id 1, got %d", op.ID)
	}
	var applied protocol.OperationApplied
	expect(t, a, protocol.EventOperationApplied, &applied)
	if !applied.SharedState.HasTask("t1") {
		t.Error("Expected restored task in broadcast state")
	}
}

func TestWhenColdRefusesLiveRoom(t *testing.T) {
	hub := startHub(t, DefaultOptions())
	a := connect(hub, "sock-a")
	join(t, hub, a, "r1", "A")

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	ran := false
	err := hub.WhenCold(ctx, "r1", func(context.Context) error {
		ran = true
		return nil
	})
	if !errors.Is(err, ErrRoomLive) {
		t.Errorf("Expected ErrRoomLive, got %v", err)
	}
	if ran {
		t.Error("Expected fn not to run for a live room")
	}

	if err := hub.WhenCold(ctx, "r2", func(context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Errorf("Expected nil for a cold room, got %v", err)
	}
	if !ran {
		t.Error("Expected fn to run for a cold room")
	}
}

func TestConcurrentRoomsAcrossShards(t *testing.T) {
	opts := DefaultOptions()
	opts.Shards = 4
	hub := startHub(t, opts)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			roomID := fmt.Sprintf("r%d", i)
			c := connect(hub, "sock-"+roomID)
			frame, _ := protocol.Encode(protocol.EventJoinRoom, protocol.JoinRoom{RoomID: roomID, UserID: "u"})
			hub.Dispatch(c, frame)
			for j := 0; j < 10; j++ {
				frame, err := protocol.Encode(protocol.EventOperation, operation(roomID, "u", fmt.Sprintf("c%d", j),
					room.AddTask{TaskID: fmt.Sprintf("t%d", j), Task: map[string]any{"n": j}}))
				if err != nil {
					t.Errorf("Encode failed: %v", err)
					return
				}
				hub.Dispatch(c, frame)
			}
		}(i)
	}
	wg.Wait()

	deadline := time.Now().Add(eventTimeout)
	for time.Now().Before(deadline) {
		total := 0
		for _, r := range hub.Rooms() {
			total += int(r.LastOperationID())
		}
		if total == 80 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := len(hub.Rooms()); got != 8 {
		t.Fatalf("Expected 8 rooms, got %d", got)
	}
	for _, r := range hub.Rooms() {
		if r.State().TaskCount() != 10 {
			t.Errorf("Room %s: expected 10 tasks, got %d", r.ID, r.State().TaskCount())
		}
	}
	if hub.GetRoomCount() != 8 {
		t.Errorf("Expected 8 active rooms, got %d", hub.GetRoomCount())
	}
}
