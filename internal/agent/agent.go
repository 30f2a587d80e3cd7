// Package agent is the client side of a collaboration room. It keeps an
// optimistic mirror of the shared state, queues operations while the
// transport is down, and reconciles with every server snapshot.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/manpreetbhatti/taskroom/internal/protocol"
	"github.com/manpreetbhatti/taskroom/internal/room"
)

const (
	DefaultLockTimeout = 5 * time.Second
	DefaultMaxRetries  = 3
)

type Options struct {
	UserID   string
	UserName string
	RoomID   string

	// LockTimeout bounds RequestEditLock. Zero means DefaultLockTimeout.
	LockTimeout time.Duration
	// MaxRetries is how many failed sends a queued operation survives.
	MaxRetries int
	// Connectivity gates queue flushing on reconnect. Nil uses the
	// transport's own link state.
	Connectivity func() bool

	Now func() time.Time
}

// Agent mirrors one room for one user.
type Agent struct {
	transport Transport
	opts      Options

	mu       sync.Mutex
	joined   bool
	synced   chan struct{}
	base     *room.State
	state    *room.State
	lastOpID uint64
	// Operations emitted but not yet echoed back, in send order.
	pending      []room.Operation
	queue        queue
	participants []room.Participant
	locks        map[string]room.EditLock

	unsubs []func()
	closed bool

	stateListeners       listeners[*room.State]
	participantListeners listeners[[]room.Participant]
	lockListeners        listeners[[]room.EditLock]
	presenceListeners    listeners[protocol.PresenceUpdated]
	errorListeners       listeners[error]
}

func New(transport Transport, opts Options) *Agent {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Connectivity == nil {
		opts.Connectivity = transport.IsConnected
	}
	if opts.UserName == "" {
		opts.UserName = "User " + opts.UserID
	}

	a := &Agent{
		transport: transport,
		opts:      opts,
		synced:    make(chan struct{}),
		base:      room.NewState(),
		state:     room.NewState(),
		locks:     make(map[string]room.EditLock),
		queue:     queue{maxRetries: opts.MaxRetries},
	}
	a.unsubs = []func(){
		on(transport, protocol.EventStateSync, a.onStateSync),
		on(transport, protocol.EventOperationApplied, a.onOperationApplied),
		on(transport, protocol.EventOperationRejected, a.onOperationRejected),
		on(transport, protocol.EventParticipantsUpdated, a.onParticipantsUpdated),
		on(transport, protocol.EventFieldLocked, a.onFieldLocked),
		on(transport, protocol.EventFieldUnlocked, a.onFieldUnlocked),
		on(transport, protocol.EventUserFieldsUnlocked, a.onUserFieldsUnlocked),
		on(transport, protocol.EventPresenceUpdated, a.onPresenceUpdated),
		on(transport, protocol.EventError, a.onCollaborationError),
		transport.Subscribe(protocol.EventConnect, func(json.RawMessage) { a.onConnect() }),
		transport.Subscribe(protocol.EventDisconnect, func(json.RawMessage) { a.onDisconnect() }),
	}
	return a
}

// on subscribes a typed handler. Payloads that fail to decode are logged
// and dropped.
func on[T any](t Transport, event string, fn func(T)) func() {
	return t.Subscribe(event, func(data json.RawMessage) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			log.Printf("agent: bad %s payload: %v", event, err)
			return
		}
		fn(v)
	})
}

// Join announces the user to the room and waits for the first state
// sync. When the transport is down the intent is kept and the join is
// sent on the next connect.
func (a *Agent) Join(ctx context.Context) error {
	a.mu.Lock()
	a.joined = true
	synced := a.synced
	a.mu.Unlock()

	if !a.transport.IsConnected() {
		return ErrTransportDisconnected
	}
	if err := a.emitJoin(); err != nil {
		return err
	}
	select {
	case <-synced:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) emitJoin() error {
	return a.transport.Emit(protocol.EventJoinRoom, protocol.JoinRoom{
		RoomID:   a.opts.RoomID,
		UserID:   a.opts.UserID,
		UserName: a.opts.UserName,
	})
}

// Leave removes the user from the room. Queued operations are kept.
func (a *Agent) Leave() error {
	a.mu.Lock()
	if !a.joined {
		a.mu.Unlock()
		return ErrNotJoined
	}
	a.joined = false
	a.synced = make(chan struct{})
	a.mu.Unlock()

	if !a.transport.IsConnected() {
		return nil
	}
	return a.transport.Emit(protocol.EventLeaveRoom, protocol.LeaveRoom{RoomID: a.opts.RoomID, UserID: a.opts.UserID})
}

// AddTask creates taskID. createdBy and createdAt are filled in when the
// caller leaves them out.
func (a *Agent) AddTask(taskID string, task map[string]any) error {
	t := make(map[string]any, len(task)+2)
	for k, v := range task {
		t[k] = v
	}
	if _, ok := t["createdBy"]; !ok {
		t["createdBy"] = a.opts.UserID
	}
	if _, ok := t["createdAt"]; !ok {
		t["createdAt"] = a.opts.Now().UTC().Format(time.RFC3339Nano)
	}
	return a.submit(room.AddTask{TaskID: taskID, Task: t})
}

func (a *Agent) UpdateTask(taskID string, updates map[string]any) error {
	return a.submit(room.UpdateTask{TaskID: taskID, Updates: updates})
}

func (a *Agent) DeleteTask(taskID string) error {
	return a.submit(room.DeleteTask{TaskID: taskID})
}

func (a *Agent) SetValue(path string, value any) error {
	return a.submit(room.SetValue{Path: path, Value: value})
}

// submit applies m to the mirror, then sends it or queues it. An
// operation the local reducer refuses is never sent. While older
// operations are queued, m goes behind them so the server sees them in
// submission order.
func (a *Agent) submit(m room.Mutation) error {
	a.mu.Lock()
	if !a.joined {
		a.mu.Unlock()
		return ErrNotJoined
	}
	op := room.Operation{
		UserID:   a.opts.UserID,
		ClientID: uuid.NewString(),
		Mutation: m,
	}
	now := a.opts.Now()
	next := a.state.Clone()
	if err := room.Apply(next, op, now); err != nil {
		a.mu.Unlock()
		return err
	}
	a.state = next

	connected := a.transport.IsConnected()
	backlog := a.queue.len() > 0
	switch {
	case !connected || backlog:
		a.queue.push(op, now)
	default:
		if err := a.emitOperation(op); err != nil {
			log.Printf("agent: send %s failed, queued: %v", op.ClientID, err)
			a.queue.pushFailed(op, now)
		} else {
			a.pending = append(a.pending, op)
		}
	}
	state := a.state.Clone()
	a.mu.Unlock()

	a.stateListeners.notify(state)
	if connected && backlog && a.opts.Connectivity() {
		a.Flush()
	}
	return nil
}

func (a *Agent) emitOperation(op room.Operation) error {
	return a.transport.Emit(protocol.EventOperation, protocol.OperationRequest{RoomID: a.opts.RoomID, Operation: op})
}

// RequestEditLock asks for field. A denial is not an error: the result
// carries Success false and the user currently holding the field.
//
// The answer arrives on the transport's delivery goroutine, so calling
// this from an observer blocks until LockTimeout.
func (a *Agent) RequestEditLock(ctx context.Context, field string) (room.LockResult, error) {
	if !a.isJoined() {
		return room.LockResult{}, ErrNotJoined
	}
	if !a.transport.IsConnected() {
		return room.LockResult{}, ErrTransportDisconnected
	}

	resc := make(chan room.LockResult, 1)
	unsubscribe := on(a.transport, protocol.EventEditLockResponse, func(resp protocol.EditLockResponse) {
		if resp.Field != field {
			return
		}
		select {
		case resc <- room.LockResult{Success: resp.Success, CurrentEditor: resp.CurrentEditor}:
		default:
		}
	})
	defer unsubscribe()

	err := a.transport.Emit(protocol.EventRequestEditLock, protocol.EditLockRequest{
		RoomID: a.opts.RoomID,
		Field:  field,
		UserID: a.opts.UserID,
	})
	if err != nil {
		return room.LockResult{}, err
	}

	timer := time.NewTimer(a.opts.LockTimeout)
	defer timer.Stop()
	select {
	case res := <-resc:
		return res, nil
	case <-timer.C:
		return room.LockResult{}, fmt.Errorf("%w: %s", ErrLockResponseTimeout, field)
	case <-ctx.Done():
		return room.LockResult{}, ctx.Err()
	}
}

func (a *Agent) ReleaseEditLock(field string) error {
	return a.fire(protocol.EventReleaseEditLock, protocol.EditLockRequest{
		RoomID: a.opts.RoomID,
		Field:  field,
		UserID: a.opts.UserID,
	})
}

func (a *Agent) UpdatePresence(presence protocol.PresenceData) error {
	return a.fire(protocol.EventUpdatePresence, protocol.UpdatePresence{
		RoomID:       a.opts.RoomID,
		UserID:       a.opts.UserID,
		PresenceData: presence,
	})
}

func (a *Agent) SetActivity(active bool) error {
	return a.fire(protocol.EventUserActivityChange, protocol.ActivityChange{
		RoomID:   a.opts.RoomID,
		UserID:   a.opts.UserID,
		IsActive: active,
	})
}

// fire emits an event that expects no reply.
func (a *Agent) fire(event string, payload any) error {
	if !a.isJoined() {
		return ErrNotJoined
	}
	if !a.transport.IsConnected() {
		return ErrTransportDisconnected
	}
	return a.transport.Emit(event, payload)
}

func (a *Agent) isJoined() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.joined
}

// State returns a copy of the local mirror.
func (a *Agent) State() *room.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Clone()
}

// LastOperationID is the id of the newest server operation seen.
func (a *Agent) LastOperationID() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastOpID
}

func (a *Agent) Participants() []room.Participant {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]room.Participant(nil), a.participants...)
}

// Locks returns the known edit locks ordered by field.
func (a *Agent) Locks() []room.EditLock {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.locksLocked()
}

func (a *Agent) locksLocked() []room.EditLock {
	out := make([]room.EditLock, 0, len(a.locks))
	for _, l := range a.locks {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// Pending returns the number of operations sent but not yet acknowledged.
func (a *Agent) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Queued returns the operations waiting for the transport.
func (a *Agent) Queued() []QueuedOperation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queue.snapshot()
}

// OnStateChange registers fn for every change of the mirror. Observers
// run on the transport's delivery goroutine and must not wait for a
// server answer there: hand RequestEditLock or Join off to another
// goroutine.
func (a *Agent) OnStateChange(fn func(*room.State)) func() {
	return a.stateListeners.add(fn)
}

func (a *Agent) OnParticipantsChange(fn func([]room.Participant)) func() {
	return a.participantListeners.add(fn)
}

// OnLocksChange runs like OnStateChange, on the delivery goroutine.
func (a *Agent) OnLocksChange(fn func([]room.EditLock)) func() {
	return a.lockListeners.add(fn)
}

func (a *Agent) OnPresenceChange(fn func(protocol.PresenceUpdated)) func() {
	return a.presenceListeners.add(fn)
}

func (a *Agent) OnError(fn func(error)) func() {
	return a.errorListeners.add(fn)
}

// Close drops every transport subscription and observer. It does not
// close the transport.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	unsubs := a.unsubs
	a.unsubs = nil
	a.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	a.stateListeners.clear()
	a.participantListeners.clear()
	a.lockListeners.clear()
	a.presenceListeners.clear()
	a.errorListeners.clear()
}

// rebuildLocked recomputes the mirror as the last snapshot plus every
// operation the server has not acknowledged yet.
func (a *Agent) rebuildLocked() {
	next := a.base.Clone()
	now := a.opts.Now()
	for _, ops := range [][]room.Operation{a.pending, a.queue.operations()} {
		for _, op := range ops {
			// An op that no longer applies will come back rejected.
			_ = room.Apply(next, op, now)
		}
	}
	a.state = next
}

func (a *Agent) onStateSync(s protocol.StateSync) {
	if s.RoomID != a.opts.RoomID {
		return
	}
	a.mu.Lock()
	if s.SharedState != nil {
		a.base = s.SharedState
	} else {
		a.base = room.NewState()
	}
	for _, op := range s.OperationHistory {
		a.ackLocked(op.ClientID)
		if op.ID > a.lastOpID {
			a.lastOpID = op.ID
		}
	}
	a.participants = s.Participants
	a.locks = make(map[string]room.EditLock, len(s.ActiveEditors))
	for field, l := range s.ActiveEditors {
		a.locks[field] = l
	}
	a.rebuildLocked()

	state := a.state.Clone()
	participants := append([]room.Participant(nil), a.participants...)
	locks := a.locksLocked()
	select {
	case <-a.synced:
	default:
		close(a.synced)
	}
	a.mu.Unlock()

	a.stateListeners.notify(state)
	a.participantListeners.notify(participants)
	a.lockListeners.notify(locks)
}

func (a *Agent) onOperationApplied(applied protocol.OperationApplied) {
	if applied.RoomID != a.opts.RoomID {
		return
	}
	a.mu.Lock()
	if applied.SharedState != nil {
		a.base = applied.SharedState
	}
	if applied.Operation.ID > a.lastOpID {
		a.lastOpID = applied.Operation.ID
	}
	a.ackLocked(applied.Operation.ClientID)
	a.rebuildLocked()
	state := a.state.Clone()
	a.mu.Unlock()

	a.stateListeners.notify(state)
}

// ackLocked forgets an own operation once the server has answered for it.
func (a *Agent) ackLocked(clientID string) bool {
	if clientID == "" {
		return false
	}
	for i, op := range a.pending {
		if op.ClientID == clientID {
			a.pending = append(a.pending[:i], a.pending[i+1:]...)
			return true
		}
	}
	return a.queue.remove(clientID)
}

func (a *Agent) onOperationRejected(rej protocol.OperationRejected) {
	a.mu.Lock()
	known := a.ackLocked(rej.ClientID)
	if known {
		a.rebuildLocked()
	}
	state := a.state.Clone()
	a.mu.Unlock()

	if known {
		a.stateListeners.notify(state)
	}
	// A resent operation the server already holds is not a failure.
	if rej.Code == room.CodeDuplicateOperation {
		return
	}
	a.errorListeners.notify(&RemoteError{
		RoomID:   rej.RoomID,
		ClientID: rej.ClientID,
		Code:     rej.Code,
		Message:  rej.Message,
	})
}

func (a *Agent) onCollaborationError(e protocol.Error) {
	if e.RoomID != "" && e.RoomID != a.opts.RoomID {
		return
	}
	a.errorListeners.notify(&RemoteError{RoomID: e.RoomID, Code: e.Code, Message: e.Message})
}

func (a *Agent) onParticipantsUpdated(u protocol.ParticipantsUpdated) {
	if u.RoomID != a.opts.RoomID {
		return
	}
	a.mu.Lock()
	a.participants = u.Participants
	participants := append([]room.Participant(nil), a.participants...)
	a.mu.Unlock()
	a.participantListeners.notify(participants)
}

func (a *Agent) onFieldLocked(l protocol.FieldLocked) {
	a.mu.Lock()
	a.locks[l.Field] = l
	locks := a.locksLocked()
	a.mu.Unlock()
	a.lockListeners.notify(locks)
}

func (a *Agent) onFieldUnlocked(u protocol.FieldUnlocked) {
	a.mu.Lock()
	if l, ok := a.locks[u.Field]; ok && l.UserID == u.UserID {
		delete(a.locks, u.Field)
	}
	locks := a.locksLocked()
	a.mu.Unlock()
	a.lockListeners.notify(locks)
}

func (a *Agent) onUserFieldsUnlocked(u protocol.UserFieldsUnlocked) {
	a.mu.Lock()
	changed := false
	for _, field := range u.Fields {
		if l, ok := a.locks[field]; ok && l.UserID == u.UserID {
			delete(a.locks, field)
			changed = true
		}
	}
	locks := a.locksLocked()
	a.mu.Unlock()
	if changed {
		a.lockListeners.notify(locks)
	}
}

func (a *Agent) onPresenceUpdated(p protocol.PresenceUpdated) {
	a.presenceListeners.notify(p)
}

// onDisconnect moves unacknowledged operations back to the head of the
// queue. The server drops duplicates, so resending them is safe.
func (a *Agent) onDisconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) > 0 {
		log.Printf("agent: connection lost with %d unacknowledged operations", len(a.pending))
	}
	a.queue.prepend(a.pending, a.opts.Now())
	a.pending = nil
}

// onConnect rejoins the room and flushes the queue when the connectivity
// check agrees the link is up.
func (a *Agent) onConnect() {
	if !a.isJoined() {
		return
	}
	if err := a.emitJoin(); err != nil {
		log.Printf("agent: rejoin %s failed: %v", a.opts.RoomID, err)
		return
	}
	if !a.opts.Connectivity() {
		return
	}
	a.Flush()
}

// Flush sends queued operations in order. It stops at the first failed
// send; an operation that has failed more than its MaxRetries times is
// dropped and reported through OnError.
func (a *Agent) Flush() int {
	a.mu.Lock()
	sent, dropped := a.flushLocked()
	var state *room.State
	if len(dropped) > 0 {
		a.rebuildLocked()
		state = a.state.Clone()
	}
	a.mu.Unlock()

	if state != nil {
		a.stateListeners.notify(state)
	}
	for _, err := range dropped {
		a.errorListeners.notify(err)
	}
	return sent
}

func (a *Agent) flushLocked() (int, []error) {
	var dropped []error
	sent := 0
	for {
		q, ok := a.queue.peek()
		if !ok {
			break
		}
		if err := a.emitOperation(q.Operation); err != nil {
			q.RetryCount++
			if !q.exhausted() {
				break
			}
			log.Printf("agent: dropping operation %s after %d attempts: %v", q.Operation.ClientID, q.RetryCount, err)
			dropped = append(dropped, fmt.Errorf("operation %s dropped after %d attempts: %w", q.Operation.ClientID, q.RetryCount, err))
			a.queue.pop()
			continue
		}
		a.pending = append(a.pending, q.Operation)
		a.queue.pop()
		sent++
	}
	return sent, dropped
}
