package room

import (
	"fmt"
	"sync"
	"time"
)

const (
	// MaxHistory bounds the operation history kept per room.
	MaxHistory = 100

	// JoinHistory is the history tail sent to a joining client.
	JoinHistory = 20
)

// A collaborative task session
type Room struct {
	ID string

	mu              sync.RWMutex
	state           *State
	participants    map[string]*Participant
	editors         map[string]EditLock
	history         []Operation
	seenClientIDs   map[string]int
	lastOperationID uint64
	lastActivity    time.Time
	enforceLocks    bool
	now             func() time.Time
}

type Option func(*Room)

// WithClock overrides time.Now for stamping.
func WithClock(now func() time.Time) Option {
	return func(r *Room) { r.now = now }
}

// WithEnforcedLocks makes ApplyOperation reject task updates that touch
// a field locked by another user.
func WithEnforcedLocks(enforce bool) Option {
	return func(r *Room) { r.enforceLocks = enforce }
}

// Creates a new empty room with the given ID
func NewRoom(id string, opts ...Option) *Room {
	r := &Room{
		ID:            id,
		state:         NewState(),
		participants:  make(map[string]*Participant),
		editors:       make(map[string]EditLock),
		history:       make([]Operation, 0, MaxHistory),
		seenClientIDs: make(map[string]int),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.lastActivity = r.now()
	return r
}

// ApplyOperation validates op, applies it to the shared state and stamps
// it with the next operation id. A rejected operation leaves the room
// unchanged and consumes no id.
func (r *Room) ApplyOperation(op Operation) (Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if op.ClientID != "" && r.seenClientIDs[op.ClientID] > 0 {
		return Operation{}, fmt.Errorf("%w: clientId %s", ErrDuplicateOperation, op.ClientID)
	}
	if r.enforceLocks {
		if err := r.checkLocksLocked(op); err != nil {
			return Operation{}, err
		}
	}

	now := r.now()
	if err := Apply(r.state, op, now); err != nil {
		return Operation{}, err
	}

	r.lastOperationID++
	op.ID = r.lastOperationID
	op.Timestamp = now
	r.lastActivity = now
	r.appendHistoryLocked(op)
	return op, nil
}

func (r *Room) appendHistoryLocked(op Operation) {
	r.history = append(r.history, op)
	if op.ClientID != "" {
		r.seenClientIDs[op.ClientID]++
	}
	if over := len(r.history) - MaxHistory; over > 0 {
		for _, old := range r.history[:over] {
			r.forgetLocked(old.ClientID)
		}
		r.history = append(r.history[:0], r.history[over:]...)
	}
}

func (r *Room) forgetLocked(clientID string) {
	if clientID == "" {
		return
	}
	if r.seenClientIDs[clientID] <= 1 {
		delete(r.seenClientIDs, clientID)
		return
	}
	r.seenClientIDs[clientID]--
}

// History returns the last n operations, oldest first. n <= 0 returns
// the whole retained history.
func (r *Room) History(n int) []Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.historyLocked(n)
}

func (r *Room) historyLocked(n int) []Operation {
	start := 0
	if n > 0 && len(r.history) > n {
		start = len(r.history) - n
	}
	out := make([]Operation, len(r.history)-start)
	copy(out, r.history[start:])
	return out
}

// State returns a copy of the shared state.
func (r *Room) State() *State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Clone()
}

func (r *Room) LastOperationID() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastOperationID
}

// IdleSince reports when the room last saw a join, leave or operation.
func (r *Room) IdleSince() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActivity
}

// Sync is the point-in-time view sent to a joining client.
type Sync struct {
	RoomID           string              `json:"roomId"`
	SharedState      *State              `json:"sharedState"`
	OperationHistory []Operation         `json:"operationHistory"`
	Participants     []Participant       `json:"participants"`
	ActiveEditors    map[string]EditLock `json:"activeEditors"`
}

// SyncView captures state, roster, locks and the last historyTail
// operations under one read lock.
func (r *Room) SyncView(historyTail int) Sync {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Sync{
		RoomID:           r.ID,
		SharedState:      r.state.Clone(),
		OperationHistory: r.historyLocked(historyTail),
		Participants:     r.participantsLocked(),
		ActiveEditors:    r.editorsLocked(),
	}
}

// Snapshot is the durable form of a room.
type Snapshot struct {
	RoomID          string      `json:"roomId"`
	State           *State      `json:"sharedState"`
	History         []Operation `json:"operationHistory"`
	LastOperationID uint64      `json:"lastOperationId"`
}

func (r *Room) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		RoomID:          r.ID,
		State:           r.state.Clone(),
		History:         r.historyLocked(0),
		LastOperationID: r.lastOperationID,
	}
}

// Restore replaces state, history and the operation counter from a
// snapshot. Participants and locks are untouched.
func (r *Room) Restore(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.State != nil {
		r.state = s.State.Clone()
	} else {
		r.state = NewState()
	}
	r.history = r.history[:0]
	r.seenClientIDs = make(map[string]int)
	for _, op := range s.History {
		r.appendHistoryLocked(op)
	}
	r.lastOperationID = s.LastOperationID
}
