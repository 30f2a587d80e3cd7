package room

import (
	"sort"
	"time"
)

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Participant is a user connected to a room through one socket.
type Participant struct {
	UserID       string     `json:"userId"`
	UserName     string     `json:"userName"`
	SocketID     string     `json:"socketId"`
	Cursor       *Cursor    `json:"cursor,omitempty"`
	Selection    *Selection `json:"selection,omitempty"`
	LastActivity time.Time  `json:"lastActivity"`
	IsActive     bool       `json:"isActive"`
}

// Departure describes a participant removed from a room and the lock
// fields released on its behalf.
type Departure struct {
	Participant Participant
	Fields      []string
}

// Join registers a participant. A user joining again from another socket
// replaces the previous entry.
func (r *Room) Join(userID, userName, socketID string) Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	p := &Participant{
		UserID:       userID,
		UserName:     userName,
		SocketID:     socketID,
		LastActivity: now,
		IsActive:     true,
	}
	r.participants[userID] = p
	r.lastActivity = now
	return *p
}

// Leave removes the participant bound to socketID, if any, and releases
// its locks.
func (r *Room) Leave(userID, socketID string) (Departure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[userID]
	if !ok || p.SocketID != socketID {
		return Departure{}, false
	}
	return r.removeLocked(p), true
}

// RemoveSocket removes every participant bound to socketID.
func (r *Room) RemoveSocket(socketID string) []Departure {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Departure
	for _, p := range r.participants {
		if p.SocketID == socketID {
			out = append(out, r.removeLocked(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Participant.UserID < out[j].Participant.UserID
	})
	return out
}

func (r *Room) removeLocked(p *Participant) Departure {
	delete(r.participants, p.UserID)
	r.lastActivity = r.now()
	return Departure{
		Participant: *p,
		Fields:      r.releaseAllLocked(p.UserID),
	}
}

func (r *Room) Participant(userID string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[userID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Participants returns the roster ordered by user id.
func (r *Room) Participants() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.participantsLocked()
}

func (r *Room) participantsLocked() []Participant {
	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Room) ParticipantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// UpdatePresence stores the cursor and selection of a participant.
func (r *Room) UpdatePresence(userID string, cursor *Cursor, selection *Selection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[userID]
	if !ok {
		return false
	}
	p.Cursor = cursor
	p.Selection = selection
	p.LastActivity = r.now()
	return true
}

func (r *Room) SetActivity(userID string, active bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[userID]
	if !ok {
		return false
	}
	p.IsActive = active
	p.LastActivity = r.now()
	return true
}
