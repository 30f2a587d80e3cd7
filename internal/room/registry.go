package room

import (
	"sort"
	"sync"
	"time"
)

// Policy controls when empty rooms are evicted. A zero IdleTTL keeps
// rooms forever.
type Policy struct {
	IdleTTL time.Duration
}

// Factory builds the room for an id seen for the first time.
type Factory func(id string) *Room

// Registry maps room ids to rooms.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]*Room
	policy  Policy
	factory Factory
}

func NewRegistry(policy Policy, factory Factory) *Registry {
	if factory == nil {
		factory = func(id string) *Room { return NewRoom(id) }
	}
	return &Registry{
		rooms:   make(map[string]*Room),
		policy:  policy,
		factory: factory,
	}
}

// GetOrCreate returns the room for id, building it on first use.
func (g *Registry) GetOrCreate(id string) (*Room, bool) {
	g.mu.RLock()
	r, ok := g.rooms[id]
	g.mu.RUnlock()
	if ok {
		return r, false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms[id]; ok {
		return r, false
	}
	r = g.factory(id)
	g.rooms[id] = r
	return r, true
}

func (g *Registry) Get(id string) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rooms[id]
	return r, ok
}

func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// Rooms returns the registered rooms ordered by id.
func (g *Registry) Rooms() []*Room {
	g.mu.RLock()
	out := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		out = append(out, r)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reap removes rooms without participants that have been idle longer
// than the policy TTL and returns them.
func (g *Registry) Reap(now time.Time) []*Room {
	if g.policy.IdleTTL <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	var reaped []*Room
	for id, r := range g.rooms {
		if r.ParticipantCount() == 0 && now.Sub(r.IdleSince()) >= g.policy.IdleTTL {
			delete(g.rooms, id)
			reaped = append(reaped, r)
		}
	}
	sort.Slice(reaped, func(i, j int) bool { return reaped[i].ID < reaped[j].ID })
	return reaped
}
