// Package snapshot periodically persists live rooms and keeps a trail of
// automatic checkpoints.
package snapshot

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/manpreetbhatti/taskroom/internal/db"
	"github.com/manpreetbhatti/taskroom/internal/room"
)

// Source lists the rooms currently held in memory.
type Source interface {
	Rooms() []*room.Room
}

type Config struct {
	Interval time.Duration
	// CheckpointThreshold is the number of operations after which a room
	// gets a new auto checkpoint. Zero disables auto checkpoints.
	CheckpointThreshold uint64
	KeepAutoCheckpoints int
}

func DefaultConfig() Config {
	return Config{
		Interval:            30 * time.Second,
		CheckpointThreshold: 100,
		KeepAutoCheckpoints: 10,
	}
}

type Service struct {
	database *db.Database
	source   Source
	config   Config

	mu        sync.Mutex
	saved     map[string]uint64
	checkedAt map[string]uint64

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func New(database *db.Database, source Source, config Config) *Service {
	return &Service{
		database:  database,
		source:    source,
		config:    config,
		saved:     make(map[string]uint64),
		checkedAt: make(map[string]uint64),
		stop:      make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("💾 Snapshot service started (interval: %v, checkpoint every %d ops)",
		s.config.Interval, s.config.CheckpointThreshold)
}

// Stop ends the loop after one final flush.
func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	log.Println("💾 Snapshot service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			s.flush(context.Background())
			return
		case <-ticker.C:
			s.flush(context.Background())
		}
	}
}

func (s *Service) flush(ctx context.Context) {
	saved, err := s.FlushNow(ctx)
	if err != nil {
		log.Printf("Snapshot: %v", err)
	}
	if saved > 0 {
		log.Printf("💾 Persisted %d rooms", saved)
	}
}

// FlushNow saves every room that changed since its last save and returns
// how many were written. The first error is returned after all rooms
// have been tried.
func (s *Service) FlushNow(ctx context.Context) (int, error) {
	var firstErr error
	saved := 0
	for _, r := range s.source.Rooms() {
		ok, err := s.persist(ctx, r)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("room %s: %w", r.ID, err)
			}
			continue
		}
		if ok {
			saved++
		}
	}
	return saved, firstErr
}

// SaveRoom persists r regardless of whether it changed.
func (s *Service) SaveRoom(ctx context.Context, r *room.Room) error {
	s.mu.Lock()
	delete(s.saved, r.ID)
	s.mu.Unlock()
	_, err := s.persist(ctx, r)
	return err
}

func (s *Service) persist(ctx context.Context, r *room.Room) (bool, error) {
	snap := r.Snapshot()

	s.mu.Lock()
	last, seen := s.saved[r.ID]
	s.mu.Unlock()
	if seen && last == snap.LastOperationID {
		return false, nil
	}

	if err := s.database.SaveSnapshot(ctx, snap); err != nil {
		return false, err
	}
	s.mu.Lock()
	s.saved[r.ID] = snap.LastOperationID
	s.mu.Unlock()

	if err := s.maybeCheckpoint(ctx, snap); err != nil {
		log.Printf("Snapshot: auto checkpoint for room %s failed: %v", r.ID, err)
	}
	return true, nil
}

func (s *Service) maybeCheckpoint(ctx context.Context, snap room.Snapshot) error {
	if s.config.CheckpointThreshold == 0 {
		return nil
	}

	s.mu.Lock()
	since := s.checkedAt[snap.RoomID]
	s.mu.Unlock()
	if snap.LastOperationID < since+s.config.CheckpointThreshold {
		return nil
	}

	hash, err := db.StateHash(snap.State)
	if err != nil {
		return err
	}
	latest, err := s.database.LatestCheckpoint(ctx, snap.RoomID)
	if err != nil {
		return err
	}

	if latest == nil || latest.StateHash != hash {
		if _, err := s.database.CreateCheckpoint(ctx, db.Checkpoint{
			RoomID:    snap.RoomID,
			Name:      fmt.Sprintf("Auto-save at operation %d", snap.LastOperationID),
			State:     snap.State,
			StateHash: hash,
			LastOpID:  snap.LastOperationID,
			CreatedBy: "system",
			IsAuto:    true,
		}); err != nil {
			return err
		}
		if err := s.database.PruneAutoCheckpoints(ctx, snap.RoomID, s.config.KeepAutoCheckpoints); err != nil {
			return err
		}
		log.Printf("💾 Auto checkpoint for room %s at operation %d", snap.RoomID, snap.LastOperationID)
	}

	s.mu.Lock()
	s.checkedAt[snap.RoomID] = snap.LastOperationID
	s.mu.Unlock()
	return nil
}
