package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/manpreetbhatti/taskroom/internal/room"
)

func setupTestDB(t *testing.T) (*Database, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "taskroom-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	db, err := New(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}

	return db, cleanup
}

func roomWithTasks(t *testing.T, id string, titles ...string) *room.Room {
	t.Helper()
	r := room.NewRoom(id)
	for i, title := range titles {
		_, err := r.ApplyOperation(room.Operation{
			UserID:   "u1",
			ClientID: id + "-" + title,
			Mutation: room.AddTask{TaskID: string(rune('a' + i)), Task: map[string]any{"title": title}},
		})
		if err != nil {
			t.Fatalf("Failed to add task: %v", err)
		}
	}
	return r
}

func TestRoomOperations(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := db.CreateRoom(ctx, "test-room", "Test Room"); err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}

	r, err := db.GetRoom(ctx, "test-room")
	if err != nil {
		t.Fatalf("Failed to get room: %v", err)
	}
	if r == nil {
		t.Fatal("Room should exist")
	}
	if r.Name != "Test Room" {
		t.Errorf("Expected room name 'Test Room', got '%s'", r.Name)
	}

	r, err = db.GetRoom(ctx, "non-existent")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if r != nil {
		t.Error("Non-existent room should return nil")
	}

	if err := db.DeleteRoom(ctx, "test-room"); err != nil {
		t.Fatalf("Failed to delete room: %v", err)
	}
	if r, _ := db.GetRoom(ctx, "test-room"); r != nil {
		t.Error("Deleted room should not exist")
	}
}

func TestListRooms(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := db.CreateRoom(ctx, "room-"+string(rune('a'+i)), ""); err != nil {
			t.Fatalf("Failed to create room: %v", err)
		}
	}

	tests := []struct {
		limit, offset, want int
	}{
		{10, 0, 5},
		{2, 0, 2},
		{2, 3, 2},
		{10, 4, 1},
	}
	for _, tt := range tests {
		rooms, err := db.ListRooms(ctx, tt.limit, tt.offset)
		if err != nil {
			t.Fatalf("Failed to list rooms: %v", err)
		}
		if len(rooms) != tt.want {
			t.Errorf("limit=%d offset=%d: expected %d rooms, got %d", tt.limit, tt.offset, tt.want, len(rooms))
		}
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	snap, err := db.LoadSnapshot(ctx, "missing")
	if err != nil || snap != nil {
		t.Fatalf("Expected nil snapshot for unsaved room, got %v, %v", snap, err)
	}

	r := roomWithTasks(t, "snap-room", "one", "two")
	if err := db.SaveSnapshot(ctx, r.Snapshot()); err != nil {
		t.Fatalf("Failed to save snapshot: %v", err)
	}

	snap, err = db.LoadSnapshot(ctx, "snap-room")
	if err != nil {
		t.Fatalf("Failed to load snapshot: %v", err)
	}
	if snap.LastOperationID != 2 {
		t.Errorf("Expected last operation 2, got %d", snap.LastOperationID)
	}
	if len(snap.History) != 2 || snap.History[1].ID != 2 {
		t.Errorf("Expected 2 history entries, got %+v", snap.History)
	}
	if title, _ := snap.State.Get("tasks.b.title"); title != "two" {
		t.Errorf("Expected task b titled two, got %v", title)
	}

	restored := room.NewRoom("snap-room")
	restored.Restore(*snap)
	op, err := restored.ApplyOperation(room.Operation{UserID: "u1", ClientID: "after", Mutation: room.DeleteTask{TaskID: "a"}})
	if err != nil {
		t.Fatalf("Apply after restore failed: %v", err)
	}
	if op.ID != 3 {
		t.Errorf("Expected ids to continue at 3, got %d", op.ID)
	}

	// Overwrite
	if err := db.SaveSnapshot(ctx, restored.Snapshot()); err != nil {
		t.Fatalf("Failed to overwrite snapshot: %v", err)
	}
	snap, _ = db.LoadSnapshot(ctx, "snap-room")
	if snap.LastOperationID != 3 || snap.State.HasTask("a") {
		t.Errorf("Expected overwritten snapshot, got %+v", snap)
	}

	if got, _ := db.GetRoom(ctx, "snap-room"); got == nil {
		t.Error("Saving a snapshot should register the room")
	}
}

func TestCheckpoints(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	r := roomWithTasks(t, "cp-room", "milk")
	state := r.State()
	hash, err := StateHash(state)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	cp, err := db.CreateCheckpoint(ctx, Checkpoint{
		RoomID:    "cp-room",
		Name:      "before cleanup",
		State:     state,
		StateHash: hash,
		LastOpID:  r.LastOperationID(),
		CreatedBy: "u1",
	})
	if err != nil {
		t.Fatalf("Failed to create checkpoint: %v", err)
	}
	if cp.ID == 0 || cp.TaskCount != 1 || cp.StateHash != hash {
		t.Errorf("Unexpected checkpoint: %+v", cp)
	}
	if !cp.State.HasTask("a") {
		t.Error("Checkpoint should carry task a")
	}

	got, err := db.GetCheckpoint(ctx, cp.ID)
	if err != nil || got == nil {
		t.Fatalf("Failed to get checkpoint: %v", err)
	}
	if got.Name != "before cleanup" || got.CreatedBy != "u1" {
		t.Errorf("Unexpected checkpoint: %+v", got)
	}

	if missing, err := db.GetCheckpoint(ctx, 9999); err != nil || missing != nil {
		t.Errorf("Expected nil for unknown checkpoint, got %v, %v", missing, err)
	}

	latest, err := db.LatestCheckpoint(ctx, "cp-room")
	if err != nil || latest == nil || latest.ID != cp.ID {
		t.Errorf("Expected latest checkpoint %d, got %v, %v", cp.ID, latest, err)
	}

	deleted, err := db.DeleteCheckpoint(ctx, cp.ID)
	if err != nil || !deleted {
		t.Fatalf("Expected checkpoint to be deleted, got %v, %v", deleted, err)
	}
	if deleted, _ := db.DeleteCheckpoint(ctx, cp.ID); deleted {
		t.Error("Second delete should report nothing removed")
	}
}

func TestPruneAutoCheckpoints(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := db.CreateCheckpoint(ctx, Checkpoint{RoomID: "r", Name: "auto", IsAuto: true, StateHash: string(rune('a' + i))}); err != nil {
			t.Fatalf("Failed to create checkpoint: %v", err)
		}
	}
	if _, err := db.CreateCheckpoint(ctx, Checkpoint{RoomID: "r", Name: "manual"}); err != nil {
		t.Fatalf("Failed to create checkpoint: %v", err)
	}

	if err := db.PruneAutoCheckpoints(ctx, "r", 2); err != nil {
		t.Fatalf("Failed to prune: %v", err)
	}

	count, err := db.CountCheckpoints(ctx, "r")
	if err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 2 auto + 1 manual checkpoints, got %d", count)
	}

	list, err := db.ListCheckpoints(ctx, "r", 10, 0)
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(list) != 3 || list[0].Name != "manual" {
		t.Errorf("Expected newest-first list headed by manual, got %+v", list)
	}
}

func TestStateHashIsStable(t *testing.T) {
	a := roomWithTasks(t, "h", "x", "y").State()
	b := roomWithTasks(t, "h", "x", "y").State()

	ha, _ := StateHash(a)
	hb, _ := StateHash(b)
	if ha != hb {
		t.Errorf("Expected equal hashes, got %s and %s", ha, hb)
	}

	c := roomWithTasks(t, "h", "x").State()
	hc, _ := StateHash(c)
	if hc == ha {
		t.Error("Expected different states to hash differently")
	}
}

func TestStats(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		if err := db.CreateRoom(ctx, "stats-room-"+string(rune('a'+i)), ""); err != nil {
			t.Fatalf("Failed to create room: %v", err)
		}
	}
	if err := db.SaveSnapshot(ctx, roomWithTasks(t, "stats-room-a", "t").Snapshot()); err != nil {
		t.Fatalf("Failed to save snapshot: %v", err)
	}

	stats, err := db.GetStats(ctx)
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.Rooms != 3 {
		t.Errorf("Expected 3 rooms, got %d", stats.Rooms)
	}
	if stats.Snapshots != 1 {
		t.Errorf("Expected 1 snapshot, got %d", stats.Snapshots)
	}
}
