package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/taskroom/internal/room"
)

type Database struct {
	db *sql.DB
}

type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Checkpoint is a named copy of a room's task state.
type Checkpoint struct {
	ID          int         `json:"id"`
	RoomID      string      `json:"room_id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	State       *room.State `json:"state"`
	StateHash   string      `json:"state_hash"`
	TaskCount   int         `json:"task_count"`
	LastOpID    uint64      `json:"last_operation_id"`
	CreatedBy   string      `json:"created_by"`
	CreatedAt   time.Time   `json:"created_at"`
	IsAuto      bool        `json:"is_auto"` // Auto-saved vs manual
}

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Printf("Database initialized at %s", dbPath)
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS room_snapshots (
		room_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		history TEXT NOT NULL DEFAULT '[]',
		last_operation_id INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS room_checkpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		state TEXT NOT NULL,
		state_hash TEXT NOT NULL,
		task_count INTEGER NOT NULL DEFAULT 0,
		last_operation_id INTEGER NOT NULL DEFAULT 0,
		created_by TEXT DEFAULT '',
		is_auto BOOLEAN DEFAULT FALSE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_room_checkpoints_room_id ON room_checkpoints(room_id);
	CREATE INDEX IF NOT EXISTS idx_room_checkpoints_created_at ON room_checkpoints(room_id, created_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Room operations

func (d *Database) CreateRoom(ctx context.Context, id, name string) error {
	_, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO rooms (id, name) VALUES (?, ?)",
		id, name,
	)
	return err
}

func (d *Database) GetRoom(ctx context.Context, id string) (*Room, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, name, created_at, updated_at FROM rooms WHERE id = ?",
		id,
	)

	var r Room
	err := row.Scan(&r.ID, &r.Name, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (d *Database) ListRooms(ctx context.Context, limit, offset int) ([]Room, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, name, created_at, updated_at FROM rooms ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// DeleteRoom removes a room with its snapshot and checkpoints.
func (d *Database) DeleteRoom(ctx context.Context, id string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		"DELETE FROM room_checkpoints WHERE room_id = ?",
		"DELETE FROM room_snapshots WHERE room_id = ?",
		"DELETE FROM rooms WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Snapshot operations

// SaveSnapshot stores the latest state and history for a room,
// replacing any previous snapshot.
func (d *Database) SaveSnapshot(ctx context.Context, snap room.Snapshot) error {
	state, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	history := snap.History
	if history == nil {
		history = []room.Operation{}
	}
	hist, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO rooms (id) VALUES (?)", snap.RoomID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO room_snapshots (room_id, state, history, last_operation_id, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(room_id) DO UPDATE SET
			state = excluded.state,
			history = excluded.history,
			last_operation_id = excluded.last_operation_id,
			updated_at = CURRENT_TIMESTAMP
	`, snap.RoomID, string(state), string(hist), int64(snap.LastOperationID)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE rooms SET updated_at = CURRENT_TIMESTAMP WHERE id = ?", snap.RoomID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadSnapshot returns nil, nil when the room was never saved.
func (d *Database) LoadSnapshot(ctx context.Context, roomID string) (*room.Snapshot, error) {
	var state, hist string
	var lastOp int64
	err := d.db.QueryRowContext(ctx,
		"SELECT state, history, last_operation_id FROM room_snapshots WHERE room_id = ?",
		roomID,
	).Scan(&state, &hist, &lastOp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	snap := &room.Snapshot{RoomID: roomID, State: room.NewState(), LastOperationID: uint64(lastOp)}
	if err := json.Unmarshal([]byte(state), snap.State); err != nil {
		return nil, fmt.Errorf("decode state for %s: %w", roomID, err)
	}
	if err := json.Unmarshal([]byte(hist), &snap.History); err != nil {
		return nil, fmt.Errorf("decode history for %s: %w", roomID, err)
	}
	return snap, nil
}

// Checkpoint operations

// CreateCheckpoint stores cp and returns it as saved.
func (d *Database) CreateCheckpoint(ctx context.Context, cp Checkpoint) (*Checkpoint, error) {
	if cp.State == nil {
		cp.State = room.NewState()
	}
	state, err := json.Marshal(cp.State)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	if err := d.CreateRoom(ctx, cp.RoomID, ""); err != nil {
		return nil, err
	}

	result, err := d.db.ExecContext(ctx, `
		INSERT INTO room_checkpoints (room_id, name, description, state, state_hash, task_count, last_operation_id, created_by, is_auto)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cp.RoomID, cp.Name, cp.Description, string(state), cp.StateHash, cp.State.TaskCount(), int64(cp.LastOpID), cp.CreatedBy, cp.IsAuto)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return d.GetCheckpoint(ctx, int(id))
}

const checkpointColumns = `id, room_id, name, description, state, state_hash, task_count, last_operation_id, created_by, is_auto, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (*Checkpoint, error) {
	var cp Checkpoint
	var state string
	var lastOp int64
	if err := row.Scan(&cp.ID, &cp.RoomID, &cp.Name, &cp.Description, &state, &cp.StateHash,
		&cp.TaskCount, &lastOp, &cp.CreatedBy, &cp.IsAuto, &cp.CreatedAt); err != nil {
		return nil, err
	}
	cp.LastOpID = uint64(lastOp)
	cp.State = room.NewState()
	if err := json.Unmarshal([]byte(state), cp.State); err != nil {
		return nil, fmt.Errorf("decode checkpoint %d: %w", cp.ID, err)
	}
	return &cp, nil
}

// GetCheckpoint returns nil, nil for an unknown id.
func (d *Database) GetCheckpoint(ctx context.Context, id int) (*Checkpoint, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+checkpointColumns+" FROM room_checkpoints WHERE id = ?", id)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return cp, err
}

// ListCheckpoints returns checkpoints for a room, newest first
func (d *Database) ListCheckpoints(ctx context.Context, roomID string, limit, offset int) ([]Checkpoint, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT "+checkpointColumns+`
		FROM room_checkpoints
		WHERE room_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

func (d *Database) CountCheckpoints(ctx context.Context, roomID string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM room_checkpoints WHERE room_id = ?", roomID).Scan(&count)
	return count, err
}

// LatestCheckpoint returns the most recent checkpoint for a room, or nil.
func (d *Database) LatestCheckpoint(ctx context.Context, roomID string) (*Checkpoint, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+checkpointColumns+`
		FROM room_checkpoints
		WHERE room_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, roomID)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return cp, err
}

// DeleteCheckpoint reports whether a row was removed.
func (d *Database) DeleteCheckpoint(ctx context.Context, id int) (bool, error) {
	res, err := d.db.ExecContext(ctx, "DELETE FROM room_checkpoints WHERE id = ?", id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// PruneAutoCheckpoints removes old auto-saved checkpoints, keeping the most recent N
func (d *Database) PruneAutoCheckpoints(ctx context.Context, roomID string, keep int) error {
	_, err := d.db.ExecContext(ctx, `
		DELETE FROM room_checkpoints
		WHERE room_id = ? AND is_auto = TRUE AND id NOT IN (
			SELECT id FROM room_checkpoints
			WHERE room_id = ? AND is_auto = TRUE
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
	`, roomID, roomID, keep)
	return err
}

// Stats

type Stats struct {
	Rooms       int `json:"room_count"`
	Snapshots   int `json:"snapshot_count"`
	Checkpoints int `json:"checkpoint_count"`
}

func (d *Database) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	for _, q := range []struct {
		sql string
		dst *int
	}{
		{"SELECT COUNT(*) FROM rooms", &s.Rooms},
		{"SELECT COUNT(*) FROM room_snapshots", &s.Snapshots},
		{"SELECT COUNT(*) FROM room_checkpoints", &s.Checkpoints},
	} {
		if err := d.db.QueryRowContext(ctx, q.sql).Scan(q.dst); err != nil {
			return Stats{}, err
		}
	}
	return s, nil
}
