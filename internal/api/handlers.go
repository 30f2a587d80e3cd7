package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/manpreetbhatti/taskroom/internal/cache"
	"github.com/manpreetbhatti/taskroom/internal/db"
	"github.com/manpreetbhatti/taskroom/internal/ratelimit"
	"github.com/manpreetbhatti/taskroom/internal/room"
	"github.com/manpreetbhatti/taskroom/internal/ws"
)

const (
	requestTimeout  = 5 * time.Second
	keepAutoSaves   = 20
	restoreAuthorID = "system"
)

// PresenceReader lists members seen across all server processes.
type PresenceReader interface {
	AliveMembers(ctx context.Context, roomID string) ([]cache.Member, error)
}

type API struct {
	hub      *ws.Hub
	database *db.Database
	presence PresenceReader
	limiter  *ratelimit.KeyedLimiters
	sf       singleflight.Group
	started  time.Time
}

type Option func(*API)

// WithPresence serves /presence from a shared presence table instead of
// this process's rooms.
func WithPresence(p PresenceReader) Option {
	return func(a *API) { a.presence = p }
}

// WithRateLimit limits requests per client address.
func WithRateLimit(l *ratelimit.KeyedLimiters) Option {
	return func(a *API) { a.limiter = l }
}

func New(hub *ws.Hub, database *db.Database, opts ...Option) *API {
	a := &API{
		hub:      hub,
		database: database,
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register mounts every route on r.
func (a *API) Register(r gin.IRouter) {
	r.GET("/health", a.HealthHandler)

	api := r.Group("/api")
	if a.limiter != nil {
		api.Use(a.rateLimit)
	}
	api.GET("/stats", a.StatsHandler)
	api.GET("/rooms", a.ListRoomsHandler)
	api.GET("/rooms/:id", a.GetRoomHandler)
	api.DELETE("/rooms/:id", a.DeleteRoomHandler)
	api.GET("/rooms/:id/history", a.HistoryHandler)
	api.GET("/rooms/:id/presence", a.PresenceHandler)
	api.GET("/rooms/:id/checkpoints", a.ListCheckpointsHandler)
	api.POST("/rooms/:id/checkpoints", a.CreateCheckpointHandler)
	api.GET("/checkpoints/diff", a.DiffCheckpointsHandler)
	api.GET("/checkpoints/:id", a.GetCheckpointHandler)
	api.DELETE("/checkpoints/:id", a.DeleteCheckpointHandler)
	api.POST("/checkpoints/:id/restore", a.RestoreCheckpointHandler)
}

func errorResponse(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}

func (a *API) rateLimit(c *gin.Context) {
	if !a.limiter.Allow(c.ClientIP()) {
		errorResponse(c, http.StatusTooManyRequests, "Too many requests")
		return
	}
	c.Next()
}

func pagination(c *gin.Context, def, max int) (limit, offset int) {
	limit, _ = strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > max {
		limit = def
	}
	offset, _ = strconv.Atoi(c.Query("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (a *API) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": a.hub.GetClientCount(),
		"rooms":       a.hub.GetRoomCount(),
		"uptime":      time.Since(a.started).Round(time.Second).String(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

type StatsResponse struct {
	ActiveRooms      int       `json:"active_rooms"`
	ActiveClients    int       `json:"active_clients"`
	LoadedRooms      int       `json:"loaded_rooms"`
	TotalRooms       int       `json:"total_rooms"`
	TotalSnapshots   int       `json:"total_snapshots"`
	TotalCheckpoints int       `json:"total_checkpoints"`
	Timestamp        time.Time `json:"timestamp"`
}

// StatsHandler coalesces concurrent callers onto one database read.
func (a *API) StatsHandler(c *gin.Context) {
	v, err, _ := a.sf.Do("stats", func() (any, error) {
		stats := StatsResponse{
			ActiveRooms:   a.hub.GetRoomCount(),
			ActiveClients: a.hub.GetClientCount(),
			LoadedRooms:   len(a.hub.Rooms()),
			Timestamp:     time.Now().UTC(),
		}
		if a.database != nil {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			dbStats, err := a.database.GetStats(ctx)
			if err != nil {
				return nil, err
			}
			stats.TotalRooms = dbStats.Rooms
			stats.TotalSnapshots = dbStats.Snapshots
			stats.TotalCheckpoints = dbStats.Checkpoints
		}
		return stats, nil
	})
	if err != nil {
		log.Printf("Failed to collect stats: %v", err)
		errorResponse(c, http.StatusInternalServerError, "Failed to collect stats")
		return
	}
	c.JSON(http.StatusOK, v)
}

// Room handlers

type RoomResponse struct {
	ID              string    `json:"id"`
	Name            string    `json:"name,omitempty"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
	ActiveUsers     int       `json:"active_users"`
	Live            bool      `json:"live"`
	TaskCount       int       `json:"task_count"`
	LastOperationID uint64    `json:"last_operation_id"`
}

func (a *API) ListRoomsHandler(c *gin.Context) {
	limit, offset := pagination(c, 20, 100)

	active := a.hub.GetActiveRooms()
	out := []RoomResponse{}
	seen := make(map[string]bool)

	if a.database != nil {
		rooms, err := a.database.ListRooms(c.Request.Context(), limit, offset)
		if err != nil {
			errorResponse(c, http.StatusInternalServerError, "Failed to list rooms")
			return
		}
		for _, r := range rooms {
			resp := RoomResponse{
				ID:          r.ID,
				Name:        r.Name,
				CreatedAt:   r.CreatedAt,
				UpdatedAt:   r.UpdatedAt,
				ActiveUsers: active[r.ID],
			}
			if live, ok := a.hub.Room(r.ID); ok {
				resp.Live = true
				resp.TaskCount = live.State().TaskCount()
				resp.LastOperationID = live.LastOperationID()
			}
			seen[r.ID] = true
			out = append(out, resp)
		}
	}

	// Live rooms not yet persisted
	if offset == 0 {
		for _, r := range a.hub.Rooms() {
			if seen[r.ID] || len(out) >= limit {
				continue
			}
			out = append(out, RoomResponse{
				ID:              r.ID,
				ActiveUsers:     active[r.ID],
				Live:            true,
				TaskCount:       r.State().TaskCount(),
				LastOperationID: r.LastOperationID(),
			})
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"rooms":  out,
		"limit":  limit,
		"offset": offset,
	})
}

type RoomDetail struct {
	RoomID          string                   `json:"roomId"`
	Live            bool                     `json:"live"`
	SharedState     *room.State              `json:"sharedState"`
	LastOperationID uint64                   `json:"lastOperationId"`
	Participants    []room.Participant       `json:"participants"`
	ActiveEditors   map[string]room.EditLock `json:"activeEditors"`
}

func (a *API) GetRoomHandler(c *gin.Context) {
	id := c.Param("id")

	if r, ok := a.hub.Room(id); ok {
		view := r.SyncView(0)
		c.JSON(http.StatusOK, RoomDetail{
			RoomID:          id,
			Live:            true,
			SharedState:     view.SharedState,
			LastOperationID: r.LastOperationID(),
			Participants:    view.Participants,
			ActiveEditors:   view.ActiveEditors,
		})
		return
	}

	snap, err := a.loadSnapshot(c.Request.Context(), id)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to load room")
		return
	}
	if snap == nil {
		errorResponse(c, http.StatusNotFound, "Room not found")
		return
	}
	c.JSON(http.StatusOK, RoomDetail{
		RoomID:          id,
		SharedState:     snap.State,
		LastOperationID: snap.LastOperationID,
		Participants:    []room.Participant{},
		ActiveEditors:   map[string]room.EditLock{},
	})
}

func (a *API) loadSnapshot(ctx context.Context, id string) (*room.Snapshot, error) {
	if a.database == nil {
		return nil, nil
	}
	return a.database.LoadSnapshot(ctx, id)
}

func (a *API) DeleteRoomHandler(c *gin.Context) {
	id := c.Param("id")
	if a.database == nil {
		if _, live := a.hub.Room(id); live {
			errorResponse(c, http.StatusConflict, "Room is live")
		} else {
			errorResponse(c, http.StatusNotFound, "Room not found")
		}
		return
	}
	err := a.hub.WhenCold(c.Request.Context(), id, func(ctx context.Context) error {
		return a.database.DeleteRoom(ctx, id)
	})
	switch {
	case errors.Is(err, ws.ErrRoomLive):
		errorResponse(c, http.StatusConflict, "Room is live")
	case err != nil:
		log.Printf("Failed to delete room %s: %v", id, err)
		errorResponse(c, http.StatusInternalServerError, "Failed to delete room")
	default:
		c.Status(http.StatusNoContent)
	}
}

func (a *API) HistoryHandler(c *gin.Context) {
	id := c.Param("id")
	limit, _ := pagination(c, room.MaxHistory, room.MaxHistory)

	var history []room.Operation
	if r, ok := a.hub.Room(id); ok {
		history = r.History(limit)
	} else {
		snap, err := a.loadSnapshot(c.Request.Context(), id)
		if err != nil {
			errorResponse(c, http.StatusInternalServerError, "Failed to load history")
			return
		}
		if snap == nil {
			errorResponse(c, http.StatusNotFound, "Room not found")
			return
		}
		history = snap.History
		if len(history) > limit {
			history = history[len(history)-limit:]
		}
	}
	if history == nil {
		history = []room.Operation{}
	}

	c.JSON(http.StatusOK, gin.H{
		"roomId":           id,
		"operationHistory": history,
	})
}

func (a *API) PresenceHandler(c *gin.Context) {
	id := c.Param("id")

	if a.presence != nil {
		members, err := a.presence.AliveMembers(c.Request.Context(), id)
		if err != nil {
			log.Printf("Presence lookup for room %s failed: %v", id, err)
			errorResponse(c, http.StatusBadGateway, "Presence unavailable")
			return
		}
		c.JSON(http.StatusOK, gin.H{"roomId": id, "members": members})
		return
	}

	members := []cache.Member{}
	if r, ok := a.hub.Room(id); ok {
		for _, p := range r.Participants() {
			members = append(members, cache.Member{UserID: p.UserID, UserName: p.UserName})
		}
	}
	c.JSON(http.StatusOK, gin.H{"roomId": id, "members": members})
}

// Checkpoint handlers

type CreateCheckpointRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedBy   string `json:"created_by"`
	IsAuto      bool   `json:"is_auto"`
}

type CheckpointSummary struct {
	ID          int       `json:"id"`
	RoomID      string    `json:"room_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	StateHash   string    `json:"state_hash"`
	TaskCount   int       `json:"task_count"`
	LastOpID    uint64    `json:"last_operation_id"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	IsAuto      bool      `json:"is_auto"`
}

func summarize(cp *db.Checkpoint) CheckpointSummary {
	return CheckpointSummary{
		ID:          cp.ID,
		RoomID:      cp.RoomID,
		Name:        cp.Name,
		Description: cp.Description,
		StateHash:   cp.StateHash,
		TaskCount:   cp.TaskCount,
		LastOpID:    cp.LastOpID,
		CreatedBy:   cp.CreatedBy,
		CreatedAt:   cp.CreatedAt,
		IsAuto:      cp.IsAuto,
	}
}

func (a *API) requireDB(c *gin.Context) bool {
	if a.database == nil {
		errorResponse(c, http.StatusServiceUnavailable, "Checkpoints require a database")
		return false
	}
	return true
}

func checkpointID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid checkpoint ID")
		return 0, false
	}
	return id, true
}

func (a *API) ListCheckpointsHandler(c *gin.Context) {
	if !a.requireDB(c) {
		return
	}
	roomID := c.Param("id")
	limit, offset := pagination(c, 50, 100)

	list, err := a.database.ListCheckpoints(c.Request.Context(), roomID, limit, offset)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to list checkpoints")
		return
	}
	total, err := a.database.CountCheckpoints(c.Request.Context(), roomID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to count checkpoints")
		return
	}

	out := make([]CheckpointSummary, len(list))
	for i := range list {
		out[i] = summarize(&list[i])
	}
	c.JSON(http.StatusOK, gin.H{
		"checkpoints": out,
		"total":       total,
		"limit":       limit,
		"offset":      offset,
	})
}

// CreateCheckpointHandler saves the room's current state. An auto save
// whose state matches the latest checkpoint returns that checkpoint
// instead of writing a duplicate.
func (a *API) CreateCheckpointHandler(c *gin.Context) {
	if !a.requireDB(c) {
		return
	}
	roomID := c.Param("id")
	ctx := c.Request.Context()

	var req CreateCheckpointRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorResponse(c, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	var state *room.State
	var lastOp uint64
	if r, ok := a.hub.Room(roomID); ok {
		state, lastOp = r.State(), r.LastOperationID()
	} else {
		snap, err := a.loadSnapshot(ctx, roomID)
		if err != nil {
			errorResponse(c, http.StatusInternalServerError, "Failed to load room")
			return
		}
		if snap == nil {
			errorResponse(c, http.StatusNotFound, "Room not found")
			return
		}
		state, lastOp = snap.State, snap.LastOperationID
	}

	if req.Name == "" {
		if req.IsAuto {
			req.Name = fmt.Sprintf("Auto-save %s", time.Now().Format("Jan 2, 3:04 PM"))
		} else {
			req.Name = fmt.Sprintf("Checkpoint %s", time.Now().Format("Jan 2, 3:04 PM"))
		}
	}

	hash, err := db.StateHash(state)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to hash state")
		return
	}

	if req.IsAuto {
		latest, err := a.database.LatestCheckpoint(ctx, roomID)
		if err == nil && latest != nil && latest.StateHash == hash {
			c.JSON(http.StatusOK, summarize(latest))
			return
		}
	}

	cp, err := a.database.CreateCheckpoint(ctx, db.Checkpoint{
		RoomID:      roomID,
		Name:        req.Name,
		Description: req.Description,
		State:       state,
		StateHash:   hash,
		LastOpID:    lastOp,
		CreatedBy:   req.CreatedBy,
		IsAuto:      req.IsAuto,
	})
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to create checkpoint")
		return
	}

	if req.IsAuto {
		if err := a.database.PruneAutoCheckpoints(ctx, roomID, keepAutoSaves); err != nil {
			log.Printf("Failed to clean up old auto checkpoints: %v", err)
		}
	}

	c.JSON(http.StatusCreated, summarize(cp))
}

func (a *API) GetCheckpointHandler(c *gin.Context) {
	if !a.requireDB(c) {
		return
	}
	id, ok := checkpointID(c)
	if !ok {
		return
	}
	cp, err := a.database.GetCheckpoint(c.Request.Context(), id)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to get checkpoint")
		return
	}
	if cp == nil {
		errorResponse(c, http.StatusNotFound, "Checkpoint not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"checkpoint":  summarize(cp),
		"sharedState": cp.State,
	})
}

func (a *API) DeleteCheckpointHandler(c *gin.Context) {
	if !a.requireDB(c) {
		return
	}
	id, ok := checkpointID(c)
	if !ok {
		return
	}
	deleted, err := a.database.DeleteCheckpoint(c.Request.Context(), id)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to delete checkpoint")
		return
	}
	if !deleted {
		errorResponse(c, http.StatusNotFound, "Checkpoint not found")
		return
	}
	c.Status(http.StatusNoContent)
}

type TaskDiff struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

// DiffCheckpointsHandler compares two checkpoints task by task.
func (a *API) DiffCheckpointsHandler(c *gin.Context) {
	if !a.requireDB(c) {
		return
	}
	fromID, err1 := strconv.Atoi(c.Query("from"))
	toID, err2 := strconv.Atoi(c.Query("to"))
	if err1 != nil || err2 != nil {
		errorResponse(c, http.StatusBadRequest, "from and to must be checkpoint IDs")
		return
	}

	ctx := c.Request.Context()
	from, err := a.database.GetCheckpoint(ctx, fromID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to get checkpoint")
		return
	}
	to, err := a.database.GetCheckpoint(ctx, toID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to get checkpoint")
		return
	}
	if from == nil || to == nil {
		errorResponse(c, http.StatusNotFound, "Checkpoint not found")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"from": summarize(from),
		"to":   summarize(to),
		"diff": diffTasks(from.State, to.State),
	})
}

func diffTasks(from, to *room.State) TaskDiff {
	d := TaskDiff{Added: []string{}, Removed: []string{}, Changed: []string{}}
	for _, id := range to.TaskIDs() {
		old, ok := from.Task(id)
		if !ok {
			d.Added = append(d.Added, id)
			continue
		}
		cur, _ := to.Task(id)
		if !reflect.DeepEqual(old, cur) {
			d.Changed = append(d.Changed, id)
		}
	}
	for _, id := range from.TaskIDs() {
		if !to.HasTask(id) {
			d.Removed = append(d.Removed, id)
		}
	}
	sort.Strings(d.Removed)
	return d
}

// RestoreCheckpointHandler replaces the room's tasks with the checkpoint's.
// A live room receives it as a SET_VALUE operation so every client sees
// the change; otherwise the persisted snapshot is rewritten.
func (a *API) RestoreCheckpointHandler(c *gin.Context) {
	if !a.requireDB(c) {
		return
	}
	id, ok := checkpointID(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	cp, err := a.database.GetCheckpoint(ctx, id)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to get checkpoint")
		return
	}
	if cp == nil {
		errorResponse(c, http.StatusNotFound, "Checkpoint not found")
		return
	}

	tasks, _ := cp.State.Get("tasks")
	op := room.Operation{
		UserID:   restoreAuthorID,
		ClientID: "restore-" + uuid.NewString(),
		Mutation: room.SetValue{Path: "tasks", Value: tasks},
	}

	// Either path runs on the room's shard, so a join cannot load the old
	// snapshot between the liveness check and the write.
	applied, live, err := a.hub.SubmitOrElse(ctx, cp.RoomID, op, func(ctx context.Context) error {
		snap, err := a.loadSnapshot(ctx, cp.RoomID)
		if err != nil {
			return err
		}
		if snap == nil {
			snap = &room.Snapshot{RoomID: cp.RoomID}
		}
		snap.State = cp.State
		return a.database.SaveSnapshot(ctx, *snap)
	})
	if err != nil {
		log.Printf("Restore of checkpoint %d into room %s failed: %v", id, cp.RoomID, err)
		if live {
			errorResponse(c, http.StatusConflict, room.Code(err))
		} else {
			errorResponse(c, http.StatusInternalServerError, "Failed to restore checkpoint")
		}
		return
	}

	resp := gin.H{
		"message":       "Checkpoint restored",
		"restored_from": cp.ID,
		"room_id":       cp.RoomID,
		"live":          live,
	}
	if live {
		resp["operation_id"] = applied.ID
	}
	c.JSON(http.StatusOK, resp)
}
