package room

import (
	"fmt"
	"sort"
)

// EditLock is an advisory claim on a field. Fields are free-form strings;
// clients use "task_<taskId>_<field>" for task fields.
type EditLock struct {
	Field    string `json:"field"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type LockResult struct {
	Success       bool
	CurrentEditor string
	// Acquired is false when the caller already held the lock.
	Acquired bool
}

// TaskFieldLock returns the lock field name for one field of a task.
func TaskFieldLock(taskID, field string) string {
	return "task_" + taskID + "_" + field
}

// TaskLock returns the lock field name covering a whole task.
func TaskLock(taskID string) string {
	return "task_" + taskID
}

// StartEditing grants field to userID unless another user holds it.
func (r *Room) StartEditing(userID, userName, field string) LockResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.editors[field]; ok {
		if cur.UserID == userID {
			return LockResult{Success: true, CurrentEditor: userID}
		}
		return LockResult{Success: false, CurrentEditor: cur.UserID}
	}
	r.editors[field] = EditLock{Field: field, UserID: userID, UserName: userName}
	return LockResult{Success: true, CurrentEditor: userID, Acquired: true}
}

// StopEditing releases field if userID holds it.
func (r *Room) StopEditing(userID, field string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.editors[field]
	if !ok || cur.UserID != userID {
		return false
	}
	delete(r.editors, field)
	return true
}

// ReleaseAll drops every lock held by userID and returns the fields.
func (r *Room) ReleaseAll(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releaseAllLocked(userID)
}

func (r *Room) releaseAllLocked(userID string) []string {
	var fields []string
	for field, l := range r.editors {
		if l.UserID == userID {
			fields = append(fields, field)
			delete(r.editors, field)
		}
	}
	sort.Strings(fields)
	return fields
}

// ActiveEditors returns a copy of the lock table.
func (r *Room) ActiveEditors() map[string]EditLock {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.editorsLocked()
}

func (r *Room) editorsLocked() map[string]EditLock {
	out := make(map[string]EditLock, len(r.editors))
	for k, v := range r.editors {
		out[k] = v
	}
	return out
}

// checkLocksLocked rejects an update touching fields held by someone
// else. Only consulted when lock enforcement is on.
func (r *Room) checkLocksLocked(op Operation) error {
	m, ok := op.Mutation.(UpdateTask)
	if !ok {
		return nil
	}
	fields := []string{TaskLock(m.TaskID)}
	for k := range m.Updates {
		fields = append(fields, TaskFieldLock(m.TaskID, k))
	}
	for _, f := range fields {
		if l, held := r.editors[f]; held && l.UserID != op.UserID {
			return fmt.Errorf("%w: %s held by %s", ErrLockHeld, f, l.UserID)
		}
	}
	return nil
}
