package room

import (
	"fmt"
	"strings"
	"time"
)

// Apply runs op against s. It either applies the whole mutation or
// returns an error and leaves s untouched.
func Apply(s *State, op Operation, now time.Time) error {
	switch m := op.Mutation.(type) {
	case AddTask:
		return applyAddTask(s, m)
	case UpdateTask:
		return applyUpdateTask(s, m, op.UserID, now)
	case DeleteTask:
		return applyDeleteTask(s, m)
	case SetValue:
		return applySetValue(s, m)
	case nil:
		return fmt.Errorf("%w: missing mutation", ErrMalformedOperation)
	default:
		return fmt.Errorf("%w: unsupported mutation %T", ErrMalformedOperation, m)
	}
}

func applyAddTask(s *State, m AddTask) error {
	if m.TaskID == "" {
		return fmt.Errorf("%w: ADD_TASK requires taskId", ErrMalformedOperation)
	}
	if m.Task == nil {
		return fmt.Errorf("%w: ADD_TASK requires task", ErrMalformedOperation)
	}
	task, err := normalizeMap(m.Task)
	if err != nil {
		return err
	}
	task["id"] = m.TaskID
	s.tasks()[m.TaskID] = task
	return nil
}

func applyUpdateTask(s *State, m UpdateTask, userID string, now time.Time) error {
	if m.TaskID == "" {
		return fmt.Errorf("%w: UPDATE_TASK requires taskId", ErrMalformedOperation)
	}
	task, ok := s.tasks()[m.TaskID].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: update %q: %w", ErrMalformedOperation, m.TaskID, ErrTaskNotFound)
	}
	updates, err := normalizeMap(m.Updates)
	if err != nil {
		return err
	}
	for k, v := range updates {
		if k == "id" {
			continue
		}
		task[k] = v
	}
	task["lastModifiedBy"] = userID
	task["lastModifiedAt"] = now.UTC().Format(time.RFC3339Nano)
	return nil
}

func applyDeleteTask(s *State, m DeleteTask) error {
	if m.TaskID == "" {
		return fmt.Errorf("%w: DELETE_TASK requires taskId", ErrMalformedOperation)
	}
	delete(s.tasks(), m.TaskID)
	return nil
}

func applySetValue(s *State, m SetValue) error {
	segs, err := splitPath(m.Path)
	if err != nil {
		return err
	}
	value, err := normalize(m.Value)
	if err != nil {
		return err
	}

	if segs[0] == tasksKey {
		switch len(segs) {
		case 1:
			tasks, ok := value.(map[string]any)
			if !ok {
				return fmt.Errorf("%w: tasks must be an object", ErrMalformedOperation)
			}
			for id, v := range tasks {
				rec, ok := v.(map[string]any)
				if !ok {
					return fmt.Errorf("%w: task %q must be an object", ErrMalformedOperation, id)
				}
				rec["id"] = id
			}
		case 2:
			rec, ok := value.(map[string]any)
			if !ok {
				return fmt.Errorf("%w: task %q must be an object", ErrMalformedOperation, segs[1])
			}
			rec["id"] = segs[1]
		default:
			if !s.HasTask(segs[1]) {
				return fmt.Errorf("%w: set %q: %w", ErrMalformedOperation, m.Path, ErrTaskNotFound)
			}
			if len(segs) == 3 && segs[2] == "id" {
				return fmt.Errorf("%w: task id is immutable", ErrMalformedOperation)
			}
		}
	}

	cur := s.root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value
	return nil
}

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: SET_VALUE requires path", ErrMalformedOperation)
	}
	segs := strings.Split(path, ".")
	for _, seg := range segs {
		if seg == "" {
			return nil, fmt.Errorf("%w: empty segment in path %q", ErrMalformedOperation, path)
		}
	}
	return segs, nil
}
