package room

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const tasksKey = "tasks"

// State is the shared JSON tree of a room. Its root always holds a
// "tasks" object mapping task ids to task records, and every record
// carries an "id" equal to its key.
type State struct {
	root map[string]any
}

func NewState() *State {
	return &State{root: map[string]any{tasksKey: map[string]any{}}}
}

func (s *State) tasks() map[string]any {
	t, ok := s.root[tasksKey].(map[string]any)
	if !ok {
		t = map[string]any{}
		s.root[tasksKey] = t
	}
	return t
}

// Task returns a copy of the task record with the given id.
func (s *State) Task(id string) (map[string]any, bool) {
	t, ok := s.tasks()[id].(map[string]any)
	if !ok {
		return nil, false
	}
	return cloneMap(t), true
}

func (s *State) HasTask(id string) bool {
	_, ok := s.tasks()[id].(map[string]any)
	return ok
}

// TaskIDs returns the ids of all tasks in sorted order.
func (s *State) TaskIDs() []string {
	tasks := s.tasks()
	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *State) TaskCount() int {
	return len(s.tasks())
}

// Get resolves a dotted path.
func (s *State) Get(path string) (any, bool) {
	var cur any = s.root
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[seg]; !ok {
			return nil, false
		}
	}
	return cloneValue(cur), true
}

func (s *State) Clone() *State {
	return &State{root: cloneMap(s.root)}
}

// Map returns a deep copy of the tree.
func (s *State) Map() map[string]any {
	return cloneMap(s.root)
}

func (s *State) MarshalJSON() ([]byte, error) {
	s.tasks()
	return json.Marshal(s.root)
}

func (s *State) UnmarshalJSON(data []byte) error {
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return err
	}
	if root == nil {
		root = map[string]any{}
	}
	st, err := stateFromMap(root)
	if err != nil {
		return err
	}
	*s = *st
	return nil
}

// stateFromMap adopts root as a state tree after checking the tasks
// invariant.
func stateFromMap(root map[string]any) (*State, error) {
	raw, ok := root[tasksKey]
	if !ok || raw == nil {
		root[tasksKey] = map[string]any{}
		return &State{root: root}, nil
	}
	tasks, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: tasks must be an object", ErrMalformedOperation)
	}
	for id, v := range tasks {
		rec, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: task %q must be an object", ErrMalformedOperation, id)
		}
		rec["id"] = id
	}
	return &State{root: root}, nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// normalize converts an arbitrary Go value into the plain JSON shapes
// (map[string]any, []any, float64, string, bool, nil) stored in the tree.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil, string, bool, float64:
		return t, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOperation, err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOperation, err)
	}
	return out, nil
}

func normalizeMap(m map[string]any) (map[string]any, error) {
	n, err := normalize(m)
	if err != nil {
		return nil, err
	}
	out, _ := n.(map[string]any)
	return out, nil
}
