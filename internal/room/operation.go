package room

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the wire tag of an operation.
type Kind string

const (
	KindAddTask    Kind = "ADD_TASK"
	KindUpdateTask Kind = "UPDATE_TASK"
	KindDeleteTask Kind = "DELETE_TASK"
	KindSetValue   Kind = "SET_VALUE"
)

// Mutation is the payload of an Operation. The set of implementations is
// closed: AddTask, UpdateTask, DeleteTask and SetValue.
type Mutation interface {
	Kind() Kind
	mutation()
}

type AddTask struct {
	TaskID string
	Task   map[string]any
}

type UpdateTask struct {
	TaskID  string
	Updates map[string]any
}

type DeleteTask struct {
	TaskID string
}

// SetValue writes Value at a dotted Path of the shared state.
type SetValue struct {
	Path  string
	Value any
}

func (AddTask) Kind() Kind    { return KindAddTask }
func (UpdateTask) Kind() Kind { return KindUpdateTask }
func (DeleteTask) Kind() Kind { return KindDeleteTask }
func (SetValue) Kind() Kind   { return KindSetValue }

func (AddTask) mutation()    {}
func (UpdateTask) mutation() {}
func (DeleteTask) mutation() {}
func (SetValue) mutation()   {}

// Operation is a single mutation request. ID and Timestamp are zero until
// the owning room stamps it; a stamped operation is never modified.
type Operation struct {
	ID        uint64
	Timestamp time.Time
	UserID    string
	ClientID  string
	Mutation  Mutation
}

// Stamped reports whether a room has assigned the operation an id.
func (op Operation) Stamped() bool {
	return op.ID != 0
}

// TaskID returns the task targeted by the operation, if any.
func (op Operation) TaskID() string {
	switch m := op.Mutation.(type) {
	case AddTask:
		return m.TaskID
	case UpdateTask:
		return m.TaskID
	case DeleteTask:
		return m.TaskID
	}
	return ""
}

type wireOperation struct {
	Type      Kind           `json:"type"`
	TaskID    string         `json:"taskId,omitempty"`
	Task      map[string]any `json:"task,omitempty"`
	Updates   map[string]any `json:"updates,omitempty"`
	Path      string         `json:"path,omitempty"`
	Value     any            `json:"value,omitempty"`
	UserID    string         `json:"userId"`
	ClientID  string         `json:"clientId,omitempty"`
	ID        uint64         `json:"id,omitempty"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
}

func (op Operation) MarshalJSON() ([]byte, error) {
	w := wireOperation{
		UserID:   op.UserID,
		ClientID: op.ClientID,
		ID:       op.ID,
	}
	if !op.Timestamp.IsZero() {
		ts := op.Timestamp.UTC()
		w.Timestamp = &ts
	}
	switch m := op.Mutation.(type) {
	case AddTask:
		w.Type, w.TaskID, w.Task = KindAddTask, m.TaskID, m.Task
	case UpdateTask:
		w.Type, w.TaskID, w.Updates = KindUpdateTask, m.TaskID, m.Updates
	case DeleteTask:
		w.Type, w.TaskID = KindDeleteTask, m.TaskID
	case SetValue:
		w.Type, w.Path, w.Value = KindSetValue, m.Path, m.Value
	default:
		return nil, fmt.Errorf("%w: no mutation", ErrMalformedOperation)
	}
	return json.Marshal(w)
}

func (op *Operation) UnmarshalJSON(data []byte) error {
	var w wireOperation
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOperation, err)
	}
	var m Mutation
	switch w.Type {
	case KindAddTask:
		m = AddTask{TaskID: w.TaskID, Task: w.Task}
	case KindUpdateTask:
		m = UpdateTask{TaskID: w.TaskID, Updates: w.Updates}
	case KindDeleteTask:
		m = DeleteTask{TaskID: w.TaskID}
	case KindSetValue:
		m = SetValue{Path: w.Path, Value: w.Value}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedOperation, w.Type)
	}
	*op = Operation{
		ID:       w.ID,
		UserID:   w.UserID,
		ClientID: w.ClientID,
		Mutation: m,
	}
	if w.Timestamp != nil {
		op.Timestamp = *w.Timestamp
	}
	return nil
}
